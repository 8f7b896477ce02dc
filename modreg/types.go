// Package modreg is the dynamic tool unit registry: callable tool
// definitions parsed from per-unit YAML files into the running process and
// served over MCP and HTTP. It implements the reload engine's Registry
// interface, so editing a unit file on disk is enough to change the tool a
// running daemon serves.
package modreg

import (
	"context"
	"text/template"
	"time"
)

// ToolUnit is one loaded unit: a callable tool definition and the file that
// backs it.
type ToolUnit struct {
	Name        string         `yaml:"name" json:"name"`
	Version     int            `yaml:"version" json:"version"`
	Category    string         `yaml:"category" json:"category"`
	Description string         `yaml:"description" json:"description"`
	Active      bool           `yaml:"active" json:"active"`
	Handler     Handler        `yaml:"handler" json:"handler"`
	InputSchema map[string]any `yaml:"input_schema" json:"input_schema"`

	// Path is the backing file the unit was loaded from.
	Path string `yaml:"-" json:"path"`
	// LoadedAt is when this version entered the registry.
	LoadedAt time.Time `yaml:"-" json:"loaded_at"`

	// tmpl is the parsed body for template handlers.
	tmpl *template.Template
}

// Handler describes how a unit executes.
type Handler struct {
	// Type is one of HandlerSQLQuery, HandlerGoFunction, HandlerTemplate.
	Type string `yaml:"type" json:"type"`
	// Query is the SQL statement for sql_query handlers.
	Query string `yaml:"query,omitempty" json:"query,omitempty"`
	// Params names the input fields bound, in order, to the query's
	// placeholders.
	Params []string `yaml:"params,omitempty" json:"params,omitempty"`
	// Func names a registered Go function for go_function handlers.
	Func string `yaml:"func,omitempty" json:"func,omitempty"`
	// Template is the text/template body for template handlers.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

// Valid values for Handler.Type.
const (
	HandlerSQLQuery   = "sql_query"
	HandlerGoFunction = "go_function"
	HandlerTemplate   = "template"
)

// GoFunc is a host-registered Go function callable from a unit with
// handler type "go_function".
type GoFunc func(ctx context.Context, params map[string]any) (string, error)

// PolicyFunc decides whether a unit call is allowed.
// Return nil to allow, non-nil error to deny.
type PolicyFunc func(ctx context.Context, unit string) error

// AuditFunc records a unit execution for observability.
// version captures which version of the unit definition ran.
type AuditFunc func(ctx context.Context, unit string, version int, params map[string]any, result string, err error, duration time.Duration)
