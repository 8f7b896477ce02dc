package modreg

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// BridgeOption configures Bridge behavior.
type BridgeOption func(*bridgeConfig)

type bridgeConfig struct {
	policy PolicyFunc
	audit  AuditFunc
}

// WithPolicy adds a policy check before each unit execution.
func WithPolicy(fn PolicyFunc) BridgeOption {
	return func(c *bridgeConfig) { c.policy = fn }
}

// WithAudit adds an audit hook called after each unit execution.
func WithAudit(fn AuditFunc) BridgeOption {
	return func(c *bridgeConfig) { c.audit = fn }
}

// Bridge mirrors the registry's units into an MCP server as tools. Call
// Sync after every load or evict; it registers new units, re-registers
// units whose version changed, and removes units that are gone.
//
// Handlers resolve Execute at call time, so a reload between Syncs already
// serves the new behavior; Sync only refreshes the advertised schema and
// description. Tool errors go through result.SetError, a non-nil handler
// error would surface as a protocol error instead.
type Bridge struct {
	srv *mcp.Server
	reg *Registry
	cfg bridgeConfig

	mu         sync.Mutex
	registered map[string]int
}

// NewBridge creates a bridge between reg and srv. No units are advertised
// until the first Sync.
func NewBridge(srv *mcp.Server, reg *Registry, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		srv:        srv,
		reg:        reg,
		registered: make(map[string]int),
	}
	for _, o := range opts {
		o(&b.cfg)
	}
	return b
}

// Sync reconciles the MCP server's tool list with the registry.
func (b *Bridge) Sync() {
	units := b.reg.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(units))
	for _, u := range units {
		seen[u.Name] = true
		if ver, ok := b.registered[u.Name]; ok && ver == u.Version {
			continue
		}
		b.registerUnit(u)
		b.registered[u.Name] = u.Version
	}

	var gone []string
	for name := range b.registered {
		if !seen[name] {
			gone = append(gone, name)
			delete(b.registered, name)
		}
	}
	if len(gone) > 0 {
		b.srv.RemoveTools(gone...)
	}
}

func (b *Bridge) registerUnit(u *ToolUnit) {
	tool := &mcp.Tool{
		Name:        u.Name,
		Description: u.Description,
		InputSchema: json.RawMessage(mustMarshal(u.InputSchema)),
	}

	name := u.Name
	b.srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if b.cfg.policy != nil {
			if err := b.cfg.policy(ctx, name); err != nil {
				var res mcp.CallToolResult
				res.SetError(err)
				return &res, nil
			}
		}

		var params map[string]any
		if req.Params.Arguments != nil {
			if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("%s: invalid arguments: %w", name, err))
				return &res, nil
			}
		}

		version := 0
		if cur, ok := b.reg.Get(name); ok {
			version = cur.Version
		}

		start := time.Now()
		result, execErr := b.reg.Execute(ctx, name, params)
		duration := time.Since(start)

		if b.cfg.audit != nil {
			b.cfg.audit(ctx, name, version, params, result, execErr, duration)
		}

		if execErr != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("%s: %w", name, execErr))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: result}},
		}, nil
	})
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("modreg: marshal input schema: %v", err))
	}
	return data
}
