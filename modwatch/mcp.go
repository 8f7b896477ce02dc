package modwatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/modwatch/kit"
	"github.com/hazyhaar/modwatch/modreg"
)

// RegisterMCP puts the daemon on an MCP server: the dynamic units through
// the registry bridge, plus the admin tools. The bridge re-syncs after
// every sweep that changed the registry, so the tool list follows the
// files on disk.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	b := modreg.NewBridge(srv, s.reg, modreg.WithAudit(s.auditExec))
	b.Sync()
	s.bridgeMu.Lock()
	s.bridge = b
	s.bridgeMu.Unlock()

	s.registerStatusTool(srv)
	s.registerUnitsTool(srv)
	s.registerScanTool(srv)
	s.registerJournalTool(srv)
}

// auditExec records every dynamic-unit execution that came through MCP.
func (s *Service) auditExec(ctx context.Context, unit string, version int, _ map[string]any, _ string, err error, d time.Duration) {
	if err != nil {
		s.logger.Warn("modwatch: unit execution failed",
			"unit", unit, "version", version, "session", kit.GetSessionID(ctx),
			"duration", d, "error", err)
		return
	}
	s.logger.Debug("modwatch: unit executed",
		"unit", unit, "version", version, "session", kit.GetSessionID(ctx),
		"duration", d)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func decodeNoArgs(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{Request: struct{}{}}, nil
}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "modwatch_status",
		Description: "Supervisor state, watermark, counters and unit count",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return s.Status(), nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeNoArgs)
}

func (s *Service) registerUnitsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "modwatch_units",
		Description: "List the loaded tool units and their backing files",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return s.reg.Snapshot(), nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeNoArgs)
}

func (s *Service) registerScanTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "modwatch_scan",
		Description: "Force an immediate sweep and return its report",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.sup.ScanNow(ctx)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeNoArgs)
}

func (s *Service) registerJournalTool(srv *mcp.Server) {
	type req struct {
		Unit  string `json:"unit"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "modwatch_journal",
		Description: "Recent scan history, or one unit's outcome history when unit is given",
		InputSchema: inputSchema(map[string]any{
			"unit":  map[string]any{"type": "string", "description": "Unit name; empty for all scans"},
			"limit": map[string]any{"type": "integer", "description": "Max rows, default 50"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Unit != "" {
			return s.journal.UnitHistory(ctx, p.Unit, p.Limit)
		}
		return s.journal.Recent(ctx, p.Limit)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
