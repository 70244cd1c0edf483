package usage

import (
	"context"
	"encoding/json"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/plugmon/kit"
	"github.com/hazyhaar/plugmon/signal"
)

// Version is reported as the MCP implementation version. Set at build time.
var Version = "dev"

// NewMCPServer returns an MCP server with the plugmon tools registered.
func (m *Monitor) NewMCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "plugmon", Version: Version}, nil)
	m.RegisterMCP(srv)
	return srv
}

// RegisterMCP registers the plugmon tools on srv.
func (m *Monitor) RegisterMCP(srv *mcp.Server) {
	m.registerListModulesTool(srv)
	m.registerFingerprintTool(srv)
	m.registerResetTool(srv)
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

func decodeArgs[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

// --- list_modules ---

type listModulesRequest struct {
	ActiveOnly bool `json:"active_only,omitempty"`
}

type moduleSummary struct {
	Slug        string           `json:"slug"`
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Active      bool             `json:"active"`
	Used        bool             `json:"used"`
	Description string           `json:"description,omitempty"`
	Signals     map[string]*bool `json:"signals"`
}

func (m *Monitor) registerListModulesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "plugmon_list_modules",
		Description: "List installed modules with their activation state and usage signals.",
		InputSchema: inputSchema(map[string]any{
			"active_only": map[string]any{"type": "boolean", "description": "Only list active modules"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listModulesRequest)
		mods, err := m.agg.Modules(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]moduleSummary, 0, len(mods))
		for _, mod := range mods {
			if r.ActiveOnly && !mod.Active {
				continue
			}
			fp, err := m.agg.fingerprint(ctx, mod)
			if err != nil {
				return nil, err
			}
			desc, err := htmltomarkdown.ConvertString(mod.Description)
			if err != nil {
				desc = plainText.Sanitize(mod.Description)
			}
			out = append(out, moduleSummary{
				Slug:        mod.Slug,
				Name:        mod.Name,
				Version:     mod.Version,
				Active:      mod.Active,
				Used:        fp.Used(),
				Description: desc,
				Signals:     fp.Legacy(),
			})
		}
		return out, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs[listModulesRequest])
}

// --- fingerprint ---

type slugRequest struct {
	Slug string `json:"slug"`
}

func (m *Monitor) registerFingerprintTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "plugmon_fingerprint",
		Description: "Return every usage signal verdict of one module (state, confidence, observation time).",
		InputSchema: inputSchema(map[string]any{
			"slug": map[string]any{"type": "string", "description": "Module slug"},
		}, []string{"slug"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*slugRequest)
		fp, err := m.agg.Fingerprint(ctx, r.Slug)
		if err != nil {
			return nil, err
		}
		return struct {
			Slug        string             `json:"slug"`
			Used        bool               `json:"used"`
			Fingerprint signal.Fingerprint `json:"fingerprint"`
		}{r.Slug, fp.Used(), fp}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs[slugRequest])
}

// --- reset ---

func (m *Monitor) registerResetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "plugmon_reset",
		Description: "Clear collected evidence for one module, or for all modules when slug is omitted.",
		InputSchema: inputSchema(map[string]any{
			"slug": map[string]any{"type": "string", "description": "Module slug (omit to reset everything)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*slugRequest)
		if err := m.Reset(ctx, r.Slug); err != nil {
			return nil, err
		}
		return map[string]string{"status": "reset", "module": r.Slug}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeArgs[slugRequest])
}
