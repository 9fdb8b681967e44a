package control

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/kit"
)

// RegisterMCP registers the flagswap tools on srv.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerListAssetsTool(srv)
	s.registerGetAssetTool(srv)
	s.registerSetAssetTool(srv)
	s.registerStatsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
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

func (s *Service) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Logging(s.logger, name)(ep)
}

// --- list_assets ---

func (s *Service) registerListAssetsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "flagswap_list_assets",
		Description: "List the replacement flags that can be selected, marking the default and the current selection.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.ListAssets(ctx)
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.NoArgs)
}

// --- get_asset ---

type getAssetRequest struct {
	ID string `json:"id,omitempty"`
}

func (s *Service) registerGetAssetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "flagswap_get_asset",
		Description: "Get the selected replacement flag, or describe one asset (with its data URL) when an id is given.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Asset id (e.g. pirate). Omit for the current selection."},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getAssetRequest)
		if r.ID == "" {
			return s.Selected(ctx)
		}
		return s.Asset(ctx, asset.ID(r.ID))
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeJSON[getAssetRequest]())
}

// --- set_asset ---

type setAssetRequest struct {
	ID string `json:"id"`
}

func (s *Service) registerSetAssetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "flagswap_set_asset",
		Description: "Select the replacement flag. Open pages are rewritten with it.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Asset id from flagswap_list_assets"},
		}, []string{"id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*setAssetRequest)
		if r.ID == "" {
			return nil, errors.New("id is required")
		}
		return s.Select(ctx, asset.ID(r.ID))
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeJSON[setAssetRequest]())
}

// --- stats ---

func (s *Service) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "flagswap_stats",
		Description: "Get rewrite statistics of the running host.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(context.Context, any) (any, error) {
		return s.Stats(), nil
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.NoArgs)
}
