package convert

import (
	"context"

	"github.com/chainbow/markitdown/internal/logctx"
	"github.com/chainbow/markitdown/mcp"
	"github.com/chainbow/markitdown/registry"
)

// CapabilityName is the single capability this server exposes.
const CapabilityName = "convert_to_markdown"

// Args is the tool input: one required uri string.
type Args struct {
	URI string `json:"uri" jsonschema:"description=URI of the resource to convert (http / https / file / data scheme)"`
}

// NewCapability wraps a Converter as the convert_to_markdown capability.
func NewCapability(c Converter) *registry.Capability {
	return registry.NewCapability(CapabilityName,
		func(ctx context.Context, a Args) (*mcp.CallToolResult, error) {
			ctx = logctx.WithConvertData(ctx, &logctx.ConvertData{URI: a.URI})
			md, err := c.Convert(ctx, a.URI)
			if err != nil {
				return nil, err
			}
			return &mcp.CallToolResult{Content: mcp.TextContent(md)}, nil
		},
		registry.WithDescription("Convert a resource described by an http:, https:, file: or data: URI to markdown"),
	)
}
