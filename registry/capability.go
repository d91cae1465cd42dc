package registry

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/chainbow/markitdown/mcp"
	"github.com/invopop/jsonschema"
)

// CapabilityOption configures NewCapability behavior.
type CapabilityOption func(*capabilityConfig)

type capabilityConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the capability description used in listings.
func WithDescription(desc string) CapabilityOption {
	return func(c *capabilityConfig) { c.description = desc }
}

// WithAllowAdditionalProperties controls whether unknown argument fields are
// allowed. When false (default), the generated schema sets
// additionalProperties=false and decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) CapabilityOption {
	return func(c *capabilityConfig) { c.allowAdditionalProperties = allow }
}

// NewCapability builds a Capability from a typed args struct A. It reflects a
// JSON Schema from A, down-converts it to the simplified tool input schema,
// and wraps the handler with strict JSON decoding of the arguments.
func NewCapability[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...CapabilityOption) *Capability {
	cfg := capabilityConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
		var a A
		if len(args) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, &ValidationError{Field: "", Reason: err.Error()}
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(args))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return nil, &ValidationError{Field: "", Reason: err.Error()}
				}
			}
		}
		return fn(ctx, a)
	}

	return &Capability{Descriptor: desc, Handler: handler}
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema and
// converts it to the simplified mcp.ToolInputSchema. Non-object shapes map to
// an empty object schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema node to the simplified
// mcp.SchemaProperty.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
