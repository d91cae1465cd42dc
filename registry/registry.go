// Package registry holds the named capabilities a server exposes and owns
// argument validation and invocation. A registry is an explicit value handed
// to each transport at construction; there is no process-wide instance.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chainbow/markitdown/mcp"
)

// Handler executes a capability invocation against raw, schema-validated
// arguments.
type Handler func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

// Capability pairs a tool descriptor with its handler. Immutable after
// registration.
type Capability struct {
	Descriptor mcp.Tool
	Handler    Handler
}

// Registry is a threadsafe name → capability table.
type Registry struct {
	mu    sync.RWMutex
	caps  map[string]*Capability
	order []string
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{caps: make(map[string]*Capability)}
}

// Register adds a capability. It fails with ErrDuplicateCapability when the
// name is already taken.
func (r *Registry) Register(c *Capability) error {
	if c == nil || c.Descriptor.Name == "" {
		return fmt.Errorf("capability requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.Descriptor.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Descriptor.Name)
	}
	r.caps[c.Descriptor.Name] = c
	r.order = append(r.order, c.Descriptor.Name)
	return nil
}

// Resolve looks up a capability by name, failing with ErrUnknownCapability.
func (r *Registry) Resolve(name string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return c, nil
}

// Descriptors returns the registered tool descriptors in registration order.
func (r *Registry) Descriptors() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.caps[name].Descriptor)
	}
	return out
}

// Invoke resolves, validates, and invokes a capability. Validation happens
// before invocation, so a ValidationError guarantees the handler never ran.
// Handler failures are wrapped in a ConversionError; the handler runs exactly
// once per accepted invocation.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	c, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if err := validateArguments(c.Descriptor.InputSchema, args); err != nil {
		return nil, err
	}
	res, err := c.Handler(ctx, args)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, &ConversionError{err: err}
	}
	return res, nil
}

// validateArguments checks the raw arguments against a (flat, object-shaped)
// input schema: required fields must be present and every present field must
// match its declared type.
func validateArguments(schema mcp.ToolInputSchema, args json.RawMessage) error {
	vals := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &vals); err != nil {
			return &ValidationError{Field: "", Reason: "arguments must be a JSON object"}
		}
	}

	for _, req := range schema.Required {
		if _, ok := vals[req]; !ok {
			return &ValidationError{Field: req, Reason: "required field is missing"}
		}
	}

	for name, val := range vals {
		prop, ok := schema.Properties[name]
		if !ok {
			if schema.AdditionalProperties {
				continue
			}
			return &ValidationError{Field: name, Reason: "unexpected field"}
		}
		if prop.Type == "" || val == nil {
			continue
		}
		if !matchesType(prop.Type, val) {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("expected %s", prop.Type)}
		}
	}
	return nil
}

func matchesType(typ string, val any) bool {
	switch typ {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		_, ok := val.(float64)
		return ok
	case "integer":
		f, ok := val.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	default:
		return true
	}
}
