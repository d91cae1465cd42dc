package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/chainbow/markitdown/mcp"
)

func textResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: mcp.TextContent(s)}
}

// echoCap returns a capability that records invocations and echoes its "text"
// argument.
func echoCap(name string, calls *int) *Capability {
	return &Capability{
		Descriptor: mcp.Tool{
			Name: name,
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]mcp.SchemaProperty{
					"text": {Type: "string"},
				},
				Required: []string{"text"},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
			if calls != nil {
				*calls++
			}
			var a struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			return textResult(a.Text), nil
		},
	}
}

func TestRegister_DuplicateNameRejected(t *testing.T) {
	r := New()
	if err := r.Register(echoCap("echo", nil)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(echoCap("echo", nil))
	if !errors.Is(err, ErrDuplicateCapability) {
		t.Fatalf("expected ErrDuplicateCapability, got %v", err)
	}
}

func TestRegister_RequiresName(t *testing.T) {
	r := New()
	if err := r.Register(&Capability{}); err == nil {
		t.Fatal("expected error for unnamed capability")
	}
}

func TestResolve_Unknown(t *testing.T) {
	r := New()
	_, err := r.Resolve("nope")
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability, got %v", err)
	}
}

func TestDescriptors_RegistrationOrder(t *testing.T) {
	r := New()
	for _, name := range []string{"c", "a", "b"} {
		if err := r.Register(echoCap(name, nil)); err != nil {
			t.Fatal(err)
		}
	}
	descs := r.Descriptors()
	if len(descs) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(descs))
	}
	for i, want := range []string{"c", "a", "b"} {
		if descs[i].Name != want {
			t.Fatalf("descriptor %d: expected %q, got %q", i, want, descs[i].Name)
		}
	}
}

func TestInvoke_HappyPath(t *testing.T) {
	r := New()
	calls := 0
	if err := r.Register(echoCap("echo", &calls)); err != nil {
		t.Fatal(err)
	}

	res, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Text() != "hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, expected exactly once", calls)
	}
}

func TestInvoke_ValidationRunsBeforeHandler(t *testing.T) {
	r := New()
	calls := 0
	if err := r.Register(echoCap("echo", &calls)); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		args json.RawMessage
	}{
		{"missing required field", json.RawMessage(`{}`)},
		{"wrong type", json.RawMessage(`{"text":42}`)},
		{"unexpected field", json.RawMessage(`{"text":"hi","extra":true}`)},
		{"non-object arguments", json.RawMessage(`[1,2]`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Invoke(context.Background(), "echo", tc.args)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if calls != 0 {
		t.Fatalf("handler ran %d times on rejected invocations", calls)
	}
}

func TestInvoke_HandlerFailureWrapped(t *testing.T) {
	r := New()
	boom := fmt.Errorf("upstream exploded")
	cap := &Capability{
		Descriptor: mcp.Tool{Name: "bad", InputSchema: mcp.ToolInputSchema{Type: "object"}},
		Handler: func(ctx context.Context, _ json.RawMessage) (*mcp.CallToolResult, error) {
			return nil, boom
		},
	}
	if err := r.Register(cap); err != nil {
		t.Fatal(err)
	}

	_, err := r.Invoke(context.Background(), "bad", nil)
	var cerr *ConversionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConversionError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("wrapped error lost the cause: %v", err)
	}
}

func TestInvoke_UnknownCapability(t *testing.T) {
	r := New()
	_, err := r.Invoke(context.Background(), "nope", nil)
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability, got %v", err)
	}
}

func TestNewCapability_SchemaReflection(t *testing.T) {
	type args struct {
		URI   string `json:"uri"`
		Depth int    `json:"depth,omitempty"`
	}
	cap := NewCapability("probe", func(ctx context.Context, a args) (*mcp.CallToolResult, error) {
		return textResult(a.URI), nil
	}, WithDescription("probe a uri"))

	s := cap.Descriptor.InputSchema
	if s.Type != "object" {
		t.Fatalf("schema type: %q", s.Type)
	}
	if got := s.Properties["uri"].Type; got != "string" {
		t.Fatalf("uri property type: %q", got)
	}
	if got := s.Properties["depth"].Type; got != "integer" {
		t.Fatalf("depth property type: %q", got)
	}
	var hasURI bool
	for _, req := range s.Required {
		if req == "uri" {
			hasURI = true
		}
		if req == "depth" {
			t.Fatal("omitempty field must not be required")
		}
	}
	if !hasURI {
		t.Fatalf("uri missing from required: %v", s.Required)
	}
	if s.AdditionalProperties {
		t.Fatal("additionalProperties should default to false")
	}
	if cap.Descriptor.Description != "probe a uri" {
		t.Fatalf("description: %q", cap.Descriptor.Description)
	}
}

func TestNewCapability_StrictDecode(t *testing.T) {
	type args struct {
		URI string `json:"uri"`
	}
	cap := NewCapability("probe", func(ctx context.Context, a args) (*mcp.CallToolResult, error) {
		return textResult(a.URI), nil
	})

	_, err := cap.Handler(context.Background(), json.RawMessage(`{"uri":"x","bogus":1}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for unknown field, got %v", err)
	}
}

func TestNewCapability_AllowAdditionalProperties(t *testing.T) {
	type args struct {
		URI string `json:"uri"`
	}
	cap := NewCapability("probe", func(ctx context.Context, a args) (*mcp.CallToolResult, error) {
		return textResult(a.URI), nil
	}, WithAllowAdditionalProperties(true))

	if !cap.Descriptor.InputSchema.AdditionalProperties {
		t.Fatal("schema should allow additional properties")
	}
	res, err := cap.Handler(context.Background(), json.RawMessage(`{"uri":"x","bogus":1}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.Text() != "x" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
