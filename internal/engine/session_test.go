package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/chainbow/markitdown/internal/jsonrpc"
	"github.com/chainbow/markitdown/mcp"
	"github.com/chainbow/markitdown/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	cap := registry.NewCapability("upper",
		func(ctx context.Context, a struct {
			Text string `json:"text"`
		}) (*mcp.CallToolResult, error) {
			if a.Text == "boom" {
				return nil, fmt.Errorf("upstream exploded")
			}
			return &mcp.CallToolResult{Content: mcp.TextContent("TEXT:" + a.Text)}, nil
		},
		registry.WithDescription("uppercase text"),
	)
	if err := r.Register(cap); err != nil {
		t.Fatal(err)
	}
	return r
}

func mustFrame(t *testing.T, method string, id any, params any) []byte {
	t.Helper()
	req := jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}
	if id != nil {
		req.ID = jsonrpc.NewRequestID(id)
	}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		req.Params = b
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func initializeSession(t *testing.T, s *Session) *mcp.InitializeResult {
	t.Helper()
	resp, err := s.HandleMessage(context.Background(), mustFrame(t, string(mcp.InitializeMethod), "init-1", mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize response: %+v", resp)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	return &res
}

func TestInitialize_HappyPath(t *testing.T) {
	s := NewSession(newTestRegistry(t), WithServerInfo(mcp.ImplementationInfo{Name: "test", Version: "1.0.0"}))
	if s.State() != StateUninitialized {
		t.Fatalf("fresh session state: %s", s.State())
	}

	res := initializeSession(t, s)
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("protocol version: %s", res.ProtocolVersion)
	}
	if res.ServerInfo.Name != "test" {
		t.Fatalf("server info: %+v", res.ServerInfo)
	}
	if res.Capabilities.Tools == nil {
		t.Fatal("tools capability not advertised")
	}
	if s.State() != StateReady {
		t.Fatalf("post-handshake state: %s", s.State())
	}
}

func TestInitialize_VersionNegotiation(t *testing.T) {
	cases := []struct {
		requested string
		want      string
	}{
		{"2025-06-18", "2025-06-18"},
		{"2024-11-05", "2024-11-05"},
		{"1999-01-01", mcp.LatestProtocolVersion},
		{"", mcp.LatestProtocolVersion},
	}
	for _, tc := range cases {
		s := NewSession(newTestRegistry(t))
		resp, err := s.HandleMessage(context.Background(), mustFrame(t, string(mcp.InitializeMethod), 1, mcp.InitializeRequest{ProtocolVersion: tc.requested}))
		if err != nil || resp.Error != nil {
			t.Fatalf("initialize(%q): err=%v resp=%+v", tc.requested, err, resp)
		}
		var res mcp.InitializeResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatal(err)
		}
		if res.ProtocolVersion != tc.want {
			t.Fatalf("requested %q: negotiated %q, want %q", tc.requested, res.ProtocolVersion, tc.want)
		}
	}
}

func TestSequenceViolation_ClosesSession(t *testing.T) {
	s := NewSession(newTestRegistry(t))

	resp, err := s.HandleMessage(context.Background(), mustFrame(t, string(mcp.ToolsListMethod), 1, nil))
	if !errors.Is(err, ErrProtocolSequence) {
		t.Fatalf("expected ErrProtocolSequence, got %v", err)
	}
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected InvalidRequest error frame, got %+v", resp)
	}
	if resp.ID.String() != "1" {
		t.Fatalf("error frame must echo the offending ID, got %q", resp.ID.String())
	}
	if s.State() != StateClosed {
		t.Fatalf("post-violation state: %s", s.State())
	}

	// Frames after close are ignored, not answered.
	resp, err = s.HandleMessage(context.Background(), mustFrame(t, string(mcp.PingMethod), 2, nil))
	if err != nil || resp != nil {
		t.Fatalf("closed session should ignore frames, got resp=%+v err=%v", resp, err)
	}
}

func TestRedundantInitialize_Rejected(t *testing.T) {
	s := NewSession(newTestRegistry(t))
	initializeSession(t, s)

	resp, err := s.HandleMessage(context.Background(), mustFrame(t, string(mcp.InitializeMethod), 2, mcp.InitializeRequest{}))
	if err != nil {
		t.Fatalf("redundant initialize must not be fatal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %+v", resp)
	}
	if s.State() != StateReady {
		t.Fatalf("session must stay Ready, got %s", s.State())
	}
}

func TestParseError_Frame(t *testing.T) {
	s := NewSession(newTestRegistry(t))
	initializeSession(t, s)

	resp, err := s.HandleMessage(context.Background(), []byte(`{not json`))
	if err != nil {
		t.Fatalf("parse failure must not be fatal: %v", err)
	}
	if resp == nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error frame, got %+v", resp)
	}
	if !resp.ID.IsNil() {
		t.Fatalf("parse error frame must carry a null ID, got %v", resp.ID)
	}
	if s.State() != StateReady {
		t.Fatalf("session must survive a parse error, got %s", s.State())
	}
}

func TestPing(t *testing.T) {
	s := NewSession(newTestRegistry(t))
	initializeSession(t, s)

	resp, err := s.HandleMessage(context.Background(), mustFrame(t, string(mcp.PingMethod), "p1", nil))
	if err != nil || resp.Error != nil {
		t.Fatalf("ping: err=%v resp=%+v", err, resp)
	}
	if resp.ID.String() != "p1" {
		t.Fatalf("ping response ID: %q", resp.ID.String())
	}
}

func TestNotifications_ProduceNoResponse(t *testing.T) {
	s := NewSession(newTestRegistry(t))
	initializeSession(t, s)

	for _, method := range []string{string(mcp.InitializedNotificationMethod), "notifications/whatever"} {
		resp, err := s.HandleMessage(context.Background(), mustFrame(t, method, nil, nil))
		if err != nil || resp != nil {
			t.Fatalf("notification %q: resp=%+v err=%v", method, resp, err)
		}
	}
}

func TestToolsList(t *testing.T) {
	s := NewSession(newTestRegistry(t))
	initializeSession(t, s)

	resp, err := s.HandleMessage(context.Background(), mustFrame(t, string(mcp.ToolsListMethod), 7, nil))
	if err != nil || resp.Error != nil {
		t.Fatalf("tools/list: err=%v resp=%+v", err, resp)
	}
	var res mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "upper" {
		t.Fatalf("unexpected tools: %+v", res.Tools)
	}
	if res.Tools[0].InputSchema.Type != "object" {
		t.Fatalf("schema missing: %+v", res.Tools[0].InputSchema)
	}
}

func TestToolsCall_HappyPath(t *testing.T) {
	s := NewSession(newTestRegistry(t))
	initializeSession(t, s)

	params := mcp.CallToolRequest{Name: "upper", Arguments: json.RawMessage(`{"text":"hi"}`)}
	resp, err := s.HandleMessage(context.Background(), mustFrame(t, string(mcp.ToolsCallMethod), 42, params))
	if err != nil || resp.Error != nil {
		t.Fatalf("tools/call: err=%v resp=%+v", err, resp)
	}
	if resp.ID.String() != "42" {
		t.Fatalf("response ID: %q", resp.ID.String())
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Text() != "TEXT:hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestToolsCall_HandlerFailureIsResultNotError(t *testing.T) {
	s := NewSession(newTestRegistry(t))
	initializeSession(t, s)

	params := mcp.CallToolRequest{Name: "upper", Arguments: json.RawMessage(`{"text":"boom"}`)}
	resp, err := s.HandleMessage(context.Background(), mustFrame(t, string(mcp.ToolsCallMethod), 1, params))
	if err != nil {
		t.Fatalf("handler failure must not be fatal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("conversion failure belongs in the result envelope, got %+v", resp.Error)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatalf("expected isError result, got %+v", res)
	}

	// Session stays usable.
	if s.State() != StateReady {
		t.Fatalf("state after conversion failure: %s", s.State())
	}
	resp, err = s.HandleMessage(context.Background(), mustFrame(t, string(mcp.PingMethod), 2, nil))
	if err != nil || resp.Error != nil {
		t.Fatalf("ping after failure: err=%v resp=%+v", err, resp)
	}
}

func TestToolsCall_ValidationError(t *testing.T) {
	s := NewSession(newTestRegistry(t))
	initializeSession(t, s)

	params := mcp.CallToolRequest{Name: "upper", Arguments: json.RawMessage(`{"text":42}`)}
	resp, err := s.HandleMessage(context.Background(), mustFrame(t, string(mcp.ToolsCallMethod), 1, params))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", resp)
	}
}

func TestToolsCall_UnknownTool(t *testing.T) {
	s := NewSession(newTestRegistry(t))
	initializeSession(t, s)

	params := mcp.CallToolRequest{Name: "nope", Arguments: json.RawMessage(`{}`)}
	resp, err := s.HandleMessage(context.Background(), mustFrame(t, string(mcp.ToolsCallMethod), 1, params))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected InvalidParams for unknown tool, got %+v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := NewSession(newTestRegistry(t))
	initializeSession(t, s)

	resp, err := s.HandleMessage(context.Background(), mustFrame(t, "resources/list", 1, nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp)
	}
}

func TestSessionIDs_Distinct(t *testing.T) {
	a := NewSession(newTestRegistry(t))
	b := NewSession(newTestRegistry(t))
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("session IDs must be distinct and non-empty: %q vs %q", a.ID(), b.ID())
	}
}
