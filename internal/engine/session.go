// Package engine implements the transport-agnostic protocol session: frame
// decoding, the initialization handshake state machine, and in-order dispatch
// of capability requests against a registry.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/chainbow/markitdown/internal/jsonrpc"
	"github.com/chainbow/markitdown/internal/logctx"
	"github.com/chainbow/markitdown/mcp"
	"github.com/chainbow/markitdown/registry"
	"github.com/google/uuid"
)

// State is the lifecycle state of a protocol session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateClosed        State = "closed"
)

// ErrProtocolSequence reports a frame other than the initialize handshake
// arriving while the session is uninitialized. It is fatal to the session
// only; the transport must tear the session down.
var ErrProtocolSequence = errors.New("protocol sequence violation: session not initialized")

// Session is one logical protocol conversation bound to a single transport
// connection. Frames are dispatched strictly in arrival order: HandleMessage
// holds the session lock for the full dispatch, so a second request submitted
// before the first completes is queued, never interleaved.
type Session struct {
	id           string
	reg          *registry.Registry
	log          *slog.Logger
	serverInfo   mcp.ImplementationInfo
	instructions string

	mu    sync.Mutex
	state State
}

// Option configures a Session.
type Option func(*Session)

// WithLogger overrides the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithServerInfo sets the identity advertised during the handshake.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(s *Session) { s.serverInfo = info }
}

// WithInstructions sets the instructions string returned by initialize.
func WithInstructions(instr string) Option {
	return func(s *Session) { s.instructions = instr }
}

// NewSession constructs an uninitialized session dispatching against reg.
func NewSession(reg *registry.Registry, opts ...Option) *Session {
	s := &Session{
		id:    uuid.NewString(),
		reg:   reg,
		log:   slog.Default(),
		state: StateUninitialized,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close transitions the session to Closed. Frames arriving afterwards are
// ignored. Closing twice is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// HandleMessage decodes one well-formed frame (framing is transport-owned)
// and returns the outbound response frame, or nil when the frame is a
// notification or must be ignored. A decode failure yields an error frame
// with a null correlation ID and never crashes the session. A handshake-order
// violation returns ErrProtocolSequence alongside the error frame; the
// session is closed.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) (*jsonrpc.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		s.log.DebugContext(ctx, "session.frame.ignored")
		return nil, nil
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.WarnContext(ctx, "rpc.decode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil), nil
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	req := msg.AsRequest()

	if s.state == StateUninitialized {
		if req == nil || req.Method != string(mcp.InitializeMethod) {
			s.state = StateClosed
			s.log.WarnContext(ctx, "session.sequence.violation")
			resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "expected initialize request", nil)
			return resp, ErrProtocolSequence
		}
		return s.handleInitialize(ctx, req), nil
	}

	if req == nil {
		// The server issues no requests of its own, so inbound response
		// frames have nothing to correlate with.
		s.log.WarnContext(ctx, "rpc.response.unexpected")
		return nil, nil
	}

	if req.IsNotification() {
		if req.Method != string(mcp.InitializedNotificationMethod) {
			s.log.DebugContext(ctx, "rpc.notification.ignored")
		}
		return nil, nil
	}

	return s.dispatch(ctx, req), nil
}

// handleInitialize acknowledges the handshake and transitions to Ready.
func (s *Session) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.log.WarnContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}

	res := &mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(params.ProtocolVersion),
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{},
		},
		ServerInfo:   s.serverInfo,
		Instructions: s.instructions,
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		s.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	s.state = StateReady
	s.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocol_version", res.ProtocolVersion))
	return resp
}

// dispatch resolves and invokes the method of a Ready-state request, wrapping
// every failure mode into the response frame. It never panics or errors past
// this boundary.
func (s *Session) dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case string(mcp.InitializeMethod):
		s.log.WarnContext(ctx, "session.initialize.redundant")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
	case string(mcp.PingMethod):
		return s.resultResponse(ctx, req.ID, &mcp.EmptyResult{})
	case string(mcp.ToolsListMethod):
		return s.handleToolsList(ctx, req)
	case string(mcp.ToolsCallMethod):
		return s.handleToolsCall(ctx, req)
	}
	s.log.InfoContext(ctx, "rpc.method.unknown")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
}

func (s *Session) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}
	res := &mcp.ListToolsResult{Tools: s.reg.Descriptors()}
	s.log.InfoContext(ctx, "tools.list.ok", slog.Int("tool_count", len(res.Tools)))
	return s.resultResponse(ctx, req.ID, res)
}

func (s *Session) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.log.InfoContext(ctx, "tools.call.invalid")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	res, err := s.reg.Invoke(ctx, params.Name, params.Arguments)
	if err != nil {
		var verr *registry.ValidationError
		switch {
		case errors.As(err, &verr):
			s.log.InfoContext(ctx, "tools.call.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		case errors.Is(err, registry.ErrUnknownCapability):
			s.log.InfoContext(ctx, "tools.call.unknown", slog.String("tool", params.Name))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		default:
			// Conversion failure: reported inside the result envelope, the
			// session stays Ready and other requests are unaffected.
			s.log.InfoContext(ctx, "tools.call.fail", slog.String("err", err.Error()))
			return s.resultResponse(ctx, req.ID, &mcp.CallToolResult{
				Content: mcp.TextContent(err.Error()),
				IsError: true,
			})
		}
	}

	s.log.InfoContext(ctx, "tools.call.ok", slog.String("tool", params.Name))
	return s.resultResponse(ctx, req.ID, res)
}

func (s *Session) resultResponse(ctx context.Context, id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		s.log.ErrorContext(ctx, "rpc.result.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}
