package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chainbow/markitdown/convert"
	"github.com/chainbow/markitdown/internal/engine"
	"github.com/chainbow/markitdown/internal/jsonrpc"
	"github.com/chainbow/markitdown/internal/logctx"
	"github.com/chainbow/markitdown/mcp"
	"github.com/chainbow/markitdown/registry"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

// ErrUnknownSession is returned when a posted frame names a session token
// that does not exist or has already closed.
var ErrUnknownSession = errors.New("unknown or closed session token")

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	ssePath      = "/sse"
	messagesPath = "/messages/"
	convertPath  = "/convert"

	sessionTokenParam = "session_id"

	maxPostBodyBytes = 4 << 20 // 4 MiB per inbound frame
	frameQueueDepth  = 16
)

// writeJSONError emits a JSON error envelope for HTTP-layer rejections. This
// is transport-level, not JSON-RPC: no frame could be (or should be)
// correlated.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger     *slog.Logger
	serverInfo mcp.ImplementationInfo
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithServerInfo sets the identity advertised during the handshake.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *newConfig) { c.serverInfo = info }
}

// Handler serves the SSE transport and the convenience conversion endpoint.
// Sessions are process-local: the token table lives here and is discarded
// with the handler.
type Handler struct {
	mux        *http.ServeMux
	log        *slog.Logger
	reg        *registry.Registry
	serverInfo mcp.ImplementationInfo

	mu       sync.Mutex
	sessions map[string]*session
}

// session owns the per-connection plumbing: an inbound frame channel feeding
// the engine pump and an outbound frame channel feeding the stream writer.
// done is closed exactly once when the stream tears down; enqueue attempts
// racing with teardown resolve to ErrUnknownSession.
type session struct {
	token    string
	eng      *engine.Session
	inbound  chan json.RawMessage
	outbound chan *jsonrpc.Response
	done     chan struct{}
	closing  sync.Once
}

func (s *session) close() {
	s.closing.Do(func() {
		close(s.done)
		s.eng.Close()
	})
}

// New constructs an SSE transport Handler dispatching against reg.
func New(reg *registry.Registry, opts ...Option) *Handler {
	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:        slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		reg:        reg,
		serverInfo: cfg.serverInfo,
		sessions:   make(map[string]*session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", ssePath), h.handleSSE)
	mux.HandleFunc(fmt.Sprintf("POST %s", messagesPath), h.handlePostMessage)
	mux.HandleFunc(fmt.Sprintf("POST %s", convertPath), h.handleConvert)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// SessionCount reports the number of live sessions (test hook).
func (h *Handler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// handleSSE is the stream-open surface: it creates a session, announces the
// message endpoint carrying the fresh token, and pushes outbound frames until
// the peer disconnects. A reconnecting peer gets a new session and token;
// old sessions are never resumed.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(ctx, "sse.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	eng := engine.NewSession(h.reg,
		engine.WithLogger(h.log),
		engine.WithServerInfo(h.serverInfo),
	)
	sess := &session{
		token:    eng.ID(),
		eng:      eng,
		inbound:  make(chan json.RawMessage, frameQueueDepth),
		outbound: make(chan *jsonrpc.Response, frameQueueDepth),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[sess.token] = sess
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, sess.token)
		h.mu.Unlock()
		sess.close()
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	}()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.token,
		Transport: "sse",
	})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	endpoint := fmt.Sprintf("%s?%s=%s", messagesPath, sessionTokenParam, sess.token)
	if err := writeSSEEvent(wf, "endpoint", []byte(endpoint)); err != nil {
		h.log.ErrorContext(ctx, "sse.handshake.write.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.start")

	// Engine pump: drains inbound frames in arrival order so responses are
	// emitted in dispatch order, while the stream writer below stays free to
	// deliver frames for this session concurrently with other sessions'
	// conversions. A handshake violation enqueues its error frame, then
	// closes the session; the writer drains what is queued and ends the
	// stream.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.done:
				return
			case frame := <-sess.inbound:
				resp, err := sess.eng.HandleMessage(ctx, frame)
				if resp != nil {
					select {
					case sess.outbound <- resp:
					case <-ctx.Done():
						return
					}
				}
				if err != nil {
					if errors.Is(err, engine.ErrProtocolSequence) {
						h.log.WarnContext(ctx, "sse.session.sequence_violation")
					}
					sess.close()
					return
				}
			}
		}
	}()

	deliver := func(resp *jsonrpc.Response) error {
		b, err := json.Marshal(resp)
		if err != nil {
			h.log.ErrorContext(ctx, "sse.frame.marshal.fail", slog.String("err", err.Error()))
			return nil
		}
		if err := writeSSEEvent(wf, "message", b); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.DebugContext(ctx, "sse.frame.deliver")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			// Session ended before the peer disconnected: flush anything the
			// pump queued, then end the stream.
			for {
				select {
				case resp := <-sess.outbound:
					if deliver(resp) != nil {
						return
					}
				default:
					return
				}
			}
		case resp := <-sess.outbound:
			if deliver(resp) != nil {
				return
			}
		}
	}
}

// handlePostMessage is the message-post surface: it locates the session by
// token, enqueues exactly one inbound frame, and acknowledges immediately.
// The acknowledgment is decoupled from response delivery, which happens on
// the stream-open surface.
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "messages.content_type.unsupported")
		return
	}

	token := r.URL.Query().Get(sessionTokenParam)
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session_id parameter")
		h.log.WarnContext(ctx, "messages.token.missing")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPostBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "messages.body.read.fail", slog.String("err", err.Error()))
		return
	}
	if len(body) == 0 || len(body) > maxPostBodyBytes {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		h.log.WarnContext(ctx, "messages.body.invalid")
		return
	}

	h.mu.Lock()
	sess, ok := h.sessions[token]
	h.mu.Unlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, ErrUnknownSession.Error())
		h.log.InfoContext(ctx, "messages.session.miss", slog.String("token", token))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.token,
		Transport: "sse",
	})

	// The select on done makes enqueue-after-teardown resolve to the unknown
	// token error rather than a lost frame.
	select {
	case sess.inbound <- json.RawMessage(body):
	case <-sess.done:
		writeJSONError(w, http.StatusNotFound, ErrUnknownSession.Error())
		h.log.InfoContext(ctx, "messages.session.closed")
		return
	}

	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "messages.frame.accepted")
}

// convertRequest is the convenience endpoint's JSON body.
type convertRequest struct {
	URI string `json:"uri"`
}

// handleConvert is the stateless single-shot surface: no session, no protocol
// framing. It invokes the registry's conversion capability directly.
func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "convert.content_type.unsupported")
		return
	}

	var req convertRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPostBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "convert.body.invalid", slog.String("err", err.Error()))
		return
	}
	if req.URI == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing required parameter: uri")
		h.log.InfoContext(ctx, "convert.uri.missing")
		return
	}

	args, err := json.Marshal(map[string]string{"uri": req.URI})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		h.log.ErrorContext(ctx, "convert.args.marshal.fail", slog.String("err", err.Error()))
		return
	}

	res, err := h.reg.Invoke(ctx, convert.CapabilityName, args)
	if err != nil {
		var verr *registry.ValidationError
		if errors.As(err, &verr) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			h.log.InfoContext(ctx, "convert.invoke.invalid", slog.String("err", err.Error()))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		h.log.InfoContext(ctx, "convert.invoke.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"markdown": res.Text()}); err != nil {
		h.log.ErrorContext(ctx, "convert.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "convert.ok", slog.Duration("dur", time.Since(start)))
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and a
// context. It serializes writes/flushes and refuses to write after ctx is
// canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event with the given event name and
// payload, flushing so the peer observes it immediately.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
