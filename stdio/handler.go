package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/chainbow/markitdown/internal/engine"
	"github.com/chainbow/markitdown/internal/logctx"
	"github.com/chainbow/markitdown/registry"
)

const maxFrameBytes = 4 << 20 // 4 MiB per inbound line

// Handler is the single-session stdio transport. It reads newline-delimited
// JSON-RPC frames from its reader, feeds each into the session engine, and
// writes every produced outbound frame to its writer as soon as it exists.
type Handler struct {
	r   io.Reader
	w   *frameWriter
	log *slog.Logger
	eng *engine.Session
}

// frameWriter serializes frame writes and appends the newline delimiter.
// Responses must reach the peer as they become available, so no buffering is
// layered on top of the destination writer.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) writeFrame(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// NewHandler constructs a stdio Handler dispatching against reg. By default
// it reads os.Stdin and writes os.Stdout.
func NewHandler(reg *registry.Registry, opts ...Option) *Handler {
	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})
	return &Handler{
		r:   cfg.reader,
		w:   &frameWriter{w: cfg.writer},
		log: log,
		eng: engine.NewSession(reg,
			engine.WithLogger(log),
			engine.WithServerInfo(cfg.serverInfo),
		),
	}
}

// Serve runs the read loop until end-of-stream or context cancellation. It
// returns nil on clean end-of-stream; the session is Closed either way. A
// handshake-order violation also ends the session and is returned to the
// caller.
func (h *Handler) Serve(ctx context.Context) error {
	defer h.eng.Close()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: h.eng.ID(),
		Transport: "stdio",
	})
	h.log.InfoContext(ctx, "stdio.serve.start")

	scanner := bufio.NewScanner(h.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		resp, err := h.eng.HandleMessage(ctx, line)
		if resp != nil {
			if werr := h.w.writeFrame(resp); werr != nil {
				h.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", werr.Error()))
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, engine.ErrProtocolSequence) {
				h.log.WarnContext(ctx, "stdio.serve.sequence_violation")
			}
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		h.log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
		return err
	}

	h.log.InfoContext(ctx, "stdio.serve.eof")
	return nil
}
