// Command markitdown-mcp exposes the convert_to_markdown capability over the
// stdio transport (default) or, with --sse, over an HTTP server carrying the
// SSE transport and the /convert convenience endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chainbow/markitdown/convert"
	"github.com/chainbow/markitdown/mcp"
	"github.com/chainbow/markitdown/registry"
	"github.com/chainbow/markitdown/sse"
	"github.com/chainbow/markitdown/stdio"
	"github.com/joeshaw/envdecode"
)

const serverVersion = "0.1.0"

// config carries env-provided defaults; command-line flags win over these.
type config struct {
	// Host to bind in SSE mode. ENV: MARKITDOWN_HOST
	Host string `env:"MARKITDOWN_HOST,default=127.0.0.1"`
	// Port to listen on in SSE mode. ENV: MARKITDOWN_PORT
	Port int `env:"MARKITDOWN_PORT,default=3001"`
	// LogLevel is one of debug, info, warn, error. ENV: MARKITDOWN_LOG_LEVEL
	LogLevel string `env:"MARKITDOWN_LOG_LEVEL,default=debug"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("markitdown-mcp", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	sseMode := fs.Bool("sse", false, "run the server with the SSE transport rather than stdio")
	host := fs.String("host", "", "host to bind to (default: 127.0.0.1; SSE mode only)")
	port := fs.Int("port", 0, "port to listen on (default: 3001; SSE mode only)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "markitdown-mcp: invalid environment: %v\n", err)
		return 2
	}

	if !*sseMode && (*host != "" || *port != 0) {
		fmt.Fprintln(os.Stderr, "markitdown-mcp: --host and --port are only valid when using the SSE transport")
		return 2
	}

	// Stdout belongs to the stdio transport; logs always go to stderr.
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))

	reg := registry.New()
	if err := reg.Register(convert.NewCapability(convert.NewURIConverter())); err != nil {
		log.Error("capability.register.fail", slog.String("err", err.Error()))
		return 1
	}

	info := mcp.ImplementationInfo{Name: "markitdown", Version: serverVersion}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *sseMode {
		if *host != "" {
			cfg.Host = *host
		}
		if *port != 0 {
			cfg.Port = *port
		}
		return runSSE(ctx, log, reg, info, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	}
	return runStdio(ctx, log, reg, info)
}

func runStdio(ctx context.Context, log *slog.Logger, reg *registry.Registry, info mcp.ImplementationInfo) int {
	h := stdio.NewHandler(reg, stdio.WithLogger(log), stdio.WithServerInfo(info))
	if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stdio.serve.fail", slog.String("err", err.Error()))
		return 1
	}
	return 0
}

func runSSE(ctx context.Context, log *slog.Logger, reg *registry.Registry, info mcp.ImplementationInfo, addr string) int {
	handler := sse.New(reg, sse.WithLogger(log), sse.WithServerInfo(info))
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("http.listen", slog.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http.serve.fail", slog.String("err", err.Error()))
			return 1
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http.shutdown.fail", slog.String("err", err.Error()))
			return 1
		}
		log.Info("http.shutdown.ok")
	}
	return 0
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
