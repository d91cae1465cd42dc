package stdio

import (
	"io"
	"log/slog"
	"os"

	"github.com/chainbow/markitdown/mcp"
)

type config struct {
	reader     io.Reader
	writer     io.Writer
	logger     *slog.Logger
	serverInfo mcp.ImplementationInfo
}

func newConfig() *config {
	return &config{
		reader: os.Stdin,
		writer: os.Stdout,
		logger: slog.Default(),
	}
}

// Option customizes a Handler.
type Option func(*config)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(c *config) {
		if r != nil {
			c.reader = r
		}
		if w != nil {
			c.writer = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithServerInfo sets the identity advertised during the handshake.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *config) { c.serverInfo = info }
}
