// Package convert supplies the conversion collaborator invoked by the
// capability registry: convert(uri) → markdown. The dispatcher treats it as
// opaque; only the URI contract matters to the rest of the server.
package convert

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/elnormous/contenttype"
)

// Converter turns the resource identified by a URI into markdown text.
type Converter interface {
	Convert(ctx context.Context, uri string) (string, error)
}

// Func adapts a plain function to the Converter interface.
type Func func(ctx context.Context, uri string) (string, error)

func (f Func) Convert(ctx context.Context, uri string) (string, error) { return f(ctx, uri) }

const defaultMaxBytes = 32 << 20 // 32 MiB

// URIConverter is the default Converter. It resolves http:, https:, file:,
// and data: URIs and returns their textual payload. Payloads that are not
// valid UTF-8 text are rejected; rich document formats are out of scope here.
type URIConverter struct {
	client   *http.Client
	maxBytes int64
}

// URIOption configures a URIConverter.
type URIOption func(*URIConverter)

// WithHTTPClient overrides the HTTP client used for http/https URIs.
func WithHTTPClient(c *http.Client) URIOption {
	return func(u *URIConverter) {
		if c != nil {
			u.client = c
		}
	}
}

// WithMaxBytes caps the size of fetched payloads.
func WithMaxBytes(n int64) URIOption {
	return func(u *URIConverter) {
		if n > 0 {
			u.maxBytes = n
		}
	}
}

// NewURIConverter constructs a URIConverter with defaults and applies options.
func NewURIConverter(opts ...URIOption) *URIConverter {
	c := &URIConverter{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert implements Converter.
func (c *URIConverter) Convert(ctx context.Context, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("malformed URI %q: %w", uri, err)
	}

	switch u.Scheme {
	case "http", "https":
		return c.convertHTTP(ctx, uri)
	case "file":
		return c.convertFile(u)
	case "data":
		return convertData(u)
	default:
		return "", fmt.Errorf("unsupported URI scheme %q", u.Scheme)
	}
}

func (c *URIConverter) convertHTTP(ctx context.Context, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch %s: unexpected status %d", uri, resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt := contenttype.NewMediaType(ct)
		if !isTextual(mt) {
			return "", fmt.Errorf("unsupported content type %q", mt.Type+"/"+mt.Subtype)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", uri, err)
	}
	if int64(len(body)) > c.maxBytes {
		return "", fmt.Errorf("fetch %s: payload exceeds %d bytes", uri, c.maxBytes)
	}
	return asText(body)
}

func (c *URIConverter) convertFile(u *url.URL) (string, error) {
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("unsupported file URI host %q", u.Host)
	}
	path := u.Path
	if path == "" {
		return "", fmt.Errorf("file URI carries no path")
	}

	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Size() > c.maxBytes {
		return "", fmt.Errorf("read %s: payload exceeds %d bytes", path, c.maxBytes)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return asText(body)
}

// convertData decodes an RFC 2397 data URI: data:[<mediatype>][;base64],<data>.
func convertData(u *url.URL) (string, error) {
	meta, payload, ok := strings.Cut(u.Opaque, ",")
	if !ok {
		return "", fmt.Errorf("malformed data URI: missing comma")
	}

	if strings.HasSuffix(meta, ";base64") {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", fmt.Errorf("decode data URI: %w", err)
		}
		return asText(raw)
	}

	text, err := url.PathUnescape(payload)
	if err != nil {
		return "", fmt.Errorf("decode data URI: %w", err)
	}
	return asText([]byte(text))
}

// isTextual reports whether a media type plausibly carries text we can pass
// through as markdown.
func isTextual(mt contenttype.MediaType) bool {
	if mt.Type == "text" {
		return true
	}
	if mt.Type != "application" {
		return false
	}
	switch mt.Subtype {
	case "json", "xml", "xhtml", "xhtml+xml":
		return true
	}
	return strings.HasSuffix(mt.Subtype, "+json") || strings.HasSuffix(mt.Subtype, "+xml")
}

func asText(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", fmt.Errorf("payload is not valid UTF-8 text")
	}
	return string(b), nil
}
