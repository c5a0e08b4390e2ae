// Package upstream forwards gated tool calls to the tool's origin server
// and buffers the full response, since the gate signs response bytes it
// cannot stream them through.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nooterra-labs/paygate/internal/gate"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 4 << 20
)

// Headers that describe the connection rather than the request, plus the
// payment token itself, which must never reach the origin.
var strippedHeaders = []string{
	"Authorization",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder executes gated calls against upstream origins.
type Forwarder struct {
	client   *http.Client
	maxBytes int64
	log      *zap.Logger
}

// Options configure a Forwarder. Zero values select the defaults.
type Options struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	Logger           *zap.Logger
}

func New(opts Options) *Forwarder {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Forwarder{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		log:      log,
	}
}

// Execute posts the buffered call to baseURL joined with the original
// path and query, and returns the upstream response as a gate result.
// Upstream error statuses pass through untouched; only transport-level
// failures surface as errors.
func (f *Forwarder) Execute(ctx context.Context, baseURL string, call *gate.Call) (*gate.Result, error) {
	target := strings.TrimRight(baseURL, "/") + call.URL.RequestURI()

	var body io.Reader
	if call.RequestBody != nil {
		body = bytes.NewReader(call.RequestBody)
	} else if call.Request.Body != nil {
		body = call.Request.Body
	}

	req, err := http.NewRequestWithContext(ctx, call.Request.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	copyRequestHeaders(req.Header, call.Request.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", target, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("upstream %s: read response: %w", target, err)
	}
	if int64(len(respBody)) > f.maxBytes {
		return nil, fmt.Errorf("upstream %s: response exceeds %d bytes", target, f.maxBytes)
	}

	f.log.Debug("upstream call",
		zap.String("target", target),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(respBody)))

	return &gate.Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     responseExtras(resp.Header),
		Body:        respBody,
	}, nil
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, k := range strippedHeaders {
		dst.Del(k)
	}
}

// responseExtras keeps upstream headers worth relaying; connection
// headers and the entity fields the gate rewrites are dropped.
func responseExtras(h http.Header) map[string]string {
	out := map[string]string{}
	for k, vs := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Type", "Content-Length", "Connection", "Keep-Alive",
			"Proxy-Authenticate", "Transfer-Encoding", "Upgrade", "Trailer", "Date":
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
