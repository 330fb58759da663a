package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/pkg/logger"
)

// maxResponseBytes caps how much of a backend response is read
const maxResponseBytes = 16 << 20

// HTTPTransport posts JSON-RPC requests to request/response backends
type HTTPTransport struct {
	client    *http.Client
	userAgent string
	logger    *logger.Logger
	stats     counters
}

// NewHTTPTransport creates an HTTP transport on a pooled client
func NewHTTPTransport(config Config, log *logger.Logger) *HTTPTransport {
	client := cleanhttp.DefaultPooledClient()
	if t, ok := client.Transport.(*http.Transport); ok {
		t.MaxIdleConnsPerHost = config.MaxIdleConnsPerHost
		t.IdleConnTimeout = config.IdleConnTimeout
	}
	return &HTTPTransport{
		client:    client,
		userAgent: config.UserAgent,
		logger:    log.TransportLogger(string(domain.ProtocolHTTP)),
	}
}

func requestURL(addr domain.Address, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + addr.Endpoint() + path
}

// Invoke sends one JSON-RPC request to addr
func (t *HTTPTransport) Invoke(ctx context.Context, addr domain.Address, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	t.stats.call()
	res, err := t.invoke(ctx, addr, method, params, timeout)
	if err != nil {
		t.stats.fail()
	}
	return res, err
}

func (t *HTTPTransport) invoke(ctx context.Context, addr domain.Address, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(newRequest(method, params))
	if err != nil {
		return nil, failure(err, "http_transport", "failed to encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL(addr, addr.Path), bytes.NewReader(body))
	if err != nil {
		return nil, failure(err, "http_transport", "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure(err, "http_transport", "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failure(err, "http_transport", "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure(fmt.Errorf("unexpected status %d", resp.StatusCode), "http_transport", "backend returned non-2xx status").
			WithMetadata("status_code", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, failure(err, "http_transport", "failed to decode response")
	}
	return decoded.result("http_transport")
}

// Probe issues GET healthPath and expects a 2xx status
func (t *HTTPTransport) Probe(ctx context.Context, addr domain.Address, healthPath string) error {
	if healthPath == "" {
		healthPath = "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL(addr, healthPath), nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	t.logger.WithField("endpoint", addr.Endpoint()).
		WithField("status_code", resp.StatusCode).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Debug("Health check request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections
func (t *HTTPTransport) Close() {
	t.client.CloseIdleConnections()
}
