// Package transport implements the wire side of the router: invoking
// capability methods on backend instances and probing their health over
// request/response (http), stream (grpc) and raw socket (tcp) protocols.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
	"github.com/mir00r/capability-router/pkg/logger"
)

// Router dispatches calls and probes by the address protocol
type Router struct {
	http *HTTPTransport
	grpc *GRPCTransport
	tcp  *TCPTransport
}

var (
	_ domain.Transport = (*Router)(nil)
	_ domain.Prober    = (*Router)(nil)
)

// NewRouter creates one transport per protocol
func NewRouter(config Config, log *logger.Logger) *Router {
	return &Router{
		http: NewHTTPTransport(config, log),
		grpc: NewGRPCTransport(config, log),
		tcp:  NewTCPTransport(config, log),
	}
}

type protocolTransport interface {
	domain.Transport
	domain.Prober
}

func (r *Router) route(p domain.Protocol) (protocolTransport, error) {
	switch p {
	case domain.ProtocolHTTP:
		return r.http, nil
	case domain.ProtocolStream:
		return r.grpc, nil
	case domain.ProtocolTCP:
		return r.tcp, nil
	default:
		return nil, apperrors.NewInvalidConfigError("transport", "unsupported protocol %q", p)
	}
}

// Invoke calls method on the instance at addr
func (r *Router) Invoke(ctx context.Context, addr domain.Address, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	t, err := r.route(addr.Protocol)
	if err != nil {
		return nil, err
	}
	return t.Invoke(ctx, addr, method, params, timeout)
}

// Probe runs the protocol's health probe against addr
func (r *Router) Probe(ctx context.Context, addr domain.Address, healthPath string) error {
	t, err := r.route(addr.Protocol)
	if err != nil {
		return err
	}
	if err := t.Probe(ctx, addr, healthPath); err != nil {
		return fmt.Errorf("%s probe: %w", addr.Protocol, err)
	}
	return nil
}

// Forget drops cached connection state for an endpoint that went away
func (r *Router) Forget(addr domain.Address) {
	if addr.Protocol == domain.ProtocolStream {
		r.grpc.Forget(addr.Endpoint())
	}
}

// Close releases pooled and cached connections
func (r *Router) Close() {
	r.http.Close()
	r.grpc.Close()
}

// GetStats returns per-protocol call counters
func (r *Router) GetStats() map[string]interface{} {
	grpcStats := r.grpc.stats.stats()
	grpcStats["connections"] = r.grpc.connections()
	return map[string]interface{}{
		string(domain.ProtocolHTTP):   r.http.stats.stats(),
		string(domain.ProtocolStream): grpcStats,
		string(domain.ProtocolTCP):    r.tcp.stats.stats(),
	}
}
