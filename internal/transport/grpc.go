package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/pkg/logger"
)

// ServiceName is the gRPC service that capability methods are called on
const ServiceName = "capability.v1.Capability"

// JSONCodecName is the content subtype of capability calls (application/grpc+json)
const JSONCodecName = "json"

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec marshals gRPC messages as JSON. Raw messages pass through untouched.
type JSONCodec struct{}

// Marshal encodes v
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case json.RawMessage:
		return m, nil
	case *json.RawMessage:
		return *m, nil
	}
	return json.Marshal(v)
}

// Unmarshal decodes data into v
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	if m, ok := v.(*json.RawMessage); ok {
		*m = append((*m)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

// Name returns the codec content subtype
func (JSONCodec) Name() string { return JSONCodecName }

// FullMethod maps a capability method to its gRPC method path
func FullMethod(method string) string {
	if strings.HasPrefix(method, "/") {
		return method
	}
	return "/" + ServiceName + "/" + method
}

// GRPCTransport calls stream backends over cached gRPC client connections
type GRPCTransport struct {
	userAgent string
	logger    *logger.Logger
	stats     counters

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport creates a gRPC transport
func NewGRPCTransport(config Config, log *logger.Logger) *GRPCTransport {
	return &GRPCTransport{
		userAgent: config.UserAgent,
		logger:    log.TransportLogger(string(domain.ProtocolStream)),
		conns:     make(map[string]*grpc.ClientConn),
	}
}

// conn returns the cached connection for endpoint, creating it lazily.
// grpc.NewClient does not dial; the first call connects.
func (t *GRPCTransport) conn(endpoint string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cc, ok := t.conns[endpoint]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(t.userAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}
	t.conns[endpoint] = cc
	t.logger.WithField("endpoint", endpoint).Debug("Created backend connection")
	return cc, nil
}

// Invoke performs one unary call with JSON params and result
func (t *GRPCTransport) Invoke(ctx context.Context, addr domain.Address, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	t.stats.call()
	res, err := t.invoke(ctx, addr, method, params, timeout)
	if err != nil {
		t.stats.fail()
	}
	return res, err
}

func (t *GRPCTransport) invoke(ctx context.Context, addr domain.Address, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	cc, err := t.conn(addr.Endpoint())
	if err != nil {
		return nil, failure(err, "grpc_transport", "failed to connect")
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var reply json.RawMessage
	if err := cc.Invoke(ctx, FullMethod(method), params, &reply, grpc.CallContentSubtype(JSONCodecName)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		st := status.Convert(err)
		return nil, failure(err, "grpc_transport", "call failed").
			WithMetadata("grpc_code", st.Code().String())
	}
	if len(reply) == 0 {
		return json.RawMessage("null"), nil
	}
	return reply, nil
}

// Probe calls grpc.health.v1.Health/Check and expects SERVING
func (t *GRPCTransport) Probe(ctx context.Context, addr domain.Address, service string) error {
	cc, err := t.conn(addr.Endpoint())
	if err != nil {
		return err
	}
	// a path-style health path means the default (whole server) check
	if strings.HasPrefix(service, "/") {
		service = ""
	}
	resp, err := grpc_health_v1.NewHealthClient(cc).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check returned %s", resp.GetStatus())
	}
	return nil
}

// Forget closes the cached connection to endpoint
func (t *GRPCTransport) Forget(endpoint string) {
	t.mu.Lock()
	cc, ok := t.conns[endpoint]
	delete(t.conns, endpoint)
	t.mu.Unlock()
	if ok {
		_ = cc.Close()
	}
}

// Close closes every cached connection
func (t *GRPCTransport) Close() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*grpc.ClientConn)
	t.mu.Unlock()

	for endpoint, cc := range conns {
		if err := cc.Close(); err != nil {
			t.logger.WithError(err).WithField("endpoint", endpoint).Warn("Failed to close backend connection")
		}
	}
}

func (t *GRPCTransport) connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}
