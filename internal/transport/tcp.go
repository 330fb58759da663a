package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mir00r/capability-router/internal/domain"
	"github.com/mir00r/capability-router/pkg/logger"
)

// TCPTransport exchanges one newline-delimited JSON-RPC message pair per
// connection with raw-socket backends
type TCPTransport struct {
	dialer *net.Dialer
	logger *logger.Logger
	stats  counters
}

// NewTCPTransport creates a raw socket transport
func NewTCPTransport(config Config, log *logger.Logger) *TCPTransport {
	return &TCPTransport{
		dialer: &net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		},
		logger: log.TransportLogger(string(domain.ProtocolTCP)),
	}
}

// Invoke writes one request line and reads one response line
func (t *TCPTransport) Invoke(ctx context.Context, addr domain.Address, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	t.stats.call()
	res, err := t.invoke(ctx, addr, method, params, timeout)
	if err != nil {
		t.stats.fail()
	}
	return res, err
}

func (t *TCPTransport) invoke(ctx context.Context, addr domain.Address, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.dialer.DialContext(ctx, "tcp", addr.Endpoint())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure(err, "tcp_transport", "failed to connect")
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// unblock reads and writes when the caller goes away
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	line, err := json.Marshal(newRequest(method, params))
	if err != nil {
		return nil, failure(err, "tcp_transport", "failed to encode request")
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, t.ioError(ctx, err, "failed to write request")
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	reply, err := reader.ReadBytes('\n')
	if err != nil && len(reply) == 0 {
		return nil, t.ioError(ctx, err, "failed to read response")
	}

	var decoded rpcResponse
	if err := json.Unmarshal(reply, &decoded); err != nil {
		return nil, failure(err, "tcp_transport", "failed to decode response")
	}
	return decoded.result("tcp_transport")
}

func (t *TCPTransport) ioError(ctx context.Context, err error, message string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return context.DeadlineExceeded
	}
	return failure(err, "tcp_transport", message)
}

// Probe succeeds when a connection can be opened
func (t *TCPTransport) Probe(ctx context.Context, addr domain.Address, _ string) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr.Endpoint())
	if err != nil {
		return fmt.Errorf("connect to %s failed: %w", addr.Endpoint(), err)
	}
	return conn.Close()
}
