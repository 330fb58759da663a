package transport

import (
	"context"
	"sync/atomic"
	"time"
)

// Config holds transport settings shared by every protocol
type Config struct {
	DialTimeout         time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	KeepAlive           time.Duration `yaml:"keep_alive" json:"keep_alive"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
	UserAgent           string        `yaml:"user_agent" json:"user_agent"`
}

// DefaultConfig returns transport defaults
func DefaultConfig() Config {
	return Config{
		DialTimeout:         5 * time.Second,
		KeepAlive:           30 * time.Second,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		UserAgent:           "CapabilityRouter/1.0",
	}
}

type counters struct {
	calls    int64
	failures int64
}

func (c *counters) call() { atomic.AddInt64(&c.calls, 1) }
func (c *counters) fail() { atomic.AddInt64(&c.failures, 1) }

func (c *counters) stats() map[string]interface{} {
	return map[string]interface{}{
		"calls":    atomic.LoadInt64(&c.calls),
		"failures": atomic.LoadInt64(&c.failures),
	}
}

// withTimeout bounds ctx by timeout when one is given
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
