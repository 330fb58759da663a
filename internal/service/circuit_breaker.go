package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mir00r/capability-router/internal/domain"
	apperrors "github.com/mir00r/capability-router/internal/errors"
	"github.com/mir00r/capability-router/pkg/logger"
)

// BreakerState is the externally visible state of a circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerOverride pins a breaker to a state regardless of outcomes
type BreakerOverride string

const (
	// OverrideAuto lets recorded outcomes drive the breaker
	OverrideAuto   BreakerOverride = "auto"
	OverrideOpen   BreakerOverride = "open"
	OverrideClosed BreakerOverride = "closed"
)

// ParseBreakerOverride parses an administrative override value
func ParseBreakerOverride(s string) (BreakerOverride, error) {
	switch BreakerOverride(s) {
	case OverrideAuto, OverrideOpen, OverrideClosed:
		return BreakerOverride(s), nil
	default:
		return "", fmt.Errorf("unknown breaker override %q (want auto, open or closed)", s)
	}
}

// BreakerSnapshot is a point-in-time copy of a breaker's state
type BreakerSnapshot struct {
	State    BreakerState    `json:"state"`
	Failures uint32          `json:"failures"`
	OpenedAt time.Time       `json:"opened_at,omitempty"`
	Override BreakerOverride `json:"override"`
}

// BreakerStateListener is notified on every state transition
type BreakerStateListener func(instanceID string, from, to BreakerState)

// CircuitBreaker isolates one instance from traffic after repeated failures.
// It wraps a two-step gobreaker with a single half-open slot, so exactly one
// trial request is in flight while half-open and concurrent callers are
// rejected rather than racing the trial.
type CircuitBreaker struct {
	instanceID string
	config     domain.CircuitBreakerConfig
	listener   BreakerStateListener
	logger     *logger.Logger

	mu       sync.RWMutex
	breaker  *gobreaker.TwoStepCircuitBreaker
	openedAt time.Time
	override BreakerOverride
}

// NewCircuitBreaker creates a closed breaker for an instance
func NewCircuitBreaker(instanceID string, config domain.CircuitBreakerConfig, listener BreakerStateListener, log *logger.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		instanceID: instanceID,
		config:     config,
		listener:   listener,
		logger:     log.WithField("instance_id", instanceID).WithField("component", "circuit_breaker"),
		override:   OverrideAuto,
	}
	cb.breaker = cb.newBreaker()
	return cb
}

func (cb *CircuitBreaker) newBreaker() *gobreaker.TwoStepCircuitBreaker {
	threshold := uint32(cb.config.FailureThreshold)
	windowed := cb.config.MonitoringWindow > 0

	settings := gobreaker.Settings{
		Name:        "instance-" + cb.instanceID,
		MaxRequests: 1,
		Interval:    cb.config.MonitoringWindow,
		Timeout:     cb.config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if windowed {
				return counts.TotalFailures >= threshold
			}
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			cb.handleStateChange(toBreakerState(from), toBreakerState(to))
		},
	}
	return gobreaker.NewTwoStepCircuitBreaker(settings)
}

// handleStateChange runs inside gobreaker's lock and must not call back into it
func (cb *CircuitBreaker) handleStateChange(from, to BreakerState) {
	if to == BreakerOpen {
		cb.mu.Lock()
		cb.openedAt = time.Now()
		cb.mu.Unlock()
	}

	log := cb.logger.WithField("from", string(from)).WithField("to", string(to))
	if to == BreakerOpen {
		log.Warn("Circuit breaker opened")
	} else {
		log.Info("Circuit breaker state changed")
	}

	if cb.listener != nil {
		cb.listener(cb.instanceID, from, to)
	}
}

// Allow asks for permission to send one request. On success the returned
// done func must be called exactly once with the outcome. A rejected request
// returns a CircuitOpen error and no done func.
func (cb *CircuitBreaker) Allow() (func(success bool), error) {
	cb.mu.RLock()
	override := cb.override
	breaker := cb.breaker
	cb.mu.RUnlock()

	switch override {
	case OverrideOpen:
		return nil, apperrors.NewCircuitOpenError(cb.instanceID).WithMetadata("override", string(override))
	case OverrideClosed:
		return func(bool) {}, nil
	}

	done, err := breaker.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.NewCircuitOpenError(cb.instanceID).WithMetadata("breaker_state", string(toBreakerState(breaker.State())))
		}
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternalError, "circuit_breaker", "breaker rejected request")
	}

	var once sync.Once
	return func(success bool) {
		once.Do(func() { done(success) })
	}, nil
}

// State returns the current state, honoring overrides
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	override := cb.override
	breaker := cb.breaker
	cb.mu.RUnlock()

	switch override {
	case OverrideOpen:
		return BreakerOpen
	case OverrideClosed:
		return BreakerClosed
	}
	return toBreakerState(breaker.State())
}

// IsOpen reports whether a request would be rejected without a trial
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == BreakerOpen
}

// Snapshot returns the breaker state, failure count and last open time
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	state := cb.State()

	cb.mu.RLock()
	breaker := cb.breaker
	snap := BreakerSnapshot{State: state, OpenedAt: cb.openedAt, Override: cb.override}
	cb.mu.RUnlock()

	counts := breaker.Counts()
	snap.Failures = counts.ConsecutiveFailures
	if cb.config.MonitoringWindow > 0 {
		snap.Failures = counts.TotalFailures
	}
	return snap
}

// Force pins the breaker open or closed, or returns it to automatic mode
func (cb *CircuitBreaker) Force(override BreakerOverride) {
	cb.mu.Lock()
	from := cb.override
	cb.override = override
	if override == OverrideOpen && from != OverrideOpen {
		cb.openedAt = time.Now()
	}
	cb.mu.Unlock()

	if from != override {
		cb.logger.WithField("override", string(override)).Info("Circuit breaker override applied")
	}
}

// Reset discards all recorded outcomes and returns the breaker to closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.breaker = cb.newBreaker()
	cb.openedAt = time.Time{}
	cb.override = OverrideAuto
	cb.mu.Unlock()

	cb.logger.Info("Circuit breaker reset")
}

// GetStats returns breaker statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	snap := cb.Snapshot()
	return map[string]interface{}{
		"state":             string(snap.State),
		"failures":          snap.Failures,
		"opened_at":         snap.OpenedAt,
		"override":          string(snap.Override),
		"failure_threshold": cb.config.FailureThreshold,
		"recovery_timeout":  cb.config.RecoveryTimeout.String(),
		"monitoring_window": cb.config.MonitoringWindow.String(),
	}
}

func toBreakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
