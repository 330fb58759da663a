package domain

import "time"

// EventType names a state-change notification
type EventType string

const (
	EventInstanceRegistered   EventType = "instance_registered"
	EventInstanceUnregistered EventType = "instance_unregistered"
	EventHealthChanged        EventType = "health_changed"
	EventBreakerChanged       EventType = "breaker_changed"
	EventRolloutStarted       EventType = "rollout_started"
	EventRolloutStep          EventType = "rollout_step"
	EventRolloutCompleted     EventType = "rollout_completed"
	EventRolloutFailed        EventType = "rollout_failed"
)

// Event is published to subscribers on every state change
type Event struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id,omitempty"`
	Group      string    `json:"group,omitempty"`
	// Address is set on registration events
	Address    *Address  `json:"address,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Revision   int       `json:"revision,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
