package model

import "time"

// EventKind identifies a health notification.
type EventKind string

const (
	EventBreakerOpened   EventKind = "breaker_opened"
	EventBreakerHalfOpen EventKind = "breaker_half_open"
	EventBreakerClosed   EventKind = "breaker_closed"
	EventBackendSelected EventKind = "backend_selected"
	EventBackendFailed   EventKind = "backend_failed"
)

// Event is a health/circuit notification published by the admission layer and
// provider gateway and consumed by monitoring.
type Event struct {
	Kind      EventKind `json:"kind"`
	Backend   string    `json:"backend"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}
