package models

import "time"

// CircuitState is the state of a named circuit breaker
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Circuit is the persisted state of one circuit breaker. Version is bumped
// on every write and used for compare-and-swap. ProbeStartedAt is set while
// a half open probe is in flight.
type Circuit struct {
	ID             string       `json:"id"`
	State          CircuitState `json:"state"`
	Failures       int          `json:"failures"`
	LastFailure    *time.Time   `json:"last_failure,omitempty"`
	ProbeStartedAt *time.Time   `json:"probe_started_at,omitempty"`
	Version        int64        `json:"version"`
}
