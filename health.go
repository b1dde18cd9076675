package llmgate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the gateway's view of the upstream backend.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthHalfOpen  HealthState = "half-open"
)

// HealthTracker tracks upstream health using a circuit breaker pattern.
// Repeated connection failures within the window mark the upstream
// unhealthy; after a cool-off it transitions to half-open until the
// next success or failure decides the state.
type HealthTracker struct {
	mu          sync.Mutex
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
}

// NewHealthTracker creates a new HealthTracker in the healthy state.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{state: HealthHealthy}
}

// State returns the current health state.
func (h *HealthTracker) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == HealthUnhealthy && time.Since(h.unhealthyAt) >= healthUnhealthyPeriod {
		h.state = HealthHalfOpen
	}
	return h.state
}

// RecordSuccess records a successful upstream exchange.
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = HealthHealthy
	h.failures = h.failures[:0]
}

// RecordFailure records a failed upstream exchange. Only connection
// level failures should be recorded; HTTP error statuses are the
// upstream answering, not the upstream being down.
func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == HealthUnhealthy {
		return
	}

	now := time.Now()

	cutoff := now.Add(-healthFailureWindow)
	valid := h.failures[:0]
	for _, t := range h.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	h.failures = append(valid, now)

	if len(h.failures) >= healthFailureThreshold {
		h.state = HealthUnhealthy
		h.unhealthyAt = now
	}
}
