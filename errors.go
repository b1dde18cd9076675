package llmgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrQuotaExceeded = errors.New("llmgate: quota exceeded")
	ErrModelNotFound = errors.New("llmgate: model not found")
	ErrKeyNotFound   = errors.New("llmgate: api key not found")
	ErrKeyInactive   = errors.New("llmgate: api key inactive")
	ErrCacheMiss     = errors.New("llmgate: cache miss")
	ErrUpstream      = errors.New("llmgate: upstream error")
)

// QuotaExceededError reports which counter rejected the request.
// It unwraps to ErrQuotaExceeded.
type QuotaExceededError struct {
	Scope  Scope
	Window Window
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("llmgate: %s %s quota exceeded", e.Scope, e.Window)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// UpstreamError reports a non-success response or connection failure from
// the inference backend. StatusCode is zero when no status was received.
// It unwraps to ErrUpstream.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llmgate: upstream returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("llmgate: upstream unreachable: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstream
}
