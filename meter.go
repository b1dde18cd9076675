package llmgate

import "time"

// Meter observes gateway events for monitoring/logging.
type Meter interface {
	// OnRequest is called once a request has been authenticated, before
	// the quota check.
	OnRequest(event RequestEvent)

	// OnQuotaExceeded is called when a request is rejected by quota.
	OnQuotaExceeded(event QuotaEvent)

	// OnResult is called when a request completes, successfully or not.
	OnResult(event ResultEvent)
}

// RequestEvent describes an authenticated inbound request.
type RequestEvent struct {
	Key       string
	User      string
	Model     string
	Streaming bool
}

// QuotaEvent describes a quota rejection.
type QuotaEvent struct {
	Key    string
	User   string
	Scope  Scope
	Window Window
}

// ResultEvent describes the outcome of a forwarded request.
type ResultEvent struct {
	Key       string
	User      string
	Model     string
	Streaming bool
	Success   bool
	Duration  time.Duration
	Usage     Usage
	Error     error
}
