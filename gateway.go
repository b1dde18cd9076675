package llmgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Gateway is the HTTP glue tying authentication, quota enforcement,
// forwarding and usage metering together. Routing beyond the handful of
// OpenAI-compatible endpoints it serves is left to the caller's mux.
type Gateway struct {
	engine    *QuotaEngine
	forwarder *Forwarder
	keys      KeyDirectory
	reports   *Reports
	client    *http.Client
	meter     Meter
	logger    *slog.Logger
	health    *HealthTracker
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.client = c }
}

// WithMeter sets the event meter.
func WithMeter(m Meter) GatewayOption {
	return func(g *Gateway) { g.meter = m }
}

// WithGatewayLogger sets the logger. Nil keeps slog.Default().
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithReports enables the usage read endpoints.
func WithReports(r *Reports) GatewayOption {
	return func(g *Gateway) { g.reports = r }
}

// NewGateway creates a Gateway.
func NewGateway(engine *QuotaEngine, forwarder *Forwarder, keys KeyDirectory, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		engine:    engine,
		forwarder: forwarder,
		keys:      keys,
		client:    &http.Client{},
		meter:     &noopMeter{},
		logger:    slog.Default(),
		health:    NewHealthTracker(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handler returns the gateway's routes on a fresh mux.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/completions", g.proxy)
	mux.HandleFunc("POST /v1/chat/completions", g.proxy)
	mux.HandleFunc("POST /v1/embeddings", g.proxy)
	mux.HandleFunc("GET /v1/models", g.listModels)
	mux.HandleFunc("GET /v1/usage/user", g.userUsage)
	mux.HandleFunc("GET /v1/usage/keys", g.keyUsage)
	return mux
}

// Health reports the circuit state of the upstream connection, for
// readiness checks. HTTP error statuses from the upstream do not count
// against health; only connection failures do.
func (g *Gateway) Health() HealthState {
	return g.health.State()
}

// proxy is the shared completion/chat/embedding handler.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request) {
	key, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	fr, err := g.forwarder.Build(r.Context(), r.Method, r.URL.Path, r.Header, body)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			writeError(w, http.StatusBadRequest, "requested model not available")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	g.meter.OnRequest(RequestEvent{
		Key:       key.Key,
		User:      key.User,
		Model:     fr.Model.ID,
		Streaming: fr.Streaming,
	})

	// Fail fast before any upstream cost is incurred.
	if err := g.engine.CheckQuota(r.Context(), key); err != nil {
		var qe *QuotaExceededError
		if errors.As(err, &qe) {
			g.meter.OnQuotaExceeded(QuotaEvent{
				Key: key.Key, User: key.User, Scope: qe.Scope, Window: qe.Window,
			})
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{
					"message": qe.Error(),
					"type":    "quota_exceeded",
					"scope":   qe.Scope,
					"window":  qe.Window,
				},
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}

	start := time.Now()
	resp, err := g.client.Do(fr.Request)
	if err != nil {
		g.health.RecordFailure()
		uerr := &UpstreamError{Err: err}
		g.logger.Error("upstream request failed", "model", fr.Model.ID, "error", err)
		g.onResult(key, fr, false, time.Since(start), Usage{}, uerr)
		writeError(w, http.StatusInternalServerError, "upstream request failed")
		return
	}
	defer resp.Body.Close()
	g.health.RecordSuccess()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Pass the upstream failure through unchanged; no usage record.
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		uerr := &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
		g.onResult(key, fr, false, time.Since(start), Usage{}, uerr)
		copyResponseHeader(w, resp)
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
		return
	}

	if fr.Streaming && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		g.streamResponse(w, r, key, fr, resp, start)
		return
	}
	g.bufferedResponse(w, key, fr, resp, start)
}

// streamResponse forwards an SSE response through a MeteredStream,
// which accounts for usage exactly once however the stream ends.
func (g *Gateway) streamResponse(w http.ResponseWriter, r *http.Request, key *APIKey, fr *ForwardedRequest, resp *http.Response, start time.Time) {
	ms := NewMeteredStream(resp.Body, g.engine, key, fr.Model, fr.UsageRequested, g.logger)
	defer func() {
		ms.Close()
		g.onResult(key, fr, true, time.Since(start), ms.Usage(), nil)
	}()

	copyResponseHeader(w, resp)
	w.WriteHeader(resp.StatusCode)

	if err := ms.drainTo(w); err != nil {
		// Caller or upstream went away mid-stream. Partial usage is
		// still billed via the deferred Close.
		g.logger.Info("stream interrupted", "key", key.Key, "model", fr.Model.ID, "error", err)
	}
}

// bufferedResponse handles single-JSON-body responses: extract the
// usage field, relay the body, record usage in the background.
func (g *Gateway) bufferedResponse(w http.ResponseWriter, key *APIKey, fr *ForwardedRequest, resp *http.Response, start time.Time) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		g.onResult(key, fr, false, time.Since(start), Usage{}, err)
		writeError(w, http.StatusInternalServerError, "upstream response truncated")
		return
	}

	var parsed struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		g.logger.Warn("upstream response without usage", "model", fr.Model.ID, "error", err)
	}

	copyResponseHeader(w, resp)
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Cost:             fr.Model.CostFor(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
	}
	g.onResult(key, fr, true, time.Since(start), usage, nil)

	// The caller already has their answer; recording runs detached and
	// must never fail the response.
	go func() {
		if err := g.engine.RecordUsage(context.Background(), key, fr.Model,
			usage.PromptTokens, usage.CompletionTokens); err != nil {
			g.logger.Error("usage recording failed", "key", key.Key, "error", err)
		}
	}()
}

func (g *Gateway) listModels(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(w, r); !ok {
		return
	}

	models := g.forwarder.registry.List()
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":       m.ID,
			"object":   "model",
			"owned_by": m.OwnedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// userUsage returns the authenticated user's hour-bucketed usage series.
// Buckets with no activity are absent from the series.
func (g *Gateway) userUsage(w http.ResponseWriter, r *http.Request) {
	key, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	if g.reports == nil || key.User == "" {
		writeError(w, http.StatusNotFound, "usage reporting not available")
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	series, err := g.reports.UsageOverTimeForUser(r.Context(), key.User, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": key.User, "series": series})
}

// keyUsage returns per-key usage for the authenticated user, including
// explicit zero rows for keys that exist but were never used.
func (g *Gateway) keyUsage(w http.ResponseWriter, r *http.Request) {
	key, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	if g.reports == nil || key.User == "" {
		writeError(w, http.StatusNotFound, "usage reporting not available")
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	usage, err := g.reports.UsagePerKeyForUser(r.Context(), key.User, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// authenticate resolves the bearer token to an active key, writing the
// error response itself when authentication fails.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (*APIKey, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}

	key, err := g.keys.Resolve(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return nil, false
	}
	if !key.Active {
		writeError(w, http.StatusUnauthorized, "api key deactivated")
		return nil, false
	}
	return key, true
}

func (g *Gateway) onResult(key *APIKey, fr *ForwardedRequest, success bool, d time.Duration, u Usage, err error) {
	g.meter.OnResult(ResultEvent{
		Key:       key.Key,
		User:      key.User,
		Model:     fr.Model.ID,
		Streaming: fr.Streaming,
		Success:   success,
		Duration:  d,
		Usage:     u,
		Error:     err,
	})
}

func copyResponseHeader(w http.ResponseWriter, resp *http.Response) {
	for k, vals := range resp.Header {
		if http.CanonicalHeaderKey(k) == "Content-Length" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
}

func parseTimeRange(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	to = time.Now()
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, fmt.Errorf("invalid to timestamp")
		}
	}
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, fmt.Errorf("invalid from timestamp")
		}
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": message},
	})
}

// noopMeter is the default meter when none is configured.
type noopMeter struct{}

func (noopMeter) OnRequest(RequestEvent)     {}
func (noopMeter) OnQuotaExceeded(QuotaEvent) {}
func (noopMeter) OnResult(ResultEvent)       {}
