package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/llmgate"
)

// PromMeter exports gateway events as Prometheus metrics.
type PromMeter struct {
	requests         *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	tokens           *prometheus.CounterVec
	cost             *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

var _ llmgate.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PromMeter{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_requests_total",
				Help: "Total authenticated requests by model and kind",
			},
			[]string{"model", "streaming"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_quota_rejections_total",
				Help: "Total requests rejected by quota, by scope and window",
			},
			[]string{"scope", "window"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_tokens_total",
				Help: "Total metered tokens by model and direction",
			},
			[]string{"model", "kind"},
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmgate_cost_total",
				Help: "Total metered cost by model",
			},
			[]string{"model"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmgate_upstream_duration_seconds",
				Help:    "Upstream request duration by model and outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "outcome"},
		),
	}

	reg.MustRegister(m.requests, m.rejections, m.tokens, m.cost, m.upstreamDuration)
	return m
}

func (m *PromMeter) OnRequest(e llmgate.RequestEvent) {
	m.requests.WithLabelValues(e.Model, boolLabel(e.Streaming)).Inc()
}

func (m *PromMeter) OnQuotaExceeded(e llmgate.QuotaEvent) {
	m.rejections.WithLabelValues(string(e.Scope), string(e.Window)).Inc()
}

func (m *PromMeter) OnResult(e llmgate.ResultEvent) {
	outcome := "success"
	if !e.Success {
		outcome = "error"
	}
	m.upstreamDuration.WithLabelValues(e.Model, outcome).Observe(e.Duration.Seconds())

	if e.Success {
		m.tokens.WithLabelValues(e.Model, "prompt").Add(float64(e.Usage.PromptTokens))
		m.tokens.WithLabelValues(e.Model, "completion").Add(float64(e.Usage.CompletionTokens))
		m.cost.WithLabelValues(e.Model).Add(e.Usage.Cost)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
