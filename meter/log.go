package meter

import (
	"log/slog"

	"github.com/ineyio/llmgate"
)

// LogMeter logs gateway events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ llmgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRequest(e llmgate.RequestEvent) {
	m.Logger.Info("request",
		"key", e.Key,
		"user", e.User,
		"model", e.Model,
		"streaming", e.Streaming,
	)
}

func (m *LogMeter) OnQuotaExceeded(e llmgate.QuotaEvent) {
	m.Logger.Warn("quota_exceeded",
		"key", e.Key,
		"user", e.User,
		"scope", e.Scope,
		"window", e.Window,
	)
}

func (m *LogMeter) OnResult(e llmgate.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"key", e.Key,
			"user", e.User,
			"model", e.Model,
			"streaming", e.Streaming,
			"duration_ms", e.Duration.Milliseconds(),
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
			"cost", e.Usage.Cost,
		)
	} else {
		m.Logger.Warn("result_error",
			"key", e.Key,
			"user", e.User,
			"model", e.Model,
			"streaming", e.Streaming,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
