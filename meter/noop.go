package meter

import "github.com/ineyio/llmgate"

// NoopMeter discards all events.
type NoopMeter struct{}

var _ llmgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRequest(llmgate.RequestEvent)     {}
func (m *NoopMeter) OnQuotaExceeded(llmgate.QuotaEvent) {}
func (m *NoopMeter) OnResult(llmgate.ResultEvent)       {}
