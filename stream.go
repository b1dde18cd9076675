package llmgate

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// sseData marks a payload-carrying line in a Server-Sent-Events stream.
const sseData = "data: "

// MeteredStream pulls chunks from an upstream SSE response, tallies the
// usage totals the backend reports in its terminal usage chunk, and
// decides per chunk whether to forward it to the caller.
//
// Finalization feeds the accumulated totals to the quota engine exactly
// once, whether the stream ends normally, the caller disconnects, or
// both. Partial usage from an interrupted stream is still billed, since
// the upstream cost was incurred either way.
type MeteredStream struct {
	body     *bufio.Reader
	closer   io.Closer
	recorder UsageRecorder
	key      *APIKey
	model    *Model
	logger   *slog.Logger

	// forwardUsage is true when the caller asked for the trailing usage
	// chunk. When false the chunk exists only because the gateway
	// injected include_usage upstream, and is swallowed.
	forwardUsage bool

	usage     Usage
	sawUsage  bool
	skipBlank bool
	finalized bool
}

// NewMeteredStream wraps an upstream response body. forwardUsage
// controls whether the terminal usage chunk reaches the caller.
func NewMeteredStream(body io.ReadCloser, recorder UsageRecorder, key *APIKey, model *Model, forwardUsage bool, logger *slog.Logger) *MeteredStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeteredStream{
		body:         bufio.NewReader(body),
		closer:       body,
		recorder:     recorder,
		key:          key,
		model:        model,
		logger:       logger,
		forwardUsage: forwardUsage,
	}
}

// streamChunk is the slice of an SSE payload the tracker cares about.
type streamChunk struct {
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Next returns the next line to forward to the caller, including its
// line terminator. Suppressed usage chunks are consumed for accounting
// and skipped. On end of stream it finalizes and returns io.EOF.
func (s *MeteredStream) Next() ([]byte, error) {
	for {
		line, err := s.body.ReadBytes('\n')
		forward := len(line) > 0 && s.handleLine(line)
		if err != nil {
			s.finalize()
			if forward {
				return line, err
			}
			return nil, err
		}
		if forward {
			return line, nil
		}
	}
}

// handleLine inspects one SSE line and reports whether to forward it.
func (s *MeteredStream) handleLine(line []byte) bool {
	trimmed := strings.TrimRight(string(line), "\r\n")

	// Blank separator lines follow every event; drop the one trailing a
	// suppressed chunk so the caller never sees an empty event.
	if trimmed == "" {
		if s.skipBlank {
			s.skipBlank = false
			return false
		}
		return true
	}
	s.skipBlank = false

	if !strings.HasPrefix(trimmed, sseData) {
		return true
	}
	payload := strings.TrimPrefix(trimmed, sseData)
	if payload == "[DONE]" {
		return true
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		// Malformed payloads carry no usage; forward untouched.
		return true
	}
	if chunk.Usage == nil {
		return true
	}

	// Terminal usage chunk: cumulative totals, overwrite not accumulate.
	s.usage.PromptTokens = chunk.Usage.PromptTokens
	s.usage.CompletionTokens = chunk.Usage.CompletionTokens
	s.sawUsage = true

	if s.forwardUsage {
		return true
	}
	s.skipBlank = true
	return false
}

// Usage returns the totals accumulated so far.
func (s *MeteredStream) Usage() Usage {
	return Usage{
		PromptTokens:     s.usage.PromptTokens,
		CompletionTokens: s.usage.CompletionTokens,
		Cost:             s.model.CostFor(s.usage.PromptTokens, s.usage.CompletionTokens),
	}
}

// Close finalizes accounting and releases the upstream connection. Safe
// to call after Next returned io.EOF; finalization runs once.
func (s *MeteredStream) Close() error {
	s.finalize()
	return s.closer.Close()
}

// finalize records usage exactly once. A second call, from whichever of
// stream exhaustion or connection close fires later, is a no-op.
func (s *MeteredStream) finalize() {
	if s.finalized {
		return
	}
	s.finalized = true

	if !s.sawUsage {
		// Upstream never produced a usage chunk, e.g. it failed
		// mid-stream. The request was still served; record zeros and
		// flag the gap.
		s.logger.Warn("stream ended without usage chunk",
			"key", s.key.Key, "model", s.model.ID)
	}

	// The caller already has their response; a recording failure must
	// not surface to them.
	if err := s.recorder.RecordUsage(context.Background(), s.key, s.model,
		s.usage.PromptTokens, s.usage.CompletionTokens); err != nil {
		s.logger.Error("stream usage recording failed",
			"key", s.key.Key, "model", s.model.ID, "error", err)
	}
}

// drainTo copies every forwardable chunk to w, flushing if supported.
func (s *MeteredStream) drainTo(w io.Writer) error {
	flusher, _ := w.(interface{ Flush() })
	for {
		chunk, err := s.Next()
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
