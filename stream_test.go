package llmgate_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	lg "github.com/ineyio/llmgate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStub captures RecordUsage calls.
type recordingStub struct {
	mu      sync.Mutex
	calls   int
	prompt  int64
	compl   int64
	lastKey string
}

func (r *recordingStub) RecordUsage(_ context.Context, key *lg.APIKey, _ *lg.Model, promptTokens, completionTokens int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.prompt = promptTokens
	r.compl = completionTokens
	r.lastKey = key.Key
	return nil
}

func sseBody(events ...string) io.ReadCloser {
	var b strings.Builder
	for _, e := range events {
		b.WriteString(e)
		b.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func drainAll(t *testing.T, s *lg.MeteredStream) string {
	t.Helper()
	var out strings.Builder
	for {
		chunk, err := s.Next()
		out.Write(chunk)
		if err == io.EOF {
			return out.String()
		}
		require.NoError(t, err)
	}
}

var streamKey = &lg.APIKey{Key: "sk-stream", User: "alice", Active: true}

// Test 1: Usage chunk totals are recorded exactly, once
func TestMeteredStream_RecordsExactTotals(t *testing.T) {
	rec := &recordingStub{}
	s := lg.NewMeteredStream(sseBody(
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":12}}`,
		`data: [DONE]`,
	), rec, streamKey, testModel, false, nil)

	drainAll(t, s)
	require.NoError(t, s.Close())

	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, int64(9), rec.prompt)
	assert.Equal(t, int64(12), rec.compl)
	assert.Equal(t, "sk-stream", rec.lastKey)
	assert.Equal(t, float64(21), s.Usage().Cost)
}

// Test 2: Injected usage chunk is suppressed, content and [DONE] pass through
func TestMeteredStream_SuppressesInjectedUsageChunk(t *testing.T) {
	rec := &recordingStub{}
	s := lg.NewMeteredStream(sseBody(
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":2}}`,
		`data: [DONE]`,
	), rec, streamKey, testModel, false, nil)

	out := drainAll(t, s)

	assert.Contains(t, out, `"content":"hi"`)
	assert.Contains(t, out, "data: [DONE]")
	assert.NotContains(t, out, "usage")
	// The suppressed event's blank separator is swallowed too.
	assert.NotContains(t, out, "\n\n\n")
}

// Test 3: Requested usage chunk is forwarded to the caller
func TestMeteredStream_ForwardsRequestedUsageChunk(t *testing.T) {
	rec := &recordingStub{}
	s := lg.NewMeteredStream(sseBody(
		`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4}}`,
		`data: [DONE]`,
	), rec, streamKey, testModel, true, nil)

	out := drainAll(t, s)

	assert.Contains(t, out, `"prompt_tokens":3`)
	assert.Equal(t, int64(3), s.Usage().PromptTokens)
}

// Test 4: Close after EOF does not record twice
func TestMeteredStream_FinalizeOnce(t *testing.T) {
	rec := &recordingStub{}
	s := lg.NewMeteredStream(sseBody(
		`data: {"usage":{"prompt_tokens":1,"completion_tokens":1}}`,
	), rec, streamKey, testModel, false, nil)

	drainAll(t, s)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, rec.calls)
}

// Test 5: Early close bills the partial totals seen so far
func TestMeteredStream_EarlyCloseBillsPartial(t *testing.T) {
	rec := &recordingStub{}
	s := lg.NewMeteredStream(sseBody(
		`data: {"usage":{"prompt_tokens":5,"completion_tokens":0}}`,
		`data: {"choices":[{"delta":{"content":"never read"}}]}`,
	), rec, streamKey, testModel, false, nil)

	// Read until the usage chunk has been consumed, then abandon.
	_, err := s.Next()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, int64(5), rec.prompt)
}

// Test 6: Stream without a usage chunk records zeros
func TestMeteredStream_NoUsageChunkRecordsZero(t *testing.T) {
	rec := &recordingStub{}
	s := lg.NewMeteredStream(sseBody(
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
	), rec, streamKey, testModel, false, nil)

	drainAll(t, s)
	require.NoError(t, s.Close())

	assert.Equal(t, 1, rec.calls)
	assert.Zero(t, rec.prompt)
	assert.Zero(t, rec.compl)
}

// Test 7: Malformed payloads are forwarded untouched
func TestMeteredStream_MalformedChunkPassesThrough(t *testing.T) {
	rec := &recordingStub{}
	s := lg.NewMeteredStream(sseBody(
		`data: {not json`,
		`data: [DONE]`,
	), rec, streamKey, testModel, false, nil)

	out := drainAll(t, s)
	assert.Contains(t, out, "data: {not json")
}

// Test 8: A later usage chunk overwrites, never accumulates
func TestMeteredStream_UsageOverwritesNotAccumulates(t *testing.T) {
	rec := &recordingStub{}
	s := lg.NewMeteredStream(sseBody(
		`data: {"usage":{"prompt_tokens":10,"completion_tokens":4}}`,
		`data: {"usage":{"prompt_tokens":10,"completion_tokens":9}}`,
	), rec, streamKey, testModel, false, nil)

	drainAll(t, s)
	require.NoError(t, s.Close())

	assert.Equal(t, int64(10), rec.prompt)
	assert.Equal(t, int64(9), rec.compl)
}
