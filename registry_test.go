package llmgate_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	lg "github.com/ineyio/llmgate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test 1: Static registry resolves and lists in declaration order
func TestStaticRegistry_ResolveAndList(t *testing.T) {
	r := lg.NewStaticRegistry([]lg.Model{
		{ID: "b-model", Path: "/b"},
		{ID: "a-model", Path: "/a"},
	})

	m, err := r.Resolve("a-model")
	require.NoError(t, err)
	assert.Equal(t, "/a", m.Path)

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, lg.ErrModelNotFound)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b-model", list[0].ID)
}

// Test 2: File registry loads the initial model set
func TestFileRegistry_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: test-model
  path: /test-model
  prompt_cost: 0.5
`), 0o600))

	r, err := lg.NewFileRegistry(path, discardLogger())
	require.NoError(t, err)

	m, err := r.Resolve("test-model")
	require.NoError(t, err)
	assert.Equal(t, 0.5, m.PromptCost)
}

// Test 3: A malformed file fails construction
func TestFileRegistry_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`- id: ""`), 0o600))

	_, err := lg.NewFileRegistry(path, discardLogger())
	assert.Error(t, err)
}

// Test 4: Rewriting the file hot-reloads the model set
func TestFileRegistry_HotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: test-model
  path: /v1
`), 0o600))

	r, err := lg.NewFileRegistry(path, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Watch(ctx)

	// Give the watcher a beat to register before writing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`
- id: test-model
  path: /v2
- id: second-model
  path: /second
`), 0o600))

	require.Eventually(t, func() bool {
		m, err := r.Resolve("second-model")
		return err == nil && m.Path == "/second"
	}, 3*time.Second, 20*time.Millisecond)

	m, err := r.Resolve("test-model")
	require.NoError(t, err)
	assert.Equal(t, "/v2", m.Path)
}

// Test 5: A broken rewrite keeps the previous model set serving
func TestFileRegistry_BadReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: test-model
  path: /v1
`), 0o600))

	r, err := lg.NewFileRegistry(path, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Watch(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o600))
	time.Sleep(300 * time.Millisecond)

	m, err := r.Resolve("test-model")
	require.NoError(t, err)
	assert.Equal(t, "/v1", m.Path)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
