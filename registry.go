package llmgate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// StaticRegistry is a fixed model set, typically from the main config.
type StaticRegistry struct {
	models map[string]Model
	order  []string
}

var _ ModelRegistry = (*StaticRegistry)(nil)

// NewStaticRegistry creates a registry over the given models.
func NewStaticRegistry(models []Model) *StaticRegistry {
	r := &StaticRegistry{models: make(map[string]Model, len(models))}
	for _, m := range models {
		if _, ok := r.models[m.ID]; !ok {
			r.order = append(r.order, m.ID)
		}
		r.models[m.ID] = m
	}
	return r
}

// Resolve returns the model for an id, or ErrModelNotFound.
func (r *StaticRegistry) Resolve(id string) (*Model, error) {
	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, id)
	}
	return &m, nil
}

// List returns all registered models in declaration order.
func (r *StaticRegistry) List() []Model {
	out := make([]Model, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

const defaultReloadDebounce = 100 * time.Millisecond

// FileRegistry reads models from a yaml file and hot-reloads on change,
// so cost coefficients and upstream paths can move without a restart.
type FileRegistry struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current *StaticRegistry
}

var _ ModelRegistry = (*FileRegistry)(nil)

// NewFileRegistry loads the file once and returns the registry. Watch
// must be started separately for reloads to happen.
func NewFileRegistry(path string, logger *slog.Logger) (*FileRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRegistry{
		path:     path,
		logger:   logger,
		debounce: defaultReloadDebounce,
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the model for an id, or ErrModelNotFound.
func (r *FileRegistry) Resolve(id string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Resolve(id)
}

// List returns all registered models.
func (r *FileRegistry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.List()
}

// Watch reloads the registry when the file changes, debounced to ride
// out editors writing in multiple events. It blocks until ctx is done.
func (r *FileRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("llmgate: model watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: many editors replace the file
	// and break a direct watch.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("llmgate: model watcher: %w", err)
	}

	var timer *time.Timer
	reloads := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.debounce, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})
		case <-reloads:
			if err := r.reload(); err != nil {
				// Keep serving the previous model set.
				r.logger.Error("model registry reload failed", "path", r.path, "error", err)
				continue
			}
			r.logger.Info("model registry reloaded", "path", r.path, "models", len(r.List()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("model watcher error", "error", err)
		}
	}
}

func (r *FileRegistry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("llmgate: read models file: %w", err)
	}

	var models []Model
	if err := yaml.Unmarshal(data, &models); err != nil {
		return fmt.Errorf("llmgate: parse models file: %w", err)
	}
	for i, m := range models {
		if m.ID == "" || m.Path == "" {
			return fmt.Errorf("llmgate: models file: entry %d needs id and path", i)
		}
	}

	r.mu.Lock()
	r.current = NewStaticRegistry(models)
	r.mu.Unlock()
	return nil
}
