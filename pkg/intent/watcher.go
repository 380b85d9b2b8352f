package intent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce delays a reload until the overlay file settles.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the alias overlay into a Pipeline when the file changes.
// An invalid overlay is logged and the previous table stays in use.
type Watcher struct {
	path     string
	pipeline *Pipeline
	logger   zerolog.Logger
	debounce time.Duration

	// OnReload, if set, is called after every reload attempt.
	OnReload func(t *Table, err error)

	watcher *fsnotify.Watcher
	done    chan struct{}
	mu      sync.Mutex
	timer   *time.Timer
}

// NewWatcher creates a watcher for the overlay at path.
func NewWatcher(path string, p *Pipeline, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		pipeline: p,
		logger:   logger,
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}
}

// Start watches the overlay's directory until ctx is done. The directory is
// created if needed so the file can appear later.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create overlay directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory, not the file.
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watcher = fw

	go w.run(ctx)

	w.logger.Debug().Str("path", w.path).Msg("Watching alias overlay")
	return nil
}

// Done is closed once the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Msg("Alias overlay changed")
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Alias overlay watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.Reload)
}

// Reload reads the overlay now.
func (w *Watcher) Reload() {
	t, err := LoadTable(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Ignoring invalid alias overlay")
	} else {
		w.pipeline.SetTable(t)
	}
	if w.OnReload != nil {
		w.OnReload(t, err)
	}
}
