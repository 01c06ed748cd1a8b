package infrastructure

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RuleWatcher reloads the filter when the rule file changes on disk.
// It watches the parent directory so editors that replace the file are seen.
type RuleWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func(ctx context.Context)
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewRuleWatcher creates a watcher for path. onChange runs on the watcher
// goroutine after writes have been quiet for debounce.
func NewRuleWatcher(path string, debounce time.Duration, onChange func(ctx context.Context), logger *zap.Logger) (*RuleWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	return &RuleWatcher{
		watcher:  watcher,
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking.
func (w *RuleWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.running = true

	go w.run(ctx)

	w.logger.Info("Watching filter rule file", zap.String("path", w.path))
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit
func (w *RuleWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Error("Failed to close rule watcher", zap.Error(err))
	}
}

func (w *RuleWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("Filter rule file changed", zap.String("op", event.Op.String()))
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Rule watcher error", zap.Error(err))

		case <-timer.C:
			w.onChange(ctx)
		}
	}
}
