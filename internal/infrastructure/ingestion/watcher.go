package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher triggers an ingestion pass shortly after files land under
// input/<scope>/. It supplements the scheduler's periodic pass so drops are
// picked up without waiting a full tick. Events are debounced since editors
// and atomic renames produce bursts.
type Watcher struct {
	ingester *Ingester
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a watcher over the ingester's input tree.
func NewWatcher(ingester *Ingester, logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		ingester: ingester,
		watcher:  w,
		debounce: 2 * time.Second,
		logger:   logger,
	}, nil
}

// Start watches the input root and every existing scope directory, then
// runs the event loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.ingester.EnsureDirectories(); err != nil {
		return err
	}
	if err := w.watcher.Add(w.ingester.InputDir()); err != nil {
		return fmt.Errorf("watch ingestion input: %w", err)
	}

	entries, err := os.ReadDir(w.ingester.InputDir())
	if err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				w.addScopeDir(filepath.Join(w.ingester.InputDir(), ent.Name()))
			}
		}
	}

	go w.loop(ctx)

	w.logger.Info("ingestion watcher started",
		zap.String("dir", w.ingester.InputDir()))
	return nil
}

func (w *Watcher) addScopeDir(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("failed to watch scope dir",
			zap.String("dir", dir), zap.Error(err))
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// New scope directories need their own watch.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				w.addScopeDir(event.Name)
				continue
			}
			pending = time.After(w.debounce)
		case <-pending:
			pending = nil
			w.ingester.ProcessPending()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("ingestion watcher error", zap.Error(err))
		}
	}
}
