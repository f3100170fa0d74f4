package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads an engine when the policy file changes on disk. The
// parent directory is watched so editors that replace the file via rename
// are picked up.
type Watcher struct {
	engine   *Engine
	store    *FileStore
	base     Policy
	debounce time.Duration
	log      *slog.Logger
}

// NewWatcher reloads store's content merged over base (the patterns that
// come from the main config) into engine.
func NewWatcher(engine *Engine, store *FileStore, base Policy, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		engine:   engine,
		store:    store,
		base:     base.Clone(),
		debounce: 200 * time.Millisecond,
		log:      log,
	}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.store.Path())
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("policy watcher error", "error", err)

		case <-fire:
			fire = nil
			w.reload(ctx)

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	p, err := w.store.Load()
	if err != nil {
		w.log.Error("policy reload failed, keeping current policy", "path", w.store.Path(), "error", err)
		return
	}
	next := Merge(w.base, p)
	cur := w.engine.Patterns()
	if slices.Equal(cur.Allow, next.Allow) && slices.Equal(cur.Deny, next.Deny) {
		return
	}
	if err := w.engine.Replace(ctx, next); err != nil {
		w.log.Error("policy reload rejected, keeping current policy", "path", w.store.Path(), "error", err)
		return
	}
	w.log.Info("policy reloaded", "path", w.store.Path(), "allow", len(next.Allow), "deny", len(next.Deny))
}
