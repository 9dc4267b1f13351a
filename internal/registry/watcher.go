package registry

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long a file must stay quiet before its reload
// fires. Editors write files in bursts; one reload per burst is enough.
const DefaultDebounce = 350 * time.Millisecond

// Watcher feeds debounced filesystem change notifications into the
// registry through a single-writer loop, so reloads never interleave.
type Watcher struct {
	reg      *Registry
	dir      string
	debounce time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	dueCh  chan string
}

// NewWatcher creates a watcher for dir. debounce <= 0 uses the default.
func NewWatcher(reg *Registry, dir string, debounce time.Duration, log *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		reg:      reg,
		dir:      dir,
		debounce: debounce,
		log:      log,
		timers:   make(map[string]*time.Timer),
		dueCh:    make(chan string, 64),
	}
}

// Run watches until ctx is cancelled. It blocks; callers run it in a
// goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("watching plugins directory", zap.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			w.cancelTimers()
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".go") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.schedule(ev.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("plugin watcher error", zap.Error(err))

		case path := <-w.dueCh:
			// Single-writer: every reload goes through here, one at a
			// time, while dispatch keeps reading the old table.
			if diff, err := w.reg.Reload(path); err != nil {
				w.log.Warn("plugin reload failed",
					zap.String("file", filepath.Base(path)), zap.Error(err))
			} else if len(diff.Added) > 0 || len(diff.Removed) > 0 {
				w.log.Info("plugin reloaded",
					zap.String("file", filepath.Base(path)),
					zap.Strings("added", diff.Added),
					zap.Strings("removed", diff.Removed))
			}
		}
	}
}

// schedule arms (or re-arms) the per-file debounce timer. Re-arming
// cancels the pending fire, collapsing a write burst into one reload.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.dueCh <- path:
		default:
			w.log.Warn("reload queue full, dropping notification",
				zap.String("file", filepath.Base(path)))
		}
	})
}

func (w *Watcher) cancelTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// PendingReloads returns the number of armed debounce timers.
func (w *Watcher) PendingReloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}
