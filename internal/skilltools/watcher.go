package skilltools

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher rescans the skills root when manifests or handlers change on
// disk, so a skill dropped into the directory (or edited in place) is
// picked up without restarting the gateway. Events are debounced: editors
// and `cp -r` emit bursts of writes, and one rescan per burst is enough.
type Watcher struct {
	registry *Registry
	root     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher over registry's loader root.
func NewWatcher(registry *Registry, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		registry: registry,
		root:     registry.loader.root,
		debounce: debounce,
		logger:   logger.With("component", "skill_watcher"),
	}
}

// Start begins watching. Idempotent; a second call is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.root); err != nil {
		_ = fsw.Close()
		return err
	}
	// Watch one level of skill subdirectories too: a manifest edit happens
	// inside the skill's own directory, not at the root.
	for _, name := range w.registry.Names() {
		if e, ok := w.registry.Entry(name); ok && e.Dir != "" {
			_ = fsw.Add(e.Dir)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = fsw
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx, fsw)
	return nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fsw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fsw != nil {
		_ = fsw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !relevantEvent(event) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// A new skill directory: watch inside it so its manifest
				// writes are seen.
				_ = fsw.Add(event.Name)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.registry.LoadAll(ctx); err != nil {
				w.logger.Warn("skill rescan failed", "error", err)
			} else {
				w.logger.Info("skills rescanned after directory change")
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skill watch error", "error", err)
		}
	}
}

// relevantEvent filters out noise: chmod-only events and editor swap
// files trigger no rescan.
func relevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := event.Name
	return !strings.HasSuffix(name, "~") && !strings.HasSuffix(name, ".swp") && !strings.HasSuffix(name, ".tmp")
}
