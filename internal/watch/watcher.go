// Package watch turns filesystem activity under the session roots into
// debounced sync triggers.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	// Roots are the local session roots. The watcher covers each root and
	// every project directory directly under it, and picks up project
	// directories created while running.
	Roots []string

	// Debounce is how long the queue must be quiet before Trigger fires
	// (default 2s). A burst of writes to an active session collapses into
	// one trigger.
	Debounce time.Duration

	// Trigger is invoked after a quiet period with pending changes.
	Trigger func()

	Logger Logger
}

// Watcher tracks session file writes and fires a single callback per settled
// burst of changes.
type Watcher struct {
	cfg     Config
	watcher *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Watcher, error) {
	if len(cfg.Roots) == 0 {
		return nil, fmt.Errorf("at least one root is required")
	}
	if cfg.Trigger == nil {
		return nil, fmt.Errorf("trigger callback is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:     cfg,
		watcher: fsw,
		pending: map[string]time.Time{},
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start adds the watch directories and begins processing events. It returns
// immediately; use Stop to shut down.
func (w *Watcher) Start() error {
	for _, root := range w.cfg.Roots {
		if err := w.watcher.Add(root); err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			w.logf("read root %s: %v", root, err)
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			if err := w.watcher.Add(dir); err != nil {
				w.logf("watch %s: %v", dir, err)
			}
		}
	}

	w.wg.Add(2)
	go w.watchEvents()
	go w.drainQueue()
	return nil
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) Stop() {
	w.cancel()
	if err := w.watcher.Close(); err != nil {
		w.logf("close watcher: %v", err)
	}
	w.wg.Wait()
}

func (w *Watcher) watchEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// A new project directory under a root needs its own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.underRoot(event.Name) {
				if err := w.watcher.Add(event.Name); err != nil {
					w.logf("watch %s: %v", event.Name, err)
				}
			}
			return
		}
	}

	if !isSessionFile(filepath.Base(event.Name)) {
		return
	}
	w.pendingMu.Lock()
	w.pending[event.Name] = time.Now()
	w.pendingMu.Unlock()
}

// drainQueue fires the trigger once per settled burst: only when every
// pending change has been quiet for the debounce interval.
func (w *Watcher) drainQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if w.takeSettled() {
				w.cfg.Trigger()
			}
		}
	}
}

func (w *Watcher) takeSettled() bool {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if len(w.pending) == 0 {
		return false
	}
	now := time.Now()
	for _, queuedAt := range w.pending {
		if now.Sub(queuedAt) < w.cfg.Debounce {
			return false
		}
	}
	w.pending = map[string]time.Time{}
	return true
}

func (w *Watcher) underRoot(dir string) bool {
	parent := filepath.Dir(dir)
	for _, root := range w.cfg.Roots {
		if parent == filepath.Clean(root) {
			return true
		}
	}
	return false
}

func isSessionFile(name string) bool {
	return strings.HasSuffix(name, ".jsonl") && !strings.HasPrefix(name, "agent-")
}

func (w *Watcher) logf(format string, args ...any) {
	if w.cfg.Logger != nil {
		w.cfg.Logger.Printf(format, args...)
	}
}
