// Package watch installs *.user.js files dropped into a directory.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/fsnotify/fsnotify"
)

const (
	scriptSuffix    = ".user.js"
	defaultDebounce = 300 * time.Millisecond
	debounceTick    = 50 * time.Millisecond
)

// Installer is what the watcher calls for each settled file.
type Installer interface {
	InstallFile(ctx context.Context, path string) (*script.Script, error)
}

type Stats struct {
	Installed     int
	Failed        int
	LastEventPath string
	LastEventTime time.Time
}

// Watcher installs every script already in dir on Start, then any script
// created or rewritten there. Rapid saves are debounced per file.
type Watcher struct {
	dir       string
	installer Installer
	watcher   *fsnotify.Watcher
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
	stats   Stats
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(dir string, installer Installer) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:       dir,
		installer: installer,
		watcher:   fw,
		debounce:  defaultDebounce,
		pending:   make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start creates dir if needed, installs its current scripts and begins
// watching.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	existing, err := filepath.Glob(filepath.Join(w.dir, "*"+scriptSuffix))
	if err != nil {
		return err
	}
	for _, path := range existing {
		w.installLocked(ctx, path)
	}
	slog.Info("watching scripts directory", "dir", w.dir, "existing", len(existing))

	w.running = true
	go w.run(ctx)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		slog.Warn("scripts watcher close failed", "error", err)
	}
}

func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(debounceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(evt)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("scripts watcher error", "error", err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(evt fsnotify.Event) {
	if !strings.HasSuffix(evt.Name, scriptSuffix) {
		return
	}
	// Removing a file leaves the installed script alone.
	if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) {
		return
	}
	w.mu.Lock()
	w.pending[evt.Name] = time.Now()
	w.stats.LastEventPath = evt.Name
	w.stats.LastEventTime = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.install(ctx, path)
	}
}

func (w *Watcher) install(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.installLocked(ctx, path)
}

func (w *Watcher) installLocked(ctx context.Context, path string) {
	sc, err := w.installer.InstallFile(ctx, path)
	if err != nil {
		// Removed again before it settled.
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("dropped script vanished", "path", path)
			return
		}
		w.stats.Failed++
		slog.Warn("dropped script not installed", "path", path, "error", err)
		return
	}
	w.stats.Installed++
	slog.Info("dropped script installed", "path", path, "name", sc.Name)
}
