// Package watcher observes the workspace tree and reports changed file
// paths after a debounce window, so save storms collapse into one change
// per file.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/clide/internal/log"
)

// DefaultDebounce is how long the watcher waits after the last event
// before reporting a batch of changed paths.
const DefaultDebounce = 200 * time.Millisecond

// defaultIgnoreDirs are directory names never descended into.
var defaultIgnoreDirs = []string{".git", "node_modules", "vendor", ".idea", ".vscode"}

// Config configures a workspace watcher.
type Config struct {
	// Root is the workspace directory watched recursively.
	Root string
	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration
	// IgnoreDirs lists extra directory names to skip.
	IgnoreDirs []string
}

// Watcher watches Config.Root recursively. Changed file paths arrive on
// Changes after the debounce window closes.
type Watcher struct {
	cfg     Config
	fs      *fsnotify.Watcher
	ignored map[string]struct{}
	changes chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New creates a watcher over cfg.Root and registers every non-ignored
// subdirectory. Call Start to begin delivery.
func New(cfg Config) (*Watcher, error) {
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("inspecting watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", cfg.Root)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	w := &Watcher{
		cfg:     cfg,
		fs:      fsw,
		ignored: make(map[string]struct{}),
		changes: make(chan string, 64),
	}
	for _, name := range defaultIgnoreDirs {
		w.ignored[name] = struct{}{}
	}
	for _, name := range cfg.IgnoreDirs {
		w.ignored[name] = struct{}{}
	}

	if err := w.addTree(cfg.Root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Changes delivers debounced changed file paths. The channel closes when
// the watcher shuts down.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// Start begins watching. Delivery stops when ctx is canceled or Close is
// called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	log.Info(log.CatWatcher, "watching workspace", "root", w.cfg.Root, "debounce", w.cfg.Debounce)
}

// Close stops the watcher and closes the changes channel.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		_ = w.fs.Close()
		w.wg.Wait()
		close(w.changes)
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.accept(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						log.ErrorErr(log.CatWatcher, "watching new directory", err, "path", ev.Name)
					}
					continue
				}
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.cfg.Debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatWatcher, "filesystem watch error", err)

		case <-timer.C:
			w.deliver(ctx, pending)
			pending = make(map[string]struct{})
		}
	}
}

// deliver emits the batch in path order so downstream consumers see a
// stable sequence for any given set of changes.
func (w *Watcher) deliver(ctx context.Context, pending map[string]struct{}) {
	if len(pending) == 0 {
		return
	}
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	log.Debug(log.CatWatcher, "reporting changes", "count", len(paths))
	for _, p := range paths {
		select {
		case w.changes <- p:
		case <-ctx.Done():
			return
		}
	}
}

// accept filters out events from ignored directories and non-content
// operations like chmod.
func (w *Watcher) accept(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	rel, err := filepath.Rel(w.cfg.Root, ev.Name)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if _, skip := w.ignored[part]; skip {
			return false
		}
	}
	return true
}

// addTree registers dir and every non-ignored directory below it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Deleted mid-walk, nothing to register.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if _, skip := w.ignored[d.Name()]; skip && path != root {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}
