package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360/connectgate/natsclient"
)

// DefaultDebounce is how long a watcher waits for a burst of changes to
// settle before reloading.
const DefaultDebounce = 500 * time.Millisecond

// WatchDir reloads whenever files below root change. It watches root and
// its service directories and blocks until ctx is done.
func (h *Holder) WatchDir(ctx context.Context, root string, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := addTree(w, root); err != nil {
		return err
	}
	h.logger.Info("Watching contract directory", "root", root, "debounce", debounce)

	changes := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op == fsnotify.Chmod || hidden(ev.Name) {
					continue
				}
				if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == filepath.Clean(root) {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						if err := w.Add(ev.Name); err != nil {
							h.logger.Warn("Cannot watch new directory", "path", ev.Name, "error", err)
						}
					}
				}
				signal(changes)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				h.logger.Warn("Contract watcher error", "error", err)
			}
		}
	}()

	h.reloadOnChange(ctx, changes, debounce)
	return nil
}

func addTree(w *fsnotify.Watcher, root string) error {
	if err := w.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read %s: %w", root, err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := w.Add(filepath.Join(root, e.Name())); err != nil {
			return fmt.Errorf("watch %s: %w", e.Name(), err)
		}
	}
	return nil
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// WatchKV reloads whenever a key in the contract bucket changes. It blocks
// until ctx is done.
func (h *Holder) WatchKV(ctx context.Context, store *natsclient.KVStore, debounce time.Duration) error {
	watcher, err := store.Watch(ctx, ">")
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Stop() }()
	h.logger.Info("Watching contract bucket", "debounce", debounce)

	changes := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// nil marks the end of the initial values
				if entry == nil {
					continue
				}
				signal(changes)
			}
		}
	}()

	h.reloadOnChange(ctx, changes, debounce)
	return nil
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// reloadOnChange reloads once changes have been quiet for debounce
func (h *Holder) reloadOnChange(ctx context.Context, changes <-chan struct{}, debounce time.Duration) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			timer.Reset(debounce)
		case <-timer.C:
			if _, err := h.Reload(ctx); err != nil && ctx.Err() == nil {
				h.logger.Warn("Triggered reload did not apply", "error", err)
			}
		}
	}
}
