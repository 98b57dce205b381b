package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a catalog root and signals when agent definitions change,
// so the caller can trigger a re-discovery pass. Rapid bursts of filesystem
// events are coalesced into a single signal.
type Watcher struct {
	watcher       *fsnotify.Watcher
	root          string
	changes       chan struct{}
	debounceDelay time.Duration

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	isWatching bool
}

// NewWatcher creates a watcher over the given catalog root.
func NewWatcher(root string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce == 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		watcher:       fsw,
		root:          root,
		changes:       make(chan struct{}, 1),
		debounceDelay: debounce,
	}, nil
}

// Start begins watching. The returned channel receives one signal per
// coalesced burst of changes under the root.
func (w *Watcher) Start(ctx context.Context) (<-chan struct{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isWatching {
		return w.changes, nil
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.isWatching = true

	if err := w.addDirs(); err != nil {
		w.isWatching = false
		return nil, err
	}

	go w.watchEvents(ctx)

	slog.Info("Started catalog watcher", "root", w.root)
	return w.changes, nil
}

// Stop stops watching and closes the change channel. The event loop is the
// only sender on the channel, so Stop waits for it to exit before closing.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isWatching {
		return nil
	}
	w.cancel()
	w.isWatching = false

	err := w.watcher.Close()
	<-w.done
	close(w.changes)

	slog.Info("Stopped catalog watcher", "root", w.root)
	return err
}

// addDirs registers the root and all its subdirectories with fsnotify.
func (w *Watcher) addDirs() error {
	return filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			slog.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) watchEvents(ctx context.Context) {
	defer close(w.done)

	debounce := time.NewTimer(w.debounceDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-debounce.C:
			select {
			case w.changes <- struct{}{}:
			default:
				// A signal is already pending; re-discovery will pick this up.
			}

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if !w.relevant(ev) {
				continue
			}

			// New subdirectories need to be watched too.
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(ev.Name); err != nil {
						slog.Warn("Failed to watch new directory", "path", ev.Name, "error", err)
					}
					continue
				}
			}

			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(w.debounceDelay)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Catalog watcher error", "root", w.root, "error", err)
		}
	}
}

// relevant filters for markdown files and directory-level changes.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if strings.HasSuffix(ev.Name, ".md") {
		return true
	}
	info, err := os.Stat(ev.Name)
	return err == nil && info.IsDir()
}
