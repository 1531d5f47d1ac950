package knowledge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// eventChannelBuffer is the size of the watch event channel.
	eventChannelBuffer = 500

	defaultDebounce = 500 * time.Millisecond
)

// WatchOperation indicates the type of file operation.
type WatchOperation string

// WatchOpUpsert and WatchOpDelete enumerate the knowledge file operations.
const (
	WatchOpUpsert WatchOperation = "upsert"
	WatchOpDelete WatchOperation = "delete"
)

// WatchEvent represents a knowledge file change.
type WatchEvent struct {
	Path      string
	Operation WatchOperation
}

// Watcher watches the roots of the knowledge patterns and emits debounced
// events for matching files.
type Watcher struct {
	roots    []string
	match    func(path string) bool
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	// Debouncing: collect changes before processing
	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	// Output channel
	events chan WatchEvent

	// Metrics
	droppedEvents atomic.Int64
}

// NewWatcher creates a watcher over roots. match filters which files produce
// events.
func NewWatcher(roots []string, match func(string) bool, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		roots:    roots,
		match:    match,
		debounce: debounce,
		watcher:  fsw,
		logger:   logger,
		pending:  make(map[string]fsnotify.Op),
		events:   make(chan WatchEvent, eventChannelBuffer),
	}, nil
}

// Events returns the channel of watch events. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

// Start adds watches under every existing root and begins processing.
func (w *Watcher) Start(ctx context.Context) error {
	for _, root := range w.roots {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			w.logger.Warn("Knowledge root does not exist, not watching", "root", root)
			continue
		}
		if err := w.addWatchesRecursive(root); err != nil {
			return err
		}
	}

	go w.processEvents(ctx)

	w.logger.Info("Knowledge watcher started", "roots", w.roots, "debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if path != root && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !strings.HasPrefix(filepath.Base(path), ".") {
				if err := w.watcher.Add(path); err != nil {
					w.logger.Warn("Failed to watch new directory", "path", path, "error", err)
				}
			}
			return
		}
	}

	if !w.match(path) {
		return
	}

	w.pendingMu.Lock()
	w.pending[path] |= event.Op
	w.pendingMu.Unlock()
}

func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path := range toProcess {
		select {
		case <-ctx.Done():
			return
		default:
		}

		op := WatchOpUpsert
		if _, err := os.Stat(path); os.IsNotExist(err) {
			op = WatchOpDelete
		}
		w.sendEvent(WatchEvent{Path: path, Operation: op})
	}
}

func (w *Watcher) sendEvent(event WatchEvent) {
	select {
	case w.events <- event:
	default:
		dropped := w.droppedEvents.Add(1)
		w.logger.Warn("Event channel full, dropping event",
			"path", event.Path,
			"total_dropped", dropped)
	}
}

// DroppedEvents returns the number of events dropped due to channel overflow.
func (w *Watcher) DroppedEvents() int64 {
	return w.droppedEvents.Load()
}
