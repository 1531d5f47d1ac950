// Package knowledge indexes local notes and pages so response generation can
// ground drafts in the operator's own material.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semreply/prompt"
)

// Config configures a knowledge base.
type Config struct {
	// Paths are doublestar globs of knowledge files.
	Paths []string `json:"paths" yaml:"paths"`

	// IndexPath is the on-disk Bleve index. Empty keeps the index in memory.
	IndexPath string `json:"index_path" yaml:"index_path"`

	// Watch re-indexes files when they change.
	Watch bool `json:"watch" yaml:"watch"`

	// Debounce delays re-indexing after a burst of file events.
	Debounce time.Duration `json:"debounce" yaml:"debounce"`
}

// Base is a searchable collection of knowledge chunks.
type Base struct {
	loader *Loader
	index  *Index
	logger *slog.Logger

	mu     sync.Mutex
	hashes map[string]string

	watcher *Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// Open builds a knowledge base from cfg. Files are not read until Load.
func Open(cfg Config, logger *slog.Logger) (*Base, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loader, err := NewLoader(cfg.Paths)
	if err != nil {
		return nil, err
	}

	var idx *Index
	if cfg.IndexPath == "" {
		idx, err = NewMemoryIndex()
	} else {
		idx, err = OpenIndex(cfg.IndexPath)
	}
	if err != nil {
		return nil, err
	}

	return &Base{
		loader: loader,
		index:  idx,
		logger: logger,
		hashes: make(map[string]string),
	}, nil
}

// Load indexes every matching file. Unchanged files are skipped. Files that
// fail to load are logged and skipped.
func (b *Base) Load(ctx context.Context) (int, error) {
	files, err := b.loader.Files()
	if err != nil {
		return 0, err
	}

	indexed := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		changed, err := b.indexFile(path)
		if err != nil {
			b.logger.Warn("Failed to index knowledge file", "path", path, "error", err)
			continue
		}
		if changed {
			indexed++
		}
	}

	b.logger.Info("Knowledge base loaded", "files", len(files), "indexed", indexed)
	return indexed, nil
}

func (b *Base) indexFile(path string) (bool, error) {
	chunks, hash, err := b.loader.Load(path)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hashes[path] == hash {
		return false, nil
	}
	if err := b.index.ReplaceSource(path, chunks); err != nil {
		return false, err
	}
	b.hashes[path] = hash
	return true, nil
}

func (b *Base) removeFile(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.index.DeleteSource(path); err != nil {
		return err
	}
	delete(b.hashes, path)
	return nil
}

// Retrieve returns up to limit snippets relevant to keywords.
func (b *Base) Retrieve(ctx context.Context, keywords []string, limit int) ([]prompt.Snippet, error) {
	hits, err := b.index.Search(ctx, keywords, limit)
	if err != nil {
		return nil, fmt.Errorf("retrieve knowledge: %w", err)
	}
	snippets := make([]prompt.Snippet, 0, len(hits))
	for _, h := range hits {
		source := h.Source
		if h.Heading != "" {
			source += " > " + h.Heading
		}
		snippets = append(snippets, prompt.Snippet{Source: source, Text: h.Text})
	}
	return snippets, nil
}

// Watch starts re-indexing files as they change. It returns once the watcher
// is running.
func (b *Base) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := NewWatcher(b.loader.Roots(), b.loader.Matches, debounce, b.logger)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := w.Start(ctx); err != nil {
		cancel()
		_ = w.Stop()
		return fmt.Errorf("start watcher: %w", err)
	}

	b.watcher = w
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.consume(w.Events())
	return nil
}

func (b *Base) consume(events <-chan WatchEvent) {
	defer close(b.done)
	for ev := range events {
		switch ev.Operation {
		case WatchOpDelete:
			if err := b.removeFile(ev.Path); err != nil {
				b.logger.Warn("Failed to remove knowledge file", "path", ev.Path, "error", err)
				continue
			}
			b.logger.Debug("Knowledge file removed", "path", ev.Path)
		default:
			changed, err := b.indexFile(ev.Path)
			if err != nil {
				b.logger.Warn("Failed to re-index knowledge file", "path", ev.Path, "error", err)
				continue
			}
			if changed {
				b.logger.Debug("Knowledge file re-indexed", "path", ev.Path)
			}
		}
	}
}

// Count returns the number of indexed chunks.
func (b *Base) Count() (uint64, error) {
	return b.index.Count()
}

// Close stops watching and closes the index.
func (b *Base) Close() error {
	if b.cancel != nil {
		b.cancel()
		_ = b.watcher.Stop()
		<-b.done
	}
	return b.index.Close()
}
