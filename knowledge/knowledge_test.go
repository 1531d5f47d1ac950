package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestChunkMarkdown(t *testing.T) {
	content := "Intro line.\n\n# Caching\n\nUse a write-through cache.\n\n## Eviction\n\nLRU works.\n\n```\n# not a heading\n```\n"
	chunks := ChunkMarkdown("notes.md", content)

	require.Len(t, chunks, 3)
	assert.Equal(t, "", chunks[0].Heading)
	assert.Equal(t, "Intro line.", chunks[0].Text)
	assert.Equal(t, "Caching", chunks[1].Heading)
	assert.Equal(t, "Eviction", chunks[2].Heading)
	assert.Contains(t, chunks[2].Text, "# not a heading")
	assert.Equal(t, "notes.md#2", chunks[2].ID)
}

func TestChunkText_SplitsLongText(t *testing.T) {
	para := strings.Repeat("word ", 200)
	content := para + "\n\n" + para + "\n\n" + para

	chunks := ChunkText("long.txt", content)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Text)), maxChunkRunes)
		assert.Equal(t, "long.txt", c.Source)
	}
	assert.Empty(t, ChunkText("empty.txt", "  \n "))
}

func TestConverter_Convert(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		contains []string
		excludes []string
	}{
		{
			name:     "title becomes heading",
			html:     "<html><head><title>Rate Limits</title></head><body><p>Back off on 429.</p></body></html>",
			contains: []string{"# Rate Limits", "Back off on 429."},
		},
		{
			name:     "main content preferred",
			html:     "<html><body><nav>Menu</nav><main><p>Body text</p></main><footer>Foot</footer></body></html>",
			contains: []string{"Body text"},
			excludes: []string{"Menu", "Foot"},
		},
		{
			name:     "chrome removed without main",
			html:     "<html><body><nav>Menu</nav><p>Kept</p><script>alert(1)</script></body></html>",
			contains: []string{"Kept"},
			excludes: []string{"Menu", "alert"},
		},
	}

	c := NewConverter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Convert([]byte(tt.html))
			require.NoError(t, err)
			for _, s := range tt.contains {
				assert.Contains(t, got, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, got, s)
			}
		})
	}
}

func TestLoader_FilesAndMatches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "# A")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "b")
	writeFile(t, filepath.Join(dir, "sub", "c.go"), "package c")

	loader, err := NewLoader([]string{filepath.Join(dir, "**", "*")})
	require.NoError(t, err)

	files, err := loader.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.md"), filepath.Join(dir, "sub", "b.txt")}, files)

	assert.True(t, loader.Matches(filepath.Join(dir, "new", "d.md")))
	assert.False(t, loader.Matches(filepath.Join(dir, "sub", "c.go")))
	assert.Equal(t, []string{dir}, loader.Roots())
}

func TestNewLoader_InvalidPattern(t *testing.T) {
	_, err := NewLoader([]string{"notes/[.md"})
	assert.Error(t, err)
}

func TestIndex_ReplaceAndSearch(t *testing.T) {
	idx, err := NewMemoryIndex()
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.ReplaceSource("a.md", ChunkMarkdown("a.md", "# Postgres\n\nVacuum tables regularly.\n\n# Redis\n\nSet a maxmemory policy.")))
	require.NoError(t, idx.ReplaceSource("b.md", ChunkMarkdown("b.md", "# Kafka\n\nPartitions bound consumer parallelism.")))

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	hits, err := idx.Search(context.Background(), []string{"vacuum"}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a.md", hits[0].Source)
	assert.Equal(t, "Postgres", hits[0].Heading)
	assert.Contains(t, hits[0].Text, "Vacuum")

	// Replacing a source drops its old chunks.
	require.NoError(t, idx.ReplaceSource("a.md", ChunkMarkdown("a.md", "# Postgres\n\nUse connection pooling.")))
	count, err = idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	hits, err = idx.Search(context.Background(), []string{"vacuum"}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, idx.DeleteSource("b.md"))
	count, err = idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestIndex_SearchEmptyKeywords(t *testing.T) {
	idx, err := NewMemoryIndex()
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Search(context.Background(), []string{" ", ""}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBase_LoadAndRetrieve(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ops.md"), "# Backups\n\nTest restores monthly.\n\n# Alerts\n\nPage on symptoms, not causes.")
	writeFile(t, filepath.Join(dir, "page.html"), "<html><head><title>Retries</title></head><body><p>Use jittered exponential backoff.</p></body></html>")

	base, err := Open(Config{Paths: []string{filepath.Join(dir, "*")}}, nil)
	require.NoError(t, err)
	defer base.Close()

	n, err := base.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Unchanged files are not re-indexed.
	n, err = base.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	snippets, err := base.Retrieve(context.Background(), []string{"backoff", "jitter"}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, snippets)
	assert.Contains(t, snippets[0].Source, "page.html")
	assert.Contains(t, snippets[0].Text, "backoff")
}

func TestBase_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, "# Start\n\nNothing yet.")

	base, err := Open(Config{Paths: []string{filepath.Join(dir, "**", "*.md")}}, nil)
	require.NoError(t, err)
	defer base.Close()

	_, err = base.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, base.Watch(ctx, 50*time.Millisecond))

	// Give watcher time to set up
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, "# Tuning\n\nRaise the connection limit carefully.")

	require.Eventually(t, func() bool {
		snippets, err := base.Retrieve(context.Background(), []string{"connection"}, 3)
		return err == nil && len(snippets) == 1
	}, 2*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		count, err := base.Count()
		return err == nil && count == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestWatcher_IgnoresUnmatchedFiles(t *testing.T) {
	tmpDir := t.TempDir()

	watcher, err := NewWatcher([]string{tmpDir}, func(p string) bool {
		return strings.HasSuffix(p, ".md")
	}, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(tmpDir, "skip.go"), []byte("package x"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "keep.md"), []byte("# keep"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	select {
	case event := <-watcher.Events():
		if filepath.Base(event.Path) != "keep.md" {
			t.Errorf("expected keep.md, got %s", event.Path)
		}
		if event.Operation != WatchOpUpsert {
			t.Errorf("expected upsert operation, got %s", event.Operation)
		}
	case <-time.After(1 * time.Second):
		t.Error("timeout waiting for event")
	}
}
