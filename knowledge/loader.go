package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Supported file extensions.
var supportedExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
	".html":     true,
	".htm":      true,
}

// Loader resolves knowledge file globs and turns files into chunks.
type Loader struct {
	patterns  []string
	converter *Converter
}

// NewLoader creates a loader for the given glob patterns (doublestar syntax,
// e.g. "notes/**/*.md").
func NewLoader(patterns []string) (*Loader, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(filepath.ToSlash(p)) {
			return nil, fmt.Errorf("invalid knowledge pattern %q", p)
		}
	}
	return &Loader{patterns: patterns, converter: NewConverter()}, nil
}

// Files returns the supported files matched by the patterns, sorted and
// without duplicates.
func (l *Loader) Files() ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, p := range l.patterns {
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", p, err)
		}
		for _, m := range matches {
			if !supportedExtensions[strings.ToLower(filepath.Ext(m))] {
				continue
			}
			abs, err := filepath.Abs(m)
			if err != nil {
				abs = m
			}
			if !seen[abs] {
				seen[abs] = true
				files = append(files, abs)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Matches reports whether path is covered by one of the patterns.
func (l *Loader) Matches(path string) bool {
	if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	for _, p := range l.patterns {
		absPattern, err := filepath.Abs(p)
		if err != nil {
			absPattern = p
		}
		if ok, _ := doublestar.PathMatch(absPattern, path); ok {
			return true
		}
	}
	return false
}

// Roots returns the static directory prefix of each pattern.
func (l *Loader) Roots() []string {
	seen := make(map[string]bool)
	var roots []string
	for _, p := range l.patterns {
		base, _ := doublestar.SplitPattern(filepath.ToSlash(p))
		root := filepath.FromSlash(base)
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	return roots
}

// Load reads a file and returns its chunks and content hash.
func (l *Loader) Load(path string) ([]Chunk, string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	hash := ContentHash(content)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		markdown, err := l.converter.Convert(content)
		if err != nil {
			return nil, "", fmt.Errorf("convert %s: %w", path, err)
		}
		return ChunkMarkdown(path, markdown), hash, nil
	case ".txt":
		return ChunkText(path, string(content)), hash, nil
	default:
		return ChunkMarkdown(path, string(content)), hash, nil
	}
}

// ContentHash returns the hex SHA-256 of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
