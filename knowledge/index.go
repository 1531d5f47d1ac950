package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Index wraps a Bleve full-text index of knowledge chunks.
type Index struct {
	index bleve.Index
}

// indexedChunk is the document stored in Bleve.
type indexedChunk struct {
	Source  string
	Heading string
	Text    string
}

// Hit is a search result.
type Hit struct {
	ID      string
	Source  string
	Heading string
	Text    string
	Score   float64
}

// OpenIndex opens or creates an on-disk index at path.
func OpenIndex(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Index{index: idx}, nil
}

// NewMemoryIndex creates an index that lives only in memory.
func NewMemoryIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create memory index: %w", err)
	}
	return &Index{index: idx}, nil
}

// buildIndexMapping analyzes text with the English analyzer and keeps the
// source path as a single keyword term so chunks can be removed per file.
func buildIndexMapping() mapping.IndexMapping {
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = "en"

	headingFieldMapping := bleve.NewTextFieldMapping()
	headingFieldMapping.Analyzer = "en"

	sourceFieldMapping := bleve.NewTextFieldMapping()
	sourceFieldMapping.Analyzer = "keyword"

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("Source", sourceFieldMapping)
	docMapping.AddFieldMappingsAt("Heading", headingFieldMapping)
	docMapping.AddFieldMappingsAt("Text", textFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)
	return indexMapping
}

// Close closes the index.
func (i *Index) Close() error {
	return i.index.Close()
}

// ReplaceSource removes all chunks of source and indexes chunks in one batch.
func (i *Index) ReplaceSource(source string, chunks []Chunk) error {
	ids, err := i.sourceIDs(source)
	if err != nil {
		return err
	}

	batch := i.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	for _, c := range chunks {
		if err := batch.Index(c.ID, indexedChunk{Source: c.Source, Heading: c.Heading, Text: c.Text}); err != nil {
			return fmt.Errorf("batch index %s: %w", c.ID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// DeleteSource removes all chunks of source.
func (i *Index) DeleteSource(source string) error {
	return i.ReplaceSource(source, nil)
}

func (i *Index) sourceIDs(source string) ([]string, error) {
	q := bleve.NewTermQuery(source)
	q.SetField("Source")

	var ids []string
	const page = 500
	for from := 0; ; from += page {
		req := bleve.NewSearchRequestOptions(q, page, from, false)
		res, err := i.index.Search(req)
		if err != nil {
			return nil, fmt.Errorf("find chunks of %s: %w", source, err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < page {
			return ids, nil
		}
	}
}

// Search returns the best chunks matching any of the keywords.
func (i *Index) Search(ctx context.Context, keywords []string, limit int) ([]Hit, error) {
	var queries []query.Query
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		text := bleve.NewMatchQuery(k)
		text.SetField("Text")
		heading := bleve.NewMatchQuery(k)
		heading.SetField("Heading")
		heading.SetBoost(2)
		queries = append(queries, text, heading)
	}
	if len(queries) == 0 || limit <= 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(queries...), limit, 0, false)
	req.Fields = []string{"Source", "Heading", "Text"}

	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if v, ok := h.Fields["Source"].(string); ok {
			hit.Source = v
		}
		if v, ok := h.Fields["Heading"].(string); ok {
			hit.Heading = v
		}
		if v, ok := h.Fields["Text"].(string); ok {
			hit.Text = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count returns the number of chunks in the index.
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}
