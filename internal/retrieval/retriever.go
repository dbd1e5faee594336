package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Passage is one retrieved chunk with its per-channel and fused scores.
type Passage struct {
	ChunkID      string
	DocumentID   string
	ChunkIndex   int
	Text         string
	Title        string
	VectorScore  float64
	LexicalScore float64
	Score        float64
}

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher runs the two retrieval channels and exposes the store
// generation used for cache invalidation.
type Searcher interface {
	VectorSearch(vector []float32, topK int) ([]Candidate, error)
	LexicalSearch(query string, topK int) ([]Candidate, error)
	Generation() (int64, error)
}

// Options tune score fusion and caching. Zero values fall back to defaults.
type Options struct {
	VectorWeight  float64
	LexicalWeight float64
	// LexicalCandidates caps the lexical pre-filter independently of the
	// query limit. Zero means "same as the limit".
	LexicalCandidates int
	// CacheSize is the max number of cached query results. Zero disables
	// the cache.
	CacheSize int
}

// Retriever fuses vector and lexical search into a single ranked passage
// list. Results are cached per normalized query until the store generation
// moves.
type Retriever struct {
	embedder Embedder
	store    Searcher

	vectorWeight      float64
	lexicalWeight     float64
	lexicalCandidates int

	cache *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	generation int64
	passages   []Passage
}

func NewRetriever(embedder Embedder, store Searcher, opts Options) (*Retriever, error) {
	if opts.VectorWeight == 0 && opts.LexicalWeight == 0 {
		opts.VectorWeight = 0.8
		opts.LexicalWeight = 0.2
	}
	if opts.VectorWeight < 0 || opts.LexicalWeight < 0 {
		return nil, fmt.Errorf("fusion weights must be non-negative")
	}

	r := &Retriever{
		embedder:          embedder,
		store:             store,
		vectorWeight:      opts.VectorWeight,
		lexicalWeight:     opts.LexicalWeight,
		lexicalCandidates: opts.LexicalCandidates,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, cacheEntry](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating query cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// Search returns up to 2*limit passages ranked by fused score. A chunk
// found by only one channel scores 0 on the other. Ties break by vector
// score descending, then chunk ID ascending, so rankings are stable.
func (r *Retriever) Search(ctx context.Context, query string, limit int) ([]Passage, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is empty")
	}

	key := cacheKey(query, limit)
	var gen int64
	if r.cache != nil {
		g, err := r.store.Generation()
		if err != nil {
			return nil, err
		}
		gen = g
		if entry, ok := r.cache.Get(key); ok && entry.generation == gen {
			return entry.passages, nil
		}
	}

	vectors, err := r.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding query: got %d vectors", len(vectors))
	}

	vecCands, err := r.store.VectorSearch(vectors[0], limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	lexLimit := r.lexicalCandidates
	if lexLimit <= 0 {
		lexLimit = limit
	}
	lexCands, err := r.store.LexicalSearch(query, lexLimit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	passages := r.fuse(vecCands, lexCands, 2*limit)

	if r.cache != nil {
		r.cache.Add(key, cacheEntry{generation: gen, passages: passages})
	}
	return passages, nil
}

// fuse unions the two candidate sets by chunk ID, combines scores with the
// configured weights, and returns the top maxOut passages.
func (r *Retriever) fuse(vecCands, lexCands []Candidate, maxOut int) []Passage {
	byID := make(map[string]*Passage, len(vecCands)+len(lexCands))

	for _, c := range vecCands {
		byID[c.ChunkID] = &Passage{
			ChunkID:     c.ChunkID,
			DocumentID:  c.DocumentID,
			ChunkIndex:  c.ChunkIndex,
			Text:        c.Text,
			Title:       c.Title,
			VectorScore: c.Score,
		}
	}
	for _, c := range lexCands {
		if p, ok := byID[c.ChunkID]; ok {
			p.LexicalScore = c.Score
			continue
		}
		byID[c.ChunkID] = &Passage{
			ChunkID:      c.ChunkID,
			DocumentID:   c.DocumentID,
			ChunkIndex:   c.ChunkIndex,
			Text:         c.Text,
			Title:        c.Title,
			LexicalScore: c.Score,
		}
	}

	passages := make([]Passage, 0, len(byID))
	for _, p := range byID {
		p.Score = r.vectorWeight*p.VectorScore + r.lexicalWeight*p.LexicalScore
		passages = append(passages, *p)
	}

	sort.Slice(passages, func(i, j int) bool {
		a, b := passages[i], passages[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.VectorScore != b.VectorScore {
			return a.VectorScore > b.VectorScore
		}
		return a.ChunkID < b.ChunkID
	})

	if len(passages) > maxOut {
		passages = passages[:maxOut]
	}
	return passages
}

// cacheKey normalizes the query (case and whitespace) so trivially
// restated queries share a cache slot.
func cacheKey(query string, limit int) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return fmt.Sprintf("%d|%s", limit, normalized)
}
