// Package retrieval finds the chunks most relevant to a query by fusing
// brute-force vector similarity with a lexical term score.
package retrieval

import (
	"container/heap"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/secondbrain/secondbrain/internal/storage"
)

// Candidate is one scored chunk produced by a single search channel.
type Candidate struct {
	ChunkID    string
	DocumentID string
	ChunkIndex int
	Text       string
	Title      string
	Score      float64
}

// SearchStore runs vector and lexical scans over the chunk tables. Both
// scans only consider chunks of ready documents.
type SearchStore struct {
	db *sql.DB
}

func NewSearchStore(db *sql.DB) *SearchStore {
	return &SearchStore{db: db}
}

// idScore holds only the chunk ID and score during the scan phase.
// Full chunk details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float64
}

// VectorSearch performs brute-force cosine similarity search over all
// stored embeddings, returning the top-K most similar chunks.
func (s *SearchStore) VectorSearch(vector []float32, topK int) ([]Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.Query(`
		SELECT ce.chunk_id, ce.embedding
		FROM chunk_embeddings ce
		JOIN chunks c ON c.id = ce.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE d.status = ?`, string(storage.DocReady))
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = storage.DecodeVectorInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return s.hydrate(h)
}

// LexicalSearch scores every ready chunk's search text against the query
// terms and returns the top-K matches. Scores are normalized by the best
// raw score in the candidate set, so the top match always scores 1.
func (s *SearchStore) LexicalSearch(query string, topK int) ([]Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT c.id, COALESCE(c.search_text, c.text)
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.status = ?`, string(storage.DocReady))
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		score := termScore(terms, text)
		if score == 0 {
			continue
		}
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	candidates, err := s.hydrate(h)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		// candidates come back sorted, so the best raw score leads.
		best := candidates[0].Score
		for i := range candidates {
			candidates[i].Score /= best
		}
	}
	return candidates, nil
}

// Generation reads the counter bumped on every completed ingestion.
func (s *SearchStore) Generation() (int64, error) {
	var gen int64
	if err := s.db.QueryRow(`SELECT generation FROM store_state WHERE id = 1`).Scan(&gen); err != nil {
		return 0, fmt.Errorf("reading store generation: %w", err)
	}
	return gen, nil
}

// hydrate drains the heap and fetches full chunk rows for the winners,
// returning them sorted by score descending.
func (s *SearchStore) hydrate(h *idScoreHeap) ([]Candidate, error) {
	if h.Len() == 0 {
		return nil, nil
	}

	topIDs := make([]string, h.Len())
	scores := make(map[string]float64, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	args := make([]any, len(topIDs))
	for i, id := range topIDs {
		args[i] = id
	}
	query := `
		SELECT c.id, c.document_id, c.chunk_index, c.text, COALESCE(d.title, '')
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer rows.Close()

	var results []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.ChunkIndex, &c.Text, &c.Title); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Score = scores[c.ChunkID]
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	// Sort by score descending (IN query doesn't preserve order).
	sortByScore(results)
	return results, nil
}

// sortByScore sorts Candidates by Score descending, chunk ID ascending on
// ties. Used for small slices (topK).
func sortByScore(results []Candidate) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && less(results[j-1], results[j]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ChunkID > b.ChunkID
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2
// norm of vector a.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// idScoreHeap is a min-heap of idScore ordered by Score. Used during the
// scan phase to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int          { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)     { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)       { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
