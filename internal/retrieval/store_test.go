package retrieval

import (
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/secondbrain/secondbrain/internal/storage"
)

func openTestSearchStore(t *testing.T) (*SearchStore, *storage.Store) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSearchStore(st.DB()), st
}

// makeVec pads the given leading components out to the full embedding
// dimension.
func makeVec(vals ...float32) []float32 {
	v := make([]float32, storage.EmbeddingDim)
	copy(v, vals)
	return v
}

// seedDocument creates a ready document with the given chunk texts and
// embeddings and returns its ID and chunk IDs in index order.
func seedDocument(t *testing.T, st *storage.Store, texts []string, vecs [][]float32) (string, []string) {
	t.Helper()
	docID := uuid.NewString()
	if _, err := st.CreateDocumentWithJob(storage.Document{
		ID:         docID,
		SourceKind: storage.SourceText,
		Status:     storage.DocProcessing,
	}, uuid.NewString()); err != nil {
		t.Fatalf("creating document: %v", err)
	}

	chunkIDs := make([]string, len(texts))
	for i, text := range texts {
		chunkIDs[i] = uuid.NewString()
		if err := st.InsertChunkWithEmbedding(storage.Chunk{
			ID:         chunkIDs[i],
			DocumentID: docID,
			Index:      i,
			Text:       text,
		}, vecs[i]); err != nil {
			t.Fatalf("inserting chunk %d: %v", i, err)
		}
	}
	if err := st.RecordCompletion(docID); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	return docID, chunkIDs
}

func TestVectorSearchRanksBySimilarity(t *testing.T) {
	ss, st := openTestSearchStore(t)

	_, chunkIDs := seedDocument(t, st,
		[]string{"aligned", "orthogonal", "opposed"},
		[][]float32{
			makeVec(1, 0),
			makeVec(0, 1),
			makeVec(-1, 0),
		})

	got, err := ss.VectorSearch(makeVec(1, 0), 2)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].ChunkID != chunkIDs[0] {
		t.Errorf("best match = %q (%q), want the aligned chunk", got[0].ChunkID, got[0].Text)
	}
	if got[0].Score < 0.99 {
		t.Errorf("aligned score = %f, want ~1", got[0].Score)
	}
	if got[1].Score >= got[0].Score {
		t.Errorf("results not sorted: %f then %f", got[0].Score, got[1].Score)
	}
}

func TestVectorSearchSkipsUnreadyDocuments(t *testing.T) {
	ss, st := openTestSearchStore(t)

	// Ready document.
	seedDocument(t, st, []string{"visible"}, [][]float32{makeVec(1, 0)})

	// Processing document with a perfectly matching chunk: must not appear.
	docID := uuid.NewString()
	if _, err := st.CreateDocumentWithJob(storage.Document{
		ID:         docID,
		SourceKind: storage.SourceText,
		Status:     storage.DocProcessing,
	}, uuid.NewString()); err != nil {
		t.Fatalf("creating document: %v", err)
	}
	if err := st.InsertChunkWithEmbedding(storage.Chunk{
		DocumentID: docID, Index: 0, Text: "hidden",
	}, makeVec(1, 0)); err != nil {
		t.Fatalf("inserting chunk: %v", err)
	}

	got, err := ss.VectorSearch(makeVec(1, 0), 10)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(got) != 1 || got[0].Text != "visible" {
		t.Errorf("got %+v, want only the ready document's chunk", got)
	}
}

func TestVectorSearchZeroQueryVector(t *testing.T) {
	ss, st := openTestSearchStore(t)
	seedDocument(t, st, []string{"anything"}, [][]float32{makeVec(1)})

	got, err := ss.VectorSearch(make([]float32, storage.EmbeddingDim), 5)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if got != nil {
		t.Errorf("zero vector should match nothing, got %v", got)
	}
}

func TestLexicalSearchRanksAndNormalizes(t *testing.T) {
	ss, st := openTestSearchStore(t)

	_, chunkIDs := seedDocument(t, st,
		[]string{
			"the sqlite database stores chunks in a sqlite file",
			"a passing mention of sqlite",
			"nothing relevant here at all",
		},
		[][]float32{makeVec(1), makeVec(0, 1), makeVec(0, 0, 1)})

	got, err := ss.LexicalSearch("sqlite database", 5)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2 (the irrelevant chunk scores zero)", len(got))
	}
	if got[0].ChunkID != chunkIDs[0] {
		t.Errorf("best match = %q, want the dense chunk", got[0].Text)
	}
	if got[0].Score != 1 {
		t.Errorf("top score = %f, want 1 after normalization", got[0].Score)
	}
	if got[1].Score <= 0 || got[1].Score >= 1 {
		t.Errorf("runner-up score = %f, want within (0, 1)", got[1].Score)
	}
}

func TestLexicalSearchEmptyQuery(t *testing.T) {
	ss, st := openTestSearchStore(t)
	seedDocument(t, st, []string{"content"}, [][]float32{makeVec(1)})

	got, err := ss.LexicalSearch("  !!! ", 5)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if got != nil {
		t.Errorf("no tokens should match nothing, got %v", got)
	}
}

func TestGenerationTracksCompletions(t *testing.T) {
	ss, st := openTestSearchStore(t)

	gen0, err := ss.Generation()
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	seedDocument(t, st, []string{"content"}, [][]float32{makeVec(1)})

	gen1, err := ss.Generation()
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	if gen1 != gen0+1 {
		t.Errorf("generation = %d, want %d", gen1, gen0+1)
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("The Quick-Brown FOX, it jumped!")
	want := []string{"the", "quick", "brown", "fox", "it", "jumped"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("tokenize = %v, want %v", got, want)
	}
}

func TestTermScore(t *testing.T) {
	terms := tokenize("vector search")

	full := termScore(terms, "vector search with a vector index")
	partial := termScore(terms, "vector vector vector vector")
	none := termScore(terms, "completely unrelated text")

	if none != 0 {
		t.Errorf("no-overlap score = %f, want 0", none)
	}
	if full <= partial {
		t.Errorf("covering all terms (%f) should beat repeating one (%f)", full, partial)
	}
}
