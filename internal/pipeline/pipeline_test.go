package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/secondbrain/secondbrain/internal/chunker"
	"github.com/secondbrain/secondbrain/internal/extract"
	"github.com/secondbrain/secondbrain/internal/storage"
)

type fakeEmbedder struct {
	err   error
	short bool // return one vector fewer than requested
	dim   int
	calls int
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	dim := f.dim
	if dim == 0 {
		dim = storage.EmbeddingDim
	}
	n := len(texts)
	if f.short && n > 0 {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		v[0] = float32(i + 1)
		out[i] = v
	}
	return out, nil
}

func newTestOrchestrator(t *testing.T, embedder Embedder) (*Orchestrator, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ch, err := chunker.New(chunker.DefaultMaxChars, chunker.DefaultOverlap)
	if err != nil {
		t.Fatalf("creating chunker: %v", err)
	}
	return New(store, extract.New(nil, nil), ch, embedder), store
}

func createQueuedDocument(t *testing.T, store *storage.Store, kind storage.SourceKind) string {
	t.Helper()
	id := uuid.NewString()
	_, err := store.CreateDocumentWithJob(storage.Document{
		ID:         id,
		SourceKind: kind,
		Status:     storage.DocProcessing,
	}, uuid.NewString())
	if err != nil {
		t.Fatalf("creating document: %v", err)
	}
	return id
}

func TestRunLongText(t *testing.T) {
	o, store := newTestOrchestrator(t, &fakeEmbedder{})
	docID := createQueuedDocument(t, store, storage.SourceText)

	text := strings.Repeat("Hello world. ", 200)
	if err := o.Run(context.Background(), docID, extract.TextSource(text)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err := store.GetJobByDocument(docID)
	if err != nil {
		t.Fatalf("GetJobByDocument: %v", err)
	}
	if job.Status != storage.JobDone || job.Stage != storage.StageComplete {
		t.Errorf("job = %s/%s, want done/complete", job.Status, job.Stage)
	}

	doc, err := store.GetDocument(docID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.DocReady {
		t.Errorf("document status = %s, want ready", doc.Status)
	}
	if doc.IngestedAt.IsZero() {
		t.Error("ingested_at should be set on completion")
	}

	count, err := store.CountChunks(docID)
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if count <= 1 {
		t.Errorf("chunk count = %d, want > 1", count)
	}
}

func TestRunEmptyTextFails(t *testing.T) {
	emb := &fakeEmbedder{}
	o, store := newTestOrchestrator(t, emb)
	docID := createQueuedDocument(t, store, storage.SourceText)

	err := o.Run(context.Background(), docID, extract.TextSource("   "))
	if err == nil {
		t.Fatal("expected failure for empty text")
	}
	if !strings.Contains(err.Error(), "No text extracted") {
		t.Errorf("error = %v", err)
	}

	var se *StageError
	if !errors.As(err, &se) || se.Stage != storage.StageExtract {
		t.Errorf("failure should be attributed to the extract stage, got %v", err)
	}

	job, _ := store.GetJobByDocument(docID)
	if job.Status != storage.JobFailed {
		t.Errorf("job status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.Error, "No text extracted") {
		t.Errorf("job error = %q", job.Error)
	}
	doc, _ := store.GetDocument(docID)
	if doc.Status != storage.DocError {
		t.Errorf("document status = %s, want error", doc.Status)
	}
	if emb.calls != 0 {
		t.Error("embedder should not run after extract fails")
	}
}

func TestRunEmbedFailure(t *testing.T) {
	o, store := newTestOrchestrator(t, &fakeEmbedder{err: fmt.Errorf("rate limited")})
	docID := createQueuedDocument(t, store, storage.SourceText)

	err := o.Run(context.Background(), docID, extract.TextSource("some text to embed"))
	if err == nil {
		t.Fatal("expected embed failure")
	}

	var se *StageError
	if !errors.As(err, &se) || se.Stage != storage.StageEmbed {
		t.Errorf("failure should be attributed to the embed stage, got %v", err)
	}

	job, _ := store.GetJobByDocument(docID)
	if job.Status != storage.JobFailed || job.Stage != storage.StageComplete {
		t.Errorf("job = %s/%s, want failed/complete", job.Status, job.Stage)
	}
	if count, _ := store.CountChunks(docID); count != 0 {
		t.Errorf("no chunks should be stored after embed failure, got %d", count)
	}
}

func TestRunVectorCountMismatch(t *testing.T) {
	o, store := newTestOrchestrator(t, &fakeEmbedder{short: true})
	docID := createQueuedDocument(t, store, storage.SourceText)

	err := o.Run(context.Background(), docID, extract.TextSource("some text"))
	if err == nil {
		t.Fatal("expected failure on vector count mismatch")
	}
	if !strings.Contains(err.Error(), "vectors for") {
		t.Errorf("error = %v", err)
	}
}

func TestRunWrongDimension(t *testing.T) {
	o, store := newTestOrchestrator(t, &fakeEmbedder{dim: 3})
	docID := createQueuedDocument(t, store, storage.SourceText)

	err := o.Run(context.Background(), docID, extract.TextSource("some text"))
	if err == nil {
		t.Fatal("expected failure on wrong dimension")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != storage.StageEmbed {
		t.Errorf("failure should be attributed to the embed stage, got %v", err)
	}
	if count, _ := store.CountChunks(docID); count != 0 {
		t.Errorf("no chunks should remain, got %d", count)
	}
}

func TestRunExtractorError(t *testing.T) {
	o, store := newTestOrchestrator(t, &fakeEmbedder{})
	docID := createQueuedDocument(t, store, storage.SourceDocument)

	// Missing file path makes the extractor itself fail.
	err := o.Run(context.Background(), docID, extract.Source{Kind: storage.SourceDocument})
	if err == nil {
		t.Fatal("expected extract failure")
	}
	job, _ := store.GetJobByDocument(docID)
	if job.Status != storage.JobFailed {
		t.Errorf("job status = %s, want failed", job.Status)
	}
}

func TestRunBumpsGeneration(t *testing.T) {
	o, store := newTestOrchestrator(t, &fakeEmbedder{})
	docID := createQueuedDocument(t, store, storage.SourceText)

	before, err := store.Generation()
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	if err := o.Run(context.Background(), docID, extract.TextSource("fresh content")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	after, err := store.Generation()
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	if after != before+1 {
		t.Errorf("generation = %d, want %d", after, before+1)
	}
}

func TestRunTerminalJobRejected(t *testing.T) {
	o, store := newTestOrchestrator(t, &fakeEmbedder{})
	docID := createQueuedDocument(t, store, storage.SourceText)

	if err := o.Run(context.Background(), docID, extract.TextSource("first pass")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The job is terminal now; a second run must not restart it or disturb
	// the recorded outcome.
	err := o.Run(context.Background(), docID, extract.TextSource("second pass"))
	if !errors.Is(err, storage.ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal, got %v", err)
	}
	doc, _ := store.GetDocument(docID)
	if doc.Status != storage.DocReady {
		t.Errorf("document status = %s after rejected rerun, want ready", doc.Status)
	}
	job, _ := store.GetJobByDocument(docID)
	if job.Status != storage.JobDone {
		t.Errorf("job status = %s after rejected rerun, want done", job.Status)
	}
}
