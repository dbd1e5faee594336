// Package pipeline drives a document through the ingestion stages: extract,
// chunk, embed, store, complete. Each stage persists its position before
// doing any work, so an interrupted job always shows the stage it died in.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/secondbrain/secondbrain/internal/chunker"
	"github.com/secondbrain/secondbrain/internal/extract"
	"github.com/secondbrain/secondbrain/internal/storage"
)

// Store is the subset of the storage layer the pipeline drives.
type Store interface {
	GetDocument(id string) (storage.Document, error)
	SetDocumentTitle(id, title string) error
	AdvanceJob(documentID string, status storage.JobStatus, stage storage.Stage) error
	InsertChunkWithEmbedding(c storage.Chunk, embedding []float32) error
	DeleteChunksForDocument(documentID string) error
	RecordFailure(documentID, errMsg string) error
	RecordCompletion(documentID string) error
}

// Extracting turns a source into raw text.
type Extracting interface {
	Extract(ctx context.Context, src extract.Source) (extract.Result, error)
}

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// StageError wraps a stage failure with the stage it occurred in.
type StageError struct {
	Stage storage.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Orchestrator runs the ingestion stages for one document at a time.
type Orchestrator struct {
	store     Store
	extractor Extracting
	chunker   *chunker.Chunker
	embedder  Embedder
}

func New(store Store, extractor Extracting, ch *chunker.Chunker, embedder Embedder) *Orchestrator {
	return &Orchestrator{
		store:     store,
		extractor: extractor,
		chunker:   ch,
		embedder:  embedder,
	}
}

// Run executes the full pipeline for the given document. On any stage
// failure it records the terminal state (job failed, document errored) in a
// single commit and returns the failure to the caller. There are no
// automatic retries.
func (o *Orchestrator) Run(ctx context.Context, documentID string, src extract.Source) error {
	if err := o.run(ctx, documentID, src); err != nil {
		if errors.Is(err, storage.ErrJobTerminal) {
			// The job already finished; there is no in-flight state to convert.
			return err
		}
		if recErr := o.store.RecordFailure(documentID, err.Error()); recErr != nil {
			return fmt.Errorf("recording failure (%v) after: %w", recErr, err)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, documentID string, src extract.Source) error {
	// Extract.
	if err := o.enter(documentID, storage.StageExtract); err != nil {
		return err
	}
	res, err := o.extractor.Extract(ctx, src)
	if err != nil {
		return &StageError{Stage: storage.StageExtract, Err: err}
	}
	if res.Text == "" {
		return &StageError{Stage: storage.StageExtract, Err: fmt.Errorf("No text extracted")}
	}
	if res.Title != "" {
		doc, err := o.store.GetDocument(documentID)
		if err != nil {
			return &StageError{Stage: storage.StageExtract, Err: err}
		}
		if doc.Title == "" {
			if err := o.store.SetDocumentTitle(documentID, res.Title); err != nil {
				return &StageError{Stage: storage.StageExtract, Err: err}
			}
		}
	}

	// Chunk.
	if err := o.enter(documentID, storage.StageChunk); err != nil {
		return err
	}
	chunks := o.chunker.Chunk(res.Text)
	if len(chunks) == 0 {
		return &StageError{Stage: storage.StageChunk, Err: fmt.Errorf("no chunks produced")}
	}

	// Embed.
	if err := o.enter(documentID, storage.StageEmbed); err != nil {
		return err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return &StageError{Stage: storage.StageEmbed, Err: err}
	}
	if len(vectors) != len(chunks) {
		return &StageError{
			Stage: storage.StageEmbed,
			Err:   fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks)),
		}
	}
	for i, v := range vectors {
		if len(v) != storage.EmbeddingDim {
			return &StageError{
				Stage: storage.StageEmbed,
				Err:   fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), storage.EmbeddingDim),
			}
		}
	}

	// Store. Chunks and embeddings are matched by position; a mid-store
	// failure removes the partial writes so a later re-ingest starts clean.
	if err := o.enter(documentID, storage.StageStore); err != nil {
		return err
	}
	for i, c := range chunks {
		row := storage.Chunk{
			DocumentID: documentID,
			Index:      c.Index,
			Text:       c.Text,
			TokenCount: c.TokenCount,
		}
		if err := o.store.InsertChunkWithEmbedding(row, vectors[i]); err != nil {
			if delErr := o.store.DeleteChunksForDocument(documentID); delErr != nil {
				return &StageError{
					Stage: storage.StageStore,
					Err:   fmt.Errorf("storing chunk %d: %v (cleanup also failed: %v)", c.Index, err, delErr),
				}
			}
			return &StageError{Stage: storage.StageStore, Err: fmt.Errorf("storing chunk %d: %w", c.Index, err)}
		}
	}

	// Complete: job done and document ready in one commit.
	if err := o.store.RecordCompletion(documentID); err != nil {
		return &StageError{Stage: storage.StageComplete, Err: err}
	}
	return nil
}

// enter persists that the job is processing the given stage before the
// stage does any work.
func (o *Orchestrator) enter(documentID string, stage storage.Stage) error {
	if err := o.store.AdvanceJob(documentID, storage.JobProcessing, stage); err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}
