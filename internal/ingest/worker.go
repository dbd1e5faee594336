// Package ingest runs the background worker that drains the ingestion job
// queue and feeds each claimed document through the pipeline.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/secondbrain/secondbrain/internal/extract"
	"github.com/secondbrain/secondbrain/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob() (*storage.IngestionJob, error)
	GetDocument(id string) (storage.Document, error)
	RecordFailure(documentID, errMsg string) error
}

// Runner executes the ingestion pipeline for one document.
type Runner interface {
	Run(ctx context.Context, documentID string, src extract.Source) error
}

// Worker polls the job queue and runs claimed documents through the
// pipeline one at a time.
type Worker struct {
	store    JobStore
	pipeline Runner
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, pipeline Runner, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		pipeline: pipeline,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single ingestion job. Returns true if a
// job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		// The pipeline already converted the failure into terminal job and
		// document state; here it is just logged.
		w.logger.Warn("ingestion failed",
			"job_id", job.ID, "document_id", job.DocumentID, "error", err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.IngestionJob) error {
	src, err := w.sourceForDocument(job.DocumentID)
	if err != nil {
		// The document is unreadable or malformed; the pipeline never ran,
		// so the terminal conversion happens here.
		if recErr := w.store.RecordFailure(job.DocumentID, err.Error()); recErr != nil {
			w.logger.Error("failed to record job failure",
				"document_id", job.DocumentID, "error", recErr)
		}
		return err
	}
	return w.pipeline.Run(ctx, job.DocumentID, src)
}

// sourceForDocument rebuilds the extraction source from the persisted
// document row.
func (w *Worker) sourceForDocument(documentID string) (extract.Source, error) {
	doc, err := w.store.GetDocument(documentID)
	if err != nil {
		return extract.Source{}, fmt.Errorf("loading document %s: %w", documentID, err)
	}

	switch doc.SourceKind {
	case storage.SourceText:
		// Raw text is written to a file under the upload dir at ingest
		// time; read it back like any other plain-text document.
		return extract.FileSource(doc.SourceURI), nil
	case storage.SourceDocument:
		return extract.FileSource(doc.SourceURI), nil
	case storage.SourceURL:
		return extract.URLSource(doc.SourceURI), nil
	case storage.SourceAudio:
		return extract.AudioSource(doc.SourceURI), nil
	default:
		return extract.Source{}, fmt.Errorf("document %s has unsupported source kind %q", documentID, doc.SourceKind)
	}
}
