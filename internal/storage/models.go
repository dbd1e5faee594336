package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrJobTerminal is returned when an update targets a job that has already
// finished (done or failed). Terminal jobs never change again.
var ErrJobTerminal = errors.New("job already finished")

// EmbeddingDim is the fixed dimensionality of all stored embeddings.
const EmbeddingDim = 1536

// SourceKind identifies where a document's content came from.
type SourceKind string

const (
	SourceText     SourceKind = "text"
	SourceDocument SourceKind = "document"
	SourceURL      SourceKind = "url"
	SourceAudio    SourceKind = "audio"
	SourceImage    SourceKind = "image"
)

// DocumentStatus is the user-visible lifecycle state of a document.
type DocumentStatus string

const (
	DocProcessing DocumentStatus = "processing"
	DocReady      DocumentStatus = "ready"
	DocError      DocumentStatus = "error"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Stage is one phase of the ingestion pipeline. Stages only ever advance
// forward through the fixed sequence extract, chunk, embed, store, complete.
type Stage string

const (
	StageExtract  Stage = "extract"
	StageChunk    Stage = "chunk"
	StageEmbed    Stage = "embed"
	StageStore    Stage = "store"
	StageComplete Stage = "complete"
)

// stageOrder is the transition table. AdvanceJob rejects any update that
// would move a job to a lower-ordered stage.
var stageOrder = map[Stage]int{
	StageExtract:  0,
	StageChunk:    1,
	StageEmbed:    2,
	StageStore:    3,
	StageComplete: 4,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Next returns the stage following s. Calling Next on the final stage is a
// programming error.
func (s Stage) Next() (Stage, error) {
	switch s {
	case StageExtract:
		return StageChunk, nil
	case StageChunk:
		return StageEmbed, nil
	case StageEmbed:
		return StageStore, nil
	case StageStore:
		return StageComplete, nil
	default:
		return "", fmt.Errorf("stage %q has no successor", s)
	}
}

// canAdvance reports whether a job may move from stage `from` to stage `to`.
// Re-entering the current stage is allowed (idempotent status refresh).
func canAdvance(from, to Stage) bool {
	fo, ok := stageOrder[from]
	if !ok {
		return false
	}
	to2, ok := stageOrder[to]
	if !ok {
		return false
	}
	return to2 >= fo
}

type Document struct {
	ID                string
	Title             string
	SourceKind        SourceKind
	SourceURI         string
	MimeType          string
	SizeBytes         int64
	Status            DocumentStatus
	Error             string
	CreatedAt         time.Time
	IngestedAt        time.Time
	SourcePublishedAt time.Time
}

type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Text       string
	TokenCount int
	// SearchText is the denormalized lexical projection written during the
	// store stage; the lexical scorer reads it instead of Text.
	SearchText string
	CreatedAt  time.Time
}

type IngestionJob struct {
	ID         string
	DocumentID string
	Status     JobStatus
	Stage      Stage
	IsActive   bool
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Role           string // "user" | "assistant"
	Content        string
	CitationsJSON  string
	CreatedAt      time.Time
}
