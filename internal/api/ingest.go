// Package api implements the HTTP surface of the knowledge base: ingestion,
// document and job inspection, and context-grounded chat.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/secondbrain/secondbrain/internal/composer"
	"github.com/secondbrain/secondbrain/internal/retrieval"
	"github.com/secondbrain/secondbrain/internal/storage"
)

const maxIngestBodySize = 1 << 20  // 1MB for JSON bodies
const maxUploadBodySize = 50 << 20 // 50MB for file uploads

// Searcher finds passages relevant to a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]retrieval.Passage, error)
}

// Answering composes answers from retrieved passages.
type Answering interface {
	Compose(ctx context.Context, question string, passages []retrieval.Passage) (composer.Answer, error)
	ComposeStream(ctx context.Context, question string, passages []retrieval.Passage,
		onCitations func([]composer.Citation) error, onFragment func(string) error) error
}

// Deps carries everything the HTTP handlers need.
type Deps struct {
	Store     *storage.Store
	Retriever Searcher
	Composer  Answering
	Token     string
	UploadDir string
	// DefaultLimit is the passage limit used when a chat request does not
	// specify one.
	DefaultLimit int
}

// NewHandler builds the HTTP router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Health stays open so liveness probes work without credentials.
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ingest/text", handleIngestText(deps))
		r.Post("/ingest/url", handleIngestURL(deps))
		r.Post("/ingest/file", handleIngestFile(deps))

		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/documents/{id}/chunks", handleListChunks(deps))
		r.Get("/jobs/{documentID}", handleGetJob(deps))

		r.Post("/chat", handleChat(deps))
		r.Post("/chat/stream", handleChatStream(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}/messages", handleListMessages(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ingestResponse is returned by all three ingestion endpoints.
type ingestResponse struct {
	DocumentID string `json:"document_id"`
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
}

type ingestTextRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func handleIngestText(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req ingestTextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		// Persist the raw text so the worker can re-read it like a file.
		path := filepath.Join(deps.UploadDir, uuid.NewString()+".txt")
		if err := os.WriteFile(path, []byte(req.Text), 0o600); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving content: %v", err)
			return
		}

		doc := storage.Document{
			ID:         uuid.NewString(),
			Title:      req.Title,
			SourceKind: storage.SourceText,
			SourceURI:  path,
			MimeType:   "text/plain",
			SizeBytes:  int64(len(req.Text)),
			Status:     storage.DocProcessing,
			CreatedAt:  time.Now().UTC(),
		}
		enqueueDocument(w, deps, doc)
	}
}

type ingestURLRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func handleIngestURL(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req ingestURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		parsed, err := url.Parse(req.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "a valid http(s) url is required")
			return
		}

		doc := storage.Document{
			ID:         uuid.NewString(),
			Title:      req.Title,
			SourceKind: storage.SourceURL,
			SourceURI:  req.URL,
			Status:     storage.DocProcessing,
			CreatedAt:  time.Now().UTC(),
		}
		enqueueDocument(w, deps, doc)
	}
}

// audioExtensions are upload extensions routed to the transcription path.
var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".flac": true, ".webm": true,
}

func handleIngestFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field 'file' is required: %v", err)
			return
		}
		defer file.Close()

		ext := strings.ToLower(filepath.Ext(header.Filename))
		path := filepath.Join(deps.UploadDir, uuid.NewString()+ext)
		dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving upload: %v", err)
			return
		}
		size, err := io.Copy(dst, file)
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(path)
			httpError(w, http.StatusInternalServerError, "api_error", "saving upload: %v", err)
			return
		}

		kind := storage.SourceDocument
		if audioExtensions[ext] {
			kind = storage.SourceAudio
		}

		title := r.FormValue("title")
		if title == "" {
			title = strings.TrimSuffix(header.Filename, ext)
		}

		doc := storage.Document{
			ID:         uuid.NewString(),
			Title:      title,
			SourceKind: kind,
			SourceURI:  path,
			MimeType:   header.Header.Get("Content-Type"),
			SizeBytes:  size,
			Status:     storage.DocProcessing,
			CreatedAt:  time.Now().UTC(),
		}
		enqueueDocument(w, deps, doc)
	}
}

// enqueueDocument creates the document row and its queued job, then answers
// 202 so callers know ingestion runs in the background.
func enqueueDocument(w http.ResponseWriter, deps Deps, doc storage.Document) {
	job, err := deps.Store.CreateDocumentWithJob(doc, uuid.NewString())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "creating document: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{
		DocumentID: doc.ID,
		JobID:      job.ID,
		Status:     string(job.Status),
	})
}
