package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/secondbrain/secondbrain/internal/storage"
)

// documentView is the wire shape of a document.
type documentView struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	SourceKind string `json:"source_kind"`
	SourceURI  string `json:"source_uri,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
	IngestedAt string `json:"ingested_at,omitempty"`
	ChunkCount int    `json:"chunk_count"`
}

func viewDocument(doc storage.Document, chunkCount int) documentView {
	v := documentView{
		ID:         doc.ID,
		Title:      doc.Title,
		SourceKind: string(doc.SourceKind),
		SourceURI:  doc.SourceURI,
		MimeType:   doc.MimeType,
		SizeBytes:  doc.SizeBytes,
		Status:     string(doc.Status),
		Error:      doc.Error,
		CreatedAt:  doc.CreatedAt.Format(time.RFC3339),
		ChunkCount: chunkCount,
	}
	if !doc.IngestedAt.IsZero() {
		v.IngestedAt = doc.IngestedAt.Format(time.RFC3339)
	}
	return v
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = n
		}

		docs, err := deps.Store.ListDocuments(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing documents: %v", err)
			return
		}

		views := make([]documentView, 0, len(docs))
		for _, doc := range docs {
			count, err := deps.Store.CountChunks(doc.ID)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "counting chunks: %v", err)
				return
			}
			views = append(views, viewDocument(doc, count))
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": views})
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "document %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading document: %v", err)
			return
		}
		count, err := deps.Store.CountChunks(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting chunks: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, viewDocument(doc, count))
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "document %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading document: %v", err)
			return
		}

		if err := deps.Store.DeleteDocument(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting document: %v", err)
			return
		}
		// Uploaded payloads live under the upload dir; remove ours with the
		// document. URL sources have nothing on disk.
		if doc.SourceKind != storage.SourceURL && doc.SourceURI != "" {
			os.Remove(doc.SourceURI)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// chunkView is the wire shape of a stored chunk.
type chunkView struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func handleListChunks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetDocument(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "document %s not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading document: %v", err)
			return
		}

		chunks, err := deps.Store.ListChunks(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing chunks: %v", err)
			return
		}

		views := make([]chunkView, len(chunks))
		for i, c := range chunks {
			views[i] = chunkView{
				ID:         c.ID,
				DocumentID: c.DocumentID,
				ChunkIndex: c.Index,
				Text:       c.Text,
				TokenCount: c.TokenCount,
				CreatedAt:  c.CreatedAt.Format(time.RFC3339),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"chunks": views})
	}
}

// jobView is the wire shape of an ingestion job.
type jobView struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Stage      string `json:"stage"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "documentID")
		job, err := deps.Store.GetJobByDocument(documentID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "no job for document %s", documentID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, jobView{
			ID:         job.ID,
			DocumentID: job.DocumentID,
			Status:     string(job.Status),
			Stage:      string(job.Stage),
			Error:      job.Error,
			CreatedAt:  job.CreatedAt.Format(time.RFC3339),
			UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
		})
	}
}
