package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/secondbrain/secondbrain/internal/composer"
	"github.com/secondbrain/secondbrain/internal/storage"
)

type chatRequest struct {
	Query          string `json:"query"`
	Limit          int    `json:"limit"`
	ConversationID string `json:"conversation_id"`
}

type chatResponse struct {
	ConversationID string              `json:"conversation_id"`
	Answer         string              `json:"answer"`
	Citations      []composer.Citation `json:"citations"`
}

// parseChatRequest validates the body and resolves the conversation,
// creating one when the request does not name an existing conversation.
func parseChatRequest(deps Deps, r *http.Request) (chatRequest, storage.Conversation, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, storage.Conversation{}, fmt.Errorf("invalid request body: %w", err)
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return req, storage.Conversation{}, fmt.Errorf("query is required")
	}
	if req.Limit <= 0 {
		req.Limit = deps.DefaultLimit
	}
	if req.Limit <= 0 {
		req.Limit = 8
	}

	if req.ConversationID != "" {
		conv, err := deps.Store.GetConversation(req.ConversationID)
		if err != nil {
			return req, storage.Conversation{}, fmt.Errorf("conversation %s: %w", req.ConversationID, err)
		}
		return req, conv, nil
	}

	conv := storage.Conversation{
		ID:        uuid.NewString(),
		Title:     conversationTitle(req.Query),
		CreatedAt: time.Now().UTC(),
	}
	if err := deps.Store.CreateConversation(conv); err != nil {
		return req, storage.Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}
	return req, conv, nil
}

// conversationTitle derives a short title from the opening question.
func conversationTitle(question string) string {
	const max = 60
	if len(question) <= max {
		return question
	}
	cut := question[:max]
	if i := strings.LastIndex(cut, " "); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

func saveMessage(deps Deps, conversationID, role, content string, citations []composer.Citation) error {
	m := storage.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if citations != nil {
		b, err := json.Marshal(citations)
		if err != nil {
			return fmt.Errorf("encoding citations: %w", err)
		}
		m.CitationsJSON = string(b)
	}
	return deps.Store.AddMessage(m)
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		req, conv, err := parseChatRequest(deps, r)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			httpError(w, status, "invalid_request_error", "%v", err)
			return
		}

		if err := saveMessage(deps, conv.ID, "user", req.Query, nil); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving message: %v", err)
			return
		}

		passages, err := deps.Retriever.Search(r.Context(), req.Query, req.Limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrieving context: %v", err)
			return
		}

		answer, err := deps.Composer.Compose(r.Context(), req.Query, passages)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "composing answer: %v", err)
			return
		}

		if err := saveMessage(deps, conv.ID, "assistant", answer.Text, answer.Citations); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving message: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, chatResponse{
			ConversationID: conv.ID,
			Answer:         answer.Text,
			Citations:      answer.Citations,
		})
	}
}

func handleChatStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		req, conv, err := parseChatRequest(deps, r)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			httpError(w, status, "invalid_request_error", "%v", err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
			return
		}

		if err := saveMessage(deps, conv.ID, "user", req.Query, nil); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving message: %v", err)
			return
		}

		passages, err := deps.Retriever.Search(r.Context(), req.Query, req.Limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrieving context: %v", err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		var answer strings.Builder
		var citations []composer.Citation

		streamErr := deps.Composer.ComposeStream(r.Context(), req.Query, passages,
			func(c []composer.Citation) error {
				citations = c
				meta, err := json.Marshal(map[string]any{
					"conversation_id": conv.ID,
					"citations":       c,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "event: meta\ndata: %s\n\n", meta)
				flusher.Flush()
				return nil
			},
			func(frag string) error {
				answer.WriteString(frag)
				b, err := json.Marshal(map[string]string{"delta": frag})
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "data: %s\n\n", b)
				flusher.Flush()
				return nil
			})
		if streamErr != nil {
			// Headers are gone; the best we can do is surface the failure
			// in-band and skip persisting a partial answer.
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", streamErr.Error())
			flusher.Flush()
			return
		}

		// Persist the assistant turn only after the stream finished cleanly.
		if err := saveMessage(deps, conv.ID, "assistant", answer.String(), citations); err != nil {
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
			flusher.Flush()
			return
		}

		fmt.Fprint(w, "event: done\ndata: {}\n\n")
		flusher.Flush()
	}
}

// conversationView is the wire shape of a conversation.
type conversationView struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := deps.Store.ListConversations(50)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing conversations: %v", err)
			return
		}
		views := make([]conversationView, 0, len(convs))
		for _, c := range convs {
			views = append(views, conversationView{
				ID:        c.ID,
				Title:     c.Title,
				CreatedAt: c.CreatedAt.Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": views})
	}
}

// messageView is the wire shape of a stored chat message.
type messageView struct {
	ID        string              `json:"id"`
	Role      string              `json:"role"`
	Content   string              `json:"content"`
	Citations []composer.Citation `json:"citations,omitempty"`
	CreatedAt string              `json:"created_at"`
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetConversation(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "conversation %s not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading conversation: %v", err)
			return
		}

		msgs, err := deps.Store.ListMessages(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing messages: %v", err)
			return
		}

		views := make([]messageView, 0, len(msgs))
		for _, m := range msgs {
			v := messageView{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt.Format(time.RFC3339),
			}
			if m.CitationsJSON != "" {
				if err := json.Unmarshal([]byte(m.CitationsJSON), &v.Citations); err != nil {
					httpError(w, http.StatusInternalServerError, "api_error", "decoding citations: %v", err)
					return
				}
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": views})
	}
}
