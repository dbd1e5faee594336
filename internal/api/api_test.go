package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/secondbrain/secondbrain/internal/composer"
	"github.com/secondbrain/secondbrain/internal/retrieval"
	"github.com/secondbrain/secondbrain/internal/storage"
)

const testToken = "test-token-12345"

type fakeRetriever struct {
	passages []retrieval.Passage
	err      error
	queries  []string
}

func (f *fakeRetriever) Search(_ context.Context, query string, limit int) ([]retrieval.Passage, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.passages, nil
}

type fakeComposer struct {
	answer    composer.Answer
	fragments []string
	err       error
}

func (f *fakeComposer) Compose(_ context.Context, _ string, _ []retrieval.Passage) (composer.Answer, error) {
	if f.err != nil {
		return composer.Answer{}, f.err
	}
	return f.answer, nil
}

func (f *fakeComposer) ComposeStream(_ context.Context, _ string, _ []retrieval.Passage,
	onCitations func([]composer.Citation) error, onFragment func(string) error) error {
	if f.err != nil {
		return f.err
	}
	if err := onCitations(f.answer.Citations); err != nil {
		return err
	}
	for _, frag := range f.fragments {
		if err := onFragment(frag); err != nil {
			return err
		}
	}
	return nil
}

func setupHandler(t *testing.T, token string, retr *fakeRetriever, comp *fakeComposer) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if retr == nil {
		retr = &fakeRetriever{}
	}
	if comp == nil {
		comp = &fakeComposer{}
	}

	handler := NewHandler(Deps{
		Store:        store,
		Retriever:    retr,
		Composer:     comp,
		Token:        token,
		UploadDir:    t.TempDir(),
		DefaultLimit: 8,
	})
	return handler, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := setupHandler(t, testToken, nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents", "", "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents", "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rr.Code)
	}

	// Health is exempt so probes work without credentials.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("health without token: status = %d, want 200", rr.Code)
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	h, _ := setupHandler(t, "", nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestIngestText(t *testing.T) {
	h, store := setupHandler(t, "", nil, nil)

	body := `{"title":"Note","text":"Go interfaces are satisfied implicitly."}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/ingest/text", body, ""))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}

	var resp ingestResponse
	decodeBody(t, rr, &resp)
	if resp.DocumentID == "" || resp.JobID == "" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Status != string(storage.JobQueued) {
		t.Errorf("status = %q, want queued", resp.Status)
	}

	doc, err := store.GetDocument(resp.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.SourceKind != storage.SourceText || doc.Title != "Note" {
		t.Errorf("doc = %+v", doc)
	}
	// Content must be on disk for the worker to pick up.
	saved, err := os.ReadFile(doc.SourceURI)
	if err != nil {
		t.Fatalf("reading saved content: %v", err)
	}
	if string(saved) != "Go interfaces are satisfied implicitly." {
		t.Errorf("saved content = %q", saved)
	}
}

func TestIngestTextValidation(t *testing.T) {
	h, _ := setupHandler(t, "", nil, nil)

	for _, body := range []string{`{}`, `{"text":"  "}`, `not json`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/ingest/text", body, ""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestIngestURL(t *testing.T) {
	h, store := setupHandler(t, "", nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/ingest/url", `{"url":"https://example.com/post"}`, ""))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp ingestResponse
	decodeBody(t, rr, &resp)
	doc, err := store.GetDocument(resp.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.SourceKind != storage.SourceURL || doc.SourceURI != "https://example.com/post" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestIngestURLRejectsBadSchemes(t *testing.T) {
	h, _ := setupHandler(t, "", nil, nil)

	for _, u := range []string{"", "ftp://example.com", "file:///etc/passwd", "not a url"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/ingest/url", fmt.Sprintf(`{"url":%q}`, u), ""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("url %q: status = %d, want 400", u, rr.Code)
		}
	}
}

func multipartUpload(t *testing.T, filename, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	hdr["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("creating part: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("writing part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestIngestFile(t *testing.T) {
	h, store := setupHandler(t, "", nil, nil)

	body, contentType := multipartUpload(t, "notes.md", "text/markdown", "# Heading\n\nBody.")
	req := httptest.NewRequest(http.MethodPost, "/ingest/file", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp ingestResponse
	decodeBody(t, rr, &resp)
	doc, err := store.GetDocument(resp.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.SourceKind != storage.SourceDocument {
		t.Errorf("source kind = %s, want document", doc.SourceKind)
	}
	if doc.Title != "notes" {
		t.Errorf("title = %q, want derived from filename", doc.Title)
	}
	if !strings.HasSuffix(doc.SourceURI, ".md") {
		t.Errorf("saved path %q should keep the extension", doc.SourceURI)
	}
	saved, err := os.ReadFile(doc.SourceURI)
	if err != nil || string(saved) != "# Heading\n\nBody." {
		t.Errorf("saved = %q, err = %v", saved, err)
	}
}

func TestIngestFileAudioKind(t *testing.T) {
	h, store := setupHandler(t, "", nil, nil)

	body, contentType := multipartUpload(t, "memo.mp3", "audio/mpeg", "fake-audio")
	req := httptest.NewRequest(http.MethodPost, "/ingest/file", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp ingestResponse
	decodeBody(t, rr, &resp)
	doc, _ := store.GetDocument(resp.DocumentID)
	if doc.SourceKind != storage.SourceAudio {
		t.Errorf("source kind = %s, want audio", doc.SourceKind)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	h, _ := setupHandler(t, "", nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents/nope", "", ""))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	h, store := setupHandler(t, "", nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/ingest/text", `{"text":"lifecycle"}`, ""))
	var resp ingestResponse
	decodeBody(t, rr, &resp)

	// The job is visible immediately, in its queued extract state.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/jobs/"+resp.DocumentID, "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("job status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var job jobView
	decodeBody(t, rr, &job)
	if job.Status != "queued" || job.Stage != "extract" {
		t.Errorf("job = %s/%s, want queued/extract", job.Status, job.Stage)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents", "", ""))
	var list struct {
		Documents []documentView `json:"documents"`
	}
	decodeBody(t, rr, &list)
	if len(list.Documents) != 1 || list.Documents[0].ID != resp.DocumentID {
		t.Fatalf("documents = %+v", list.Documents)
	}

	doc, _ := store.GetDocument(resp.DocumentID)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/documents/"+resp.DocumentID, "", ""))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if _, err := store.GetDocument(resp.DocumentID); err == nil {
		t.Error("document still present after delete")
	}
	if _, err := os.Stat(doc.SourceURI); !os.IsNotExist(err) {
		t.Error("uploaded payload should be removed with the document")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/documents/"+resp.DocumentID, "", ""))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}
}

func TestListDocumentChunks(t *testing.T) {
	h, store := setupHandler(t, "", nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/ingest/text", `{"text":"chunk source"}`, ""))
	var resp ingestResponse
	decodeBody(t, rr, &resp)

	// Insert out of index order; the endpoint must return them sorted.
	embedding := make([]float32, storage.EmbeddingDim)
	for i, text := range []string{"second chunk", "first chunk"} {
		err := store.InsertChunkWithEmbedding(storage.Chunk{
			DocumentID: resp.DocumentID,
			Index:      1 - i,
			Text:       text,
		}, embedding)
		if err != nil {
			t.Fatalf("inserting chunk: %v", err)
		}
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents/"+resp.DocumentID+"/chunks", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var list struct {
		Chunks []chunkView `json:"chunks"`
	}
	decodeBody(t, rr, &list)
	if len(list.Chunks) != 2 {
		t.Fatalf("chunks = %+v", list.Chunks)
	}
	for i, c := range list.Chunks {
		if c.ChunkIndex != i {
			t.Errorf("position %d has index %d", i, c.ChunkIndex)
		}
		if c.DocumentID != resp.DocumentID {
			t.Errorf("chunk %d document = %s", i, c.DocumentID)
		}
	}
	if list.Chunks[0].Text != "first chunk" || list.Chunks[1].Text != "second chunk" {
		t.Errorf("chunks not ordered by index: %+v", list.Chunks)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents/nope/chunks", "", ""))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown document: status = %d, want 404", rr.Code)
	}
}

func TestChat(t *testing.T) {
	retr := &fakeRetriever{passages: []retrieval.Passage{
		{ChunkID: "c1", DocumentID: "d1", ChunkIndex: 0, Text: "relevant", Score: 0.9},
	}}
	comp := &fakeComposer{answer: composer.Answer{
		Text:      "Here is the answer.",
		Citations: []composer.Citation{{DocumentID: "d1", ChunkID: "c1", Score: 0.9}},
	}}
	h, store := setupHandler(t, "", retr, comp)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chat", `{"query":"What is relevant?"}`, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp chatResponse
	decodeBody(t, rr, &resp)
	if resp.Answer != "Here is the answer." || len(resp.Citations) != 1 {
		t.Errorf("response = %+v", resp)
	}
	if resp.ConversationID == "" {
		t.Fatal("a conversation should be created")
	}

	msgs, err := store.ListMessages(resp.ConversationID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "What is relevant?" {
		t.Errorf("msg[0] = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].CitationsJSON == "" {
		t.Errorf("msg[1] = %+v", msgs[1])
	}
}

func TestChatContinuesConversation(t *testing.T) {
	comp := &fakeComposer{answer: composer.Answer{Text: "ok"}}
	h, _ := setupHandler(t, "", nil, comp)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chat", `{"query":"first"}`, ""))
	var first chatResponse
	decodeBody(t, rr, &first)

	rr = httptest.NewRecorder()
	body := fmt.Sprintf(`{"query":"second","conversation_id":%q}`, first.ConversationID)
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chat", body, ""))
	var second chatResponse
	decodeBody(t, rr, &second)
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation id changed: %s -> %s", first.ConversationID, second.ConversationID)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chat", `{"query":"q","conversation_id":"missing"}`, ""))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown conversation: status = %d, want 404", rr.Code)
	}
}

func TestChatValidation(t *testing.T) {
	h, _ := setupHandler(t, "", nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chat", `{"query":"   "}`, ""))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestChatStream(t *testing.T) {
	comp := &fakeComposer{
		answer:    composer.Answer{Citations: []composer.Citation{{DocumentID: "d1", ChunkID: "c1"}}},
		fragments: []string{"Hel", "lo."},
	}
	h, store := setupHandler(t, "", nil, comp)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chat/stream", `{"query":"hi"}`, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rr.Body.String()
	metaIdx := strings.Index(body, "event: meta")
	fragIdx := strings.Index(body, `{"delta":"Hel"}`)
	doneIdx := strings.Index(body, "event: done")
	if metaIdx < 0 || fragIdx < 0 || doneIdx < 0 {
		t.Fatalf("stream body = %q", body)
	}
	if !(metaIdx < fragIdx && fragIdx < doneIdx) {
		t.Errorf("event order wrong: meta=%d frag=%d done=%d", metaIdx, fragIdx, doneIdx)
	}
	if !strings.Contains(body, `{"delta":"lo."}`) {
		t.Errorf("second fragment missing: %q", body)
	}

	// The full answer is persisted once the stream completed.
	var meta struct {
		ConversationID string `json:"conversation_id"`
	}
	metaLine := body[metaIdx:]
	metaLine = metaLine[strings.Index(metaLine, "data: ")+6:]
	metaLine = metaLine[:strings.Index(metaLine, "\n")]
	if err := json.Unmarshal([]byte(metaLine), &meta); err != nil {
		t.Fatalf("decoding meta %q: %v", metaLine, err)
	}
	msgs, err := store.ListMessages(meta.ConversationID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "Hello." {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestChatStreamErrorSkipsPersist(t *testing.T) {
	comp := &fakeComposer{err: fmt.Errorf("model unavailable")}
	h, store := setupHandler(t, "", nil, comp)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chat/stream", `{"query":"hi"}`, ""))

	if !strings.Contains(rr.Body.String(), "event: error") {
		t.Errorf("body = %q, want an error event", rr.Body.String())
	}
	convs, err := store.ListConversations(10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations = %+v", convs)
	}
	msgs, _ := store.ListMessages(convs[0].ID)
	// Only the user turn: no partial assistant message was stored.
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestListConversationsAndMessages(t *testing.T) {
	comp := &fakeComposer{answer: composer.Answer{
		Text:      "answer",
		Citations: []composer.Citation{{DocumentID: "d1", ChunkID: "c1", Score: 0.5}},
	}}
	h, _ := setupHandler(t, "", nil, comp)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/chat", `{"query":"what do I know about Go?"}`, ""))
	var chat chatResponse
	decodeBody(t, rr, &chat)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations", "", ""))
	var convs struct {
		Conversations []conversationView `json:"conversations"`
	}
	decodeBody(t, rr, &convs)
	if len(convs.Conversations) != 1 {
		t.Fatalf("conversations = %+v", convs.Conversations)
	}
	if convs.Conversations[0].Title != "what do I know about Go?" {
		t.Errorf("title = %q", convs.Conversations[0].Title)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/"+chat.ConversationID+"/messages", "", ""))
	var msgs struct {
		Messages []messageView `json:"messages"`
	}
	decodeBody(t, rr, &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("messages = %+v", msgs.Messages)
	}
	if len(msgs.Messages[1].Citations) != 1 || msgs.Messages[1].Citations[0].DocumentID != "d1" {
		t.Errorf("assistant citations = %+v", msgs.Messages[1].Citations)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/conversations/missing/messages", "", ""))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
