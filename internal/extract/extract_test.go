package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/secondbrain/secondbrain/internal/storage"
)

type fakeTranscriber struct {
	transcript string
	err        error
	gotName    string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, filename string, audio io.Reader) (string, error) {
	f.gotName = filename
	io.Copy(io.Discard, audio)
	return f.transcript, f.err
}

func TestExtractText(t *testing.T) {
	e := New(nil, nil)
	res, err := e.Extract(context.Background(), TextSource("  hello world  "))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want trimmed passthrough", res.Text)
	}
	if res.Title != "" {
		t.Errorf("text sources should not derive a title, got %q", res.Title)
	}
}

func TestExtractUnsupportedKind(t *testing.T) {
	e := New(nil, nil)
	_, err := e.Extract(context.Background(), Source{Kind: storage.SourceImage})
	if err == nil {
		t.Fatal("expected error for unsupported kind")
	}
	if !strings.Contains(err.Error(), "unsupported source kind") {
		t.Errorf("error = %v", err)
	}
}

func TestExtractFileMissingPath(t *testing.T) {
	e := New(nil, nil)
	if _, err := e.Extract(context.Background(), Source{Kind: storage.SourceDocument}); err == nil {
		t.Fatal("expected error for missing file path")
	}
}

func TestExtractPlainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("# Notes\n\nsome text\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	e := New(nil, nil)
	res, err := e.Extract(context.Background(), FileSource(path))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "# Notes\n\nsome text" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestExtractFileInvalidUTF8Substituted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw.txt")
	if err := os.WriteFile(path, []byte{'o', 'k', 0xff, 0xfe, '!'}, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	e := New(nil, nil)
	res, err := e.Extract(context.Background(), FileSource(path))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.HasPrefix(res.Text, "ok") || !strings.HasSuffix(res.Text, "!") {
		t.Errorf("Text = %q", res.Text)
	}
	if !strings.ContainsRune(res.Text, '�') {
		t.Errorf("invalid bytes should be substituted, got %q", res.Text)
	}
}

func TestExtractWeb(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "SecondBrainBot/0.1" {
			t.Errorf("User-Agent = %q", got)
		}
		fmt.Fprint(w, `<html><head>
			<title>  Page Title  </title>
			<script>var hidden = "nope";</script>
			<style>.x { color: red }</style>
		</head><body>
			<noscript>enable js</noscript>
			<h1>Heading</h1>
			<p>First paragraph.</p>
			<p>Second paragraph.</p>
		</body></html>`)
	}))
	defer srv.Close()

	e := New(srv.Client(), nil)
	res, err := e.Extract(context.Background(), URLSource(srv.URL))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if res.Title != "Page Title" {
		t.Errorf("Title = %q", res.Title)
	}
	for _, want := range []string{"Heading", "First paragraph.", "Second paragraph."} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("Text missing %q: %q", want, res.Text)
		}
	}
	for _, banned := range []string{"hidden", "color: red", "enable js", "Page Title"} {
		if strings.Contains(res.Text, banned) {
			t.Errorf("Text should not contain %q: %q", banned, res.Text)
		}
	}
}

func TestExtractWebNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	e := New(srv.Client(), nil)
	_, err := e.Extract(context.Background(), URLSource(srv.URL))
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("error = %v", err)
	}
}

func TestExtractWebFollowsRedirect(t *testing.T) {
	var target *httptest.Server
	target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Final</title></head><body>landed</body></html>`)
	}))
	defer target.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	e := New(nil, nil)
	res, err := e.Extract(context.Background(), URLSource(srv.URL))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Title != "Final" || !strings.Contains(res.Text, "landed") {
		t.Errorf("res = %+v", res)
	}
}

func TestExtractAudio(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memo.mp3")
	if err := os.WriteFile(path, []byte("fake-audio-bytes"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	tr := &fakeTranscriber{transcript: "  spoken words  "}
	e := New(nil, tr)
	res, err := e.Extract(context.Background(), AudioSource(path))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "spoken words" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Title != "" {
		t.Errorf("audio should not derive a title")
	}
	if tr.gotName != "memo.mp3" {
		t.Errorf("transcriber got filename %q", tr.gotName)
	}
}

func TestExtractAudioWithoutTranscriber(t *testing.T) {
	e := New(nil, nil)
	if _, err := e.Extract(context.Background(), AudioSource("/tmp/x.mp3")); err == nil {
		t.Fatal("expected error when transcriber is not configured")
	}
}
