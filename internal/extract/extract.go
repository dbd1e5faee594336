// Package extract turns a content source into raw text and an optional
// derived title. One extractor per source kind, dispatched exhaustively on
// the source's kind tag.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/secondbrain/secondbrain/internal/storage"
)

// Source is a tagged union describing where content comes from. Exactly one
// payload field is meaningful for a given Kind: Text for text sources,
// FilePath for document and audio sources, URL for web sources.
type Source struct {
	Kind     storage.SourceKind
	Text     string
	FilePath string
	URL      string
}

func TextSource(text string) Source {
	return Source{Kind: storage.SourceText, Text: text}
}

func FileSource(path string) Source {
	return Source{Kind: storage.SourceDocument, FilePath: path}
}

func URLSource(url string) Source {
	return Source{Kind: storage.SourceURL, URL: url}
}

func AudioSource(path string) Source {
	return Source{Kind: storage.SourceAudio, FilePath: path}
}

// Result is the outcome of extraction. Title is empty unless the source
// yielded one (currently only web pages do).
type Result struct {
	Title string
	Text  string
}

// Transcriber converts audio bytes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// Extractor dispatches extraction over source kinds.
type Extractor struct {
	httpClient  *http.Client
	transcriber Transcriber
}

// New creates an Extractor. httpClient is used for web sources (pass nil
// for a default with the standard fetch timeout); transcriber handles audio
// sources and may be nil if audio ingestion is disabled.
func New(httpClient *http.Client, transcriber Transcriber) *Extractor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}
	return &Extractor{httpClient: httpClient, transcriber: transcriber}
}

// Extract produces raw text (and possibly a title) for the given source.
// Unknown kinds and kinds with a missing payload fail rather than silently
// producing nothing.
func (e *Extractor) Extract(ctx context.Context, src Source) (Result, error) {
	switch src.Kind {
	case storage.SourceText:
		return Result{Text: strings.TrimSpace(src.Text)}, nil

	case storage.SourceDocument:
		if src.FilePath == "" {
			return Result{}, fmt.Errorf("file path is required for document extraction")
		}
		text, err := extractFile(src.FilePath)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: text}, nil

	case storage.SourceURL:
		if src.URL == "" {
			return Result{}, fmt.Errorf("url is required for web extraction")
		}
		return e.extractWeb(ctx, src.URL)

	case storage.SourceAudio:
		if src.FilePath == "" {
			return Result{}, fmt.Errorf("file path is required for audio extraction")
		}
		return e.extractAudio(ctx, src.FilePath)

	default:
		return Result{}, fmt.Errorf("unsupported source kind %q", src.Kind)
	}
}
