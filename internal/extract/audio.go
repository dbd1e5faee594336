package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// extractAudio feeds the audio file to the transcription gateway and
// returns the trimmed transcript. Audio never yields a derived title.
func (e *Extractor) extractAudio(ctx context.Context, path string) (Result, error) {
	if e.transcriber == nil {
		return Result{}, fmt.Errorf("audio extraction is not configured")
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening audio file %s: %w", path, err)
	}
	defer f.Close()

	transcript, err := e.transcriber.Transcribe(ctx, filepath.Base(path), f)
	if err != nil {
		return Result{}, fmt.Errorf("transcribing %s: %w", path, err)
	}
	return Result{Text: strings.TrimSpace(transcript)}, nil
}
