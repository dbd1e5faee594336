// Package composer turns retrieved passages into a context-grounded answer.
// It formats the passages into a bounded context window, asks the chat model,
// and reports which passages backed the answer.
package composer

import (
	"context"
	"fmt"
	"strings"

	"github.com/secondbrain/secondbrain/internal/openai"
	"github.com/secondbrain/secondbrain/internal/retrieval"
)

const defaultContextBudget = 8000

const systemPrompt = "You are a helpful Second Brain assistant. Answer the " +
	"user's question using ONLY the provided context. If the context does " +
	"not contain the answer, say you don't know rather than guessing."

// blockSeparator joins context blocks in the prompt.
const blockSeparator = "\n\n---\n\n"

// Completer is the chat capability the composer needs.
type Completer interface {
	Chat(ctx context.Context, messages []openai.Message) (string, error)
	ChatStream(ctx context.Context, messages []openai.Message, onFragment func(string) error) error
}

// Citation identifies one passage that was placed in the model's context.
type Citation struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	ChunkIndex int     `json:"chunk_index"`
	Title      string  `json:"title,omitempty"`
	Score      float64 `json:"score"`
}

// Answer is a composed response with the citations backing it.
type Answer struct {
	Text      string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// Composer builds prompts within a character budget and drives the chat
// model.
type Composer struct {
	completer Completer
	budget    int
}

// New creates a Composer with the given character budget for injected
// context. If budget <= 0, the default (8000) is used.
func New(completer Completer, budget int) *Composer {
	if budget <= 0 {
		budget = defaultContextBudget
	}
	return &Composer{completer: completer, budget: budget}
}

// BuildContext formats passages into the prompt context, in rank order,
// stopping before the next block would exceed the budget. The returned
// citations mirror exactly the passages that made it in.
func (c *Composer) BuildContext(passages []retrieval.Passage) (string, []Citation) {
	var sb strings.Builder
	var citations []Citation

	for _, p := range passages {
		block := formatPassage(p)
		need := len(block)
		if sb.Len() > 0 {
			need += len(blockSeparator)
		}
		if sb.Len()+need > c.budget {
			break
		}
		if sb.Len() > 0 {
			sb.WriteString(blockSeparator)
		}
		sb.WriteString(block)
		citations = append(citations, Citation{
			DocumentID: p.DocumentID,
			ChunkID:    p.ChunkID,
			ChunkIndex: p.ChunkIndex,
			Title:      p.Title,
			Score:      p.Score,
		})
	}
	return sb.String(), citations
}

func formatPassage(p retrieval.Passage) string {
	return fmt.Sprintf("[doc:%s chunk:%d score:%.3f title:%s]\n%s",
		p.DocumentID, p.ChunkIndex, p.Score, p.Title, p.Text)
}

func (c *Composer) messages(contextBlock, question string) []openai.Message {
	user := question
	if contextBlock != "" {
		user = "Context:\n\n" + contextBlock + "\n\nQuestion: " + question
	}
	return []openai.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user},
	}
}

// Compose produces a one-shot answer grounded in the given passages.
func (c *Composer) Compose(ctx context.Context, question string, passages []retrieval.Passage) (Answer, error) {
	contextBlock, citations := c.BuildContext(passages)

	text, err := c.completer.Chat(ctx, c.messages(contextBlock, question))
	if err != nil {
		return Answer{}, fmt.Errorf("generating answer: %w", err)
	}
	return Answer{Text: text, Citations: citations}, nil
}

// ComposeStream streams the answer. Citations are delivered first via
// onCitations, then answer fragments arrive in order through onFragment.
// Returning an error from either callback aborts the stream.
func (c *Composer) ComposeStream(
	ctx context.Context,
	question string,
	passages []retrieval.Passage,
	onCitations func([]Citation) error,
	onFragment func(string) error,
) error {
	contextBlock, citations := c.BuildContext(passages)

	if err := onCitations(citations); err != nil {
		return err
	}
	if err := c.completer.ChatStream(ctx, c.messages(contextBlock, question), onFragment); err != nil {
		return fmt.Errorf("streaming answer: %w", err)
	}
	return nil
}
