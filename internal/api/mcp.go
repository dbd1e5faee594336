package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/secondbrain/secondbrain/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Retriever Searcher
	Composer  Answering
	UploadDir string
	// DefaultLimit is the passage limit used when a tool call omits one.
	DefaultLimit int
}

// NewMCPServer creates an MCP server exposing the knowledge base to agents:
// text ingestion, hybrid search, and grounded question answering.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"secondbrain",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("secondbrain — personal knowledge base with hybrid retrieval over ingested documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest_text",
			mcp.WithDescription("Store a piece of text in the knowledge base. Ingestion runs in the background."),
			mcp.WithString("title", mcp.Description("Title for the document")),
			mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
		),
		mcpIngestText(deps),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Search the knowledge base and return relevant passages with scores."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of passages (default 8)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question using only the knowledge base, with citations."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of passages to ground on (default 8)")),
		),
		mcpAsk(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"documents://recent",
			"Recent Documents",
			mcp.WithResourceDescription("The most recently added documents with their ingestion status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentDocuments(deps),
	)

	return s
}

func mcpIngestText(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		title := req.GetString("title", "")

		path := filepath.Join(deps.UploadDir, uuid.NewString()+".txt")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return mcpError(fmt.Sprintf("saving content: %v", err)), nil
		}

		doc := storage.Document{
			ID:         uuid.NewString(),
			Title:      title,
			SourceKind: storage.SourceText,
			SourceURI:  path,
			MimeType:   "text/plain",
			SizeBytes:  int64(len(content)),
			Status:     storage.DocProcessing,
			CreatedAt:  time.Now().UTC(),
		}
		if _, err := deps.Store.CreateDocumentWithJob(doc, uuid.NewString()); err != nil {
			return mcpError(fmt.Sprintf("creating document: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued document %s for ingestion", doc.ID)), nil
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", deps.DefaultLimit)
		if limit <= 0 {
			limit = 8
		}
		if limit > 50 {
			limit = 50
		}

		passages, err := deps.Retriever.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(passages) == 0 {
			return mcpText("[]"), nil
		}

		type passageResult struct {
			DocumentID string  `json:"document_id"`
			ChunkIndex int     `json:"chunk_index"`
			Title      string  `json:"title,omitempty"`
			Text       string  `json:"text"`
			Score      float64 `json:"score"`
		}
		results := make([]passageResult, len(passages))
		for i, p := range passages {
			results[i] = passageResult{
				DocumentID: p.DocumentID,
				ChunkIndex: p.ChunkIndex,
				Title:      p.Title,
				Text:       p.Text,
				Score:      p.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("encoding results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		limit := req.GetInt("limit", deps.DefaultLimit)
		if limit <= 0 {
			limit = 8
		}

		passages, err := deps.Retriever.Search(ctx, question, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}

		answer, err := deps.Composer.Compose(ctx, question, passages)
		if err != nil {
			return mcpError(fmt.Sprintf("composing answer: %v", err)), nil
		}

		b, err := json.Marshal(answer)
		if err != nil {
			return mcpError(fmt.Sprintf("encoding answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments(10)
		if err != nil {
			return nil, fmt.Errorf("listing documents: %w", err)
		}

		type docSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}
		summaries := make([]docSummary, len(docs))
		for i, d := range docs {
			title := d.Title
			if utf8.RuneCountInString(title) > 200 {
				runes := []rune(title)
				title = string(runes[:200]) + "..."
			}
			summaries[i] = docSummary{
				ID:        d.ID,
				Title:     title,
				Status:    string(d.Status),
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("encoding documents: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
