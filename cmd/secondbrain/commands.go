package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest content into the knowledge base",
	Long: `Ingest content into the knowledge base.

Examples:
  secondbrain ingest --text "Go interfaces are satisfied implicitly"
  secondbrain ingest --url https://example.com/article
  secondbrain ingest --file ./notes.pdf --title "Paper notes"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		url, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")

		if text == "" && url == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var resp *http.Response
		switch {
		case text != "":
			resp, err = client.post(ctx, "/ingest/text", map[string]string{
				"title": title,
				"text":  text,
			})
		case url != "":
			resp, err = client.post(ctx, "/ingest/url", map[string]string{
				"title": title,
				"url":   url,
			})
		default:
			resp, err = uploadFile(ctx, client, file, title)
		}
		if err != nil {
			return err
		}

		var result struct {
			DocumentID string `json:"document_id"`
			JobID      string `json:"job_id"`
			Status     string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued document %s (job %s)", result.DocumentID, result.JobID)
		printStep("Track progress with: secondbrain job %s", result.DocumentID)
		return nil
	},
}

// uploadFile sends a local file as a multipart upload.
func uploadFile(ctx context.Context, client *apiClient, path, title string) (*http.Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if title != "" {
		if err := mw.WriteField("title", title); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/ingest/file", &buf)
	if err != nil {
		return nil, err
	}
	if client.token != "" {
		req.Header.Set("Authorization", "Bearer "+client.token)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable — is secondbrain running? (%w)", err)
	}
	return resp, nil
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to upload and ingest")
	ingestCmd.Flags().String("title", "", "title for the document")
}

// --- docs ---

type documentJSON struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	SourceKind string `json:"source_kind"`
	Status     string `json:"status"`
	Error      string `json:"error"`
	CreatedAt  string `json:"created_at"`
	ChunkCount int    `json:"chunk_count"`
}

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit))
		if err != nil {
			return err
		}

		var result struct {
			Documents []documentJSON `json:"documents"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Documents) == 0 {
			fmt.Println("no documents")
			return nil
		}
		for _, d := range result.Documents {
			title := d.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %-8s %-10s %3d chunks  %s\n",
				d.ID, d.SourceKind, d.Status, d.ChunkCount, title)
		}
		return nil
	},
}

var docsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var d documentJSON
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}

		printStatus("ID", "%s", d.ID)
		printStatus("Title", "%s", d.Title)
		printStatus("Source", "%s", d.SourceKind)
		printStatus("Status", "%s", d.Status)
		printStatus("Chunks", "%d", d.ChunkCount)
		printStatus("Created", "%s", d.CreatedAt)
		if d.Error != "" {
			printStatus("Error", "%s", d.Error)
		}
		return nil
	},
}

var docsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	docsListCmd.Flags().Int("limit", 50, "maximum number of documents to list")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsShowCmd)
	docsCmd.AddCommand(docsRmCmd)
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <document-id>",
	Short: "Show the ingestion job for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job struct {
			Status    string `json:"status"`
			Stage     string `json:"stage"`
			Error     string `json:"error"`
			UpdatedAt string `json:"updated_at"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		switch job.Status {
		case "done":
			printSuccess("done")
		case "failed":
			printError("failed at %s: %s", job.Stage, job.Error)
		default:
			printStep("%s (stage: %s)", job.Status, job.Stage)
		}
		printStatus("Updated", "%s", job.UpdatedAt)
		return nil
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question against the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := args[0]
		for _, a := range args[1:] {
			question += " " + a
		}
		limit, _ := cmd.Flags().GetInt("limit")
		conversationID, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"query": question}
		if limit > 0 {
			body["limit"] = limit
		}
		if conversationID != "" {
			body["conversation_id"] = conversationID
		}

		resp, err := client.post(cmd.Context(), "/chat", body)
		if err != nil {
			return err
		}

		var result struct {
			ConversationID string `json:"conversation_id"`
			Answer         string `json:"answer"`
			Citations      []struct {
				DocumentID string  `json:"document_id"`
				ChunkIndex int     `json:"chunk_index"`
				Title      string  `json:"title"`
				Score      float64 `json:"score"`
			} `json:"citations"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		if len(result.Citations) > 0 {
			fmt.Println()
			for _, c := range result.Citations {
				title := c.Title
				if title == "" {
					title = c.DocumentID
				}
				printStep("%s (chunk %d, score %.3f)", title, c.ChunkIndex, c.Score)
			}
		}
		printStatus("Conversation", "%s", result.ConversationID)
		return nil
	},
}

func init() {
	askCmd.Flags().Int("limit", 0, "maximum passages to retrieve (default: server setting)")
	askCmd.Flags().String("conversation", "", "continue an existing conversation")
}
