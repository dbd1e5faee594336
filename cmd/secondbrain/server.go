package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/secondbrain/secondbrain/internal/api"
	"github.com/secondbrain/secondbrain/internal/chunker"
	"github.com/secondbrain/secondbrain/internal/composer"
	"github.com/secondbrain/secondbrain/internal/config"
	"github.com/secondbrain/secondbrain/internal/extract"
	"github.com/secondbrain/secondbrain/internal/ingest"
	"github.com/secondbrain/secondbrain/internal/openai"
	"github.com/secondbrain/secondbrain/internal/pipeline"
	"github.com/secondbrain/secondbrain/internal/retrieval"
	"github.com/secondbrain/secondbrain/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the secondbrain server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running secondbrain server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show secondbrain system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "secondbrain.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "secondbrain version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: probe the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("secondbrain is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("secondbrain is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0o755); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	oai := openai.New(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey)
	oai.EmbedModel = cfg.OpenAI.EmbedModel
	oai.ChatModel = cfg.OpenAI.ChatModel
	oai.TranscribeModel = cfg.OpenAI.TranscribeModel

	// Ingestion side: extractor, chunker, pipeline, background worker.
	extractor := extract.New(nil, oai)
	ch, err := chunker.New(cfg.Chunking.MaxChars, cfg.Chunking.Overlap)
	if err != nil {
		return fmt.Errorf("configuring chunker: %w", err)
	}
	pipe := pipeline.New(store, extractor, ch, oai)
	worker := ingest.NewWorker(store, pipe, 500*time.Millisecond)
	go worker.Run(ctx)

	// Query side: hybrid retriever and the answer composer.
	searchStore := retrieval.NewSearchStore(store.DB())
	retriever, err := retrieval.NewRetriever(oai, searchStore, retrieval.Options{
		VectorWeight:      cfg.Retrieval.VectorWeight,
		LexicalWeight:     cfg.Retrieval.LexicalWeight,
		LexicalCandidates: cfg.Retrieval.LexicalCandidates,
		CacheSize:         cfg.Retrieval.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("configuring retriever: %w", err)
	}
	comp := composer.New(oai, cfg.Retrieval.ContextBudget)

	handler := api.NewHandler(api.Deps{
		Store:        store,
		Retriever:    retriever,
		Composer:     comp,
		Token:        cfg.Server.APIToken,
		UploadDir:    cfg.Storage.UploadDir,
		DefaultLimit: cfg.Retrieval.TopK,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio, for agent integrations.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:        store,
		Retriever:    retriever,
		Composer:     comp,
		UploadDir:    cfg.Storage.UploadDir,
		DefaultLimit: cfg.Retrieval.TopK,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		slog.Info("secondbrain listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("secondbrain is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop secondbrain (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to secondbrain (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embed model", "%s", cfg.OpenAI.EmbedModel)
	printStatus("Chat model", "%s", cfg.OpenAI.ChatModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
