package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/agentrelay/internal/agentsync"
	"github.com/kalambet/agentrelay/internal/api"
	"github.com/kalambet/agentrelay/internal/assistants"
	"github.com/kalambet/agentrelay/internal/config"
	"github.com/kalambet/agentrelay/internal/engine"
	"github.com/kalambet/agentrelay/internal/knowledge"
	"github.com/kalambet/agentrelay/internal/quota"
	"github.com/kalambet/agentrelay/internal/storage"
	"github.com/kalambet/agentrelay/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agentrelay server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func runServer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	fmt.Fprintf(os.Stderr, "agentrelay version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
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

	client := assistants.New(assistants.Config{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		Timeout:    cfg.OpenAI.Timeout,
		MaxRetries: cfg.OpenAI.MaxRetries,
		Logger:     logger,
	})
	syncer := agentsync.New(client, store, cfg.OpenAI.DefaultModel).WithLogger(logger)
	sink := telemetry.NewSink(store, logger, metrics)

	trainer := knowledge.New(knowledge.Config{
		Uploader:     client,
		Store:        store,
		Updater:      syncer,
		Sink:         sink,
		ChunkSize:    cfg.Knowledge.ChunkSize,
		ChunkOverlap: cfg.Knowledge.ChunkOverlap,
		Logger:       logger,
		Metrics:      metrics,
	})

	catalog, err := quota.LoadCatalog(cfg.Quota.PlansFile)
	if err != nil {
		return fmt.Errorf("loading plan catalog: %w", err)
	}
	oracle, err := quota.New(store, catalog, cfg.Quota.CacheTTL)
	if err != nil {
		return fmt.Errorf("creating quota oracle: %w", err)
	}
	defer oracle.Close()

	eng := engine.New(engine.Config{
		Remote:       client,
		Ensurer:      syncer,
		Quota:        oracle,
		Messages:     store,
		Sink:         sink,
		PollInterval: cfg.Engine.PollInterval,
		PollBudget:   cfg.Engine.PollBudget,
		StreamRuns:   cfg.Engine.StreamRuns,
		Logger:       logger,
		Metrics:      metrics,
	})

	if cfg.Server.APIToken == "" {
		printWarning("AGENTRELAY_API_TOKEN is not set; train and management routes are unauthenticated")
	}

	handler := api.NewRouter(api.Deps{
		Store:        store,
		Engine:       eng,
		Trainer:      trainer,
		Assistants:   syncer,
		Plans:        oracle,
		Token:        cfg.Server.APIToken,
		RouteTimeout: cfg.Server.RouteTimeout,
		Logger:       logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if cfg.Server.MCPStdio {
		mcpServer := api.NewMCPServer(api.MCPDeps{
			Store:   store,
			Engine:  eng,
			Trainer: trainer,
			Version: version,
		})
		stdio := server.NewStdioServer(mcpServer)
		go func() {
			slog.Info("MCP server listening on stdio")
			if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("MCP server: %w", err)
			}
		}()
	}

	printSuccess("agentrelay running on %s", addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("server error", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	slog.Info("agentrelay stopped")
	return nil
}
