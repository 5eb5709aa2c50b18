// Command optimizer runs the Quality Optimizer (spec.md §4.H) once against
// a single tenant store. It is a separate binary from narrative-knowledge's
// main server because the optimizer is explicitly an independent process
// in spec.md §5 ("the optimizer state file is owned exclusively by the
// optimizer process"), not a goroutine inside the scheduler daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/IANTHEREAL/narrative-knowledge/internal/config"
	"github.com/IANTHEREAL/narrative-knowledge/internal/optimizer"
	"github.com/IANTHEREAL/narrative-knowledge/internal/providers"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	topic := flag.String("topic", "", "topic to optimize (required)")
	tenantURI := flag.String("database-uri", os.Getenv("GRAPH_DATABASE_URI"), "tenant database URI; defaults to $GRAPH_DATABASE_URI, then the local store")
	query := flag.String("query", "", "retrieval query seeding the graph-retrieval stage; defaults to -topic")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *topic == "" {
		fmt.Fprintln(os.Stderr, "optimizer: -topic is required")
		return 1
	}
	if *query == "" {
		*query = *topic
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmClient, err := providers.NewLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	critics, err := providers.NewCritics(cfg.Providers.Critics)
	if err != nil {
		slog.Error("failed to build critic providers", "err", err)
		return 1
	}
	embedder, err := providers.NewEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	}

	registry := store.NewRegistry(cfg.Store.LocalDatabaseURI, cfg.Store.MaxConnsPerTenant, embedder.Dimensions())
	defer registry.CloseAll()

	tenantStore, err := registry.Get(ctx, *tenantURI)
	if err != nil {
		slog.Error("failed to resolve tenant store", "uri", *tenantURI, "err", err)
		return 1
	}

	opt := optimizer.New(llmClient, critics, embedder, cfg.Optimizer)

	result, err := opt.Run(ctx, tenantStore, *topic, *query)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("optimizer run failed", "err", err)
		return 1
	}
	slog.Info("optimizer run complete",
		"topic", *topic,
		"issues_detected", result.IssuesDetected,
		"critics_run", result.CriticsRun,
		"issues_processed", result.IssuesProcessed,
		"issues_resolved", result.IssuesResolved,
		"issues_failed", result.IssuesFailed,
	)
	return 0
}
