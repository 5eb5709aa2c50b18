// Command narrative-knowledge is the main entry point for the narrative
// knowledge graph service: it loads configuration, wires the Store
// Registry and LLM/embedding providers, and runs the HTTP ingestion
// adapter alongside the Build Scheduler daemon until signalled to stop.
// Grounded on cmd/glyphoxa/main.go's flag/logger/signal-context/graceful-
// shutdown shape in the teacher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IANTHEREAL/narrative-knowledge/internal/config"
	"github.com/IANTHEREAL/narrative-knowledge/internal/graphbuilder"
	"github.com/IANTHEREAL/narrative-knowledge/internal/httpapi"
	"github.com/IANTHEREAL/narrative-knowledge/internal/knowledgebuilder"
	"github.com/IANTHEREAL/narrative-knowledge/internal/observe"
	"github.com/IANTHEREAL/narrative-knowledge/internal/providers"
	"github.com/IANTHEREAL/narrative-knowledge/internal/scheduler"
	"github.com/IANTHEREAL/narrative-knowledge/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "narrative-knowledge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "narrative-knowledge: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("narrative-knowledge starting",
		"config", *configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"metrics_addr", cfg.Server.MetricsAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "narrative-knowledge"})
	if err != nil {
		slog.Error("failed to initialise observability providers", "err", err)
		return 1
	}

	llmClient, err := providers.NewLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	embedder, err := providers.NewEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to build embeddings provider", "name", cfg.Providers.Embeddings.Name, "err", err)
		return 1
	}
	slog.Info("providers ready",
		"llm", cfg.Providers.LLM.Name, "llm_model", cfg.Providers.LLM.Model,
		"embeddings", cfg.Providers.Embeddings.Name, "embeddings_model", cfg.Providers.Embeddings.Model,
		"critics", len(cfg.Providers.Critics),
	)

	registry := store.NewRegistry(cfg.Store.LocalDatabaseURI, cfg.Store.MaxConnsPerTenant, embedder.Dimensions())
	defer registry.CloseAll()

	localStore, err := registry.Get(ctx, "")
	if err != nil {
		slog.Error("failed to open local store", "err", err)
		return 1
	}

	builder := knowledgebuilder.New(registry, llmClient, embedder, cfg.Server.UploadDir)
	gb := graphbuilder.New(llmClient, embedder)

	daemon := scheduler.New(localStore, registry, gb, time.Duration(cfg.Scheduler.CheckIntervalSeconds)*time.Second)
	go daemon.Run(ctx)

	_, apiHandler := httpapi.New(builder, registry, embedder)

	httpServer := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: apiHandler}
	go func() {
		slog.Info("http adapter listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
	}

	slog.Info("narrative-knowledge ready — press Ctrl+C to shut down")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics shutdown error", "err", err)
		}
	}
	if err := shutdownObserve(shutdownCtx); err != nil {
		slog.Error("observability shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
