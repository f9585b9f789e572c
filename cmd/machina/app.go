package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"machina/internal/anomaly"
	"machina/internal/chunker"
	"machina/internal/config"
	"machina/internal/embedding"
	"machina/internal/embedding/hashing"
	"machina/internal/embedding/openai"
	"machina/internal/service"
	"machina/internal/summarizer"
	"machina/internal/telemetry"
	"machina/internal/vectorstore"
	"machina/internal/vectorstore/bolt"
	"machina/internal/vectorstore/files"
	"machina/internal/vectorstore/qdrant"
)

const probeTimeout = 15 * time.Second

// app holds the components assembled once at startup.
type app struct {
	cfg       *config.AppConfig
	logger    *slog.Logger
	retrieval *service.RAGServiceImpl
	index     *vectorstore.Index
	store     *telemetry.Store
	detector  *anomaly.Detector
}

// newEmbedder builds the configured embedding provider. Construction errors
// are returned so the probe can replace the provider with the null object.
func newEmbedder(cfg *config.AppConfig) (embedding.Embedder, error) {
	switch cfg.Embedder.Type {
	case "hashing":
		return hashing.New(cfg.Embedder.Model, cfg.Embedder.Dimension), nil
	case "openai":
		o := cfg.Embedder.OpenAI
		if o == nil {
			return nil, errors.New("openai embedder config missing")
		}
		return openai.NewClient(openai.Config{
			BaseURL:           o.BaseURL,
			APIKeyEnv:         o.APIKeyEnv,
			Model:             cfg.Embedder.Model,
			Timeout:           time.Duration(o.TimeoutSecs) * time.Second,
			BatchSize:         o.BatchSize,
			Concurrency:       o.Concurrency,
			RequestsPerSecond: o.RequestsPerSecond,
			AllowAnonymous:    !strings.Contains(o.BaseURL, "api.openai.com"),
		})
	default:
		return nil, fmt.Errorf("unknown embedder: %s", cfg.Embedder.Type)
	}
}

func openRecordStore(cfg *config.AppConfig, logger *slog.Logger) (vectorstore.RecordStore, error) {
	switch cfg.VectorStore.Type {
	case "files":
		return files.Open(cfg.VectorStore.Path)
	case "bolt":
		return bolt.Open(cfg.VectorStore.Path, logger)
	case "qdrant":
		q := cfg.VectorStore.Qdrant
		if q == nil {
			return nil, errors.New("qdrant vector store config missing")
		}
		return qdrant.Open(qdrant.Config{
			URL:        q.URL,
			APIKey:     os.Getenv(q.APIKeyEnv),
			Collection: q.Collection,
			Timeout:    time.Duration(q.TimeoutSecs) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown vector store: %s", cfg.VectorStore.Type)
	}
}

// newRetrieval probes the embedder and opens the persisted index. An
// unavailable embedder or vector store leaves the index closed; the engine
// then answers every call with its empty result and the rest of the process
// keeps running.
func newRetrieval(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*service.RAGServiceImpl, *vectorstore.Index) {
	candidate, err := newEmbedder(cfg)
	if err != nil {
		logger.Warn("embedding provider could not be created", "type", cfg.Embedder.Type, "err", err)
		candidate = nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	emb := embedding.Probe(probeCtx, candidate, logger)
	cancel()

	var idx *vectorstore.Index
	if embedding.Available(emb) {
		idx, err = openIndex(ctx, cfg, emb.Dimension(), logger)
		if err != nil {
			logger.Error("vector store unavailable, retrieval disabled", "type", cfg.VectorStore.Type, "err", err)
			idx = nil
		}
	}
	svc := service.NewRAGService(
		chunker.New(cfg.Chunker.Size, cfg.Chunker.Overlap),
		emb,
		idx,
		summarizer.NewFrequencySummarizer(),
		cfg.Summarizer.MaxSentences,
		logger,
	)
	return svc, idx
}

func openIndex(ctx context.Context, cfg *config.AppConfig, dimension int, logger *slog.Logger) (*vectorstore.Index, error) {
	store, err := openRecordStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	idx, err := vectorstore.Open(ctx, store, dimension, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return idx, nil
}

// newOutlierDetector picks the isolation capability once.
func newOutlierDetector(cfg config.IsolationForestConfig, logger *slog.Logger) anomaly.OutlierDetector {
	if !cfg.Enabled {
		logger.Info("isolation forest disabled, z-score detection only")
		return anomaly.Disabled{}
	}
	return &anomaly.IsolationForest{
		Trees:         cfg.Trees,
		SampleSize:    cfg.SampleSize,
		Contamination: cfg.Contamination,
		Seed:          cfg.Seed,
	}
}

type parts struct {
	retrieval bool
	telemetry bool
}

func newApp(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, want parts) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if want.retrieval {
		a.retrieval, a.index = newRetrieval(ctx, cfg, logger)
	}
	if want.telemetry {
		store, err := telemetry.Open(ctx, cfg.Database.Path, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
		a.detector = anomaly.NewDetector(store, newOutlierDetector(cfg.Anomaly.IsolationForest, logger), anomaly.Options{
			RowLimit: cfg.Anomaly.RowLimit,
			Window:   anomaly.WindowMode(cfg.Anomaly.WindowMode),
		}, logger)
	}
	return a, nil
}

func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("closing vector index", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing telemetry database", "err", err)
		}
	}
}
