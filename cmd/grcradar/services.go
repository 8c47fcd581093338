package main

import (
	"context"
	"fmt"

	"github.com/grclabs/grcradar/internal/config"
	"github.com/grclabs/grcradar/internal/embed"
	"github.com/grclabs/grcradar/internal/gnn"
	"github.com/grclabs/grcradar/internal/graph"
	"github.com/grclabs/grcradar/internal/hetgraph"
	"github.com/grclabs/grcradar/internal/recommend"
	"github.com/grclabs/grcradar/internal/schema"
	"github.com/grclabs/grcradar/internal/storage"
	grcsync "github.com/grclabs/grcradar/internal/sync"
	"github.com/grclabs/grcradar/internal/tasks"
)

// defaultModelSeed fixes the scorer weights when no weights file is
// given, so repeated runs rank gaps identically.
const defaultModelSeed = 1337

// services holds the wired application graph shared by serve and analyze.
type services struct {
	schema      *schema.Schema
	graphStore  graph.Store
	relational  storage.Store
	encoder     embed.Encoder
	runner      *tasks.Runner
	results     tasks.ResultCache
	detector    *recommend.Detector
	coordinator *grcsync.Coordinator

	closers []func() error
}

func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	s := &services{schema: schema.Default()}

	// Graph mirror
	if cfg.Mode == "local" {
		s.graphStore = graph.NewMemoryStore(s.schema)
	} else {
		store, err := graph.NewNeo4jStore(ctx, cfg.Graph.URI, cfg.Graph.User, cfg.Graph.Password, cfg.Graph.Database, s.schema)
		if err != nil {
			return nil, fmt.Errorf("connect graph store: %w", err)
		}
		s.graphStore = store
	}
	s.closers = append(s.closers, func() error { return s.graphStore.Close(context.Background()) })

	// Relational store
	switch cfg.Storage.Type {
	case "postgres":
		store, err := storage.NewPostgresStore(cfg.Storage.PostgresDSN, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connect relational store: %w", err)
		}
		s.relational = store
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Storage.LocalPath, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open local store: %w", err)
		}
		s.relational = store
	default:
		s.Close()
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
	s.closers = append(s.closers, s.relational.Close)

	// Embedding encoder. Without an API key the mirror still works;
	// nodes keep zero-filled features.
	if cfg.Embedding.APIKey != "" {
		encoder, err := embed.NewOpenAIEncoder(embed.Options{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimension:  cfg.Embedding.Dimension,
			RatePerSec: cfg.Embedding.RatePerSec,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("configure embedding encoder: %w", err)
		}
		s.encoder = encoder

		if cfg.Embedding.CachePath != "" {
			cached, err := embed.NewCachedEncoder(encoder, cfg.Embedding.CachePath)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("open embedding cache: %w", err)
			}
			s.encoder = cached
			s.closers = append(s.closers, cached.Close)
		}
	} else {
		logger.Warn("No embedding API key configured, mirrored nodes will not be embedded")
	}

	// Scorer
	model := gnn.NewModel(s.schema, cfg.Embedding.Dimension+1, defaultModelSeed)
	if weightsFile != "" {
		weights, err := gnn.LoadWeights(weightsFile)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := model.SetWeights(weights); err != nil {
			s.Close()
			return nil, fmt.Errorf("apply scorer weights: %w", err)
		}
		logger.WithField("path", weightsFile).Info("Loaded scorer weights")
	}

	loader := hetgraph.NewLoader(s.graphStore, s.schema, cfg.Embedding.Dimension, cfg.Recommend.MaxRiskScore, logger)
	s.detector = recommend.NewDetector(s.relational, loader, model, recommend.Config{
		RiskThreshold:     cfg.Recommend.RiskThreshold,
		MaxRiskScore:      cfg.Recommend.MaxRiskScore,
		CriticalThreshold: cfg.Recommend.CriticalThreshold,
		HighThreshold:     cfg.Recommend.HighThreshold,
		MediumThreshold:   cfg.Recommend.MediumThreshold,
	}, logger)

	// Task runner and result cache
	s.runner = tasks.NewRunner(cfg.Tasks.Workers, cfg.Tasks.QueueSize, logger)
	if cfg.Results.Backend == "redis" {
		results, err := tasks.NewRedisResultCache(ctx, cfg.Results.RedisAddr, cfg.Results.RedisDB, cfg.Results.Retention)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connect result cache: %w", err)
		}
		s.results = results
		s.closers = append(s.closers, results.Close)
	} else {
		s.results = tasks.NewMemoryResultCache(cfg.Results.Retention)
	}

	s.coordinator = grcsync.NewCoordinator(s.graphStore, s.schema, s.runner, s.encoder, tasks.RetryPolicy{
		MaxRetries: cfg.Tasks.EmbedMaxRetries,
		Delay:      cfg.Tasks.EmbedRetryDelay,
	}, logger)

	return s, nil
}

// Close releases resources in reverse wiring order.
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.WithError(err).Warn("Failed to close resource")
		}
	}
	s.closers = nil
}
