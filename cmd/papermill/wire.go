package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kalambet/papermill/internal/archive"
	"github.com/kalambet/papermill/internal/compiler"
	"github.com/kalambet/papermill/internal/config"
	"github.com/kalambet/papermill/internal/credentials"
	"github.com/kalambet/papermill/internal/generation"
	"github.com/kalambet/papermill/internal/pipeline"
	"github.com/kalambet/papermill/internal/recovery"
	"github.com/kalambet/papermill/internal/refine"
	"github.com/kalambet/papermill/internal/resilience"
	"github.com/kalambet/papermill/internal/storage"
	"github.com/kalambet/papermill/internal/supervisor"
)

// app holds the long-lived pieces shared by the run and start commands.
type app struct {
	cfg   config.Config
	store *storage.Store
	// pool serves batches and owns the persisted cursor. retryPool is a
	// fork with the same keys for the recovery worker.
	pool      *credentials.Pool
	retryPool *credentials.Pool
	llm       generation.Completer
	topics supervisor.TopicSource
	logger *slog.Logger
}

func setupLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// loadKeys merges configured keys with the credentials file.
func loadKeys(cfg config.Config) ([]string, error) {
	fileKeys, err := credentials.LoadFile(cfg.KeysPath())
	if err != nil {
		return nil, err
	}
	return append(append([]string(nil), cfg.LLM.APIKeys...), fileKeys...), nil
}

// newApp validates cfg and builds the store, credential pool and topic
// source. Callers must Close the returned app.
func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	llm, err := generation.NewCompleter(cfg.LLM.Provider, cfg.LLM.Model, cfg.LLM.BaseURL)
	if err != nil {
		return nil, err
	}

	topics, err := topicSource(cfg)
	if err != nil {
		return nil, err
	}

	keys, err := loadKeys(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	opts := []credentials.Option{
		credentials.WithObserver(func(cursor int) {
			if err := store.SaveCursor(cursor); err != nil {
				logger.Warn("persisting credential cursor failed", "error", err)
			}
		}),
	}
	if cursor, err := store.LoadCursor(); err == nil {
		opts = append(opts, credentials.WithCursor(cursor))
	}
	pool := credentials.NewPool(keys, opts...)
	logger.Info("credential pool ready", "size", pool.Size(), "cursor", pool.Cursor())

	return &app{cfg: cfg, store: store, pool: pool, retryPool: pool.Fork(), llm: llm, topics: topics, logger: logger}, nil
}

// newRecoveryWorker builds the retry worker on retryPool, so retries never
// rotate the cursor of a running batch.
func (a *app) newRecoveryWorker() *recovery.Worker {
	return recovery.NewWorker(a.store, a.newRunner(a.retryPool), 500*time.Millisecond, a.logger)
}

// watchCredentials reloads both pools whenever the credentials file
// changes, keeping the keys configured through llm.api_keys. It blocks
// until ctx is cancelled.
func (a *app) watchCredentials(ctx context.Context) error {
	return credentials.Watch(ctx, a.cfg.KeysPath(), a.logger, func(fileKeys []string) {
		keys := append(append([]string(nil), a.cfg.LLM.APIKeys...), fileKeys...)
		a.pool.Reload(keys)
		a.retryPool.Reload(keys)
		if p, ok := a.llm.(generation.KeyPruner); ok {
			if n := p.Prune(a.pool.Keys()); n > 0 {
				a.logger.Debug("released clients of removed credentials", "count", n)
			}
		}
	})
}

func (a *app) Close() error {
	return a.store.Close()
}

func topicSource(cfg config.Config) (supervisor.TopicSource, error) {
	defaults := supervisor.Defaults{Language: cfg.Pipeline.Language, TargetLength: cfg.Pipeline.TargetLength}
	if cfg.Pipeline.TopicsFile != "" {
		topics, err := supervisor.LoadTopics(cfg.Pipeline.TopicsFile, defaults)
		if err != nil {
			return nil, err
		}
		return topics, nil
	}
	return supervisor.FixedTopic{Topic: cfg.Pipeline.Topic, Defaults: defaults}, nil
}

// newRunner assembles the pipeline for one credential pool. Callers running
// pipelines side by side pass each its own pool.
func (a *app) newRunner(pool *credentials.Pool) *pipeline.Runner {
	cfg := a.cfg

	policy := resilience.DefaultPolicy()
	policy.Cooldown = cfg.Retry.RotationCooldown
	inv := resilience.NewInvoker(pool, policy, resilience.WithLogger(a.logger))

	backend := generation.NewBackend(inv, a.llm,
		generation.WithCriteria(refine.DefaultCriteria, cfg.Pipeline.Threshold),
		generation.WithLogger(a.logger),
	)

	refiner := refine.New(backend, refine.Config{
		MaxIterations: cfg.Pipeline.MaxIterations,
		Threshold:     cfg.Pipeline.Threshold,
		Criteria:      refine.DefaultCriteria,
	}, refine.WithLogger(a.logger))

	repairCfg := compiler.DefaultRepairConfig()
	repairCfg.Delay = cfg.Retry.CompileDelay
	comp := compiler.NewRepairController(
		compiler.NewClient(cfg.Compiler.BaseURL, cfg.Compiler.Engine),
		backend,
		repairCfg,
		compiler.WithLogger(a.logger),
	)

	pub := archive.NewPublisher(
		archive.NewClient(cfg.Archive.Token, cfg.Archive.BaseURL),
		archive.PublishConfig{
			Attempts: cfg.Pipeline.PublishAttempts,
			Base:     cfg.Retry.PublishDelay,
			Step:     cfg.Retry.PublishStep,
		},
		archive.WithLogger(a.logger),
	)

	return pipeline.NewRunner(backend, refiner, comp, pub, a.store, pipeline.Config{
		Creators: []string{cfg.Archive.Creator},
		License:  cfg.Archive.License,
	}, pipeline.WithLogger(a.logger))
}

// factory builds a supervisor around a fresh pipeline for pool.
func (a *app) factory() supervisor.Factory {
	scfg := supervisor.Config{
		Cooldown:     a.cfg.Supervisor.Cooldown,
		FailurePause: a.cfg.Supervisor.FailurePause,
		NetworkPause: a.cfg.Supervisor.NetworkPause,
	}
	return func(pool *credentials.Pool) *supervisor.Supervisor {
		return supervisor.New(a.newRunner(pool), a.topics, scfg, supervisor.WithLogger(a.logger))
	}
}
