package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/config"
	"github.com/giantswarm/llm-evalgate/internal/engine"
	"github.com/giantswarm/llm-evalgate/internal/kserve"
	"github.com/giantswarm/llm-evalgate/internal/llm"
	"github.com/giantswarm/llm-evalgate/internal/scorer"
	"github.com/giantswarm/llm-evalgate/internal/store"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// app is the wired engine shared by the serve command and the local
// commands.
type app struct {
	cfg        *config.Config
	store      store.Store
	coord      *engine.Coordinator
	thresholds *engine.LiveThresholds
	resolver   *kserve.Resolver // nil unless kubernetes.enabled
}

// loadConfig reads --config and configures logging from it.
func loadConfig(path string, verbose bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging, verbose)
	return cfg, nil
}

func setupLogging(lc config.LoggingConfig, verbose bool) {
	level := slog.LevelInfo
	if lc.Debug || verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	// stdout carries command output; logs go to stderr.
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if lc.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// llmOptions returns the client defaults shared by adapters and the judge.
func llmOptions(cfg *config.Config) []llm.Option {
	var opts []llm.Option
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(cfg.LLM.BaseURL))
	}
	if cfg.LLM.APIKey != "" {
		opts = append(opts, llm.WithAPIKey(cfg.LLM.APIKey))
	}
	return opts
}

func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	if sc.Driver == config.DriverMemory {
		return store.NewMemStore(), nil
	}
	return store.Open(ctx, store.Config{Driver: sc.Driver, DSN: sc.DSN})
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{cfg: cfg, store: st}

	if cfg.Kubernetes.Enabled {
		resolver, err := kserve.NewResolver(cfg.Kubernetes.Namespace, cfg.Kubernetes.Kubeconfig, cfg.Kubernetes.InCluster)
		if err != nil {
			slog.Warn("KServe resolver not available", "error", err)
		} else if err := resolver.CheckCRDAvailable(ctx); err != nil {
			slog.Warn("KServe InferenceService CRD not available", "error", err)
		} else {
			a.resolver = resolver
		}
	}

	base := llmOptions(cfg)
	builtins := adapter.Builtins{LLMOptions: base}
	if a.resolver != nil {
		builtins.Resolver = a.resolver
	}
	adapters := adapter.NewDefaultRegistry(builtins)

	var judgeClient llm.Client
	if cfg.LLM.APIKey != "" || cfg.LLM.BaseURL != "" {
		judgeClient = llm.NewOpenAIClient(base...)
	} else {
		slog.Warn("no LLM credentials configured, judge metrics are unavailable", "env", config.EnvAPIKey)
	}
	scorers := scorer.NewDefaultRegistry(scorer.Builtins{
		JudgeClient: judgeClient,
		Judge: scorer.JudgeConfig{
			Model:       cfg.LLM.JudgeModel,
			Repetitions: cfg.LLM.JudgeRepetitions,
		},
	})

	a.thresholds = engine.NewLiveThresholds(cfg.Thresholds)
	suites := testsuite.NewLoader(cfg.Suites.Dir, cfg.Suites.CacheTTL)
	a.coord = engine.New(st, suites, adapters, scorers,
		engine.WithConfig(cfg.CoordinatorConfig()),
		engine.WithThresholds(a.thresholds),
	)
	return a, nil
}

// reload applies a changed configuration. Only thresholds are live; other
// sections take effect on restart.
func (a *app) reload(cfg *config.Config) {
	a.thresholds.Set(cfg.Thresholds)
	slog.Info("gate thresholds reloaded", "thresholds", cfg.Thresholds)
}

// close cancels in-flight runs and closes the store.
func (a *app) close(ctx context.Context) error {
	return errors.Join(a.coord.Shutdown(ctx), a.store.Close())
}
