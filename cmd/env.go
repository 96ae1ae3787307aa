package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/inboxops/triage-engine/internal/admission"
	"github.com/inboxops/triage-engine/internal/monitoring"
	"github.com/inboxops/triage-engine/internal/pipeline"
	"github.com/inboxops/triage-engine/internal/provider"
	"github.com/inboxops/triage-engine/internal/resilience"
	"github.com/inboxops/triage-engine/internal/stage"
	"github.com/inboxops/triage-engine/internal/store"
	anthropicpkg "github.com/inboxops/triage-engine/pkg/anthropic"
	"github.com/inboxops/triage-engine/pkg/ollama"
)

// pipelineEnv holds the initialized store, admission stack, and pipeline
// needed by the run/resume/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Queue    *admission.Queue
	Bus      *monitoring.Bus
	Breakers *resilience.BreakerRegistry
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "triage.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, inference backends, admission queue, and
// pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	bus := monitoring.NewBus(0)

	breakers := resilience.NewBreakerRegistry(func(backend string) resilience.BreakerConfig {
		return resilience.BreakerConfig{
			FailureThreshold: cfg.Provider.FailureThreshold,
			Cooldown:         cfg.Provider.Cooldown(),
			OnStateChange:    bus.BreakerListener(backend),
		}
	})

	registry := provider.NewRegistry()
	for _, name := range cfg.Provider.Order {
		switch name {
		case "anthropic":
			if cfg.Anthropic.Key == "" {
				zap.L().Warn("TRIAGE_ANTHROPIC_KEY not set, anthropic backend disabled")
				continue
			}
			client := anthropicpkg.NewClient(cfg.Anthropic.Key)
			registry.Register(provider.NewAnthropicBackend(client, cfg.Anthropic.HaikuModel))
		case "ollama":
			client := ollama.NewClient(
				ollama.WithBaseURL(cfg.Ollama.BaseURL),
				ollama.WithModel(cfg.Ollama.Model),
			)
			registry.Register(provider.NewOllamaBackend(client, cfg.Ollama.Model))
		default:
			zap.L().Warn("unknown backend in provider order, skipping", zap.String("backend", name))
		}
	}
	if len(registry.List()) == 0 {
		_ = st.Close()
		return nil, eris.New("no inference backends configured")
	}

	gw := provider.NewGateway(provider.GatewayConfig{
		Order:     cfg.Provider.Order,
		Preferred: cfg.Provider.Preferred,
	}, registry, breakers, bus)

	queue := admission.NewQueue(admission.Config{
		RefillRate:     cfg.Admission.RefillRate,
		Burst:          cfg.Admission.Burst,
		MaxConcurrent:  cfg.Admission.MaxConcurrent,
		AcquireTimeout: cfg.Admission.AcquireTimeout(),
		BucketTTL:      cfg.Admission.BucketTTL(),
	}, gw, registry.List(), breakers)

	esc := stage.NewEscalator(queue, stage.EscalatorConfig{
		RequestTimeout: cfg.Pipeline.StageTimeout(),
		Stage2Model:    cfg.Anthropic.HaikuModel,
		Stage3Model:    cfg.Anthropic.SonnetModel,
	})

	rules, err := loadRules()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	tri := stage.NewTriage(rules)
	if cfg.Pipeline.DeadlineWindowDays > 0 {
		tri.DeadlineWindow = cfg.Pipeline.DeadlineWindowDays
	}

	zap.L().Info("pipeline environment ready",
		zap.Strings("backends", registry.List()),
		zap.String("store", cfg.Store.Driver),
	)

	return &pipelineEnv{
		Store:    st,
		Pipeline: pipeline.New(cfg, st, tri, esc),
		Queue:    queue,
		Bus:      bus,
		Breakers: breakers,
	}, nil
}

func loadRules() (*stage.RuleSet, error) {
	if cfg.Pipeline.RulesPath == "" {
		return nil, nil
	}
	rules, err := stage.LoadRules(cfg.Pipeline.RulesPath)
	if err != nil {
		return nil, eris.Wrap(err, "load triage rules")
	}
	zap.L().Info("triage rules loaded",
		zap.String("path", cfg.Pipeline.RulesPath),
		zap.Int("patterns", len(rules.Patterns)),
		zap.Int("workflows", len(rules.Workflows)),
	)
	return rules, nil
}
