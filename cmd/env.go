package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-pipeline/internal/classify"
	"github.com/sells-group/intake-pipeline/internal/dispatch"
	"github.com/sells-group/intake-pipeline/internal/enrich"
	"github.com/sells-group/intake-pipeline/internal/formdef"
	"github.com/sells-group/intake-pipeline/internal/monitoring"
	"github.com/sells-group/intake-pipeline/internal/queue"
	"github.com/sells-group/intake-pipeline/internal/ratelimit"
	"github.com/sells-group/intake-pipeline/internal/resilience"
	"github.com/sells-group/intake-pipeline/internal/security"
	"github.com/sells-group/intake-pipeline/internal/store"
	"github.com/sells-group/intake-pipeline/internal/validation"
	"github.com/sells-group/intake-pipeline/internal/workflow"
	"github.com/sells-group/intake-pipeline/pkg/apollo"
	"github.com/sells-group/intake-pipeline/pkg/builder"
	"github.com/sells-group/intake-pipeline/pkg/clearbit"
	"github.com/sells-group/intake-pipeline/pkg/eloqua"
	"github.com/sells-group/intake-pipeline/pkg/ipapi"
	"github.com/sells-group/intake-pipeline/pkg/turnstile"
)

// intakeEnv holds the wired store, queue, and pipeline stages shared by the
// serve and worker commands.
type intakeEnv struct {
	Store       store.Store
	Queue       queue.Queue
	Forms       *formdef.Registry
	Coordinator *workflow.Coordinator
	Worker      *workflow.Worker
	Collector   *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *intakeEnv) Close() {
	if e.Queue != nil {
		_ = e.Queue.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured submission store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initQueue opens the configured work queue. The postgres queue shares the
// store's connection pool, so it requires the postgres store driver.
func initQueue(st store.Store) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "postgres":
		ps, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, eris.New("queue driver postgres requires store driver postgres")
		}
		return queue.NewPostgres(ps.Pool(), cfg.Queue.VisibilityTimeout()), nil
	case "memory":
		return queue.NewMemory(cfg.Queue.VisibilityTimeout()), nil
	default:
		return nil, eris.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func initRateLimitStore() (ratelimit.CounterStore, error) {
	switch cfg.RateLimit.Driver {
	case "redis":
		return ratelimit.NewRedisStore(cfg.Redis.URL)
	case "memory":
		return ratelimit.NewMemoryStore(), nil
	default:
		return nil, eris.Errorf("unknown rate limit driver %q", cfg.RateLimit.Driver)
	}
}

func initSecurityStage() (*security.Stage, error) {
	counters, err := initRateLimitStore()
	if err != nil {
		return nil, err
	}

	turnstileClient := turnstile.NewClient(cfg.Turnstile.Secret,
		turnstile.WithBaseURL(cfg.Turnstile.BaseURL))
	geoClient := ipapi.NewClient(cfg.GeoIP.Key,
		ipapi.WithBaseURL(cfg.GeoIP.BaseURL))

	return security.NewStage(
		security.NewTurnstileCheck(turnstileClient),
		security.NewRateLimitCheck(counters, security.RateLimitDefaults{
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window(),
		}),
		security.NewGeoCheck(geoClient),
		security.NewEmailDomainCheck(),
		security.NewPhoneCheck(),
	), nil
}

// initEnricher builds the provider waterfall in configured priority order.
func initEnricher() *enrich.Orchestrator {
	var providers []enrich.Provider
	for _, name := range cfg.Enrich.Providers {
		switch name {
		case "clearbit":
			client := clearbit.NewClient(cfg.Clearbit.Key,
				clearbit.WithBaseURL(cfg.Clearbit.BaseURL))
			providers = append(providers, enrich.NewClearbitProvider(client))
		case "apollo":
			client := apollo.NewClient(cfg.Apollo.Key,
				apollo.WithBaseURL(cfg.Apollo.BaseURL))
			providers = append(providers, enrich.NewApolloProvider(client))
		default:
			zap.L().Warn("unknown enrichment provider, skipping",
				zap.String("provider", name))
		}
	}
	return enrich.NewOrchestrator(cfg.Enrich.ProviderTimeout(), providers...)
}

func initDispatcher() *dispatch.Dispatcher {
	crm := eloqua.NewClient(cfg.Eloqua.Site, cfg.Eloqua.User, cfg.Eloqua.Password,
		eloqua.WithBaseURL(cfg.Eloqua.BaseURL),
		eloqua.WithRateLimit(cfg.Eloqua.RPS))
	prov := builder.NewClient(cfg.Builder.Key,
		builder.WithBaseURL(cfg.Builder.BaseURL))
	return dispatch.New(crm, prov, resilience.NewServiceBreakers(resilience.CircuitConfig{}))
}

// initEnv wires the full pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*intakeEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	q, err := initQueue(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sec, err := initSecurityStage()
	if err != nil {
		_ = q.Close()
		_ = st.Close()
		return nil, err
	}

	forms := formdef.NewRegistry(cfg.Forms.Dir)
	engine := classify.NewEngine()

	env := &intakeEnv{
		Store:       st,
		Queue:       q,
		Forms:       forms,
		Coordinator: workflow.NewCoordinator(forms, sec, validation.NewStage(), engine, st, q),
		Collector:   monitoring.NewCollector(st, q),
	}

	env.Worker = workflow.NewWorker(st, q, forms, initEnricher(), engine, initDispatcher(), workflow.WorkerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		PollInterval: cfg.Worker.PollInterval(),
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Worker.MaxAttempts,
			InitialBackoff: cfg.Worker.InitialBackoff(),
			MaxBackoff:     cfg.Worker.MaxBackoff(),
			Multiplier:     cfg.Worker.BackoffMultiplier,
		},
	})

	return env, nil
}
