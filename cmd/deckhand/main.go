// Command deckhand runs the cloud-operations portal: workflow
// execution, gated tool invocation, approvals, and streaming chat over
// one HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	deckhand "github.com/deckhand-ai/deckhand"
	"github.com/deckhand-ai/deckhand/internal/config"
	"github.com/deckhand-ai/deckhand/internal/portal"
	"github.com/deckhand-ai/deckhand/observer"
	"github.com/deckhand-ai/deckhand/provider/resolve"
	storepostgres "github.com/deckhand-ai/deckhand/store/postgres"
	storeredis "github.com/deckhand-ai/deckhand/store/redis"
	storesqlite "github.com/deckhand-ai/deckhand/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "deckhand:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Config and logging.
	cfg, err := config.Load(os.Getenv("DECKHAND_CONFIG"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	// 2. Telemetry (opt-in).
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{
				InputPerMillion:  p.InputPerMillion,
				OutputPerMillion: p.OutputPerMillion,
			}
		}
		instruments, shutdown, err := observer.Init(ctx, observer.Options{
			ServiceName: cfg.Observer.ServiceName,
			Endpoint:    cfg.Observer.Endpoint,
			Insecure:    cfg.Observer.Insecure,
			Pricing:     pricing,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		inst = instruments
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	// 3. Stores.
	var pool *pgxpool.Pool
	if cfg.Store.Audit == "postgres" || cfg.Store.Tokens == "postgres" {
		pool, err = pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
	}

	var auditSink deckhand.AuditSink = deckhand.NopAuditSink{}
	switch cfg.Store.Audit {
	case "postgres":
		sink := storepostgres.NewAuditSink(pool)
		if err := sink.Init(ctx); err != nil {
			return fmt.Errorf("init postgres audit store: %w", err)
		}
		auditSink = sink
	case "sqlite":
		sink := storesqlite.New(cfg.Store.SQLitePath, storesqlite.WithLogger(logger))
		if err := sink.Init(ctx); err != nil {
			return fmt.Errorf("init sqlite audit store: %w", err)
		}
		defer sink.Close()
		auditSink = sink
	}
	if inst != nil {
		auditSink = observer.WrapSink(auditSink, inst)
	}
	auditor := deckhand.NewAuditor(
		deckhand.WithAuditSink(auditSink),
		deckhand.WithAuditorLogger(logger),
	)

	var tokenStore deckhand.TokenStore
	switch cfg.Store.Tokens {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		tokenStore = storeredis.New(client)
	case "postgres":
		store := storepostgres.NewTokenStore(pool)
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init postgres token store: %w", err)
		}
		tokenStore = store
	}

	// 4. Approvals.
	approvalOpts := []deckhand.ApprovalsOption{
		deckhand.WithApprovalsLogger(logger),
		deckhand.WithApprovalTTL(cfg.Limits.ApprovalTTL()),
	}
	if tokenStore != nil {
		approvalOpts = append(approvalOpts, deckhand.WithTokenStore(tokenStore))
	}
	approvals := deckhand.NewApprovals(approvalOpts...)

	// 5. Providers.
	builder := resolve.Builder()
	if inst != nil {
		inner := builder
		builder = func(pc deckhand.ProviderConfig) (deckhand.LanguageModel, error) {
			m, err := inner(pc)
			if err != nil {
				return nil, err
			}
			return observer.WrapModel(m, pc.Model, inst), nil
		}
	}
	providers, err := deckhand.NewProviderRegistry(builder, cfg.Providers.Configs,
		deckhand.WithProviderLogger(logger))
	if err != nil {
		return err
	}

	// 6. Tool registry. The built-in catalog runs in dry-run mode until
	// real cloud bindings are injected; every call returns a structured
	// preview instead of mutating anything.
	var invoker deckhand.ToolInvoker = newDryRunInvoker(logger)
	if inst != nil {
		invoker = observer.WrapInvoker(invoker, inst)
	}
	registry := deckhand.NewToolRegistry(
		deckhand.WithInvoker(invoker),
		deckhand.WithRegistryLogger(logger),
	)
	if err := registerCatalog(registry); err != nil {
		return err
	}

	// 7. Guardrails.
	chain := deckhand.NewProcessorChain()
	chain.Add(deckhand.NewInjectionDetector(deckhand.InjectionLogger(logger)))
	chain.Add(deckhand.NewTokenLimiter(
		deckhand.MaxInputChars(cfg.Limits.MaxInputChars),
		deckhand.TokenLimiterLogger(logger),
	))
	chain.Add(deckhand.NewPIIRedactor(deckhand.PIIRedactorLogger(logger)))

	// 8. Execution pipeline.
	bus := deckhand.NewStreamBus(deckhand.WithBusLogger(logger))
	executor := deckhand.NewExecutor(
		deckhand.WithExecutorTools(registry),
		deckhand.WithExecutorProviders(providers, cfg.Providers.Default),
		deckhand.WithExecutorBus(bus),
		deckhand.WithMaxSteps(cfg.Limits.MaxSteps),
		deckhand.WithMaxDuration(cfg.Limits.MaxRunDuration()),
		deckhand.WithExecutorLogger(logger),
	)
	runnerOpts := []deckhand.RunnerOption{
		deckhand.WithRunnerApprovals(approvals),
		deckhand.WithRunnerAudit(auditor),
		deckhand.WithRunnerBus(bus),
		deckhand.WithRunnerInvoker(registry),
		deckhand.WithRunnerLogger(logger),
	}
	if cfg.Cache.Enabled {
		runnerOpts = append(runnerOpts, deckhand.WithRunnerCache(deckhand.NewResultCache(
			deckhand.WithCacheTTL(cfg.Cache.TTL()),
			deckhand.WithCacheMaxEntries(cfg.Cache.MaxEntries),
			deckhand.WithCacheLogger(logger),
		)))
	}
	runner := deckhand.NewRunner(executor, runnerOpts...)

	streamer := deckhand.NewChatStreamer(providers, cfg.Providers.Default,
		deckhand.WithStreamerTools(registry),
		deckhand.WithStreamerApprovals(approvals),
		deckhand.WithStreamerProcessors(chain),
		deckhand.WithStreamerAudit(auditor),
		deckhand.WithStreamerMaxIterations(cfg.Limits.MaxToolIterations),
		deckhand.WithStreamerLogger(logger),
	)

	// 9. HTTP surface.
	server := portal.New(
		portal.WithRunner(runner),
		portal.WithTools(registry),
		portal.WithApprovals(approvals),
		portal.WithStreamer(streamer),
		portal.WithBus(bus),
		portal.WithAudit(auditor),
		portal.WithRateLimit(deckhand.NewPrincipalLimiter(cfg.Limits.RequestsPerMinute, time.Minute)),
		portal.WithLogger(logger),
	)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("portal listening", "addr", cfg.Server.Addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
