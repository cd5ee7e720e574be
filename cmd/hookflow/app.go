package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/hookflow/internal/auth"
	"github.com/rendis/hookflow/internal/bus"
	"github.com/rendis/hookflow/internal/dispatch"
	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/scheduler"
	"github.com/rendis/hookflow/internal/secrets"
	"github.com/rendis/hookflow/internal/service"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/validation"
)

// app is the fully wired process: store, bus, coordinator, scheduler and
// the service the outer surfaces call into.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	bus       bus.Bus
	coord     *engine.Coordinator
	scheduler *scheduler.Scheduler
	svc       *service.Service

	closers []func() error
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.DBDriver {
	case driverPostgres:
		s, err = store.NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		s, err = store.NewLibSQLStore(cfg.libsqlDSN())
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func openBus(ctx context.Context, cfg Config, logger *slog.Logger) (bus.Bus, func() error, error) {
	if cfg.RedisAddr == "" {
		b := bus.NewMemoryBus()
		return b, func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return bus.NewRedisBus(client, cfg.RedisPrefix, logger), client.Close, nil
}

// newApp wires every component from cfg. The caller must call close.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	var closeBus func() error
	a.bus, closeBus, err = openBus(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeBus)

	d, err := dispatch.New(dispatch.Config{
		PlatformURL: cfg.PlatformURL,
		Credentials: auth.NewStaticProvider(cfg.SystemToken, cfg.PlatformID, cfg.PlatformEnv),
		Timeout:     cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	sb, err := expressions.NewSandbox(expressions.SandboxConfig{Timeout: cfg.EvalTimeout})
	if err != nil {
		return nil, err
	}

	var (
		env    expressions.EnvProvider
		writer service.EnvWriter
	)
	if cfg.VaultPassphrase != "" {
		vault, err := secrets.NewEnvVault(a.store, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return nil, err
		}
		env, writer = vault, vault
	} else {
		logger.Warn("vault_passphrase not set: env sets are disabled")
	}

	builder := expressions.NewContextBuilder(dispatch.NewObjectLoader(d, cfg.ObjectPath, ""), env, logger)
	a.coord = engine.NewCoordinator(a.store, builder, sb, d, engine.CoordinatorConfig{
		RunTimeout: cfg.RunTimeout,
		PoolSize:   cfg.PoolSize,
	}, logger)
	a.closers = append(a.closers, func() error { a.coord.Shutdown(); return nil })

	a.scheduler = scheduler.NewScheduler(a.store, a.bus, cfg.SchedulerInterval, logger)

	validator, err := validation.NewWorkflowValidator(sb)
	if err != nil {
		return nil, err
	}
	a.svc = service.New(service.Deps{
		Store:     a.store,
		Bus:       a.bus,
		Validator: validator,
		Env:       writer,
		Tasks:     a.scheduler,
		Logger:    logger,
	})
	return a, nil
}

// run starts the coordinator and the scheduler and blocks until ctx is
// done or the coordinator fails.
func (a *app) run(ctx context.Context) error {
	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		a.logger.Warn("recover missed tasks failed", slog.String("error", err.Error()))
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() { _ = a.scheduler.Stop() }()

	err := a.coord.Serve(ctx, a.bus)
	m := a.coord.Metrics()
	a.logger.Info("coordinator stopped",
		slog.Int64("runs_completed", m.Completed),
		slog.Int64("runs_failed", m.Failed),
		slog.Int64("panics", m.Panics))
	return err
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
