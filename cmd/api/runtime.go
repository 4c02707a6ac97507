package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/clinic-support/internal/access"
	"github.com/spec-kit/clinic-support/internal/config"
	"github.com/spec-kit/clinic-support/internal/events"
	"github.com/spec-kit/clinic-support/internal/notifier"
	"github.com/spec-kit/clinic-support/internal/observability"
	"github.com/spec-kit/clinic-support/internal/persistence"
	"github.com/spec-kit/clinic-support/internal/repository"
	"github.com/spec-kit/clinic-support/internal/service"
	"github.com/spec-kit/clinic-support/internal/storage"
	"github.com/spec-kit/clinic-support/internal/worker"
)

// runtime holds the wired engine shared by serve and sweep.
type runtime struct {
	cfg           *config.Config
	logger        *zap.Logger
	metrics       *observability.Metrics
	postgres      *persistence.Postgres
	redis         *persistence.Redis
	store         repository.Store
	notifier      *notifier.Notifier
	notifications *service.NotificationService
	tickets       *service.TicketService
	sweeper       *worker.DormancySweeper
}

func loadBase() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	rt.postgres = pg
	if pg.Enabled() {
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
				pg.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		rt.store = repository.NewPostgresStore(pg.PoolHandle())
	} else {
		rt.store = repository.NewMemoryStore()
	}

	attachments, err := newAttachmentStore(cfg.Attachments, logger)
	if err != nil {
		pg.Close()
		return nil, err
	}

	rt.redis = persistence.NewRedis(ctx, cfg.Redis, logger)

	dispatcher := events.NewInMemoryDispatcher()
	rt.notifier = notifier.New(rt.redis.Client, cfg.Notifier, logger)
	rt.notifier.RegisterHandlers(dispatcher)
	rt.notifications = service.NewNotificationService(dispatcher, logger, cfg.Notification)
	rt.notifications.RegisterHandlers()

	rt.tickets = service.NewTicketService(service.TicketDependencies{
		Store:       rt.store,
		Resolver:    access.NewResolver(cfg.Access),
		Attachments: attachments,
		Dispatcher:  dispatcher,
		Feed:        rt.notifier,
		Logger:      logger,
	})
	rt.sweeper = worker.NewDormancySweeper(cfg.Workflow, worker.SweeperDependencies{
		Tickets: rt.store.Repos().Tickets,
		Closer:  rt.tickets,
		Metrics: rt.metrics,
		Logger:  logger,
	})
	return rt, nil
}

func newAttachmentStore(cfg config.AttachmentConfig, logger *zap.Logger) (storage.AttachmentStore, error) {
	if cfg.Dir == "" {
		logger.Warn("ATTACHMENTS_DIR not provided; attachments kept in memory")
		return storage.NewMemoryStore(cfg.MaxBytes), nil
	}
	store, err := storage.NewFilesystemStore(cfg.Dir, cfg.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("open attachment dir: %w", err)
	}
	return store, nil
}

func (rt *runtime) Close() {
	rt.redis.Close()
	rt.postgres.Close()
}
