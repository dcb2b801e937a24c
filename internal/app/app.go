// Package app assembles the coordinator and its collaborators from config.
// Both binaries build on it.
package app

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/artifact"
	"transcription-jobs/internal/config"
	"transcription-jobs/internal/gateway"
	"transcription-jobs/internal/lifecycle"
	"transcription-jobs/internal/notify"
	"transcription-jobs/internal/queue"
	"transcription-jobs/internal/store"
	"transcription-jobs/pkg/circuitbreaker"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config      config.Config
	Logger      logrus.FieldLogger
	Store       store.Store
	Redis       *redis.Client // nil when REDIS_ADDR is unset
	Gateway     *gateway.Breaker
	Coordinator *lifecycle.Coordinator

	dispatcher *notify.Dispatcher
	nats       *nats.Conn
}

// New connects to every configured backend. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx, cfg); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, cfg config.Config) error {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.Store = st

	if cfg.RedisAddr != "" {
		a.Redis = queue.NewRedisClient(cfg)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	artifacts, err := artifact.New(ctx, cfg)
	if err != nil {
		return err
	}

	notifier, err := a.notifier(cfg)
	if err != nil {
		return err
	}

	a.Gateway = gateway.WithBreaker(gateway.NewHTTPClient(gateway.ClientConfig{
		BaseURL:    cfg.BackendURL,
		APIKey:     cfg.BackendAPIKey,
		WebhookURL: cfg.PublicWebhookURL,
		Timeout:    cfg.BackendTimeout,
	}), circuitbreaker.Config{Threshold: cfg.BreakerThreshold, Cooldown: cfg.BreakerCooldown})

	deps := lifecycle.Deps{
		Store:     a.Store,
		Gateway:   a.Gateway,
		Notifier:  notifier,
		Artifacts: artifacts,
		Logger:    a.Logger,
	}
	if a.Redis != nil {
		deps.Index = queue.NewRetryIndex(a.Redis, cfg.RetryQueueKey)
	}
	a.Coordinator = lifecycle.NewCoordinator(deps, lifecycle.Options{
		MaxRetries:  cfg.MaxRetries,
		RetryBase:   cfg.RetryBase,
		RetryCap:    cfg.RetryCap,
		RetryJitter: cfg.RetryJitter,
		CallLease:   cfg.CallLease,
	})
	return nil
}

// OpenStore opens the job store selected by STORE_DRIVER.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	case "sqlite":
		lite, err := store.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return lite, nil
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func (a *App) notifier(cfg config.Config) (notify.Notifier, error) {
	a.dispatcher = notify.NewDispatcher(notify.DispatcherConfig{
		Workers:    cfg.NotifyWorkers,
		BufferSize: cfg.NotifyBufferSize,
		Timeout:    cfg.NotifyTimeout,
	}, a.Logger)
	sinks := notify.Multi{notify.NewWebhook(a.dispatcher, cfg.NotifyWebhookURL, cfg.NotifySigningKey, a.Logger)}

	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL, a.Logger)
		if err != nil {
			return nil, err
		}
		a.nats = nc
		sinks = append(sinks, notify.NewNATS(nc, cfg.NATSSubject, a.Logger))
	}
	return sinks, nil
}

// Close stops timers, drains notifications and closes connections.
func (a *App) Close(ctx context.Context) {
	if a.Coordinator != nil {
		a.Coordinator.Close()
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			a.Logger.WithError(err).Warn("notification queue not drained")
		}
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.nats.Close()
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
