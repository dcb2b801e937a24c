package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "transcription-jobs/internal/api"
	"transcription-jobs/internal/app"
	"transcription-jobs/internal/config"
	"transcription-jobs/internal/lifecycle"
	"transcription-jobs/internal/logging"
	"transcription-jobs/internal/ratelimit"
	"transcription-jobs/internal/webhook"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}

	guardCfg := webhook.Config{Window: cfg.ReplayWindow, Secret: cfg.WebhookSecret}
	var limiter api.Limiter
	if a.Redis != nil {
		if cfg.DedupeReplays {
			guardCfg.Redis = a.Redis
		}
		limiter = ratelimit.NewTokenBucket(a.Redis, "transcription:poll:", cfg.PollRateCapacity, cfg.PollRateRefill, time.Hour)
	}

	server := api.New(a.Coordinator, webhook.NewGuard(guardCfg), limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := lifecycle.NewSweeper(a.Coordinator, lifecycle.SweepOptions{
		Interval:   cfg.SweepInterval,
		StaleAfter: cfg.StaleAfter,
		BatchSize:  cfg.SweepBatchSize,
	})
	go sweeper.Run(ctx)

	logger.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	a.Close(shutdownCtx)
	logger.Info("api stopped")
}
