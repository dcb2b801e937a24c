package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/app"
	"transcription-jobs/internal/config"
	"transcription-jobs/internal/lifecycle"
	"transcription-jobs/internal/logging"
	"transcription-jobs/internal/telemetry"
)

// The worker runs only the recovery sweep: stale polls, due retries
// (including those promoted from the Redis index) and stranded uploads.
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
	defer a.Close(context.Background())

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	sweeper := lifecycle.NewSweeper(a.Coordinator, lifecycle.SweepOptions{
		Interval:   cfg.SweepInterval,
		StaleAfter: cfg.StaleAfter,
		BatchSize:  cfg.SweepBatchSize,
	})
	logger.WithFields(logrus.Fields{
		"interval":    cfg.SweepInterval.String(),
		"stale_after": cfg.StaleAfter.String(),
	}).Info("worker started")
	sweeper.Run(ctx)
	logger.Info("worker stopped")
}
