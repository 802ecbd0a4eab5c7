// The aggregator is a run-to-completion batch binary: a cron slot or
// orchestrator invokes it, it recomputes the popularity snapshots for the
// trailing window under a deadline, and it exits. It keeps no state between
// runs.
package main

import (
	"context"
	"errors"
	"log"
	"os"

	"go.uber.org/zap"

	"mediapulse/internal/aggregate"
	"mediapulse/internal/config"
	"mediapulse/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AggregateDeadline)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	weights := aggregate.Weights{
		PlayStart:           cfg.PlayStartWeight,
		PlayEnd:             cfg.PlayEndWeight,
		CompletionBonus:     cfg.CompletionBonus,
		CompletionThreshold: cfg.CompletionThreshold,
	}
	agg := aggregate.New(st, st, weights, cfg.AggregateWindow, logger)

	report, err := agg.Run(ctx)
	if err != nil {
		if errors.Is(err, aggregate.ErrRunInProgress) {
			// Another instance holds the window; the next trigger retries.
			logger.Warn("run skipped, another run in progress")
			os.Exit(0)
		}
		logger.Error("aggregation failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("aggregation finished",
		zap.Time("window_start", report.WindowStart),
		zap.Time("window_end", report.WindowEnd),
		zap.Int("events", report.Events),
		zap.Int("titles", report.Titles))
}
