package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mediapulse/internal/audit"
	"mediapulse/internal/config"
	"mediapulse/internal/queue"
	"mediapulse/internal/ratelimit"
	"mediapulse/internal/store"
	"mediapulse/internal/telemetry"
	"mediapulse/internal/worker"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	policies := queue.PoliciesFromConfig(cfg)
	q := queue.New(rdb, policies, cfg.VisibilityTimeout)
	recorder := audit.NewRecorder(st, logger)

	// Transcode: gated dispatch, rendition + preview handlers.
	transcodePolicy, _ := q.Policy(queue.Transcode)
	var gate worker.Gate
	if transcodePolicy.DispatchEvery > 0 {
		gate = ratelimit.NewDispatchGate(rdb, transcodePolicy.DispatchEvery, cfg.VisibilityTimeout*2)
	}
	transcode := worker.New(queue.Transcode, transcodePolicy, q, worker.Options{
		Slots:          cfg.TranscodeSlots,
		PollInterval:   cfg.WorkerPollInterval,
		HandlerTimeout: cfg.HandlerTimeout,
		Gate:           gate,
		Recorder:       recorder,
		Logger:         logger,
	})
	rendition, err := worker.NewRenditionHandler(ctx, cfg)
	if err != nil {
		logger.Fatal("init rendition handler", zap.Error(err))
	}
	transcode.Register("", rendition.Handle)
	transcode.Register("preview", worker.NewPreviewHandler().Handle)

	// Email: no dispatch cap; delivery transport is injected. The logging
	// sender stands in until a relay is wired up.
	emailPolicy, _ := q.Policy(queue.Email)
	email := worker.New(queue.Email, emailPolicy, q, worker.Options{
		Slots:          cfg.EmailSlots,
		PollInterval:   cfg.WorkerPollInterval,
		HandlerTimeout: cfg.HandlerTimeout,
		Recorder:       recorder,
		Logger:         logger,
	})
	sender := worker.SendFunc(func(_ context.Context, msg worker.Message) error {
		logger.Info("email delivered",
			zap.String("message_id", msg.MessageID),
			zap.Int("recipients", len(msg.To)))
		return nil
	})
	email.Register("", worker.NewEmailHandler(rdb, sender, cfg.EmailSentTTL, logger).Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_base", cfg.BackoffBase),
		zap.Int("transcode_slots", cfg.TranscodeSlots),
		zap.Int("email_slots", cfg.EmailSlots))

	var wg sync.WaitGroup
	for _, p := range []*worker.Processor{transcode, email} {
		wg.Add(1)
		go func(p *worker.Processor) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil && err != context.Canceled {
				logger.Error("processor stopped", zap.Error(err))
			}
		}(p)
	}
	wg.Wait()
}
