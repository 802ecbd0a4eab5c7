package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mediapulse/internal/audit"
	"mediapulse/internal/models"
	"mediapulse/internal/queue"
	"mediapulse/internal/telemetry"
)

// Broker is the queue surface the processor drives. *queue.RedisQueue
// implements it; tests inject fakes to exercise retry and dead-letter
// decisions without a live broker.
type Broker interface {
	Dequeue(ctx context.Context, queueName string) (models.Job, bool, error)
	Complete(ctx context.Context, job models.Job) error
	Retry(ctx context.Context, job models.Job, runAt time.Time) error
	DeadLetter(ctx context.Context, job models.Job) error
	PromoteScheduled(ctx context.Context, queueName string, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, queueName string, now time.Time, limit int64) ([]string, error)
	PendingDepth(ctx context.Context, queueName string) (int64, error)
}

// Gate paces dispatch. *ratelimit.TokenBucket implements it.
type Gate interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Handler executes one job attempt. Handlers must be idempotent: a crash
// between side effect and acknowledgement replays the job.
type Handler func(ctx context.Context, job models.Job) error

// Processor runs the worker slots for one logical queue.
type Processor struct {
	queueName      string
	policy         queue.Policy
	broker         Broker
	gate           Gate // nil when the queue is not rate limited
	gateKey        string
	slots          int
	pollInterval   time.Duration
	handlerTimeout time.Duration
	handlers       map[string]Handler
	defaultHandler Handler
	recorder       *audit.Recorder
	log            *zap.Logger
}

// Options configures a Processor beyond its queue policy.
type Options struct {
	Slots          int
	PollInterval   time.Duration
	HandlerTimeout time.Duration
	Gate           Gate
	Recorder       *audit.Recorder
	Logger         *zap.Logger
}

// New builds a processor for one queue.
func New(queueName string, policy queue.Policy, broker Broker, opts Options) *Processor {
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Processor{
		queueName:      queueName,
		policy:         policy,
		broker:         broker,
		gate:           opts.Gate,
		gateKey:        queue.DispatchKey(queueName),
		slots:          opts.Slots,
		pollInterval:   opts.PollInterval,
		handlerTimeout: opts.HandlerTimeout,
		handlers:       make(map[string]Handler),
		recorder:       opts.Recorder,
		log:            opts.Logger.With(zap.String("queue", queueName)),
	}
}

// Register binds a handler to a payload kind. The empty kind is the default
// handler for the queue.
func (p *Processor) Register(kind string, h Handler) {
	if h == nil {
		return
	}
	if kind == "" {
		p.defaultHandler = h
		return
	}
	p.handlers[kind] = h
}

// Run starts the maintenance loop and worker slots, blocking until the
// context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()
	for i := 0; i < p.slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.slot(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// maintain promotes due scheduled jobs, reclaims expired leases, and keeps
// the depth gauge current.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if _, err := p.broker.PromoteScheduled(ctx, p.queueName, now, 100); err != nil {
			p.log.Warn("promote scheduled", zap.Error(err))
		}
		if reclaimed, err := p.broker.RequeueExpired(ctx, p.queueName, now, 100); err != nil {
			p.log.Warn("requeue expired", zap.Error(err))
		} else if len(reclaimed) > 0 {
			p.log.Info("reclaimed expired leases", zap.Int("count", len(reclaimed)))
		}
		if depth, err := p.broker.PendingDepth(ctx, p.queueName); err == nil {
			telemetry.QueueDepth.WithLabelValues(p.queueName).Set(float64(depth))
		}
	}
}

func (p *Processor) slot(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.gate != nil {
			allowed, err := p.gate.Allow(ctx, p.gateKey)
			if err != nil {
				p.log.Warn("dispatch gate", zap.Error(err))
				p.sleep(ctx)
				continue
			}
			if !allowed {
				telemetry.DispatchWaits.WithLabelValues(p.queueName).Inc()
				p.sleep(ctx)
				continue
			}
		}

		job, ok, err := p.broker.Dequeue(ctx, p.queueName)
		if err != nil {
			p.log.Warn("dequeue", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if !ok {
			p.sleep(ctx)
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	telemetry.JobsInFlight.WithLabelValues(p.queueName).Inc()
	defer telemetry.JobsInFlight.WithLabelValues(p.queueName).Dec()

	hctx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	err := p.dispatch(hctx, job)
	cancel()

	if err == nil {
		if cerr := p.broker.Complete(ctx, job); cerr != nil {
			p.log.Error("complete", zap.String("job", job.ID), zap.Error(cerr))
			return
		}
		telemetry.JobsCompleted.WithLabelValues(p.queueName).Inc()
		p.record(ctx, "job.completed", job, "")
		return
	}

	job.Attempt++
	job.LastError = err.Error()

	if job.Attempt >= job.MaxAttempts {
		if derr := p.broker.DeadLetter(ctx, job); derr != nil {
			p.log.Error("dead letter", zap.String("job", job.ID), zap.Error(derr))
			return
		}
		telemetry.JobsDeadLettered.WithLabelValues(p.queueName).Inc()
		p.log.Warn("job dead-lettered",
			zap.String("job", job.ID),
			zap.Int("attempts", job.Attempt),
			zap.Error(err))
		p.record(ctx, "job.dead_lettered", job, err.Error())
		return
	}

	delay := queue.Backoff(job.BaseDelay, job.Attempt, p.policy.MaxDelay)
	runAt := time.Now().Add(delay)
	if rerr := p.broker.Retry(ctx, job, runAt); rerr != nil {
		p.log.Error("retry", zap.String("job", job.ID), zap.Error(rerr))
		return
	}
	telemetry.JobsRetried.WithLabelValues(p.queueName).Inc()
	p.log.Info("job retry scheduled",
		zap.String("job", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
	p.record(ctx, "job.retry_scheduled", job, err.Error())
}

func (p *Processor) dispatch(ctx context.Context, job models.Job) error {
	kind, _ := job.Payload["kind"].(string)
	handler := p.defaultHandler
	if kind != "" {
		if h, ok := p.handlers[kind]; ok {
			handler = h
		}
	}
	if handler == nil {
		return fmt.Errorf("no handler for queue %q kind %q", p.queueName, kind)
	}
	return handler(ctx, job)
}

func (p *Processor) record(ctx context.Context, action string, job models.Job, detail string) {
	if p.recorder == nil {
		return
	}
	p.recorder.Record(ctx, models.AuditLogEntry{
		Action:   action,
		Resource: p.queueName + "/" + job.ID,
		Detail:   detail,
	})
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}
