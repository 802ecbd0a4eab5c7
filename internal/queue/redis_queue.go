package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mediapulse/internal/models"
)

// Logical queue names served by the broker.
const (
	Transcode = "transcode"
	Email     = "email"
)

// ErrUnknownQueue is returned for queue names without a configured policy.
var ErrUnknownQueue = errors.New("unknown queue")

// Policy is the per-queue retry, dispatch, and retention configuration.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// DispatchEvery > 0 caps dispatch to one job per interval across all
	// workers of the queue. Zero means unlimited.
	DispatchEvery time.Duration
	// How many completed / dead-lettered job records to keep around for
	// debugging before the oldest are trimmed.
	CompletedRetention int64
	FailedRetention    int64
}

// Options override queue policy defaults for a single enqueue call.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	RunAt       time.Time
}

// RedisQueue is a durable at-least-once broker over Redis. Every key for a
// logical queue is wrapped in a cluster hash tag so the whole queue lives on
// a single slot; without that, MULTI/EXEC and the dequeue script break under
// a sharded deployment.
type RedisQueue struct {
	client        *redis.Client
	policies      map[string]Policy
	visibilityTTL time.Duration
}

// New builds a broker over an existing Redis client. The policies map fixes
// the set of logical queues; enqueues to anything else are rejected.
func New(client *redis.Client, policies map[string]Policy, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		policies:      policies,
		visibilityTTL: visibility,
	}
}

// Policy returns the configured policy for a queue.
func (q *RedisQueue) Policy(queueName string) (Policy, bool) {
	p, ok := q.policies[queueName]
	return p, ok
}

func tag(queueName string) string { return "{jobs:" + queueName + "}" }

func pendingKey(queueName string) string   { return tag(queueName) + ":pending" }
func scheduledKey(queueName string) string { return tag(queueName) + ":scheduled" }
func activeKey(queueName string) string    { return tag(queueName) + ":active" }
func doneKey(queueName string) string      { return tag(queueName) + ":done" }
func deadKey(queueName string) string      { return tag(queueName) + ":dead" }
func jobKey(queueName, id string) string   { return tag(queueName) + ":job:" + id }

// DispatchKey names the shared rate-gate state for a queue. It carries the
// same hash tag as the rest of the queue's keys.
func DispatchKey(queueName string) string { return tag(queueName) + ":dispatch" }

// Enqueue durably records a job and makes it visible to workers. The record
// write and the pending push happen in one MULTI/EXEC, so the job is either
// fully visible or not at all.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload map[string]any, opts *Options) (models.Job, error) {
	policy, ok := q.policies[queueName]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     payload,
		Attempt:     0,
		MaxAttempts: policy.MaxAttempts,
		BaseDelay:   policy.BaseDelay,
		Status:      models.StatusPending,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if opts != nil {
		if opts.MaxAttempts > 0 {
			job.MaxAttempts = opts.MaxAttempts
		}
		if opts.BaseDelay > 0 {
			job.BaseDelay = opts.BaseDelay
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(queueName, job.ID), data, 0)
	if opts != nil && opts.RunAt.After(now) {
		pipe.ZAdd(ctx, scheduledKey(queueName), redis.Z{Score: float64(opts.RunAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, pendingKey(queueName), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return job, nil
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return false
`)

// Dequeue pops the next pending job and places it under an active lease.
// The second return is false when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string) (models.Job, bool, error) {
	if _, ok := q.policies[queueName]; !ok {
		return models.Job{}, false, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{pendingKey(queueName), activeKey(queueName)}, deadline).Result()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("dequeue %s: %w", queueName, err)
	}
	id, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("dequeue %s: unexpected script result %T", queueName, res)
	}

	job, err := q.getJob(ctx, queueName, id)
	if err != nil {
		// Record missing (e.g. trimmed by an operator); drop the lease.
		_ = q.client.ZRem(ctx, activeKey(queueName), id).Err()
		return models.Job{}, false, err
	}
	job.Status = models.StatusActive
	job.UpdatedAt = time.Now().UTC()
	if err := q.putJob(ctx, job); err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ExtendLease pushes the visibility deadline forward for an active job.
func (q *RedisQueue) ExtendLease(ctx context.Context, queueName, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, activeKey(queueName), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Complete acknowledges a finished job. The live record is dropped and a
// terminal copy is kept on the done list, trimmed to the queue's retention.
func (q *RedisQueue) Complete(ctx context.Context, job models.Job) error {
	policy := q.policies[job.Queue]
	job.Status = models.StatusCompleted
	job.LastError = ""
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Queue), job.ID)
	pipe.Del(ctx, jobKey(job.Queue, job.ID))
	pipe.LPush(ctx, doneKey(job.Queue), data)
	if policy.CompletedRetention > 0 {
		pipe.LTrim(ctx, doneKey(job.Queue), 0, policy.CompletedRetention-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Retry schedules the next attempt of a failed job. The caller has already
// bumped Attempt and recorded the failure reason. The record carries the
// failed status while it waits out its backoff; the next dequeue flips it
// back to active.
func (q *RedisQueue) Retry(ctx context.Context, job models.Job, runAt time.Time) error {
	job.Status = models.StatusFailed
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Queue), job.ID)
	pipe.Set(ctx, jobKey(job.Queue, job.ID), data, 0)
	pipe.ZAdd(ctx, scheduledKey(job.Queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetter moves a job whose retries are exhausted onto the dead list,
// where it stays visible for inspection until retention trims it.
func (q *RedisQueue) DeadLetter(ctx context.Context, job models.Job) error {
	policy := q.policies[job.Queue]
	job.Status = models.StatusDeadLettered
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Queue), job.ID)
	pipe.Del(ctx, jobKey(job.Queue, job.ID))
	pipe.LPush(ctx, deadKey(job.Queue), data)
	if policy.FailedRetention > 0 {
		pipe.LTrim(ctx, deadKey(job.Queue), 0, policy.FailedRetention-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs (delayed enqueues and retry
// backoffs) into the pending list. Returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, queueName string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey(queueName), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey(queueName), id)
		pipe.RPush(ctx, pendingKey(queueName), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims jobs whose lease ran out, making them pending
// again. A worker crash mid-handler lands here; the handler runs again, which
// is why handlers must be idempotent.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queueName string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, activeKey(queueName), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, activeKey(queueName), id)
		pipe.RPush(ctx, pendingKey(queueName), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if job, err := q.getJob(ctx, queueName, id); err == nil {
			job.Status = models.StatusPending
			job.UpdatedAt = time.Now().UTC()
			_ = q.putJob(ctx, job)
		}
	}
	return ids, nil
}

// DeadLettered returns up to count most recent dead-lettered jobs.
func (q *RedisQueue) DeadLettered(ctx context.Context, queueName string, count int64) ([]models.Job, error) {
	if _, ok := q.policies[queueName]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	raw, err := q.client.LRange(ctx, deadKey(queueName), 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]models.Job, 0, len(raw))
	for _, item := range raw {
		var job models.Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PendingDepth returns the number of jobs ready to dispatch.
func (q *RedisQueue) PendingDepth(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, pendingKey(queueName)).Result()
}

func (q *RedisQueue) getJob(ctx context.Context, queueName, id string) (models.Job, error) {
	data, err := q.client.Get(ctx, jobKey(queueName, id)).Bytes()
	if err == redis.Nil {
		return models.Job{}, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return job, nil
}

func (q *RedisQueue) putJob(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.Set(ctx, jobKey(job.Queue, job.ID), data, 0).Err()
}

// Backoff computes the retry delay after the given attempt number:
// base * 2^(attempt-1), capped at max. attempt counts executed attempts, so
// the first failure yields base.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && exp > float64(max) {
		return max
	}
	return time.Duration(exp)
}
