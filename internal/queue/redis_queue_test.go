package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mediapulse/internal/models"
)

func testQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	policies := map[string]Policy{
		Transcode: {MaxAttempts: 3, BaseDelay: 5 * time.Second, CompletedRetention: 3, FailedRetention: 2},
		Email:     {MaxAttempts: 3, BaseDelay: 5 * time.Second, CompletedRetention: 500, FailedRetention: 1000},
	}
	return New(client, policies, 30*time.Second), mr
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	job, err := q.Enqueue(ctx, Transcode, map[string]any{"title_id": "t1"}, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != models.StatusPending || job.MaxAttempts != 3 {
		t.Fatalf("unexpected job after enqueue: %+v", job)
	}

	got, ok, err := q.Dequeue(ctx, Transcode)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if got.ID != job.ID || got.Status != models.StatusActive {
		t.Fatalf("unexpected job after dequeue: %+v", got)
	}
	if got.Payload["title_id"] != "t1" {
		t.Fatalf("payload lost: %+v", got.Payload)
	}

	// Queue drained.
	_, ok, err = q.Dequeue(ctx, Transcode)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if ok {
		t.Fatal("expected empty queue")
	}
}

func TestEnqueueUnknownQueue(t *testing.T) {
	q, _ := testQueue(t)
	if _, err := q.Enqueue(context.Background(), "mystery", nil, nil); err == nil {
		t.Fatal("expected error for unknown queue")
	}
}

func TestEnqueueOptionOverrides(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	job, err := q.Enqueue(ctx, Email, map[string]any{}, &Options{MaxAttempts: 7, BaseDelay: time.Second})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.MaxAttempts != 7 || job.BaseDelay != time.Second {
		t.Fatalf("overrides not applied: %+v", job)
	}
}

func TestDelayedEnqueuePromotes(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	runAt := time.Now().Add(time.Hour)
	if _, err := q.Enqueue(ctx, Email, nil, &Options{RunAt: runAt}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Not visible before its run time.
	if _, ok, _ := q.Dequeue(ctx, Email); ok {
		t.Fatal("delayed job should not be dequeuable")
	}

	n, err := q.PromoteScheduled(ctx, Email, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted, got %d", n)
	}
	if _, ok, _ := q.Dequeue(ctx, Email); !ok {
		t.Fatal("promoted job should be dequeuable")
	}
}

func TestCompleteTrimsRetention(t *testing.T) {
	ctx := context.Background()
	q, mr := testQueue(t)

	// Transcode keeps only 3 completed records in this test policy.
	for i := 0; i < 5; i++ {
		job, err := q.Enqueue(ctx, Transcode, nil, nil)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		got, ok, err := q.Dequeue(ctx, Transcode)
		if err != nil || !ok {
			t.Fatalf("dequeue %d: ok=%v err=%v", i, ok, err)
		}
		if err := q.Complete(ctx, got); err != nil {
			t.Fatalf("complete: %v", err)
		}
		// Live record is gone once terminal.
		if mr.Exists(jobKey(Transcode, job.ID)) {
			t.Fatalf("job record should be dropped after complete")
		}
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n, err := client.LLen(ctx, doneKey(Transcode)).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected done list trimmed to 3, got %d", n)
	}
}

func TestRetryMovesToScheduled(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if _, err := q.Enqueue(ctx, Transcode, nil, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := q.Dequeue(ctx, Transcode)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	job.Attempt = 1
	job.LastError = "boom"
	runAt := time.Now().Add(5 * time.Second)
	if err := q.Retry(ctx, job, runAt); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// While waiting out its backoff the record reads as failed.
	raw, err := q.client.Get(ctx, jobKey(Transcode, job.ID)).Result()
	if err != nil {
		t.Fatalf("get job record: %v", err)
	}
	var stored models.Job
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("unmarshal job record: %v", err)
	}
	if stored.Status != models.StatusFailed {
		t.Fatalf("awaiting-retry status = %q, want %q", stored.Status, models.StatusFailed)
	}

	// Not pending yet; promotion past runAt makes it pending again.
	if _, ok, _ := q.Dequeue(ctx, Transcode); ok {
		t.Fatal("retried job should not be immediately dequeuable")
	}
	if _, err := q.PromoteScheduled(ctx, Transcode, runAt.Add(time.Second), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, ok, err := q.Dequeue(ctx, Transcode)
	if err != nil || !ok {
		t.Fatalf("dequeue after promote: ok=%v err=%v", ok, err)
	}
	if got.Attempt != 1 || got.LastError != "boom" {
		t.Fatalf("retry state lost: %+v", got)
	}
}

func TestDeadLetterListingAndRetention(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	// FailedRetention is 2; dead-letter 3 jobs and expect the oldest gone.
	var last models.Job
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, Transcode, map[string]any{"n": i}, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		job, ok, err := q.Dequeue(ctx, Transcode)
		if err != nil || !ok {
			t.Fatalf("dequeue: ok=%v err=%v", ok, err)
		}
		job.Attempt = job.MaxAttempts
		job.LastError = "permanent failure"
		if err := q.DeadLetter(ctx, job); err != nil {
			t.Fatalf("dead letter: %v", err)
		}
		last = job
	}

	dead, err := q.DeadLettered(ctx, Transcode, 10)
	if err != nil {
		t.Fatalf("dead lettered: %v", err)
	}
	if len(dead) != 2 {
		t.Fatalf("expected dead list trimmed to 2, got %d", len(dead))
	}
	if dead[0].ID != last.ID {
		t.Fatalf("newest dead job should list first")
	}
	if dead[0].Status != models.StatusDeadLettered || dead[0].LastError != "permanent failure" {
		t.Fatalf("dead job state: %+v", dead[0])
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if _, err := q.Enqueue(ctx, Email, nil, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := q.Dequeue(ctx, Email)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	// Pretend the lease expired (visibility is 30s in the test queue).
	ids, err := q.RequeueExpired(ctx, Email, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("expected job reclaimed, got %v", ids)
	}
	got, ok, err := q.Dequeue(ctx, Email)
	if err != nil || !ok {
		t.Fatalf("dequeue reclaimed: ok=%v err=%v", ok, err)
	}
	if got.ID != job.ID {
		t.Fatalf("wrong job reclaimed: %s", got.ID)
	}
}

func TestBackoffSequence(t *testing.T) {
	base := 5 * time.Second
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i, expected := range want {
		if got := Backoff(base, i+1, 10*time.Minute); got != expected {
			t.Fatalf("attempt %d: expected %s got %s", i+1, expected, got)
		}
	}
	// Cap applies.
	if got := Backoff(base, 10, 30*time.Second); got != 30*time.Second {
		t.Fatalf("expected cap at 30s, got %s", got)
	}
}
