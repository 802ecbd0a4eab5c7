package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mediapulse/internal/models"
)

func emailJob(messageID string) models.Job {
	return models.Job{
		ID:    "job-" + messageID,
		Queue: "email",
		Payload: map[string]any{
			"message_id": messageID,
			"to":         []any{"viewer@example.com"},
			"subject":    "New episodes for you",
			"body":       "...",
		},
	}
}

func TestEmailHandlerDeliversOnce(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sends := 0
	sender := SendFunc(func(context.Context, Message) error {
		sends++
		return nil
	})
	handler := NewEmailHandler(client, sender, time.Hour, nil)

	job := emailJob("m-1")
	if err := handler.Handle(ctx, job); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Replay of the same message is a no-op, not an error.
	if err := handler.Handle(ctx, job); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if sends != 1 {
		t.Fatalf("expected 1 send, got %d", sends)
	}
}

func TestEmailHandlerFailureLeavesNoMarker(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	attempts := 0
	sender := SendFunc(func(context.Context, Message) error {
		attempts++
		if attempts == 1 {
			return errors.New("relay refused connection")
		}
		return nil
	})
	handler := NewEmailHandler(client, sender, time.Hour, nil)

	job := emailJob("m-2")
	if err := handler.Handle(ctx, job); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	// Only a completed delivery writes the marker; the retry delivers.
	if mr.Exists(sentKey("m-2")) {
		t.Fatal("failed attempt must not leave a sent marker")
	}
	if err := handler.Handle(ctx, job); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestEmailHandlerTimedOutAttemptDoesNotPoisonRetry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sends := 0
	sender := SendFunc(func(ctx context.Context, _ Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sends++
		return nil
	})
	handler := NewEmailHandler(client, sender, time.Hour, nil)
	job := emailJob("m-3")

	// The watchdog deadline has already expired by the time the attempt
	// reaches the handler.
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if err := handler.Handle(expired, job); err == nil {
		t.Fatal("expected timed-out attempt to fail")
	}
	if mr.Exists(sentKey("m-3")) {
		t.Fatal("timed-out attempt must not leave a sent marker")
	}

	// The scheduled retry runs under a fresh deadline and must deliver;
	// a stale marker here would complete the job with zero deliveries.
	if err := handler.Handle(context.Background(), job); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sends != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", sends)
	}
}

func TestEmailHandlerRejectsInvalidPayload(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	handler := NewEmailHandler(client, SendFunc(func(context.Context, Message) error { return nil }), time.Hour, nil)

	job := models.Job{ID: "job-x", Payload: map[string]any{"subject": "no id"}}
	if err := handler.Handle(context.Background(), job); err == nil {
		t.Fatal("expected error for missing message_id")
	}
}
