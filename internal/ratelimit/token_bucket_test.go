package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, err := bucket.Allow(ctx, "gate")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _ = bucket.Allow(ctx, "gate")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _ = bucket.Allow(ctx, "gate")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestDispatchGateSingleTokenPerWindow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gate := NewDispatchGate(client, time.Second, time.Minute)

	allowed, err := gate.Allow(ctx, "dispatch")
	if err != nil || !allowed {
		t.Fatalf("expected first dispatch allowed got allowed=%v err=%v", allowed, err)
	}
	// The bucket holds a single token: every caller in the same window is
	// refused, regardless of how many workers share the gate.
	for i := 0; i < 5; i++ {
		if allowed, _ = gate.Allow(ctx, "dispatch"); allowed {
			t.Fatalf("dispatch %d should have been refused within the window", i+2)
		}
	}

	// Note: refill cannot be tested with miniredis.FastForward because the
	// script takes its clock from Go's time.Now, not Redis.
}
