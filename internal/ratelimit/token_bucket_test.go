package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, 1, time.Minute)
}

func TestTokenBucketPerProjectBudget(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 2)

	allowed, _, err := bucket.Allow(ctx, "project-a", 1)
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "project-a", 1)
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "project-a", 1)
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// A different project draws from its own bucket.
	allowed, _, _ = bucket.Allow(ctx, "project-b", 1)
	if !allowed {
		t.Fatalf("expected separate project to have its own budget")
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// Lua script receives time from Go's time.Now(), not Redis's clock.
}

func TestTokenBucketCost(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 3)

	allowed, remaining, err := bucket.Allow(ctx, "project-c", 2)
	if err != nil || !allowed {
		t.Fatalf("cost 2 of capacity 3 must be allowed, got allowed=%v err=%v", allowed, err)
	}
	if remaining > 1 {
		t.Fatalf("expected at most 1 token left, got %v", remaining)
	}

	allowed, _, _ = bucket.Allow(ctx, "project-c", 2)
	if allowed {
		t.Fatalf("cost 2 with 1 token left must be rejected")
	}

	allowed, _, _ = bucket.Allow(ctx, "project-c", 1)
	if !allowed {
		t.Fatalf("cost 1 with 1 token left must be allowed")
	}
}
