package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenBucket(client, time.Minute)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t)

	d, err := bucket.Allow(ctx, "ratelimit:tenant", 2)
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	d, _ = bucket.Allow(ctx, "ratelimit:tenant", 2)
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "ratelimit:tenant", 2)
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected a retry hint on rejection, got %v", d.RetryAfter)
	}

	// Refill cannot be exercised here: the script takes its clock from
	// the caller, so miniredis.FastForward has no effect on it.
}

func TestTokenBucketIsolatesKeys(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t)

	if d, _ := bucket.Allow(ctx, "ratelimit:a", 1); !d.Allowed {
		t.Fatalf("expected first key allowed")
	}
	if d, _ := bucket.Allow(ctx, "ratelimit:a", 1); d.Allowed {
		t.Fatalf("expected first key exhausted")
	}
	if d, _ := bucket.Allow(ctx, "ratelimit:b", 1); !d.Allowed {
		t.Fatalf("expected second key unaffected")
	}
}

func TestTokenBucketZeroRate(t *testing.T) {
	bucket := newTestBucket(t)
	d, err := bucket.Allow(context.Background(), "ratelimit:open", 0)
	if err != nil || !d.Allowed {
		t.Fatalf("zero rate should pass everything, got %+v err=%v", d, err)
	}
}

func TestLocalBucket(t *testing.T) {
	ctx := context.Background()
	local := NewLocalBucket()

	d, err := local.Allow(ctx, "tenant", 2)
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	if d, _ = local.Allow(ctx, "tenant", 2); !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = local.Allow(ctx, "tenant", 2)
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected a retry hint on rejection, got %v", d.RetryAfter)
	}

	// A changed rate replaces the bucket.
	if d, _ = local.Allow(ctx, "tenant", 5); !d.Allowed {
		t.Fatalf("expected fresh bucket after rate change")
	}
}
