//go:build integration
// +build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func redisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR_TEST")
	if addr == "" {
		t.Skip("REDIS_ADDR_TEST not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisFixedWindow(t *testing.T) {
	limiter, err := NewRedis(redisClient(t), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, key, 2, time.Minute)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !d.Allowed || d.Remaining != 1-i {
			t.Fatalf("call %d: unexpected decision %+v", i, d)
		}
	}
	d, err := limiter.Allow(ctx, key, 2, time.Minute)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected denial, got %+v", d)
	}
	if !d.ResetAt.After(time.Now()) {
		t.Fatalf("reset should be in the future: %v", d.ResetAt)
	}
}

func TestRedisWindowExpires(t *testing.T) {
	limiter, err := NewRedis(redisClient(t), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	if d, _ := limiter.Allow(ctx, key, 1, 50*time.Millisecond); !d.Allowed {
		t.Fatal("first call should pass")
	}
	if d, _ := limiter.Allow(ctx, key, 1, 50*time.Millisecond); d.Allowed {
		t.Fatal("second call should be limited")
	}
	time.Sleep(120 * time.Millisecond)
	if d, _ := limiter.Allow(ctx, key, 1, 50*time.Millisecond); !d.Allowed {
		t.Fatal("window should have reset")
	}
}
