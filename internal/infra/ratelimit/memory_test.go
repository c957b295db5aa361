package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestMemoryFixedWindow(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	lim := NewMemory(10, c.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := lim.Allow(ctx, "ip:1", 3, time.Minute)
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: allowed=%v err=%v", i, d.Allowed, err)
		}
		if d.Remaining != 2-i {
			t.Fatalf("call %d: expected remaining %d, got %d", i, 2-i, d.Remaining)
		}
	}
	d, err := lim.Allow(ctx, "ip:1", 3, time.Minute)
	if err != nil || d.Allowed {
		t.Fatalf("expected denial, got allowed=%v err=%v", d.Allowed, err)
	}
	if got := d.RetryAfter(c.now); got != time.Minute {
		t.Fatalf("expected retry after 1m, got %s", got)
	}

	d, _ = lim.Allow(ctx, "ip:2", 3, time.Minute)
	if !d.Allowed {
		t.Fatal("keys must not share windows")
	}

	c.now = c.now.Add(time.Minute)
	d, _ = lim.Allow(ctx, "ip:1", 3, time.Minute)
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
}

func TestMemoryCapacity(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	lim := NewMemory(2, c.Now)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		if _, err := lim.Allow(ctx, key, 1, time.Second); err != nil {
			t.Fatalf("allow %s: %v", key, err)
		}
	}
	if _, err := lim.Allow(ctx, "c", 1, time.Second); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	c.now = c.now.Add(2 * time.Second)
	if _, err := lim.Allow(ctx, "c", 1, time.Second); err != nil {
		t.Fatalf("expired windows should be collected: %v", err)
	}
}

func TestUnlimited(t *testing.T) {
	d, err := NewMemory(1, nil).Allow(context.Background(), "x", 0, time.Second)
	if err != nil || !d.Allowed {
		t.Fatalf("limit 0 disables throttling, got %+v %v", d, err)
	}
}
