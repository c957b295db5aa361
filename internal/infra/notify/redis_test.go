//go:build integration
// +build integration

package notify

import (
	"context"
	"encoding/json"
	"os"
	"strings"
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

func TestRedisPublishesEnvelope(t *testing.T) {
	client := redisClient(t)
	channel := "countersign-test:" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n, err := NewRedis(client, channel)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := n.Send(ctx, "ana@example.com", "signing_invitation", map[string]any{"uid": "SR-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["address"] != "ana@example.com" || got["template"] != "signing_invitation" {
		t.Fatalf("unexpected envelope: %s", msg.Payload)
	}
}

func TestRedisWithoutSubscribersFails(t *testing.T) {
	n, err := NewRedis(redisClient(t), "countersign-test:"+uuid.NewString())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = n.Send(context.Background(), "ana@example.com", "signing_turn", nil)
	if err == nil || !strings.Contains(err.Error(), "no subscribers") {
		t.Fatalf("expected no subscribers error, got %v", err)
	}
}
