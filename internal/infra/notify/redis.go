package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"countersign/internal/usecase"

	"github.com/redis/go-redis/v9"
)

// Redis publishes notifications on a channel for a separate mailer to consume.
type Redis struct {
	client  redis.UniversalClient
	channel string
	now     func() time.Time
}

var _ usecase.Notifier = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, channel string) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if channel == "" {
		return nil, errors.New("redis channel is required")
	}
	return &Redis{client: client, channel: channel, now: time.Now}, nil
}

func (r *Redis) Send(ctx context.Context, address, template string, payload map[string]any) error {
	body, err := encode(address, template, payload, r.now())
	if err != nil {
		return err
	}
	receivers, err := r.client.Publish(ctx, r.channel, body).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	if receivers == 0 {
		return fmt.Errorf("publish %s: no subscribers", r.channel)
	}
	return nil
}
