// Package notify delivers signer notifications. The engine only knows the
// usecase.Notifier interface; the backend is picked by configuration.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"countersign/internal/usecase"

	"go.uber.org/zap"
)

// Envelope is the wire form shared by the webhook and redis backends.
type Envelope struct {
	Address  string         `json:"address"`
	Template string         `json:"template"`
	Payload  map[string]any `json:"payload"`
	SentAt   time.Time      `json:"sent_at"`
}

func encode(address, template string, payload map[string]any, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{Address: address, Template: template, Payload: payload, SentAt: now.UTC()})
}

// Log writes notifications to the logger. Verification codes and the access
// token in signing links are masked unless RevealCodes is set, which is only
// meant for local development.
type Log struct {
	Logger      *zap.Logger
	RevealCodes bool
}

var _ usecase.Notifier = (*Log)(nil)

func (l *Log) Send(_ context.Context, address, template string, payload map[string]any) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{
		zap.String("address", address),
		zap.String("template", template),
	}
	for k, v := range payload {
		if !l.RevealCodes {
			v = mask(k, v)
		}
		fields = append(fields, zap.Any("payload."+k, v))
	}
	logger.Info("notification", fields...)
	return nil
}

// mask hides credentials carried in a payload value.
func mask(key string, v any) any {
	switch key {
	case "code":
		return "******"
	case "url":
		link, ok := v.(string)
		if !ok {
			return v
		}
		if i := strings.LastIndex(link, "/sign/"); i >= 0 {
			return link[:i] + "/sign/[redacted]"
		}
	}
	return v
}
