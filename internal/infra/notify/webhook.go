package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"countersign/internal/usecase"

	"golang.org/x/time/rate"
)

const SignatureHeader = "X-Countersign-Signature"

// Webhook posts each notification as JSON to a mail relay or similar. Calls
// are paced by a token bucket so a large fan-out cannot flood the receiver.
type Webhook struct {
	url     string
	secret  []byte
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

var _ usecase.Notifier = (*Webhook)(nil)

type WebhookConfig struct {
	URL    string
	Secret string
	// RPS caps deliveries per second; zero means unpaced.
	RPS     float64
	Timeout time.Duration
	Client  *http.Client
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Webhook{
		url:     cfg.URL,
		secret:  []byte(cfg.Secret),
		client:  client,
		limiter: limiter,
		now:     time.Now,
	}, nil
}

func (w *Webhook) Send(ctx context.Context, address, template string, payload map[string]any) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook pacing: %w", err)
	}
	body, err := encode(address, template, payload, w.now())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body, as sent in SignatureHeader.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
