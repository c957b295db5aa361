package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"countersign/internal/domain"
	"countersign/internal/infra/docstore"
	"countersign/internal/infra/memstore"
	"countersign/internal/usecase"

	"github.com/stretchr/testify/require"
)

var pngImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

var testActor = domain.Actor{IP: "203.0.113.7", UserAgent: "go-test"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMessage struct {
	Address  string
	Template string
	Payload  map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *recordingNotifier) Send(_ context.Context, address, template string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{Address: address, Template: template, Payload: payload})
	return nil
}

func (n *recordingNotifier) byTemplate(template string) []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentMessage
	for _, m := range n.sent {
		if m.Template == template {
			out = append(out, m)
		}
	}
	return out
}

// lastCode returns the most recent verification code sent to address.
func (n *recordingNotifier) lastCode(t *testing.T, address string) string {
	t.Helper()
	msgs := n.byTemplate("verification_code")
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Address == address {
			return msgs[i].Payload["code"].(string)
		}
	}
	t.Fatalf("no verification code sent to %s", address)
	return ""
}

type sequentialIDs struct {
	n atomic.Int64
}

func (g *sequentialIDs) NewID() string {
	return fmt.Sprintf("id-%d", g.n.Add(1))
}

func (g *sequentialIDs) NewUID() string {
	return fmt.Sprintf("SR-%d", g.n.Add(1))
}

type harness struct {
	engine   *usecase.Engine
	repo     *memstore.Store
	docs     *docstore.Memory
	notifier *recordingNotifier
	clock    *fakeClock
}

func newHarness(t *testing.T, opts ...func(*usecase.Deps)) *harness {
	t.Helper()
	h := &harness{
		repo:     memstore.New(),
		docs:     docstore.NewMemory(),
		notifier: &recordingNotifier{},
		clock:    newFakeClock(),
	}
	deps := usecase.Deps{
		Repo:      h.repo,
		Documents: h.docs,
		Notifier:  h.notifier,
		IDs:       &sequentialIDs{},
		Clock:     h.clock.Now,
		Settings:  usecase.DefaultSettings(),
	}
	deps.Settings.BaseURL = "https://sign.example.com"
	for _, opt := range opts {
		opt(&deps)
	}
	h.engine = usecase.NewEngine(deps)
	return h
}

type requestOpts struct {
	signatureType domain.SignatureType
	sequential    bool
	signers       int
	expiresIn     time.Duration
}

func (h *harness) draft(t *testing.T, opts requestOpts) domain.SigningRequest {
	t.Helper()
	ctx := context.Background()
	doc, err := h.engine.Orchestrator.UploadDocument(ctx, "contract.pdf", []byte("%PDF-1.7 contract body"))
	require.NoError(t, err)

	in := usecase.CreateInput{
		DocumentRef:   doc.Ref,
		DocumentName:  "contract.pdf",
		DocumentHash:  doc.Hash,
		SignatureType: opts.signatureType,
		Sequential:    opts.sequential,
		Actor:         testActor,
	}
	if opts.expiresIn > 0 {
		deadline := h.clock.Now().Add(opts.expiresIn)
		in.ExpiresAt = &deadline
	}
	for i := 0; i < opts.signers; i++ {
		in.Signers = append(in.Signers, usecase.SignerInput{
			Name:  fmt.Sprintf("Signer %d", i+1),
			Email: fmt.Sprintf("signer%d@example.com", i+1),
			Order: i + 1,
		})
	}
	req, err := h.engine.Orchestrator.Create(ctx, in)
	require.NoError(t, err)
	require.Equal(t, domain.RequestDraft, req.Status)
	return req
}

func (h *harness) sent(t *testing.T, opts requestOpts) domain.SigningRequest {
	t.Helper()
	req := h.draft(t, opts)
	sent, err := h.engine.Orchestrator.Send(context.Background(), req.ID, testActor)
	require.NoError(t, err)
	return sent
}

func (h *harness) sign(token string) (usecase.SignResult, error) {
	return h.engine.Signers.Sign(context.Background(), token, domain.SignatureProof{Image: pngImage}, testActor)
}

func (h *harness) actions(t *testing.T, requestID string) []domain.AuditAction {
	t.Helper()
	trail, err := h.engine.Audit.History(context.Background(), requestID)
	require.NoError(t, err)
	require.True(t, trail.ChainValid, trail.ChainError)
	out := make([]domain.AuditAction, 0, len(trail.Entries))
	for _, e := range trail.Entries {
		out = append(out, e.Action)
	}
	return out
}

func countAction(actions []domain.AuditAction, want domain.AuditAction) int {
	n := 0
	for _, a := range actions {
		if a == want {
			n++
		}
	}
	return n
}
