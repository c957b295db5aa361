package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"countersign/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "countersign/internal/usecase"

type Settings struct {
	BaseURL                string
	CodeLength             int
	CodeTTL                time.Duration
	CodeCooldown           time.Duration
	CodeMaxAttempts        int
	MaxSignatureImageBytes int
	VerifyDocumentOnSign   bool
	NotifyConcurrency      int
}

func DefaultSettings() Settings {
	return Settings{
		BaseURL:                "http://localhost:8080",
		CodeLength:             6,
		CodeTTL:                10 * time.Minute,
		CodeCooldown:           60 * time.Second,
		CodeMaxAttempts:        5,
		MaxSignatureImageBytes: 2 << 20,
		NotifyConcurrency:      4,
	}
}

type Deps struct {
	Repo      SigningRepository
	Documents DocumentStore
	Notifier  Notifier
	Inspector CertificateInspector
	Authority CertificateAuthority
	Policy    CreationPolicy
	IDs       IDGenerator
	Metrics   Metrics
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Clock     Clock
	Settings  Settings
}

// Engine bundles the services that share one set of dependencies.
type Engine struct {
	Orchestrator *Orchestrator
	Tokens       *TokenResolver
	Signers      *SignerActions
	Codes        *CodeIssuer
	Audit        *AuditLog
}

func NewEngine(deps Deps) *Engine {
	c := newCore(deps)
	tokens := &TokenResolver{core: c}
	return &Engine{
		Orchestrator: &Orchestrator{core: c, tokens: tokens},
		Tokens:       tokens,
		Signers:      &SignerActions{core: c, tokens: tokens},
		Codes:        &CodeIssuer{core: c, tokens: tokens},
		Audit:        &AuditLog{core: c},
	}
}

type core struct {
	deps   Deps
	tracer trace.Tracer
}

func newCore(deps Deps) core {
	def := DefaultSettings()
	s := &deps.Settings
	if s.CodeLength <= 0 {
		s.CodeLength = def.CodeLength
	}
	if s.CodeTTL <= 0 {
		s.CodeTTL = def.CodeTTL
	}
	if s.CodeCooldown < 0 {
		s.CodeCooldown = 0
	}
	if s.CodeMaxAttempts <= 0 {
		s.CodeMaxAttempts = def.CodeMaxAttempts
	}
	if s.MaxSignatureImageBytes <= 0 {
		s.MaxSignatureImageBytes = def.MaxSignatureImageBytes
	}
	if s.NotifyConcurrency <= 0 {
		s.NotifyConcurrency = def.NotifyConcurrency
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return core{deps: deps, tracer: tracer}
}

func (c core) now() time.Time {
	if c.deps.Clock != nil {
		return c.deps.Clock().UTC()
	}
	return time.Now().UTC()
}

func (c core) log() *zap.Logger {
	return c.deps.Logger
}

func (c core) settings() Settings {
	return c.deps.Settings
}

func (c core) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records unexpected failures on the span. Expected domain outcomes
// are not span errors.
func endSpan(span trace.Span, err error) {
	if err != nil && !isDomainError(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isDomainError(err error) bool {
	for _, target := range []error{
		domain.ErrValidation, domain.ErrNotFound, domain.ErrInvalidState, domain.ErrOutOfTurn,
		domain.ErrExpired, domain.ErrCancelled, domain.ErrAlreadyActed, domain.ErrRateLimited,
		domain.ErrInvalidCode, domain.ErrAlreadyTerminal, domain.ErrIntegrity,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isDomainError(err):
		return "rejected"
	default:
		return "error"
	}
}

func (c core) observeAction(action domain.AuditAction, err error) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.SignerAction(action, resultLabel(err))
	}
}

func (c core) observeFinished(status domain.RequestStatus) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.RequestFinished(status)
	}
}

func (c core) entry(req *domain.SigningRequest, signerID string, action domain.AuditAction, description string, actor domain.Actor, now time.Time) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:               c.newID(),
		SigningRequestID: req.ID,
		SignerID:         signerID,
		Action:           action,
		Description:      description,
		ActorIP:          actor.IP,
		ActorAgent:       actor.UserAgent,
		CreatedAt:        now,
	}
}

func (c core) newID() string {
	if c.deps.IDs == nil {
		return ""
	}
	return c.deps.IDs.NewID()
}

// expireIfOverdue persists the derived expiry inside the current unit and
// returns the change that records it.
func (c core) expireIfOverdue(req *domain.SigningRequest, actor domain.Actor, now time.Time) (Change, bool) {
	if !req.MarkExpired(now) {
		return Change{}, false
	}
	return Change{
		Audit:   []domain.AuditLogEntry{c.entry(req, "", domain.AuditExpired, "signing deadline passed", actor, now)},
		Outcome: domain.ErrRequestExpired,
	}, true
}

func (c core) signingURL(token string) string {
	return c.settings().BaseURL + "/sign/" + token
}

func (c core) statusURL(uid string) string {
	return c.settings().BaseURL + "/status/" + uid
}

type message struct {
	address  string
	template string
	payload  map[string]any
}

// dispatch delivers messages after a commit. Delivery failures are logged and
// counted but never undo the committed transition.
func (c core) dispatch(ctx context.Context, msgs []message) {
	if c.deps.Notifier == nil || len(msgs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(c.settings().NotifyConcurrency)
	for _, m := range msgs {
		g.Go(func() error {
			err := c.deps.Notifier.Send(ctx, m.address, m.template, m.payload)
			if c.deps.Metrics != nil {
				c.deps.Metrics.NotificationSent(m.template, err)
			}
			if err != nil {
				c.log().Warn("notification failed",
					zap.String("template", m.template),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}
