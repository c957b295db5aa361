package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"countersign/internal/domain"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Orchestrator owns the request-level lifecycle: creation, dispatch,
// cancellation, status reporting and the optional expiry sweep.
type Orchestrator struct {
	core
	tokens *TokenResolver
}

type SignerInput struct {
	Name  string
	Email string
	Role  string
	Order int
}

type CreateInput struct {
	DocumentRef    string
	DocumentName   string
	DocumentHash   string
	SignatureType  domain.SignatureType
	Sequential     bool
	Signers        []SignerInput
	ExpiresAt      *time.Time
	Message        string
	RequesterEmail string
	Actor          domain.Actor
}

type StoredDocument struct {
	Ref         string
	Hash        string
	ContentType string
	Size        int
}

type StatusSigner struct {
	Name     string
	Role     string
	Status   domain.SignerStatus
	SignedAt *time.Time
}

// StatusView is the public, token-free summary of a request.
type StatusView struct {
	UID             string
	DocumentName    string
	Status          domain.RequestStatus
	TotalSigners    int
	SignedCount     int
	ProgressPercent int
	Signers         []StatusSigner
}

func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (domain.SigningRequest, error) {
	ctx, span := o.startSpan(ctx, "orchestrator.Create")
	var err error
	defer func() { endSpan(span, err) }()

	now := o.now()
	req := domain.SigningRequest{
		ID:             o.newID(),
		DocumentRef:    in.DocumentRef,
		DocumentName:   strings.TrimSpace(in.DocumentName),
		DocumentHash:   in.DocumentHash,
		SignatureType:  in.SignatureType,
		Sequential:     in.Sequential,
		Status:         domain.RequestDraft,
		Message:        strings.TrimSpace(in.Message),
		RequesterEmail: in.RequesterEmail,
		ExpiresAt:      in.ExpiresAt,
		CreatedAt:      now,
	}
	if o.deps.IDs != nil {
		req.UID = o.deps.IDs.NewUID()
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		req.ExpiresAt = &exp
	}
	for _, s := range in.Signers {
		token, terr := NewAccessToken()
		if terr != nil {
			err = fmt.Errorf("generate access token: %w", terr)
			return domain.SigningRequest{}, err
		}
		req.Signers = append(req.Signers, domain.Signer{
			ID:               o.newID(),
			SigningRequestID: req.ID,
			Name:             s.Name,
			Email:            s.Email,
			Role:             s.Role,
			Order:            s.Order,
			AccessToken:      token,
			Status:           domain.SignerPending,
		})
	}
	if err = domain.PrepareNewRequest(&req, now); err != nil {
		return domain.SigningRequest{}, err
	}
	if req.DocumentName == "" {
		req.DocumentName = documentNameFromRef(req.DocumentRef)
	}
	if err = o.checkPolicy(ctx, req); err != nil {
		return domain.SigningRequest{}, err
	}
	if err = o.checkStoredDocument(ctx, req); err != nil {
		return domain.SigningRequest{}, err
	}
	req.SortSigners()

	created := o.entry(&req, "", domain.AuditCreated,
		fmt.Sprintf("%s request created with %d signer(s)", req.SignatureType, len(req.Signers)), in.Actor, now)
	if err = o.deps.Repo.Insert(ctx, req, []domain.AuditLogEntry{created}); err != nil {
		return domain.SigningRequest{}, err
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RequestCreated(req.SignatureType)
	}
	span.SetAttributes(attribute.String("signing_request.uid", req.UID))
	o.log().Info("signing request created",
		zap.String("signing_request_id", req.ID),
		zap.String("uid", req.UID),
		zap.String("signature_type", string(req.SignatureType)),
		zap.Int("signers", len(req.Signers)),
		zap.Bool("sequential", req.Sequential),
	)
	return req, nil
}

func (o *Orchestrator) checkPolicy(ctx context.Context, req domain.SigningRequest) error {
	if o.deps.Policy == nil {
		return nil
	}
	denials, err := o.deps.Policy.Evaluate(ctx, req)
	if err != nil {
		return fmt.Errorf("evaluate creation policy: %w", err)
	}
	if len(denials) == 0 {
		return nil
	}
	verr := &domain.ValidationError{}
	for _, d := range denials {
		verr.Add("policy", "%s", d)
	}
	return verr
}

// checkStoredDocument requires the referenced bytes to be in the store and
// to match the declared hash.
func (o *Orchestrator) checkStoredDocument(ctx context.Context, req domain.SigningRequest) error {
	if o.deps.Documents == nil {
		return nil
	}
	ok, err := o.deps.Documents.Exists(ctx, req.DocumentRef)
	if err != nil {
		return fmt.Errorf("check document: %w", err)
	}
	if !ok {
		verr := &domain.ValidationError{}
		verr.Add("document_ref", "not found in document store")
		return verr
	}
	data, err := o.deps.Documents.Get(ctx, req.DocumentRef)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if HashDocument(data) != req.DocumentHash {
		verr := &domain.ValidationError{}
		verr.Add("document_hash", "does not match the stored document")
		return verr
	}
	return nil
}

// UploadDocument stores new document bytes and returns the hash anchor
// to use when creating a request.
func (o *Orchestrator) UploadDocument(ctx context.Context, name string, data []byte) (StoredDocument, error) {
	ctx, span := o.startSpan(ctx, "orchestrator.UploadDocument")
	var err error
	defer func() { endSpan(span, err) }()

	if o.deps.Documents == nil {
		err = errors.New("document store not configured")
		return StoredDocument{}, err
	}
	if len(data) == 0 {
		verr := &domain.ValidationError{}
		verr.Add("document", "is empty")
		err = verr
		return StoredDocument{}, err
	}
	mt := mimetype.Detect(data)
	ref := "documents/" + o.newID() + mt.Extension()
	if err = o.deps.Documents.Put(ctx, ref, data); err != nil {
		return StoredDocument{}, err
	}
	o.log().Info("document stored",
		zap.String("document_ref", ref),
		zap.String("name", name),
		zap.String("content_type", mt.String()),
		zap.Int("size", len(data)),
	)
	return StoredDocument{Ref: ref, Hash: HashDocument(data), ContentType: mt.String(), Size: len(data)}, nil
}

func (o *Orchestrator) Send(ctx context.Context, requestID string, actor domain.Actor) (domain.SigningRequest, error) {
	ctx, span := o.startSpan(ctx, "orchestrator.Send", attribute.String("signing_request.id", requestID))
	var err error
	defer func() { endSpan(span, err) }()

	req, err := o.deps.Repo.Update(ctx, requestID, func(req *domain.SigningRequest) (Change, error) {
		now := o.now()
		if err := req.MarkSent(now); err != nil {
			return Change{}, err
		}
		return Change{Audit: []domain.AuditLogEntry{
			o.entry(req, "", domain.AuditSent, fmt.Sprintf("sent to %d signer(s)", len(req.Signers)), actor, now),
		}}, nil
	})
	if err != nil {
		return domain.SigningRequest{}, err
	}

	msgs := make([]message, 0, len(req.Signers))
	for _, s := range req.Signers {
		msgs = append(msgs, message{
			address:  s.Email,
			template: "signing_invitation",
			payload: map[string]any{
				"name":           s.Name,
				"document_name":  req.DocumentName,
				"message":        req.Message,
				"url":            o.signingURL(s.AccessToken),
				"signature_type": string(req.SignatureType),
				"sequential":     req.Sequential,
				"order":          s.Order,
				"expires_at":     req.ExpiresAt,
			},
		})
	}
	o.dispatch(ctx, msgs)
	o.log().Info("signing request sent",
		zap.String("signing_request_id", req.ID),
		zap.Int("signers", len(req.Signers)),
	)
	return req, nil
}

func (o *Orchestrator) Cancel(ctx context.Context, requestID, reason string, actor domain.Actor) (domain.SigningRequest, error) {
	ctx, span := o.startSpan(ctx, "orchestrator.Cancel", attribute.String("signing_request.id", requestID))
	var err error
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	req, err := o.deps.Repo.Update(ctx, requestID, func(req *domain.SigningRequest) (Change, error) {
		now := o.now()
		if ch, expired := o.expireIfOverdue(req, actor, now); expired {
			ch.Outcome = fmt.Errorf("%w: request is %s", domain.ErrAlreadyTerminal, domain.RequestExpired)
			return ch, nil
		}
		if err := req.MarkCancelled(now, reason); err != nil {
			return Change{}, err
		}
		desc := "request cancelled"
		if reason != "" {
			desc += ": " + reason
		}
		return Change{Audit: []domain.AuditLogEntry{o.entry(req, "", domain.AuditCancelled, desc, actor, now)}}, nil
	})
	if err != nil {
		return req, err
	}
	o.observeFinished(domain.RequestCancelled)
	o.dispatch(ctx, o.closingNotices(&req, "request_cancelled", map[string]any{"reason": reason}))
	o.log().Info("signing request cancelled", zap.String("signing_request_id", req.ID))
	return req, nil
}

// closingNotices addresses every signer and the requester about a final outcome.
func (o *Orchestrator) closingNotices(req *domain.SigningRequest, template string, extra map[string]any) []message {
	return closingNotices(o.core, req, template, extra)
}

func closingNotices(c core, req *domain.SigningRequest, template string, extra map[string]any) []message {
	base := map[string]any{
		"document_name": req.DocumentName,
		"uid":           req.UID,
		"status_url":    c.statusURL(req.UID),
	}
	for k, v := range extra {
		base[k] = v
	}
	msgs := make([]message, 0, len(req.Signers)+1)
	for _, s := range req.Signers {
		payload := make(map[string]any, len(base)+1)
		for k, v := range base {
			payload[k] = v
		}
		payload["name"] = s.Name
		msgs = append(msgs, message{address: s.Email, template: template, payload: payload})
	}
	if req.RequesterEmail != "" {
		msgs = append(msgs, message{address: req.RequesterEmail, template: template, payload: base})
	}
	return msgs
}

func (o *Orchestrator) Get(ctx context.Context, requestID string) (domain.SigningRequest, error) {
	return o.deps.Repo.Get(ctx, requestID)
}

// EffectiveStatus reports the request's status on the engine clock, so an
// overdue request reads as expired before anything persists it.
func (o *Orchestrator) EffectiveStatus(req domain.SigningRequest) domain.RequestStatus {
	return req.EffectiveStatus(o.now())
}

var errDeleteInFlight = fmt.Errorf("%w: cancel the request before deleting it", domain.ErrInvalidState)

// Delete destroys a draft or finished request together with its signers and
// audit trail. Requests that can still be signed must be cancelled first.
func (o *Orchestrator) Delete(ctx context.Context, requestID string, actor domain.Actor) error {
	ctx, span := o.startSpan(ctx, "orchestrator.Delete", attribute.String("signing_request.id", requestID))
	var err error
	defer func() { endSpan(span, err) }()

	var deleted domain.SigningRequest
	err = o.deps.Repo.Delete(ctx, requestID, func(req domain.SigningRequest) error {
		status := req.EffectiveStatus(o.now())
		if status != domain.RequestDraft && !status.Terminal() {
			return errDeleteInFlight
		}
		deleted = req
		return nil
	})
	if err != nil {
		return err
	}
	o.log().Info("signing request deleted",
		zap.String("signing_request_id", deleted.ID),
		zap.String("uid", deleted.UID),
		zap.String("status", string(deleted.Status)),
		zap.String("actor_ip", actor.IP),
	)
	return nil
}

func (o *Orchestrator) Status(ctx context.Context, uid string) (StatusView, error) {
	ctx, span := o.startSpan(ctx, "orchestrator.Status")
	var err error
	defer func() { endSpan(span, err) }()

	req, err := o.deps.Repo.GetByUID(ctx, strings.TrimSpace(uid))
	if err != nil {
		return StatusView{}, err
	}
	now := o.now()
	view := StatusView{
		UID:             req.UID,
		DocumentName:    req.DocumentName,
		Status:          req.EffectiveStatus(now),
		TotalSigners:    req.TotalSigners(),
		SignedCount:     req.SignedCount(),
		ProgressPercent: req.ProgressPercent(),
		Signers:         make([]StatusSigner, 0, len(req.Signers)),
	}
	for _, s := range req.Signers {
		view.Signers = append(view.Signers, StatusSigner{
			Name:     s.Name,
			Role:     s.Role,
			Status:   s.Status,
			SignedAt: s.SignedAt,
		})
	}
	return view, nil
}

// ExpireOverdue persists the expired status for up to limit overdue requests.
// Correctness never depends on it; signer actions derive expiry on their own.
func (o *Orchestrator) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	ctx, span := o.startSpan(ctx, "orchestrator.ExpireOverdue")
	var err error
	defer func() { endSpan(span, err) }()

	ids, err := o.deps.Repo.ListOverdue(ctx, o.now(), limit)
	if err != nil {
		return 0, err
	}
	sweeper := domain.Actor{UserAgent: "expiry-sweep"}
	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			err = ctx.Err()
			return expired, err
		}
		_, uerr := o.deps.Repo.Update(ctx, id, func(req *domain.SigningRequest) (Change, error) {
			ch, _ := o.expireIfOverdue(req, sweeper, o.now())
			return ch, nil
		})
		switch {
		case uerr == nil:
			// Nothing to do: already terminal or deadline moved.
		case errors.Is(uerr, domain.ErrExpired):
			expired++
			o.observeFinished(domain.RequestExpired)
		default:
			o.log().Warn("expire request failed", zap.String("signing_request_id", id), zap.Error(uerr))
		}
	}
	if expired > 0 {
		o.log().Info("expired overdue signing requests", zap.Int("count", expired))
	}
	return expired, nil
}

func documentNameFromRef(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
