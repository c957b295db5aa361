package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"countersign/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SignerActions drives one signer through view, sign and reject. Every
// action runs its eligibility check, transition, completion check and audit
// append inside a single repository Update.
type SignerActions struct {
	core
	tokens *TokenResolver
}

type SignResult struct {
	RequestStatus domain.RequestStatus
	Completed     bool
	SignedCount   int
	TotalSigners  int
	Redirect      string
}

var errStateChanged = fmt.Errorf("%w: request changed while the signature was prepared, please retry", domain.ErrConflict)

// RecordView marks the first view of a signable request and returns the
// signer's view. Views of requests that can no longer be signed are not recorded.
func (a *SignerActions) RecordView(ctx context.Context, token string, actor domain.Actor) (SignerView, error) {
	ctx, span := a.startSpan(ctx, "signer.RecordView")
	var err error
	defer func() { endSpan(span, err) }()

	var view SignerView
	_, _, err = a.tokens.withSigner(ctx, token, func(req *domain.SigningRequest, signer *domain.Signer) (Change, error) {
		now := a.now()
		if ch, expired := a.expireIfOverdue(req, actor, now); expired {
			view = newSignerView(req, signer, now)
			ch.Outcome = nil
			return ch, nil
		}
		var ch Change
		if req.CanBeSigned(now) && signer.MarkViewed(now) {
			ch.Audit = append(ch.Audit, a.entry(req, signer.ID, domain.AuditViewed, "document viewed", actor, now))
		}
		view = newSignerView(req, signer, now)
		return ch, nil
	})
	if err != nil {
		return SignerView{}, err
	}
	return view, nil
}

// CanSign re-evaluates eligibility server side. The error explains a false result.
func (a *SignerActions) CanSign(ctx context.Context, token string) (bool, error) {
	loc, err := a.tokens.locate(ctx, token)
	if err != nil {
		return false, err
	}
	req, err := a.deps.Repo.Get(ctx, loc.RequestID)
	if err != nil {
		return false, err
	}
	reason := req.SignEligibility(loc.SignerID, a.now())
	return reason == nil, reason
}

func (a *SignerActions) Sign(ctx context.Context, token string, proof domain.SignatureProof, actor domain.Actor) (SignResult, error) {
	ctx, span := a.startSpan(ctx, "signer.Sign")
	var err error
	defer func() { endSpan(span, err) }()

	loc, err := a.tokens.locate(ctx, token)
	if err != nil {
		return SignResult{}, err
	}
	snapshot, err := a.deps.Repo.Get(ctx, loc.RequestID)
	if err != nil {
		return SignResult{}, err
	}
	span.SetAttributes(
		attribute.String("signing_request.id", snapshot.ID),
		attribute.String("signature_type", string(snapshot.SignatureType)),
	)

	// Proof handling may call out to storage and trust services, so it runs
	// before the lock and only when the snapshot says the signer may sign.
	var rec domain.SignatureRecord
	prepared := false
	if snapshot.CanSign(loc.SignerID, a.now()) {
		if err = codePrecondition(&snapshot, loc.SignerID, proof); err != nil {
			a.observeAction(domain.AuditSigned, err)
			return SignResult{}, err
		}
		rec, err = a.prepareProof(ctx, &snapshot, loc.SignerID, proof)
		if err != nil {
			a.observeAction(domain.AuditSigned, err)
			return SignResult{}, err
		}
		prepared = true
	}

	var completed bool
	var signedOrder int
	req, err := a.deps.Repo.Update(ctx, loc.RequestID, func(req *domain.SigningRequest) (Change, error) {
		completed = false
		now := a.now()
		if ch, expired := a.expireIfOverdue(req, actor, now); expired {
			return ch, nil
		}
		signer, ok := req.Signer(loc.SignerID)
		if !ok {
			return Change{}, errTokenNotFound
		}
		if err := req.SignEligibility(signer.ID, now); err != nil {
			return Change{}, err
		}
		if !prepared {
			return Change{}, errStateChanged
		}
		var audit []domain.AuditLogEntry
		if req.SignatureType.RequiresCode() {
			if strings.TrimSpace(proof.VerificationCode) != "" {
				entries, verr := checkCode(a.core, req, signer, proof.VerificationCode, actor, now)
				audit = append(audit, entries...)
				if verr != nil {
					return Change{Audit: audit, Outcome: verr}, nil
				}
			} else if signer.CodeVerifiedAt == nil {
				return Change{}, errCodeRequired
			}
		}
		done, err := req.ApplySignature(signer.ID, rec, now)
		if err != nil {
			return Change{}, err
		}
		signedOrder = signer.Order
		audit = append(audit, a.entry(req, signer.ID, domain.AuditSigned, signedDescription(req, signer), actor, now))
		if done {
			completed = true
			audit = append(audit, a.entry(req, "", domain.AuditCompleted,
				fmt.Sprintf("all %d signer(s) signed", len(req.Signers)), actor, now))
		}
		return Change{Audit: audit}, nil
	})
	a.observeAction(domain.AuditSigned, err)
	if err != nil {
		if prepared {
			a.discardSignatureImage(ctx, rec)
		}
		return SignResult{}, err
	}

	result := SignResult{
		RequestStatus: req.Status,
		Completed:     completed,
		SignedCount:   req.SignedCount(),
		TotalSigners:  req.TotalSigners(),
		Redirect:      a.signingURL(token),
	}
	a.log().Info("signature recorded",
		zap.String("signing_request_id", req.ID),
		zap.String("signer_id", loc.SignerID),
		zap.Int("signed", result.SignedCount),
		zap.Int("total", result.TotalSigners),
	)
	if completed {
		a.observeFinished(domain.RequestCompleted)
		a.log().Info("signing request completed", zap.String("signing_request_id", req.ID))
		a.dispatch(ctx, closingNotices(a.core, &req, "request_completed", nil))
		return result, nil
	}
	if req.Sequential {
		a.dispatch(ctx, a.turnNotices(&req, signedOrder))
	}
	return result, nil
}

// turnNotices tells signers whose turn has just come.
func (a *SignerActions) turnNotices(req *domain.SigningRequest, after int) []message {
	var msgs []message
	for _, s := range req.NextInTurn(a.now()) {
		if s.Order <= after {
			continue
		}
		msgs = append(msgs, message{
			address:  s.Email,
			template: "signing_turn",
			payload: map[string]any{
				"name":          s.Name,
				"document_name": req.DocumentName,
				"url":           a.signingURL(s.AccessToken),
				"signed_count":  req.SignedCount(),
				"total_signers": req.TotalSigners(),
			},
		})
	}
	return msgs
}

func signedDescription(req *domain.SigningRequest, signer *domain.Signer) string {
	desc := fmt.Sprintf("signed (%s)", req.SignatureType)
	if signer.CertificateRef != "" {
		desc += " certificate " + signer.CertificateRef
	}
	if signer.CertificateFingerprint != "" {
		desc += " sha256:" + signer.CertificateFingerprint
	}
	return desc
}

func (a *SignerActions) Reject(ctx context.Context, token, reason string, actor domain.Actor) (domain.SigningRequest, error) {
	ctx, span := a.startSpan(ctx, "signer.Reject")
	var err error
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		verr := &domain.ValidationError{}
		verr.Add("reason", "is required")
		err = verr
		return domain.SigningRequest{}, err
	}
	var rejectedBy string
	req, _, err := a.tokens.withSigner(ctx, token, func(req *domain.SigningRequest, signer *domain.Signer) (Change, error) {
		now := a.now()
		if ch, expired := a.expireIfOverdue(req, actor, now); expired {
			return ch, nil
		}
		if err := req.ApplyRejection(signer.ID, reason, now); err != nil {
			return Change{}, err
		}
		rejectedBy = signer.Name
		return Change{Audit: []domain.AuditLogEntry{
			a.entry(req, signer.ID, domain.AuditRejected, "rejected: "+reason, actor, now),
		}}, nil
	})
	a.observeAction(domain.AuditRejected, err)
	if err != nil {
		return domain.SigningRequest{}, err
	}
	a.observeFinished(domain.RequestRejected)
	a.log().Info("signing request rejected", zap.String("signing_request_id", req.ID))
	a.dispatch(ctx, closingNotices(a.core, &req, "request_rejected", map[string]any{
		"rejected_by": rejectedBy,
		"reason":      reason,
	}))
	return req, nil
}

type DocumentDownload struct {
	Name        string
	ContentType string
	Hash        string
	Data        []byte
}

// Download returns the original document after checking it against the hash
// recorded at creation.
func (a *SignerActions) Download(ctx context.Context, token string, actor domain.Actor) (DocumentDownload, error) {
	ctx, span := a.startSpan(ctx, "signer.Download")
	var err error
	defer func() { endSpan(span, err) }()

	if a.deps.Documents == nil {
		err = errors.New("document store not configured")
		return DocumentDownload{}, err
	}
	loc, err := a.tokens.locate(ctx, token)
	if err != nil {
		return DocumentDownload{}, err
	}
	snapshot, err := a.deps.Repo.Get(ctx, loc.RequestID)
	if err != nil {
		return DocumentDownload{}, err
	}
	if snapshot.Status == domain.RequestDraft {
		err = domain.ErrNotSent
		return DocumentDownload{}, err
	}
	data, err := a.verifiedDocument(ctx, &snapshot)
	if err != nil {
		return DocumentDownload{}, err
	}
	_, err = a.deps.Repo.Update(ctx, loc.RequestID, func(req *domain.SigningRequest) (Change, error) {
		return Change{Audit: []domain.AuditLogEntry{
			a.entry(req, loc.SignerID, domain.AuditDownloaded, "document downloaded", actor, a.now()),
		}}, nil
	})
	if err != nil {
		return DocumentDownload{}, err
	}
	return DocumentDownload{
		Name:        snapshot.DocumentName,
		ContentType: detectContentType(data),
		Hash:        snapshot.DocumentHash,
		Data:        data,
	}, nil
}
