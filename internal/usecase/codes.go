package usecase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"countersign/internal/domain"

	"go.uber.org/zap"
)

// CodeIssuer hands out and checks the one-time codes that back electronic
// signatures.
type CodeIssuer struct {
	core
	tokens *TokenResolver
}

type CodeIssued struct {
	SentTo    string
	ExpiresAt time.Time
}

var (
	errCodesNotUsed      = fmt.Errorf("%w: verification codes are only used for electronic signatures", domain.ErrInvalidState)
	errNoCodeOutstanding = fmt.Errorf("%w: no verification code outstanding, request a new one", domain.ErrInvalidCode)
	errCodeRequired      = fmt.Errorf("%w: a verified code is required for electronic signatures", domain.ErrInvalidCode)
)

func (ci *CodeIssuer) IssueCode(ctx context.Context, token string, actor domain.Actor) (CodeIssued, error) {
	ctx, span := ci.startSpan(ctx, "codes.IssueCode")
	var err error
	defer func() { endSpan(span, err) }()

	settings := ci.settings()
	var code string
	var issued CodeIssued
	req, signer, err := ci.tokens.withSigner(ctx, token, func(req *domain.SigningRequest, signer *domain.Signer) (Change, error) {
		now := ci.now()
		if ch, expired := ci.expireIfOverdue(req, actor, now); expired {
			return ch, nil
		}
		if !req.SignatureType.RequiresCode() {
			return Change{}, errCodesNotUsed
		}
		if err := req.SignEligibility(signer.ID, now); err != nil {
			return Change{}, err
		}
		if wait := signer.CodeCooldown(now, settings.CodeCooldown); wait > 0 {
			return Change{}, &domain.RateLimitError{RetryAfter: wait}
		}
		c, err := generateCode(settings.CodeLength)
		if err != nil {
			return Change{}, fmt.Errorf("generate code: %w", err)
		}
		expires := now.Add(settings.CodeTTL)
		signer.InvalidateCode()
		signer.CodeDigest = codeDigest(signer.ID, c)
		signer.CodeIssuedAt = &now
		signer.CodeExpiresAt = &expires
		code = c
		issued = CodeIssued{SentTo: maskEmail(signer.Email), ExpiresAt: expires}
		return Change{Audit: []domain.AuditLogEntry{
			ci.entry(req, signer.ID, domain.AuditCodeRequested, "verification code sent to "+issued.SentTo, actor, now),
		}}, nil
	})
	ci.observeAction(domain.AuditCodeRequested, err)
	if err != nil {
		return CodeIssued{}, err
	}

	if ci.deps.Notifier != nil {
		serr := ci.deps.Notifier.Send(ctx, signer.Email, "verification_code", map[string]any{
			"name":          signer.Name,
			"document_name": req.DocumentName,
			"code":          code,
			"expires_at":    issued.ExpiresAt,
			"ttl_minutes":   int(settings.CodeTTL / time.Minute),
		})
		if ci.deps.Metrics != nil {
			ci.deps.Metrics.NotificationSent("verification_code", serr)
		}
		if serr != nil {
			ci.withdrawUndelivered(ctx, token, codeDigest(signer.ID, code), actor)
			err = fmt.Errorf("deliver verification code: %w", serr)
			return CodeIssued{}, err
		}
	}
	ci.log().Info("verification code issued",
		zap.String("signing_request_id", req.ID),
		zap.String("signer_id", signer.ID),
	)
	return issued, nil
}

// withdrawUndelivered clears a code that never reached the signer so the
// reissue cooldown does not apply to it. A newer code is left alone.
func (ci *CodeIssuer) withdrawUndelivered(ctx context.Context, token, digest string, actor domain.Actor) {
	_, _, err := ci.tokens.withSigner(context.WithoutCancel(ctx), token, func(req *domain.SigningRequest, signer *domain.Signer) (Change, error) {
		if signer.CodeDigest != digest {
			return Change{}, nil
		}
		now := ci.now()
		signer.ClearCode()
		return Change{Audit: []domain.AuditLogEntry{
			ci.entry(req, signer.ID, domain.AuditCodeFailed, "verification code could not be delivered", actor, now),
		}}, nil
	})
	if err != nil {
		ci.log().Warn("withdraw undelivered code failed", zap.Error(err))
	}
}

// VerifyCode checks a submitted code. A success is remembered on the signer
// and consumed by the next Sign.
func (ci *CodeIssuer) VerifyCode(ctx context.Context, token, submitted string, actor domain.Actor) error {
	ctx, span := ci.startSpan(ctx, "codes.VerifyCode")
	var err error
	defer func() { endSpan(span, err) }()

	_, _, err = ci.tokens.withSigner(ctx, token, func(req *domain.SigningRequest, signer *domain.Signer) (Change, error) {
		now := ci.now()
		if ch, expired := ci.expireIfOverdue(req, actor, now); expired {
			return ch, nil
		}
		if !req.SignatureType.RequiresCode() {
			return Change{}, errCodesNotUsed
		}
		if err := req.SignEligibility(signer.ID, now); err != nil {
			return Change{}, err
		}
		audit, verr := checkCode(ci.core, req, signer, submitted, actor, now)
		return Change{Audit: audit, Outcome: verr}, nil
	})
	ci.observeAction(domain.AuditCodeVerified, err)
	return err
}

// checkCode compares the submitted code with the stored digest and updates the
// attempt bookkeeping. The returned entries must be committed even on failure.
func checkCode(c core, req *domain.SigningRequest, signer *domain.Signer, submitted string, actor domain.Actor, now time.Time) ([]domain.AuditLogEntry, error) {
	settings := c.settings()
	if signer.CodeDigest == "" || signer.CodeExpiresAt == nil {
		return nil, errNoCodeOutstanding
	}
	if now.After(*signer.CodeExpiresAt) {
		signer.InvalidateCode()
		return []domain.AuditLogEntry{
			c.entry(req, signer.ID, domain.AuditCodeFailed, "verification code expired", actor, now),
		}, fmt.Errorf("%w: verification code expired, request a new one", domain.ErrExpired)
	}
	candidate := codeDigest(signer.ID, strings.TrimSpace(submitted))
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(signer.CodeDigest)) == 1 {
		signer.CodeVerifiedAt = &now
		return []domain.AuditLogEntry{
			c.entry(req, signer.ID, domain.AuditCodeVerified, "verification code accepted", actor, now),
		}, nil
	}
	signer.CodeAttempts++
	left := settings.CodeMaxAttempts - signer.CodeAttempts
	if left <= 0 {
		signer.InvalidateCode()
		return []domain.AuditLogEntry{
			c.entry(req, signer.ID, domain.AuditCodeFailed,
				fmt.Sprintf("verification code invalidated after %d failed attempts", settings.CodeMaxAttempts), actor, now),
		}, fmt.Errorf("%w: too many failed attempts, request a new code", domain.ErrInvalidCode)
	}
	return []domain.AuditLogEntry{
		c.entry(req, signer.ID, domain.AuditCodeFailed, fmt.Sprintf("incorrect verification code, %d attempt(s) left", left), actor, now),
	}, fmt.Errorf("%w: incorrect verification code, %d attempt(s) left", domain.ErrInvalidCode, left)
}

func generateCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// codeDigest binds a code to its signer so equal codes never share a digest.
func codeDigest(signerID, code string) string {
	sum := sha256.Sum256([]byte(signerID + ":" + code))
	return hex.EncodeToString(sum[:])
}

func maskEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + strings.Repeat("*", max(at-1, 2)) + addr[at:]
}
