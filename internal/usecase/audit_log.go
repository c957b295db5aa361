package usecase

import (
	"context"

	"countersign/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AuditLog reads the per-request ledger. Entries are only ever written by
// the mutating services, inside the same unit as the change they describe.
type AuditLog struct {
	core
}

type AuditTrail struct {
	RequestID  string
	Entries    []domain.AuditLogEntry
	ChainValid bool
	ChainError string
}

func (a *AuditLog) History(ctx context.Context, requestID string) (AuditTrail, error) {
	ctx, span := a.startSpan(ctx, "audit.History", attribute.String("signing_request.id", requestID))
	var err error
	defer func() { endSpan(span, err) }()

	if _, err = a.deps.Repo.Get(ctx, requestID); err != nil {
		return AuditTrail{}, err
	}
	entries, err := a.deps.Repo.ListAudit(ctx, requestID)
	if err != nil {
		return AuditTrail{}, err
	}
	trail := AuditTrail{RequestID: requestID, Entries: entries, ChainValid: true}
	if verr := domain.VerifyAuditChain(entries); verr != nil {
		trail.ChainValid = false
		trail.ChainError = verr.Error()
		a.log().Error("audit chain verification failed",
			zap.String("signing_request_id", requestID),
			zap.Error(verr),
		)
	}
	return trail, nil
}
