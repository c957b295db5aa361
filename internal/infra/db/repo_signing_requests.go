package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"countersign/internal/domain"
	"countersign/internal/usecase"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SigningRequestRepository stores aggregates in postgres. Update takes a row
// lock on the request, so every read-check-write-audit cycle for one request
// is serialized across processes.
type SigningRequestRepository struct {
	db *gorm.DB
}

var _ usecase.SigningRepository = (*SigningRequestRepository)(nil)

func NewSigningRequestRepository(db *gorm.DB) *SigningRequestRepository {
	return &SigningRequestRepository{db: db}
}

func (r *SigningRequestRepository) Insert(ctx context.Context, req domain.SigningRequest, audit []domain.AuditLogEntry) error {
	if r.db == nil {
		return errDBUnavailable
	}
	chained, err := domain.ChainAuditEntries(0, "", audit)
	if err != nil {
		return err
	}
	req.Version = 1
	model := requestModelFromDomain(req)
	if n := len(chained); n > 0 {
		model.AuditSeq = chained[n-1].Seq
		model.AuditHead = chained[n-1].EntryHash
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if len(req.Signers) > 0 {
			signers := make([]SignerModel, 0, len(req.Signers))
			for i, s := range req.Signers {
				signers = append(signers, signerModelFromDomain(s, req.ID, i))
			}
			if err := tx.Create(&signers).Error; err != nil {
				return err
			}
		}
		return insertAudit(tx, chained)
	})
	return translate(err, req.ID)
}

func (r *SigningRequestRepository) Update(ctx context.Context, requestID string, fn usecase.MutateFunc) (domain.SigningRequest, error) {
	if r.db == nil {
		return domain.SigningRequest{}, errDBUnavailable
	}
	var (
		out     domain.SigningRequest
		outcome error
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model SigningRequestModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", requestID).
			Take(&model).Error; err != nil {
			return err
		}
		current, err := loadAggregate(tx, model)
		if err != nil {
			return err
		}
		working := current.Clone()
		change, err := fn(&working)
		if err != nil {
			return err
		}
		outcome = change.Outcome
		if len(change.Audit) == 0 {
			out = current
			return nil
		}

		chained, err := domain.ChainAuditEntries(model.AuditSeq, model.AuditHead, change.Audit)
		if err != nil {
			return err
		}
		working.ID = model.ID
		working.Version = model.Version + 1
		next := requestModelFromDomain(working)
		next.AuditSeq = chained[len(chained)-1].Seq
		next.AuditHead = chained[len(chained)-1].EntryHash

		res := tx.Model(&SigningRequestModel{}).
			Where("id = ? AND version = ?", model.ID, model.Version).
			Select("*").
			Updates(&next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: signing request %s changed concurrently", domain.ErrConflict, model.ID)
		}
		for i, s := range working.Signers {
			sm := signerModelFromDomain(s, model.ID, i)
			if err := tx.Save(&sm).Error; err != nil {
				return err
			}
		}
		if err := insertAudit(tx, chained); err != nil {
			return err
		}
		out = working
		return nil
	})
	if err != nil {
		return domain.SigningRequest{}, translate(err, requestID)
	}
	return out, outcome
}

// Delete removes the request row under the same lock Update takes. Signers
// and audit entries go with it through ON DELETE CASCADE.
func (r *SigningRequestRepository) Delete(ctx context.Context, requestID string, check func(domain.SigningRequest) error) error {
	if r.db == nil {
		return errDBUnavailable
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model SigningRequestModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", requestID).
			Take(&model).Error; err != nil {
			return err
		}
		if check != nil {
			current, err := loadAggregate(tx, model)
			if err != nil {
				return err
			}
			if err := check(current); err != nil {
				return err
			}
		}
		return tx.Where("id = ?", model.ID).Delete(&SigningRequestModel{}).Error
	})
	return translate(err, requestID)
}

func (r *SigningRequestRepository) Get(ctx context.Context, requestID string) (domain.SigningRequest, error) {
	if r.db == nil {
		return domain.SigningRequest{}, errDBUnavailable
	}
	var model SigningRequestModel
	if err := r.db.WithContext(ctx).Where("id = ?", requestID).Take(&model).Error; err != nil {
		return domain.SigningRequest{}, translate(err, requestID)
	}
	return loadAggregate(r.db.WithContext(ctx), model)
}

func (r *SigningRequestRepository) GetByUID(ctx context.Context, uid string) (domain.SigningRequest, error) {
	if r.db == nil {
		return domain.SigningRequest{}, errDBUnavailable
	}
	var model SigningRequestModel
	if err := r.db.WithContext(ctx).Where("uid = ?", uid).Take(&model).Error; err != nil {
		return domain.SigningRequest{}, translate(err, uid)
	}
	return loadAggregate(r.db.WithContext(ctx), model)
}

func (r *SigningRequestRepository) LocateToken(ctx context.Context, tokenDigest string) (usecase.SignerLocator, error) {
	if r.db == nil {
		return usecase.SignerLocator{}, errDBUnavailable
	}
	var sm SignerModel
	if err := r.db.WithContext(ctx).
		Select("id", "signing_request_id", "access_token").
		Where("access_token_digest = ?", tokenDigest).
		Take(&sm).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return usecase.SignerLocator{}, domain.ErrNotFound
		}
		return usecase.SignerLocator{}, err
	}
	return usecase.SignerLocator{
		RequestID:   sm.SigningRequestID,
		SignerID:    sm.ID,
		AccessToken: sm.AccessToken,
	}, nil
}

func (r *SigningRequestRepository) ListAudit(ctx context.Context, requestID string) ([]domain.AuditLogEntry, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []AuditLogEntryModel
	if err := r.db.WithContext(ctx).
		Where("signing_request_id = ?", requestID).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditLogEntry, 0, len(models))
	for _, m := range models {
		out = append(out, auditEntryFromModel(m))
	}
	return out, nil
}

func (r *SigningRequestRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	q := r.db.WithContext(ctx).
		Model(&SigningRequestModel{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", string(domain.RequestSent), now.UTC()).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func loadAggregate(tx *gorm.DB, model SigningRequestModel) (domain.SigningRequest, error) {
	var signers []SignerModel
	if err := tx.Where("signing_request_id = ?", model.ID).
		Order("position ASC").
		Find(&signers).Error; err != nil {
		return domain.SigningRequest{}, err
	}
	req := requestFromModel(model)
	req.Signers = make([]domain.Signer, 0, len(signers))
	for _, s := range signers {
		req.Signers = append(req.Signers, signerFromModel(s))
	}
	return req, nil
}

func insertAudit(tx *gorm.DB, entries []domain.AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	models := make([]AuditLogEntryModel, 0, len(entries))
	for _, e := range entries {
		m, err := auditModelFromDomain(e)
		if err != nil {
			return err
		}
		models = append(models, m)
	}
	return tx.Create(&models).Error
}

func translate(err error, ref string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: signing request %s", domain.ErrNotFound, ref)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: signing request %s: %v", domain.ErrConflict, ref, err)
	default:
		return err
	}
}
