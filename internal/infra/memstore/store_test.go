package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"countersign/internal/domain"
	"countersign/internal/usecase"

	"github.com/stretchr/testify/require"
)

func seedRequest(t *testing.T, s *Store) domain.SigningRequest {
	t.Helper()
	tok, err := usecase.NewAccessToken()
	require.NoError(t, err)
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	req := domain.SigningRequest{
		ID:            "req-1",
		UID:           "SR-1",
		DocumentRef:   "documents/a.pdf",
		DocumentHash:  usecase.HashDocument([]byte("a")),
		SignatureType: domain.SignatureSimple,
		Status:        domain.RequestSent,
		CreatedAt:     now,
		Signers: []domain.Signer{{
			ID: "s-1", SigningRequestID: "req-1", Name: "A", Email: "a@example.com",
			Order: 1, AccessToken: tok, Status: domain.SignerPending,
		}},
	}
	created := domain.AuditLogEntry{ID: "a-1", SigningRequestID: req.ID, Action: domain.AuditCreated, CreatedAt: now}
	require.NoError(t, s.Insert(context.Background(), req, []domain.AuditLogEntry{created}))
	return req
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := seedRequest(t, s)
	boom := errors.New("boom")

	_, err := s.Update(ctx, req.ID, func(r *domain.SigningRequest) (usecase.Change, error) {
		r.Signers[0].Status = domain.SignerSigned
		r.Status = domain.RequestCompleted
		return usecase.Change{}, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestSent, got.Status)
	require.Equal(t, domain.SignerPending, got.Signers[0].Status)
	require.Equal(t, int64(1), got.Version)
}

func TestUpdateCommitsOutcomeWithAudit(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := seedRequest(t, s)
	outcome := errors.New("wrong code")

	got, err := s.Update(ctx, req.ID, func(r *domain.SigningRequest) (usecase.Change, error) {
		r.Signers[0].CodeAttempts++
		return usecase.Change{
			Audit:   []domain.AuditLogEntry{{ID: "a-2", SigningRequestID: r.ID, Action: domain.AuditCodeFailed, CreatedAt: time.Now()}},
			Outcome: outcome,
		}, nil
	})
	require.ErrorIs(t, err, outcome)
	require.Equal(t, 1, got.Signers[0].CodeAttempts)
	require.Equal(t, int64(2), got.Version)

	audit, err := s.ListAudit(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	require.Equal(t, int64(1), audit[0].Seq)
	require.Equal(t, int64(2), audit[1].Seq)
	require.Equal(t, audit[0].EntryHash, audit[1].PrevHash)
	require.NoError(t, domain.VerifyAuditChain(audit))
}

func TestUpdateWithoutAuditIsNotWritten(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := seedRequest(t, s)

	_, err := s.Update(ctx, req.ID, func(r *domain.SigningRequest) (usecase.Change, error) {
		r.Message = "ignored"
		return usecase.Change{}, nil
	})
	require.NoError(t, err)
	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Empty(t, got.Message)
}

func TestLocateTokenAndConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := seedRequest(t, s)

	loc, err := s.LocateToken(ctx, usecase.TokenDigest(req.Signers[0].AccessToken))
	require.NoError(t, err)
	require.Equal(t, req.ID, loc.RequestID)
	require.Equal(t, "s-1", loc.SignerID)

	_, err = s.LocateToken(ctx, usecase.TokenDigest("nope"))
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = s.Insert(ctx, req, nil)
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.GetByUID(ctx, "SR-1")
	require.NoError(t, err)
	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListOverdue(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{3 * time.Hour, time.Hour, 10 * time.Hour} {
		exp := base.Add(offset)
		tok, err := usecase.NewAccessToken()
		require.NoError(t, err)
		req := domain.SigningRequest{
			ID:        string(rune('a' + i)),
			Status:    domain.RequestSent,
			ExpiresAt: &exp,
			Signers:   []domain.Signer{{ID: "s", AccessToken: tok}},
		}
		require.NoError(t, s.Insert(ctx, req, nil))
	}

	ids, err := s.ListOverdue(ctx, base.Add(5*time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, ids)

	ids, err = s.ListOverdue(ctx, base.Add(5*time.Hour), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ids)
}

func TestDeleteRemovesWholeAggregate(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := seedRequest(t, s)
	refused := errors.New("still signable")

	err := s.Delete(ctx, req.ID, func(domain.SigningRequest) error { return refused })
	require.ErrorIs(t, err, refused)
	_, err = s.Get(ctx, req.ID)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, req.ID, nil))
	_, err = s.Get(ctx, req.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetByUID(ctx, req.UID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.ListAudit(ctx, req.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.LocateToken(ctx, usecase.TokenDigest(req.Signers[0].AccessToken))
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Update(ctx, req.ID, func(*domain.SigningRequest) (usecase.Change, error) { return usecase.Change{}, nil })
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, req.ID, nil), domain.ErrNotFound)
}
