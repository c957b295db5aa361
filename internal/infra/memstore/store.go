// Package memstore keeps signing requests in process memory. It backs tests
// and single-instance deployments without postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"countersign/internal/domain"
	"countersign/internal/usecase"
)

type slot struct {
	mu      sync.Mutex
	req     domain.SigningRequest
	audit   []domain.AuditLogEntry
	deleted bool
}

type Store struct {
	mu     sync.RWMutex
	byID   map[string]*slot
	byUID  map[string]string
	tokens map[string]usecase.SignerLocator
}

var _ usecase.SigningRepository = (*Store)(nil)

func New() *Store {
	return &Store{
		byID:   make(map[string]*slot),
		byUID:  make(map[string]string),
		tokens: make(map[string]usecase.SignerLocator),
	}
}

func (s *Store) Insert(_ context.Context, req domain.SigningRequest, audit []domain.AuditLogEntry) error {
	if req.ID == "" {
		return fmt.Errorf("%w: id is required", domain.ErrValidation)
	}
	chained, err := domain.ChainAuditEntries(0, "", audit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[req.ID]; exists {
		return fmt.Errorf("%w: signing request %s exists", domain.ErrConflict, req.ID)
	}
	if req.UID != "" {
		if _, exists := s.byUID[req.UID]; exists {
			return fmt.Errorf("%w: uid %s exists", domain.ErrConflict, req.UID)
		}
	}
	digests := make([]string, 0, len(req.Signers))
	for _, signer := range req.Signers {
		digest := usecase.TokenDigest(signer.AccessToken)
		if _, exists := s.tokens[digest]; exists {
			return fmt.Errorf("%w: access token collision", domain.ErrConflict)
		}
		digests = append(digests, digest)
	}
	for i, signer := range req.Signers {
		s.tokens[digests[i]] = usecase.SignerLocator{
			RequestID:   req.ID,
			SignerID:    signer.ID,
			AccessToken: signer.AccessToken,
		}
	}
	req.Version = 1
	s.byID[req.ID] = &slot{req: req.Clone(), audit: chained}
	if req.UID != "" {
		s.byUID[req.UID] = req.ID
	}
	return nil
}

func (s *Store) slot(id string) (*slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: signing request %s", domain.ErrNotFound, id)
	}
	return sl, nil
}

// Update holds the request's mutex for the whole cycle and commits a copy,
// so a failing fn leaves the stored aggregate untouched.
func (s *Store) Update(ctx context.Context, requestID string, fn usecase.MutateFunc) (domain.SigningRequest, error) {
	sl, err := s.slot(requestID)
	if err != nil {
		return domain.SigningRequest{}, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return domain.SigningRequest{}, err
	}
	if sl.deleted {
		return domain.SigningRequest{}, fmt.Errorf("%w: signing request %s", domain.ErrNotFound, requestID)
	}

	working := sl.req.Clone()
	change, err := fn(&working)
	if err != nil {
		return domain.SigningRequest{}, err
	}
	if len(change.Audit) == 0 {
		return sl.req.Clone(), change.Outcome
	}
	var lastSeq int64
	lastHash := domain.ZeroAuditHash
	if n := len(sl.audit); n > 0 {
		lastSeq = sl.audit[n-1].Seq
		lastHash = sl.audit[n-1].EntryHash
	}
	chained, err := domain.ChainAuditEntries(lastSeq, lastHash, change.Audit)
	if err != nil {
		return domain.SigningRequest{}, err
	}
	working.Version = sl.req.Version + 1
	sl.req = working
	sl.audit = append(sl.audit, chained...)
	return sl.req.Clone(), change.Outcome
}

// Delete waits for in-flight updates of the request before removing it.
func (s *Store) Delete(_ context.Context, requestID string, check func(domain.SigningRequest) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.byID[requestID]
	if !ok {
		return fmt.Errorf("%w: signing request %s", domain.ErrNotFound, requestID)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if check != nil {
		if err := check(sl.req.Clone()); err != nil {
			return err
		}
	}
	for _, signer := range sl.req.Signers {
		delete(s.tokens, usecase.TokenDigest(signer.AccessToken))
	}
	delete(s.byUID, sl.req.UID)
	delete(s.byID, requestID)
	sl.deleted = true
	return nil
}

func (s *Store) Get(_ context.Context, requestID string) (domain.SigningRequest, error) {
	sl, err := s.slot(requestID)
	if err != nil {
		return domain.SigningRequest{}, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.deleted {
		return domain.SigningRequest{}, fmt.Errorf("%w: signing request %s", domain.ErrNotFound, requestID)
	}
	return sl.req.Clone(), nil
}

func (s *Store) GetByUID(ctx context.Context, uid string) (domain.SigningRequest, error) {
	s.mu.RLock()
	id, ok := s.byUID[uid]
	s.mu.RUnlock()
	if !ok {
		return domain.SigningRequest{}, fmt.Errorf("%w: signing request %s", domain.ErrNotFound, uid)
	}
	return s.Get(ctx, id)
}

func (s *Store) LocateToken(_ context.Context, tokenDigest string) (usecase.SignerLocator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.tokens[tokenDigest]
	if !ok {
		return usecase.SignerLocator{}, domain.ErrNotFound
	}
	return loc, nil
}

func (s *Store) ListAudit(_ context.Context, requestID string) ([]domain.AuditLogEntry, error) {
	sl, err := s.slot(requestID)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.deleted {
		return nil, fmt.Errorf("%w: signing request %s", domain.ErrNotFound, requestID)
	}
	out := make([]domain.AuditLogEntry, len(sl.audit))
	copy(out, sl.audit)
	return out, nil
}

func (s *Store) ListOverdue(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	slots := make([]*slot, 0, len(s.byID))
	for _, sl := range s.byID {
		slots = append(slots, sl)
	}
	s.mu.RUnlock()

	type overdue struct {
		id        string
		expiresAt time.Time
	}
	var found []overdue
	for _, sl := range slots {
		sl.mu.Lock()
		if !sl.deleted && sl.req.Status == domain.RequestSent && sl.req.Overdue(now) {
			found = append(found, overdue{id: sl.req.ID, expiresAt: *sl.req.ExpiresAt})
		}
		sl.mu.Unlock()
	}
	sort.Slice(found, func(i, j int) bool { return found[i].expiresAt.Before(found[j].expiresAt) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]string, len(found))
	for i, o := range found {
		ids[i] = o.id
	}
	return ids, nil
}
