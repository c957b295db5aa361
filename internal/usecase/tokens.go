package usecase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"countersign/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

const accessTokenBytes = 32

var accessTokenLen = base64.RawURLEncoding.EncodedLen(accessTokenBytes)

var errTokenNotFound = fmt.Errorf("%w: unknown access token", domain.ErrNotFound)

// NewAccessToken returns 256 bits from crypto/rand, base64url encoded.
func NewAccessToken() (string, error) {
	buf := make([]byte, accessTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func wellFormedToken(token string) bool {
	if len(token) != accessTokenLen {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil
}

type PageState string

const (
	PageReady       PageState = "ready"
	PageWaitingTurn PageState = "waiting_turn"
	PageSigned      PageState = "signed"
	PageDeclined    PageState = "declined"
	PageCompleted   PageState = "completed"
	PageRejected    PageState = "rejected"
	PageCancelled   PageState = "cancelled"
	PageExpired     PageState = "expired"
	PageNotSent     PageState = "not_sent"
)

type SignerSummary struct {
	ID         string
	Name       string
	Email      string
	Role       string
	Order      int
	Status     domain.SignerStatus
	ViewedAt   *time.Time
	SignedAt   *time.Time
	RejectedAt *time.Time
}

// SignerView is what one access token may see: its own signer and the
// request's public metadata and progress counters. Nothing about other signers.
type SignerView struct {
	RequestUID      string
	DocumentName    string
	DocumentHash    string
	SignatureType   domain.SignatureType
	Sequential      bool
	Message         string
	RequestStatus   domain.RequestStatus
	ExpiresAt       *time.Time
	SignedCount     int
	TotalSigners    int
	ProgressPercent int
	Signer          SignerSummary
	State           PageState
	CanSign         bool
	CodeRequired    bool
	CodeOutstanding bool
	CodeVerified    bool
}

func newSignerView(req *domain.SigningRequest, signer *domain.Signer, now time.Time) SignerView {
	eligibility := req.SignEligibility(signer.ID, now)
	return SignerView{
		RequestUID:      req.UID,
		DocumentName:    req.DocumentName,
		DocumentHash:    req.DocumentHash,
		SignatureType:   req.SignatureType,
		Sequential:      req.Sequential,
		Message:         req.Message,
		RequestStatus:   req.EffectiveStatus(now),
		ExpiresAt:       req.ExpiresAt,
		SignedCount:     req.SignedCount(),
		TotalSigners:    req.TotalSigners(),
		ProgressPercent: req.ProgressPercent(),
		Signer: SignerSummary{
			ID:         signer.ID,
			Name:       signer.Name,
			Email:      signer.Email,
			Role:       signer.Role,
			Order:      signer.Order,
			Status:     signer.Status,
			ViewedAt:   signer.ViewedAt,
			SignedAt:   signer.SignedAt,
			RejectedAt: signer.RejectedAt,
		},
		State:           pageState(req, signer, eligibility, now),
		CanSign:         eligibility == nil,
		CodeRequired:    req.SignatureType.RequiresCode(),
		CodeOutstanding: signer.CodeDigest != "" && signer.CodeExpiresAt != nil && !now.After(*signer.CodeExpiresAt),
		CodeVerified:    signer.CodeVerifiedAt != nil,
	}
}

func pageState(req *domain.SigningRequest, signer *domain.Signer, eligibility error, now time.Time) PageState {
	switch req.EffectiveStatus(now) {
	case domain.RequestCompleted:
		return PageCompleted
	case domain.RequestRejected:
		if signer.Status == domain.SignerRejected {
			return PageDeclined
		}
		return PageRejected
	case domain.RequestCancelled:
		return PageCancelled
	case domain.RequestExpired:
		return PageExpired
	case domain.RequestDraft:
		return PageNotSent
	}
	switch {
	case signer.Status == domain.SignerSigned:
		return PageSigned
	case errors.Is(eligibility, domain.ErrOutOfTurn):
		return PageWaitingTurn
	default:
		return PageReady
	}
}

type TokenResolver struct {
	core
}

// Resolve maps an access token to its signer's view of the request.
func (r *TokenResolver) Resolve(ctx context.Context, token string) (SignerView, error) {
	ctx, span := r.startSpan(ctx, "tokens.Resolve")
	var err error
	defer func() { endSpan(span, err) }()

	loc, err := r.locate(ctx, token)
	if err != nil {
		return SignerView{}, err
	}
	req, err := r.deps.Repo.Get(ctx, loc.RequestID)
	if err != nil {
		return SignerView{}, err
	}
	signer, ok := req.Signer(loc.SignerID)
	if !ok {
		err = errTokenNotFound
		return SignerView{}, err
	}
	span.SetAttributes(attribute.String("signing_request.uid", req.UID))
	return newSignerView(&req, signer, r.now()), nil
}

func (r *TokenResolver) locate(ctx context.Context, token string) (SignerLocator, error) {
	if !wellFormedToken(token) {
		return SignerLocator{}, errTokenNotFound
	}
	loc, err := r.deps.Repo.LocateToken(ctx, TokenDigest(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return SignerLocator{}, errTokenNotFound
		}
		return SignerLocator{}, err
	}
	if subtle.ConstantTimeCompare([]byte(loc.AccessToken), []byte(token)) != 1 {
		return SignerLocator{}, errTokenNotFound
	}
	return loc, nil
}

// withSigner runs fn on the locked aggregate after resolving the token. The
// signer pointer refers into req and may be mutated.
func (r *TokenResolver) withSigner(ctx context.Context, token string, fn func(req *domain.SigningRequest, signer *domain.Signer) (Change, error)) (domain.SigningRequest, *domain.Signer, error) {
	loc, err := r.locate(ctx, token)
	if err != nil {
		return domain.SigningRequest{}, nil, err
	}
	req, err := r.deps.Repo.Update(ctx, loc.RequestID, func(req *domain.SigningRequest) (Change, error) {
		signer, ok := req.Signer(loc.SignerID)
		if !ok {
			return Change{}, errTokenNotFound
		}
		return fn(req, signer)
	})
	if req.ID == "" {
		return req, nil, err
	}
	signer, _ := req.Signer(loc.SignerID)
	return req, signer, err
}
