package usecase

import (
	"context"
	"time"

	"countersign/internal/domain"
)

type Clock func() time.Time

// Change is what a mutation produces inside the request lock. Audit entries
// are committed together with the aggregate. Outcome, when set, is returned
// to the caller after the commit so that failed attempts still leave a trace.
type Change struct {
	Audit   []domain.AuditLogEntry
	Outcome error
}

// MutateFunc runs against a locked copy of the aggregate. Returning an error
// rolls everything back.
type MutateFunc func(req *domain.SigningRequest) (Change, error)

type SignerLocator struct {
	RequestID   string
	SignerID    string
	AccessToken string
}

type SigningRepository interface {
	// Insert stores a new aggregate together with its first audit entries.
	Insert(ctx context.Context, req domain.SigningRequest, audit []domain.AuditLogEntry) error
	// Update serializes mutations of one request. Implementations hold a lock
	// on the aggregate for the whole read-check-write-audit cycle. A change
	// without audit entries is not written. It returns the aggregate as
	// committed and the change's Outcome.
	Update(ctx context.Context, requestID string, fn MutateFunc) (domain.SigningRequest, error)
	Get(ctx context.Context, requestID string) (domain.SigningRequest, error)
	GetByUID(ctx context.Context, uid string) (domain.SigningRequest, error)
	// LocateToken finds a signer by the SHA-256 digest of its access token.
	LocateToken(ctx context.Context, tokenDigest string) (SignerLocator, error)
	ListAudit(ctx context.Context, requestID string) ([]domain.AuditLogEntry, error)
	// Delete removes the aggregate with its signers and audit trail. check
	// runs on the locked aggregate and aborts the deletion when it fails.
	Delete(ctx context.Context, requestID string, check func(domain.SigningRequest) error) error
	// ListOverdue returns ids of sent requests whose deadline is before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// DocumentStore never overwrites a reference. Delete is only used to drop
// signature images whose signature was not recorded.
type DocumentStore interface {
	Get(ctx context.Context, ref string) ([]byte, error)
	Put(ctx context.Context, ref string, data []byte) error
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

type Notifier interface {
	Send(ctx context.Context, address string, template string, payload map[string]any) error
}

// CertificateInspector extracts the signing certificate from a detached CMS blob.
type CertificateInspector interface {
	Inspect(blob []byte) (domain.CertificateEvidence, error)
}

// CertificateAuthority decides whether an externally issued certificate
// signature is trusted for the given document. Rejections wrap
// domain.ErrValidation; any other error is an infrastructure failure.
type CertificateAuthority interface {
	Verify(ctx context.Context, check CertificateCheck) error
}

type CertificateCheck struct {
	SignatureType  domain.SignatureType
	DocumentHash   string
	CertificateRef string
	Evidence       *domain.CertificateEvidence
	Signature      []byte
}

// CreationPolicy returns the reasons a new request is denied, if any.
type CreationPolicy interface {
	Evaluate(ctx context.Context, req domain.SigningRequest) ([]string, error)
}

type IDGenerator interface {
	NewID() string
	NewUID() string
}

type Metrics interface {
	RequestCreated(signatureType domain.SignatureType)
	SignerAction(action domain.AuditAction, result string)
	RequestFinished(status domain.RequestStatus)
	NotificationSent(template string, err error)
}
