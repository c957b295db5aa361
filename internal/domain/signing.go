package domain

import (
	"fmt"
	"sort"
	"time"
)

type SignatureType string

const (
	SignatureSimple     SignatureType = "simple"
	SignatureElectronic SignatureType = "electronic"
	SignatureDigital    SignatureType = "digital"
	SignatureQualified  SignatureType = "qualified"
)

func (t SignatureType) Valid() bool {
	switch t {
	case SignatureSimple, SignatureElectronic, SignatureDigital, SignatureQualified:
		return true
	default:
		return false
	}
}

// RequiresCode reports whether a verified one-time code must accompany a signature.
func (t SignatureType) RequiresCode() bool {
	return t == SignatureElectronic
}

func (t SignatureType) RequiresImage() bool {
	return t == SignatureSimple || t == SignatureElectronic
}

func (t SignatureType) RequiresCertificate() bool {
	return t == SignatureDigital || t == SignatureQualified
}

type RequestStatus string

const (
	RequestDraft     RequestStatus = "draft"
	RequestSent      RequestStatus = "sent"
	RequestCompleted RequestStatus = "completed"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
)

func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestCompleted, RequestRejected, RequestCancelled, RequestExpired:
		return true
	default:
		return false
	}
}

type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerViewed   SignerStatus = "viewed"
	SignerSigned   SignerStatus = "signed"
	SignerRejected SignerStatus = "rejected"
)

func (s SignerStatus) Terminal() bool {
	return s == SignerSigned || s == SignerRejected
}

// Errors that share ErrInvalidState or ErrCancelled but call for different
// wording on the signing page.
var (
	ErrAlreadyCompleted = fmt.Errorf("%w: document already fully signed", ErrInvalidState)
	ErrNotSent          = fmt.Errorf("%w: signing request has not been sent", ErrInvalidState)
	ErrRequestRejected  = fmt.Errorf("%w: signing request was rejected", ErrCancelled)
	ErrRequestCancelled = fmt.Errorf("%w: signing request was cancelled", ErrCancelled)
	ErrRequestExpired   = fmt.Errorf("%w: signing request has expired", ErrExpired)
)

type Signer struct {
	ID               string
	SigningRequestID string
	Name             string
	Email            string
	Role             string
	Order            int
	AccessToken      string
	Status           SignerStatus

	ViewedAt        *time.Time
	SignedAt        *time.Time
	RejectedAt      *time.Time
	RejectionReason string

	CodeDigest     string
	CodeIssuedAt   *time.Time
	CodeExpiresAt  *time.Time
	CodeAttempts   int
	CodeVerifiedAt *time.Time

	SignatureRef           string
	CertificateRef         string
	CertificateSubject     string
	CertificateSerial      string
	CertificateFingerprint string
}

// ClearCode drops any outstanding or verified code challenge.
func (s *Signer) ClearCode() {
	s.CodeDigest = ""
	s.CodeIssuedAt = nil
	s.CodeExpiresAt = nil
	s.CodeAttempts = 0
	s.CodeVerifiedAt = nil
}

// InvalidateCode discards the outstanding code but keeps the issue time so
// the reissue cooldown still applies.
func (s *Signer) InvalidateCode() {
	s.CodeDigest = ""
	s.CodeExpiresAt = nil
	s.CodeAttempts = 0
	s.CodeVerifiedAt = nil
}

// CodeCooldown returns how long the signer must wait before a new code may be issued.
func (s *Signer) CodeCooldown(now time.Time, cooldown time.Duration) time.Duration {
	if s.CodeIssuedAt == nil || cooldown <= 0 {
		return 0
	}
	wait := s.CodeIssuedAt.Add(cooldown).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// MarkViewed records the first view. Later calls report false and change nothing.
func (s *Signer) MarkViewed(now time.Time) bool {
	if s.Status != SignerPending {
		return false
	}
	s.Status = SignerViewed
	s.ViewedAt = timePtr(now)
	return true
}

type SigningRequest struct {
	ID             string
	UID            string
	DocumentRef    string
	DocumentName   string
	DocumentHash   string
	SignatureType  SignatureType
	Sequential     bool
	Status         RequestStatus
	Message        string
	RequesterEmail string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	SentAt         *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	CancelReason   string
	Version        int64
	Signers        []Signer
}

func (r *SigningRequest) Overdue(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// EffectiveStatus is the stored status with expiry applied.
func (r *SigningRequest) EffectiveStatus(now time.Time) RequestStatus {
	if r.Status == RequestSent && r.Overdue(now) {
		return RequestExpired
	}
	return r.Status
}

// Signable returns nil when signer actions are accepted, or the reason they are not.
func (r *SigningRequest) Signable(now time.Time) error {
	switch r.EffectiveStatus(now) {
	case RequestSent:
		return nil
	case RequestDraft:
		return ErrNotSent
	case RequestCompleted:
		return ErrAlreadyCompleted
	case RequestRejected:
		return ErrRequestRejected
	case RequestCancelled:
		return ErrRequestCancelled
	case RequestExpired:
		return ErrRequestExpired
	default:
		return invalidStatef("unknown status %q", r.Status)
	}
}

func (r *SigningRequest) CanBeSigned(now time.Time) bool {
	return r.Signable(now) == nil
}

func (r *SigningRequest) Signer(id string) (*Signer, bool) {
	for i := range r.Signers {
		if r.Signers[i].ID == id {
			return &r.Signers[i], true
		}
	}
	return nil, false
}

// SignEligibility explains why the signer may not sign right now, or returns nil.
func (r *SigningRequest) SignEligibility(signerID string, now time.Time) error {
	if err := r.Signable(now); err != nil {
		return err
	}
	signer, ok := r.Signer(signerID)
	if !ok {
		return ErrNotFound
	}
	switch signer.Status {
	case SignerSigned:
		return fmt.Errorf("%w: signer has already signed", ErrAlreadyActed)
	case SignerRejected:
		return fmt.Errorf("%w: signer has already rejected", ErrAlreadyActed)
	}
	if r.Sequential {
		for _, other := range r.Signers {
			if other.ID == signer.ID {
				continue
			}
			if other.Order < signer.Order && other.Status != SignerSigned {
				return fmt.Errorf("%w: waiting for signer %d", ErrOutOfTurn, other.Order)
			}
		}
	}
	return nil
}

func (r *SigningRequest) CanSign(signerID string, now time.Time) bool {
	return r.SignEligibility(signerID, now) == nil
}

func (r *SigningRequest) TotalSigners() int {
	return len(r.Signers)
}

func (r *SigningRequest) SignedCount() int {
	n := 0
	for _, s := range r.Signers {
		if s.Status == SignerSigned {
			n++
		}
	}
	return n
}

func (r *SigningRequest) ProgressPercent() int {
	if len(r.Signers) == 0 {
		return 0
	}
	return r.SignedCount() * 100 / len(r.Signers)
}

func (r *SigningRequest) AllSigned() bool {
	return len(r.Signers) > 0 && r.SignedCount() == len(r.Signers)
}

// NextInTurn lists the signers who may act now. For parallel requests that is
// every signer still pending or viewed.
func (r *SigningRequest) NextInTurn(now time.Time) []Signer {
	var out []Signer
	for _, s := range r.Signers {
		if r.CanSign(s.ID, now) {
			out = append(out, s)
		}
	}
	return out
}

func (r *SigningRequest) MarkSent(now time.Time) error {
	if r.Status != RequestDraft {
		return invalidStatef("cannot send a %s request", r.Status)
	}
	r.Status = RequestSent
	r.SentAt = timePtr(now)
	return nil
}

func (r *SigningRequest) MarkCancelled(now time.Time, reason string) error {
	status := r.EffectiveStatus(now)
	if status.Terminal() {
		return fmt.Errorf("%w: request is %s", ErrAlreadyTerminal, status)
	}
	if status != RequestSent {
		return invalidStatef("cannot cancel a %s request", status)
	}
	r.Status = RequestCancelled
	r.CancelledAt = timePtr(now)
	r.CancelReason = reason
	for i := range r.Signers {
		r.Signers[i].ClearCode()
	}
	return nil
}

// MarkExpired persists the derived expiry. It reports whether anything changed.
func (r *SigningRequest) MarkExpired(now time.Time) bool {
	if r.Status != RequestSent || !r.Overdue(now) {
		return false
	}
	r.Status = RequestExpired
	for i := range r.Signers {
		r.Signers[i].ClearCode()
	}
	return true
}

// ApplySignature moves the signer to Signed and completes the request when it
// was the last outstanding signature. The caller must hold the request lock.
func (r *SigningRequest) ApplySignature(signerID string, rec SignatureRecord, now time.Time) (completed bool, err error) {
	if err := r.SignEligibility(signerID, now); err != nil {
		return false, err
	}
	signer, _ := r.Signer(signerID)
	signer.Status = SignerSigned
	signer.SignedAt = timePtr(now)
	signer.SignatureRef = rec.SignatureRef
	signer.CertificateRef = rec.CertificateRef
	signer.CertificateSubject = rec.Certificate.Subject
	signer.CertificateSerial = rec.Certificate.Serial
	signer.CertificateFingerprint = rec.Certificate.Fingerprint
	signer.ClearCode()
	if r.AllSigned() {
		r.Status = RequestCompleted
		r.CompletedAt = timePtr(now)
		return true, nil
	}
	return false, nil
}

// ApplyRejection rejects on behalf of the signer and fails the whole request.
func (r *SigningRequest) ApplyRejection(signerID, reason string, now time.Time) error {
	if err := r.Signable(now); err != nil {
		return err
	}
	signer, ok := r.Signer(signerID)
	if !ok {
		return ErrNotFound
	}
	if signer.Status.Terminal() {
		return fmt.Errorf("%w: signer has already %s", ErrAlreadyActed, signer.Status)
	}
	signer.Status = SignerRejected
	signer.RejectedAt = timePtr(now)
	signer.RejectionReason = reason
	r.Status = RequestRejected
	for i := range r.Signers {
		r.Signers[i].ClearCode()
	}
	return nil
}

// SortSigners orders signers by rank, keeping input order for ties.
func (r *SigningRequest) SortSigners() {
	sort.SliceStable(r.Signers, func(i, j int) bool {
		return r.Signers[i].Order < r.Signers[j].Order
	})
}

// Clone returns a deep copy safe to mutate independently.
func (r SigningRequest) Clone() SigningRequest {
	out := r
	out.ExpiresAt = copyTime(r.ExpiresAt)
	out.SentAt = copyTime(r.SentAt)
	out.CompletedAt = copyTime(r.CompletedAt)
	out.CancelledAt = copyTime(r.CancelledAt)
	out.Signers = make([]Signer, len(r.Signers))
	for i, s := range r.Signers {
		s.ViewedAt = copyTime(s.ViewedAt)
		s.SignedAt = copyTime(s.SignedAt)
		s.RejectedAt = copyTime(s.RejectedAt)
		s.CodeIssuedAt = copyTime(s.CodeIssuedAt)
		s.CodeExpiresAt = copyTime(s.CodeExpiresAt)
		s.CodeVerifiedAt = copyTime(s.CodeVerifiedAt)
		out.Signers[i] = s
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
