package db

import "time"

type SigningRequestModel struct {
	ID             string     `gorm:"type:uuid;primaryKey"`
	UID            string     `gorm:"uniqueIndex;not null"`
	DocumentRef    string     `gorm:"not null"`
	DocumentName   string     `gorm:"not null"`
	DocumentHash   string     `gorm:"not null"`
	SignatureType  string     `gorm:"not null"`
	Sequential     bool       `gorm:"not null"`
	Status         string     `gorm:"index;not null"`
	Message        string     `gorm:"not null"`
	RequesterEmail string     `gorm:"not null"`
	ExpiresAt      *time.Time `gorm:"index"`
	CreatedAt      time.Time  `gorm:"not null"`
	SentAt         *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	CancelReason   string `gorm:"not null"`
	Version        int64  `gorm:"not null"`
	AuditSeq       int64  `gorm:"not null"`
	AuditHead      string `gorm:"not null"`
}

func (SigningRequestModel) TableName() string { return "signing_requests" }

type SignerModel struct {
	ID                     string `gorm:"type:uuid;primaryKey"`
	SigningRequestID       string `gorm:"type:uuid;index;not null"`
	Position               int    `gorm:"not null"`
	Name                   string `gorm:"not null"`
	Email                  string `gorm:"not null"`
	Role                   string `gorm:"not null"`
	SignOrder              int    `gorm:"not null"`
	AccessToken            string `gorm:"not null"`
	AccessTokenDigest      string `gorm:"uniqueIndex;not null"`
	Status                 string `gorm:"not null"`
	ViewedAt               *time.Time
	SignedAt               *time.Time
	RejectedAt             *time.Time
	RejectionReason        string `gorm:"not null"`
	CodeDigest             string `gorm:"not null"`
	CodeIssuedAt           *time.Time
	CodeExpiresAt          *time.Time
	CodeAttempts           int `gorm:"not null"`
	CodeVerifiedAt         *time.Time
	SignatureRef           string `gorm:"not null"`
	CertificateRef         string `gorm:"not null"`
	CertificateSubject     string `gorm:"not null"`
	CertificateSerial      string `gorm:"not null"`
	CertificateFingerprint string `gorm:"not null"`
}

func (SignerModel) TableName() string { return "signers" }

type AuditLogEntryModel struct {
	ID               string    `gorm:"type:uuid;primaryKey"`
	SigningRequestID string    `gorm:"type:uuid;not null;uniqueIndex:idx_audit_request_seq,priority:1"`
	Seq              int64     `gorm:"not null;uniqueIndex:idx_audit_request_seq,priority:2"`
	SignerID         *string   `gorm:"type:uuid"`
	Action           string    `gorm:"not null"`
	Description      string    `gorm:"not null"`
	ActorIP          string    `gorm:"not null"`
	ActorAgent       string    `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
	PrevHash         string    `gorm:"not null"`
	EntryHash        string    `gorm:"not null"`
}

func (AuditLogEntryModel) TableName() string { return "audit_log_entries" }
