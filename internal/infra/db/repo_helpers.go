package db

import (
	"errors"
	"time"

	"countersign/internal/domain"
	"countersign/internal/usecase"
)

func requestModelFromDomain(req domain.SigningRequest) SigningRequestModel {
	return SigningRequestModel{
		ID:             req.ID,
		UID:            req.UID,
		DocumentRef:    req.DocumentRef,
		DocumentName:   req.DocumentName,
		DocumentHash:   req.DocumentHash,
		SignatureType:  string(req.SignatureType),
		Sequential:     req.Sequential,
		Status:         string(req.Status),
		Message:        req.Message,
		RequesterEmail: req.RequesterEmail,
		ExpiresAt:      utcPtr(req.ExpiresAt),
		CreatedAt:      req.CreatedAt.UTC(),
		SentAt:         utcPtr(req.SentAt),
		CompletedAt:    utcPtr(req.CompletedAt),
		CancelledAt:    utcPtr(req.CancelledAt),
		CancelReason:   req.CancelReason,
		Version:        req.Version,
	}
}

func requestFromModel(m SigningRequestModel) domain.SigningRequest {
	return domain.SigningRequest{
		ID:             m.ID,
		UID:            m.UID,
		DocumentRef:    m.DocumentRef,
		DocumentName:   m.DocumentName,
		DocumentHash:   m.DocumentHash,
		SignatureType:  domain.SignatureType(m.SignatureType),
		Sequential:     m.Sequential,
		Status:         domain.RequestStatus(m.Status),
		Message:        m.Message,
		RequesterEmail: m.RequesterEmail,
		ExpiresAt:      utcPtr(m.ExpiresAt),
		CreatedAt:      m.CreatedAt.UTC(),
		SentAt:         utcPtr(m.SentAt),
		CompletedAt:    utcPtr(m.CompletedAt),
		CancelledAt:    utcPtr(m.CancelledAt),
		CancelReason:   m.CancelReason,
		Version:        m.Version,
	}
}

func signerModelFromDomain(s domain.Signer, requestID string, position int) SignerModel {
	return SignerModel{
		ID:                     s.ID,
		SigningRequestID:       requestID,
		Position:               position,
		Name:                   s.Name,
		Email:                  s.Email,
		Role:                   s.Role,
		SignOrder:              s.Order,
		AccessToken:            s.AccessToken,
		AccessTokenDigest:      usecase.TokenDigest(s.AccessToken),
		Status:                 string(s.Status),
		ViewedAt:               utcPtr(s.ViewedAt),
		SignedAt:               utcPtr(s.SignedAt),
		RejectedAt:             utcPtr(s.RejectedAt),
		RejectionReason:        s.RejectionReason,
		CodeDigest:             s.CodeDigest,
		CodeIssuedAt:           utcPtr(s.CodeIssuedAt),
		CodeExpiresAt:          utcPtr(s.CodeExpiresAt),
		CodeAttempts:           s.CodeAttempts,
		CodeVerifiedAt:         utcPtr(s.CodeVerifiedAt),
		SignatureRef:           s.SignatureRef,
		CertificateRef:         s.CertificateRef,
		CertificateSubject:     s.CertificateSubject,
		CertificateSerial:      s.CertificateSerial,
		CertificateFingerprint: s.CertificateFingerprint,
	}
}

func signerFromModel(m SignerModel) domain.Signer {
	return domain.Signer{
		ID:                     m.ID,
		SigningRequestID:       m.SigningRequestID,
		Name:                   m.Name,
		Email:                  m.Email,
		Role:                   m.Role,
		Order:                  m.SignOrder,
		AccessToken:            m.AccessToken,
		Status:                 domain.SignerStatus(m.Status),
		ViewedAt:               utcPtr(m.ViewedAt),
		SignedAt:               utcPtr(m.SignedAt),
		RejectedAt:             utcPtr(m.RejectedAt),
		RejectionReason:        m.RejectionReason,
		CodeDigest:             m.CodeDigest,
		CodeIssuedAt:           utcPtr(m.CodeIssuedAt),
		CodeExpiresAt:          utcPtr(m.CodeExpiresAt),
		CodeAttempts:           m.CodeAttempts,
		CodeVerifiedAt:         utcPtr(m.CodeVerifiedAt),
		SignatureRef:           m.SignatureRef,
		CertificateRef:         m.CertificateRef,
		CertificateSubject:     m.CertificateSubject,
		CertificateSerial:      m.CertificateSerial,
		CertificateFingerprint: m.CertificateFingerprint,
	}
}

func auditModelFromDomain(e domain.AuditLogEntry) (AuditLogEntryModel, error) {
	if e.ID == "" {
		return AuditLogEntryModel{}, errors.New("audit entry id is required")
	}
	return AuditLogEntryModel{
		ID:               e.ID,
		SigningRequestID: e.SigningRequestID,
		Seq:              e.Seq,
		SignerID:         stringPtrIfNotEmpty(e.SignerID),
		Action:           string(e.Action),
		Description:      e.Description,
		ActorIP:          e.ActorIP,
		ActorAgent:       e.ActorAgent,
		CreatedAt:        e.CreatedAt.UTC(),
		PrevHash:         e.PrevHash,
		EntryHash:        e.EntryHash,
	}, nil
}

func auditEntryFromModel(m AuditLogEntryModel) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:               m.ID,
		SigningRequestID: m.SigningRequestID,
		SignerID:         stringValue(m.SignerID),
		Seq:              m.Seq,
		Action:           domain.AuditAction(m.Action),
		Description:      m.Description,
		ActorIP:          m.ActorIP,
		ActorAgent:       m.ActorAgent,
		CreatedAt:        m.CreatedAt.UTC(),
		PrevHash:         m.PrevHash,
		EntryHash:        m.EntryHash,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func stringPtrIfNotEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
