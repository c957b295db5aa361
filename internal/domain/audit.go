package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type AuditAction string

const (
	AuditCreated       AuditAction = "created"
	AuditSent          AuditAction = "sent"
	AuditViewed        AuditAction = "viewed"
	AuditCodeRequested AuditAction = "code_requested"
	AuditCodeVerified  AuditAction = "code_verified"
	AuditCodeFailed    AuditAction = "code_failed"
	AuditSigned        AuditAction = "signed"
	AuditRejected      AuditAction = "rejected"
	AuditCancelled     AuditAction = "cancelled"
	AuditDownloaded    AuditAction = "downloaded"
	AuditExpired       AuditAction = "expired"
	AuditCompleted     AuditAction = "completed"
)

const AuditChainVersion = "countersign.audit.v1"

// ZeroAuditHash is the previous hash of the first entry of every request.
const ZeroAuditHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Actor identifies who triggered an action, as seen by the transport.
type Actor struct {
	IP        string
	UserAgent string
}

type AuditLogEntry struct {
	ID               string
	SigningRequestID string
	SignerID         string
	Seq              int64
	Action           AuditAction
	Description      string
	ActorIP          string
	ActorAgent       string
	CreatedAt        time.Time
	PrevHash         string
	EntryHash        string
}

type auditHashPayload struct {
	Version          string `json:"v"`
	SigningRequestID string `json:"signing_request_id"`
	SignerID         string `json:"signer_id"`
	Seq              int64  `json:"seq"`
	Action           string `json:"action"`
	Description      string `json:"description"`
	ActorIP          string `json:"actor_ip"`
	ActorAgent       string `json:"actor_agent"`
	CreatedAt        string `json:"created_at"`
	PrevHash         string `json:"prev_hash"`
}

func ComputeAuditHash(e AuditLogEntry) (string, error) {
	raw, err := json.Marshal(auditHashPayload{
		Version:          AuditChainVersion,
		SigningRequestID: e.SigningRequestID,
		SignerID:         e.SignerID,
		Seq:              e.Seq,
		Action:           string(e.Action),
		Description:      e.Description,
		ActorIP:          e.ActorIP,
		ActorAgent:       e.ActorAgent,
		CreatedAt:        e.CreatedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:         e.PrevHash,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ChainAuditEntries assigns sequence numbers and hashes to entries appended
// after (lastSeq, lastHash). Timestamps are truncated to microseconds so the
// hash survives a round trip through postgres.
func ChainAuditEntries(lastSeq int64, lastHash string, entries []AuditLogEntry) ([]AuditLogEntry, error) {
	if lastHash == "" {
		lastHash = ZeroAuditHash
	}
	out := make([]AuditLogEntry, len(entries))
	for i, e := range entries {
		if e.Action == "" {
			return nil, fmt.Errorf("audit entry %d: action is required", i)
		}
		if e.SigningRequestID == "" {
			return nil, fmt.Errorf("audit entry %d: signing_request_id is required", i)
		}
		e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
		e.Seq = lastSeq + 1
		e.PrevHash = lastHash
		hash, err := ComputeAuditHash(e)
		if err != nil {
			return nil, err
		}
		e.EntryHash = hash
		out[i] = e
		lastSeq = e.Seq
		lastHash = hash
	}
	return out, nil
}

// VerifyAuditChain checks sequence continuity and every hash link for one request.
func VerifyAuditChain(entries []AuditLogEntry) error {
	expectedSeq := int64(1)
	prevHash := ZeroAuditHash
	for _, e := range entries {
		if e.Seq != expectedSeq {
			return fmt.Errorf("audit chain seq mismatch: expected %d got %d", expectedSeq, e.Seq)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("audit chain prev hash mismatch at seq %d", e.Seq)
		}
		if e.CreatedAt.IsZero() {
			return fmt.Errorf("audit chain missing created_at at seq %d", e.Seq)
		}
		hash, err := ComputeAuditHash(e)
		if err != nil {
			return fmt.Errorf("audit chain hash compute failed at seq %d: %w", e.Seq, err)
		}
		if hash != e.EntryHash {
			return fmt.Errorf("audit chain hash mismatch at seq %d", e.Seq)
		}
		prevHash = e.EntryHash
		expectedSeq++
	}
	return nil
}
