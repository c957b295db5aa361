package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func ValidEmail(addr string) bool {
	return validate.Var(addr, "required,email") == nil
}

func ValidDocumentHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// PrepareNewRequest normalizes a draft request and reports every problem found.
// Signer orders left at zero are assigned by position.
func PrepareNewRequest(r *SigningRequest, now time.Time) error {
	verr := &ValidationError{}

	r.DocumentRef = strings.TrimSpace(r.DocumentRef)
	r.DocumentHash = strings.ToLower(strings.TrimSpace(r.DocumentHash))
	r.RequesterEmail = strings.TrimSpace(r.RequesterEmail)

	if r.DocumentRef == "" {
		verr.Add("document_ref", "is required")
	}
	if !ValidDocumentHash(r.DocumentHash) {
		verr.Add("document_hash", "must be a hex encoded sha-256 digest")
	}
	if !r.SignatureType.Valid() {
		verr.Add("signature_type", "unknown signature type %q", r.SignatureType)
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		verr.Add("expires_at", "must be in the future")
	}
	if r.RequesterEmail != "" && !ValidEmail(r.RequesterEmail) {
		verr.Add("requester_email", "is not a valid email address")
	}
	if len(r.Signers) == 0 {
		verr.Add("signers", "at least one signer is required")
		return verr
	}

	unranked := true
	for _, s := range r.Signers {
		if s.Order != 0 {
			unranked = false
			break
		}
	}
	seen := make(map[int]int, len(r.Signers))
	for i := range r.Signers {
		s := &r.Signers[i]
		field := fmt.Sprintf("signers[%d]", i)
		s.Name = strings.TrimSpace(s.Name)
		s.Email = strings.TrimSpace(s.Email)
		s.Role = strings.TrimSpace(s.Role)
		if s.Role == "" {
			s.Role = "signer"
		}
		if unranked {
			s.Order = i + 1
		}
		if s.Name == "" {
			verr.Add(field+".name", "is required")
		}
		if !ValidEmail(s.Email) {
			verr.Add(field+".email", "%q is not a valid email address", s.Email)
		}
		if !r.Sequential {
			continue
		}
		if s.Order < 1 {
			verr.Add(field+".order", "must be 1 or greater")
			continue
		}
		if prev, dup := seen[s.Order]; dup {
			verr.Add(field+".order", "order %d is already used by signers[%d]", s.Order, prev)
			continue
		}
		seen[s.Order] = i
	}
	return verr.OrNil()
}
