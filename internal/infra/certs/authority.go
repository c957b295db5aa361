package certs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"countersign/internal/domain"
	"countersign/internal/usecase"
)

// RemoteAuthority delegates the trust decision to an HTTP service, for
// example a qualified trust service provider gateway.
type RemoteAuthority struct {
	url    string
	client *http.Client
}

var _ usecase.CertificateAuthority = (*RemoteAuthority)(nil)

func NewRemoteAuthority(url string, client *http.Client) (*RemoteAuthority, error) {
	if url == "" {
		return nil, errors.New("certificate authority url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteAuthority{url: url, client: client}, nil
}

type verifyRequest struct {
	SignatureType  string `json:"signature_type"`
	DocumentHash   string `json:"document_hash"`
	CertificateRef string `json:"certificate_ref"`
	Subject        string `json:"subject,omitempty"`
	Issuer         string `json:"issuer,omitempty"`
	Serial         string `json:"serial,omitempty"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	Signature      []byte `json:"signature,omitempty"`
}

type verifyResponse struct {
	Trusted bool   `json:"trusted"`
	Reason  string `json:"reason"`
}

func (a *RemoteAuthority) Verify(ctx context.Context, check usecase.CertificateCheck) error {
	body := verifyRequest{
		SignatureType:  string(check.SignatureType),
		DocumentHash:   check.DocumentHash,
		CertificateRef: check.CertificateRef,
		Signature:      check.Signature,
	}
	if ev := check.Evidence; ev != nil {
		body.Subject = ev.Subject
		body.Issuer = ev.Issuer
		body.Serial = ev.Serial
		body.Fingerprint = ev.Fingerprint
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("certificate authority: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("certificate authority: unexpected status %d", resp.StatusCode)
	}
	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return fmt.Errorf("certificate authority: decode: %w", err)
	}
	if !out.Trusted {
		reason := out.Reason
		if reason == "" {
			reason = "certificate is not trusted"
		}
		verr := &domain.ValidationError{}
		verr.Add("certificateRef", "%s", reason)
		return verr
	}
	return nil
}
