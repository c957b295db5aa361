// Package certs reads certificate evidence from CMS signatures and asks an
// external authority whether a certificate may sign.
package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"countersign/internal/domain"
	"countersign/internal/usecase"

	"github.com/smallstep/pkcs7"
)

var (
	ErrNoSigner         = errors.New("signature carries no signer certificate")
	ErrCertificateRange = errors.New("signer certificate is outside its validity period")
)

// Inspector extracts the signer certificate from a detached PKCS#7 blob.
type Inspector struct {
	Now func() time.Time
}

var _ usecase.CertificateInspector = (*Inspector)(nil)

func (i *Inspector) Inspect(blob []byte) (domain.CertificateEvidence, error) {
	p7, err := pkcs7.Parse(blob)
	if err != nil {
		return domain.CertificateEvidence{}, fmt.Errorf("parse CMS: %w", err)
	}
	cert := signerCertificate(p7)
	if cert == nil {
		return domain.CertificateEvidence{}, ErrNoSigner
	}
	now := time.Now()
	if i != nil && i.Now != nil {
		now = i.Now()
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return domain.CertificateEvidence{}, ErrCertificateRange
	}
	return Evidence(cert), nil
}

func signerCertificate(p7 *pkcs7.PKCS7) *x509.Certificate {
	if cert := p7.GetOnlySigner(); cert != nil {
		return cert
	}
	if len(p7.Certificates) > 0 {
		return p7.Certificates[0]
	}
	return nil
}

func Evidence(cert *x509.Certificate) domain.CertificateEvidence {
	sum := sha256.Sum256(cert.Raw)
	return domain.CertificateEvidence{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		Serial:      fmt.Sprintf("%X", cert.SerialNumber),
		Fingerprint: hex.EncodeToString(sum[:]),
		NotBefore:   cert.NotBefore.UTC(),
		NotAfter:    cert.NotAfter.UTC(),
	}
}
