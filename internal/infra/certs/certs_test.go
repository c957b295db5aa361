package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"countersign/internal/domain"
	"countersign/internal/usecase"

	"github.com/smallstep/pkcs7"
)

func selfSigned(t *testing.T, notBefore, notAfter time.Time) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(0x2a),
		Subject:      pkix.Name{CommonName: "Jordan Signer", Organization: []string{"Example"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert, key
}

func detachedSignature(t *testing.T, cert *x509.Certificate, key *ecdsa.PrivateKey, content []byte) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatalf("new signed data: %v", err)
	}
	if err := sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("add signer: %v", err)
	}
	sd.Detach()
	blob, err := sd.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return blob
}

func TestInspectorExtractsSigner(t *testing.T) {
	now := time.Now()
	cert, key := selfSigned(t, now.Add(-time.Hour), now.Add(time.Hour))
	blob := detachedSignature(t, cert, key, []byte("%PDF-1.7 contract"))

	ev, err := (&Inspector{}).Inspect(blob)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if ev.Serial != "2A" {
		t.Fatalf("unexpected serial %q", ev.Serial)
	}
	if ev.Subject == "" || len(ev.Fingerprint) != 64 {
		t.Fatalf("incomplete evidence: %+v", ev)
	}
}

func TestInspectorRejects(t *testing.T) {
	if _, err := (&Inspector{}).Inspect([]byte("not cms")); err == nil {
		t.Fatal("expected parse error")
	}

	now := time.Now()
	cert, key := selfSigned(t, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	blob := detachedSignature(t, cert, key, []byte("doc"))
	if _, err := (&Inspector{}).Inspect(blob); !errors.Is(err, ErrCertificateRange) {
		t.Fatalf("expected validity error, got %v", err)
	}
}

func TestRemoteAuthority(t *testing.T) {
	var seen verifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch seen.CertificateRef {
		case "good":
			_ = json.NewEncoder(w).Encode(verifyResponse{Trusted: true})
		case "revoked":
			_ = json.NewEncoder(w).Encode(verifyResponse{Trusted: false, Reason: "certificate revoked"})
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	auth, err := NewRemoteAuthority(srv.URL, nil)
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	ctx := context.Background()
	check := usecase.CertificateCheck{
		SignatureType:  domain.SignatureQualified,
		DocumentHash:   "ab",
		CertificateRef: "good",
		Evidence:       &domain.CertificateEvidence{Fingerprint: "ff"},
	}
	if err := auth.Verify(ctx, check); err != nil {
		t.Fatalf("verify good: %v", err)
	}
	if seen.Fingerprint != "ff" || seen.SignatureType != "qualified" {
		t.Fatalf("request not forwarded: %+v", seen)
	}

	check.CertificateRef = "revoked"
	if err := auth.Verify(ctx, check); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	check.CertificateRef = "down"
	err = auth.Verify(ctx, check)
	if err == nil || errors.Is(err, domain.ErrValidation) {
		t.Fatalf("outage must not look like a rejection: %v", err)
	}
}
