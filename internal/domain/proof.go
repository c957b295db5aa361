package domain

import "time"

// SignatureProof is what a signer submits with a signature. Which fields are
// required depends on the request's SignatureType.
type SignatureProof struct {
	Image                []byte
	VerificationCode     string
	CertificateRef       string
	CertificateSignature []byte
}

// CertificateEvidence describes the signing certificate found in a detached
// CMS signature. Trust in it is decided elsewhere.
type CertificateEvidence struct {
	Subject     string
	Issuer      string
	Serial      string
	Fingerprint string
	NotBefore   time.Time
	NotAfter    time.Time
}

// SignatureRecord is what gets stored on the signer once a signature is accepted.
type SignatureRecord struct {
	SignatureRef   string
	CertificateRef string
	Certificate    CertificateEvidence
}
