package usecase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"countersign/internal/domain"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

var signatureImageTypes = []string{"image/png", "image/jpeg", "image/svg+xml"}

func HashDocument(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func detectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// prepareProof validates the submitted proof for the request's signature type
// and stores or verifies whatever it references.
func (a *SignerActions) prepareProof(ctx context.Context, req *domain.SigningRequest, signerID string, proof domain.SignatureProof) (domain.SignatureRecord, error) {
	settings := a.settings()
	verr := &domain.ValidationError{}
	var imageType *mimetype.MIME

	if req.SignatureType.RequiresImage() {
		switch {
		case len(proof.Image) == 0:
			verr.Add("signatureImage", "is required for %s signatures", req.SignatureType)
		case len(proof.Image) > settings.MaxSignatureImageBytes:
			verr.Add("signatureImage", "exceeds %d bytes", settings.MaxSignatureImageBytes)
		default:
			imageType = mimetype.Detect(proof.Image)
			if !mimetype.EqualsAny(imageType.String(), signatureImageTypes...) {
				verr.Add("signatureImage", "must be png, jpeg or svg, got %s", imageType.String())
			}
		}
	}
	certRef := strings.TrimSpace(proof.CertificateRef)
	if req.SignatureType.RequiresCertificate() && certRef == "" {
		verr.Add("certificateRef", "is required for %s signatures", req.SignatureType)
	}
	if err := verr.OrNil(); err != nil {
		return domain.SignatureRecord{}, err
	}

	var rec domain.SignatureRecord
	if req.SignatureType.RequiresCertificate() {
		rec.CertificateRef = certRef
		check := CertificateCheck{
			SignatureType:  req.SignatureType,
			DocumentHash:   req.DocumentHash,
			CertificateRef: certRef,
			Signature:      proof.CertificateSignature,
		}
		if len(proof.CertificateSignature) > 0 && a.deps.Inspector != nil {
			ev, err := a.deps.Inspector.Inspect(proof.CertificateSignature)
			if err != nil {
				verr.Add("certificateSignature", "%v", err)
				return domain.SignatureRecord{}, verr
			}
			rec.Certificate = ev
			check.Evidence = &ev
		}
		if a.deps.Authority != nil {
			if err := a.deps.Authority.Verify(ctx, check); err != nil {
				if errors.Is(err, domain.ErrValidation) {
					return domain.SignatureRecord{}, err
				}
				return domain.SignatureRecord{}, fmt.Errorf("certificate authority: %w", err)
			}
		}
	}
	if settings.VerifyDocumentOnSign {
		if _, err := a.verifiedDocument(ctx, req); err != nil {
			return domain.SignatureRecord{}, err
		}
	}
	// The image is stored only after every other check has passed.
	if req.SignatureType.RequiresImage() {
		ref, err := a.storeSignatureImage(ctx, req.ID, signerID, proof.Image, imageType.Extension())
		if err != nil {
			return domain.SignatureRecord{}, err
		}
		rec.SignatureRef = ref
	}
	return rec, nil
}

// codePrecondition rejects an electronic signature up front when the signer
// has neither an outstanding code to check inline nor a verified one.
func codePrecondition(req *domain.SigningRequest, signerID string, proof domain.SignatureProof) error {
	if !req.SignatureType.RequiresCode() {
		return nil
	}
	signer, ok := req.Signer(signerID)
	if !ok {
		return errTokenNotFound
	}
	if strings.TrimSpace(proof.VerificationCode) != "" {
		if signer.CodeDigest == "" || signer.CodeExpiresAt == nil {
			return errNoCodeOutstanding
		}
		return nil
	}
	if signer.CodeVerifiedAt == nil {
		return errCodeRequired
	}
	return nil
}

// discardSignatureImage drops an image stored for a signature that was not
// recorded.
func (a *SignerActions) discardSignatureImage(ctx context.Context, rec domain.SignatureRecord) {
	if a.deps.Documents == nil || !strings.HasPrefix(rec.SignatureRef, "signatures/") {
		return
	}
	if err := a.deps.Documents.Delete(context.WithoutCancel(ctx), rec.SignatureRef); err != nil {
		a.log().Warn("discard signature image failed",
			zap.String("ref", rec.SignatureRef),
			zap.Error(err),
		)
	}
}

func (a *SignerActions) storeSignatureImage(ctx context.Context, requestID, signerID string, image []byte, ext string) (string, error) {
	if a.deps.Documents == nil {
		return "sha256:" + HashDocument(image), nil
	}
	nonce := make([]byte, 6)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ref := fmt.Sprintf("signatures/%s/%s-%s%s", requestID, signerID, hex.EncodeToString(nonce), ext)
	if err := a.deps.Documents.Put(ctx, ref, image); err != nil {
		return "", fmt.Errorf("store signature image: %w", err)
	}
	return ref, nil
}

// verifiedDocument reads the document bytes and fails with ErrIntegrity if
// they are gone or no longer match the hash recorded at creation.
func (a *SignerActions) verifiedDocument(ctx context.Context, req *domain.SigningRequest) ([]byte, error) {
	if a.deps.Documents == nil {
		return nil, errors.New("document store not configured")
	}
	data, err := a.deps.Documents.Get(ctx, req.DocumentRef)
	if errors.Is(err, domain.ErrNotFound) {
		a.log().Error("document missing from store",
			zap.String("signing_request_id", req.ID),
			zap.String("document_ref", req.DocumentRef),
		)
		return nil, fmt.Errorf("%w: %s is missing", domain.ErrIntegrity, req.DocumentRef)
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if HashDocument(data) != req.DocumentHash {
		a.log().Error("document hash mismatch",
			zap.String("signing_request_id", req.ID),
			zap.String("document_ref", req.DocumentRef),
		)
		return nil, fmt.Errorf("%w: %s", domain.ErrIntegrity, req.DocumentRef)
	}
	return data, nil
}
