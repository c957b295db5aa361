package http

import (
	"encoding/base64"
	"mime"
	"net/http"
	"strings"
	"time"

	"countersign/internal/domain"
	"countersign/internal/usecase"

	"github.com/gin-gonic/gin"
)

type signerViewResponse struct {
	RequestUID      string              `json:"requestUid"`
	DocumentName    string              `json:"documentName"`
	DocumentHash    string              `json:"documentHash"`
	SignatureType   string              `json:"signatureType"`
	Sequential      bool                `json:"sequential"`
	Message         string              `json:"message,omitempty"`
	RequestStatus   string              `json:"requestStatus"`
	ExpiresAt       *time.Time          `json:"expiresAt,omitempty"`
	SignedCount     int                 `json:"signedCount"`
	TotalSigners    int                 `json:"totalSigners"`
	ProgressPercent int                 `json:"progressPercent"`
	Signer          signerSummaryOutput `json:"signer"`
	State           usecase.PageState   `json:"state"`
	CanSign         bool                `json:"canSign"`
	CodeRequired    bool                `json:"codeRequired"`
	CodeOutstanding bool                `json:"codeOutstanding"`
	CodeVerified    bool                `json:"codeVerified"`
}

type signerSummaryOutput struct {
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Role       string     `json:"role"`
	Order      int        `json:"order"`
	Status     string     `json:"status"`
	ViewedAt   *time.Time `json:"viewedAt,omitempty"`
	SignedAt   *time.Time `json:"signedAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`
}

type verifyCodeInput struct {
	Code string `json:"code" binding:"required"`
}

type signInput struct {
	SignatureImage       string `json:"signatureImage"`
	VerificationCode     string `json:"verificationCode"`
	CertificateRef       string `json:"certificateRef"`
	CertificateSignature string `json:"certificateSignature"`
}

type rejectInput struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSignerView(c *gin.Context) {
	view, err := s.engine.Signers.RecordView(c.Request.Context(), c.Param("token"), actorFrom(c))
	if err != nil {
		s.writeSignerError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildSignerView(view))
}

func (s *Server) handleSignerDocument(c *gin.Context) {
	doc, err := s.engine.Signers.Download(c.Request.Context(), c.Param("token"), actorFrom(c))
	if err != nil {
		s.writeSignerError(c, err)
		return
	}
	name := doc.Name
	if name == "" {
		name = "document"
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	c.Header("X-Document-SHA256", doc.Hash)
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, doc.ContentType, doc.Data)
}

func (s *Server) handleIssueCode(c *gin.Context) {
	issued, err := s.engine.Codes.IssueCode(c.Request.Context(), c.Param("token"), actorFrom(c))
	if err != nil {
		s.writeSignerError(c, err)
		return
	}
	c.JSON(http.StatusOK, signerResponse{
		Success: true,
		Message: "A verification code was sent to " + issued.SentTo + ".",
	})
}

func (s *Server) handleVerifyCode(c *gin.Context) {
	var in verifyCodeInput
	if err := bindJSON(c, &in); err != nil {
		s.writeSignerError(c, err)
		return
	}
	if err := s.engine.Codes.VerifyCode(c.Request.Context(), c.Param("token"), in.Code, actorFrom(c)); err != nil {
		s.writeSignerError(c, err)
		return
	}
	c.JSON(http.StatusOK, signerResponse{Success: true, Message: "Code verified. You can now sign the document."})
}

func (s *Server) handleSign(c *gin.Context) {
	var in signInput
	if err := bindJSON(c, &in); err != nil {
		s.writeSignerError(c, err)
		return
	}
	proof, err := in.proof()
	if err != nil {
		s.writeSignerError(c, err)
		return
	}
	res, err := s.engine.Signers.Sign(c.Request.Context(), c.Param("token"), proof, actorFrom(c))
	if err != nil {
		s.writeSignerError(c, err)
		return
	}
	msg := "Thank you. Your signature has been recorded."
	if res.Completed {
		msg = "Thank you. All parties have now signed the document."
	}
	c.JSON(http.StatusOK, signerResponse{Success: true, Message: msg, Redirect: res.Redirect})
}

func (s *Server) handleReject(c *gin.Context) {
	var in rejectInput
	if err := bindJSON(c, &in); err != nil {
		s.writeSignerError(c, err)
		return
	}
	if _, err := s.engine.Signers.Reject(c.Request.Context(), c.Param("token"), in.Reason, actorFrom(c)); err != nil {
		s.writeSignerError(c, err)
		return
	}
	c.JSON(http.StatusOK, signerResponse{Success: true, Message: "You have declined to sign this document."})
}

func (in signInput) proof() (domain.SignatureProof, error) {
	verr := &domain.ValidationError{}
	image, err := decodeBinary(in.SignatureImage)
	if err != nil {
		verr.Add("signatureImage", "must be base64 or a data URL")
	}
	cms, err := decodeBinary(in.CertificateSignature)
	if err != nil {
		verr.Add("certificateSignature", "must be base64")
	}
	if err := verr.OrNil(); err != nil {
		return domain.SignatureProof{}, err
	}
	return domain.SignatureProof{
		Image:                image,
		VerificationCode:     strings.TrimSpace(in.VerificationCode),
		CertificateRef:       strings.TrimSpace(in.CertificateRef),
		CertificateSignature: cms,
	}, nil
}

// decodeBinary accepts plain or URL-safe base64 and data URLs as produced
// by canvas.toDataURL.
func decodeBinary(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "data:") {
		if i := strings.Index(value, ","); i >= 0 {
			value = value[i+1:]
		}
	}
	if b, err := base64.StdEncoding.DecodeString(value); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
}

func buildSignerView(v usecase.SignerView) signerViewResponse {
	return signerViewResponse{
		RequestUID:      v.RequestUID,
		DocumentName:    v.DocumentName,
		DocumentHash:    v.DocumentHash,
		SignatureType:   string(v.SignatureType),
		Sequential:      v.Sequential,
		Message:         v.Message,
		RequestStatus:   string(v.RequestStatus),
		ExpiresAt:       v.ExpiresAt,
		SignedCount:     v.SignedCount,
		TotalSigners:    v.TotalSigners,
		ProgressPercent: v.ProgressPercent,
		Signer: signerSummaryOutput{
			Name:       v.Signer.Name,
			Email:      v.Signer.Email,
			Role:       v.Signer.Role,
			Order:      v.Signer.Order,
			Status:     string(v.Signer.Status),
			ViewedAt:   v.Signer.ViewedAt,
			SignedAt:   v.Signer.SignedAt,
			RejectedAt: v.Signer.RejectedAt,
		},
		State:           v.State,
		CanSign:         v.CanSign,
		CodeRequired:    v.CodeRequired,
		CodeOutstanding: v.CodeOutstanding,
		CodeVerified:    v.CodeVerified,
	}
}
