package http

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"countersign/internal/domain"
	"countersign/internal/usecase"

	"github.com/gin-gonic/gin"
)

type createSignerInput struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
	Role  string `json:"role"`
	Order int    `json:"order" binding:"min=0"`
}

type createRequestInput struct {
	DocumentRef    string              `json:"document_ref" binding:"required"`
	DocumentName   string              `json:"document_name"`
	DocumentHash   string              `json:"document_hash" binding:"required"`
	SignatureType  string              `json:"signature_type" binding:"required"`
	Sequential     bool                `json:"sequential"`
	Signers        []createSignerInput `json:"signers" binding:"required,min=1,dive"`
	ExpiresAt      *time.Time          `json:"expires_at"`
	Message        string              `json:"message"`
	RequesterEmail string              `json:"requester_email" binding:"omitempty,email"`
}

type cancelInput struct {
	Reason string `json:"reason"`
}

type documentResponse struct {
	DocumentRef  string `json:"document_ref"`
	DocumentHash string `json:"document_hash"`
	ContentType  string `json:"content_type"`
	Size         int    `json:"size"`
}

type requestResponse struct {
	ID             string       `json:"id"`
	UID            string       `json:"uid"`
	DocumentRef    string       `json:"document_ref"`
	DocumentName   string       `json:"document_name"`
	DocumentHash   string       `json:"document_hash"`
	SignatureType  string       `json:"signature_type"`
	Sequential     bool         `json:"sequential"`
	Status         string       `json:"status"`
	Message        string       `json:"message,omitempty"`
	RequesterEmail string       `json:"requester_email,omitempty"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	SentAt         *time.Time   `json:"sent_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	CancelledAt    *time.Time   `json:"cancelled_at,omitempty"`
	CancelReason   string       `json:"cancel_reason,omitempty"`
	SignedCount    int          `json:"signed_count"`
	TotalSigners   int          `json:"total_signers"`
	Signers        []signerItem `json:"signers"`
}

type signerItem struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	Email                  string     `json:"email"`
	Role                   string     `json:"role"`
	Order                  int        `json:"order"`
	Status                 string     `json:"status"`
	SigningURL             string     `json:"signing_url"`
	ViewedAt               *time.Time `json:"viewed_at,omitempty"`
	SignedAt               *time.Time `json:"signed_at,omitempty"`
	RejectedAt             *time.Time `json:"rejected_at,omitempty"`
	RejectionReason        string     `json:"rejection_reason,omitempty"`
	CertificateRef         string     `json:"certificate_ref,omitempty"`
	CertificateSubject     string     `json:"certificate_subject,omitempty"`
	CertificateFingerprint string     `json:"certificate_fingerprint,omitempty"`
}

type auditResponse struct {
	SigningRequestID string             `json:"signing_request_id"`
	ChainValid       bool               `json:"chain_valid"`
	ChainError       string             `json:"chain_error,omitempty"`
	Entries          []auditEntryOutput `json:"entries"`
}

type auditEntryOutput struct {
	Seq         int64     `json:"seq"`
	Action      string    `json:"action"`
	SignerID    string    `json:"signer_id,omitempty"`
	Description string    `json:"description,omitempty"`
	ActorIP     string    `json:"actor_ip,omitempty"`
	ActorAgent  string    `json:"actor_agent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	PrevHash    string    `json:"prev_hash"`
	EntryHash   string    `json:"entry_hash"`
}

type statusResponse struct {
	UID             string               `json:"uid"`
	DocumentName    string               `json:"documentName"`
	Status          string               `json:"status"`
	TotalSigners    int                  `json:"totalSigners"`
	SignedCount     int                  `json:"signedCount"`
	ProgressPercent int                  `json:"progressPercent"`
	Signers         []statusSignerOutput `json:"signers"`
}

type statusSignerOutput struct {
	Name     string     `json:"name"`
	Role     string     `json:"role"`
	Status   string     `json:"status"`
	SignedAt *time.Time `json:"signedAt,omitempty"`
}

func (s *Server) handleUploadDocument(c *gin.Context) {
	limit := s.cfg.MaxDocumentBytes
	if limit <= 0 {
		limit = 25 << 20
	}
	body := http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(c, http.StatusRequestEntityTooLarge, "DOCUMENT_TOO_LARGE", "document exceeds the size limit")
			return
		}
		writeErrorCode(c, http.StatusBadRequest, "INVALID_BODY", "could not read document")
		return
	}
	doc, err := s.engine.Orchestrator.UploadDocument(c.Request.Context(), c.GetHeader("X-Document-Name"), data)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, documentResponse{
		DocumentRef:  doc.Ref,
		DocumentHash: doc.Hash,
		ContentType:  doc.ContentType,
		Size:         doc.Size,
	})
}

func (s *Server) handleCreateRequest(c *gin.Context) {
	var in createRequestInput
	if err := bindJSON(c, &in); err != nil {
		s.writeError(c, err)
		return
	}
	signers := make([]usecase.SignerInput, 0, len(in.Signers))
	for _, sg := range in.Signers {
		signers = append(signers, usecase.SignerInput{Name: sg.Name, Email: sg.Email, Role: sg.Role, Order: sg.Order})
	}
	req, err := s.engine.Orchestrator.Create(c.Request.Context(), usecase.CreateInput{
		DocumentRef:    in.DocumentRef,
		DocumentName:   in.DocumentName,
		DocumentHash:   strings.ToLower(strings.TrimSpace(in.DocumentHash)),
		SignatureType:  domain.SignatureType(strings.ToLower(in.SignatureType)),
		Sequential:     in.Sequential,
		Signers:        signers,
		ExpiresAt:      in.ExpiresAt,
		Message:        in.Message,
		RequesterEmail: in.RequesterEmail,
		Actor:          actorFrom(c),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.buildRequestResponse(req))
}

func (s *Server) handleGetRequest(c *gin.Context) {
	req, err := s.engine.Orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.buildRequestResponse(req))
}

func (s *Server) handleSendRequest(c *gin.Context) {
	req, err := s.engine.Orchestrator.Send(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.buildRequestResponse(req))
}

func (s *Server) handleCancelRequest(c *gin.Context) {
	var in cancelInput
	if c.Request.ContentLength != 0 {
		if err := bindJSON(c, &in); err != nil {
			s.writeError(c, err)
			return
		}
	}
	req, err := s.engine.Orchestrator.Cancel(c.Request.Context(), c.Param("id"), in.Reason, actorFrom(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.buildRequestResponse(req))
}

func (s *Server) handleDeleteRequest(c *gin.Context) {
	if err := s.engine.Orchestrator.Delete(c.Request.Context(), c.Param("id"), actorFrom(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAudit(c *gin.Context) {
	trail, err := s.engine.Audit.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := auditResponse{
		SigningRequestID: trail.RequestID,
		ChainValid:       trail.ChainValid,
		ChainError:       trail.ChainError,
		Entries:          make([]auditEntryOutput, 0, len(trail.Entries)),
	}
	for _, e := range trail.Entries {
		out.Entries = append(out.Entries, auditEntryOutput{
			Seq:         e.Seq,
			Action:      string(e.Action),
			SignerID:    e.SignerID,
			Description: e.Description,
			ActorIP:     e.ActorIP,
			ActorAgent:  e.ActorAgent,
			CreatedAt:   e.CreatedAt,
			PrevHash:    e.PrevHash,
			EntryHash:   e.EntryHash,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStatus(c *gin.Context) {
	view, err := s.engine.Orchestrator.Status(c.Request.Context(), c.Param("uid"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := statusResponse{
		UID:             view.UID,
		DocumentName:    view.DocumentName,
		Status:          string(view.Status),
		TotalSigners:    view.TotalSigners,
		SignedCount:     view.SignedCount,
		ProgressPercent: view.ProgressPercent,
		Signers:         make([]statusSignerOutput, 0, len(view.Signers)),
	}
	for _, sg := range view.Signers {
		out.Signers = append(out.Signers, statusSignerOutput{
			Name:     sg.Name,
			Role:     sg.Role,
			Status:   string(sg.Status),
			SignedAt: sg.SignedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) buildRequestResponse(req domain.SigningRequest) requestResponse {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	out := requestResponse{
		ID:             req.ID,
		UID:            req.UID,
		DocumentRef:    req.DocumentRef,
		DocumentName:   req.DocumentName,
		DocumentHash:   req.DocumentHash,
		SignatureType:  string(req.SignatureType),
		Sequential:     req.Sequential,
		Status:         string(s.engine.Orchestrator.EffectiveStatus(req)),
		Message:        req.Message,
		RequesterEmail: req.RequesterEmail,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      req.CreatedAt,
		SentAt:         req.SentAt,
		CompletedAt:    req.CompletedAt,
		CancelledAt:    req.CancelledAt,
		CancelReason:   req.CancelReason,
		SignedCount:    req.SignedCount(),
		TotalSigners:   req.TotalSigners(),
		Signers:        make([]signerItem, 0, len(req.Signers)),
	}
	for _, sg := range req.Signers {
		out.Signers = append(out.Signers, signerItem{
			ID:                     sg.ID,
			Name:                   sg.Name,
			Email:                  sg.Email,
			Role:                   sg.Role,
			Order:                  sg.Order,
			Status:                 string(sg.Status),
			SigningURL:             base + "/sign/" + sg.AccessToken,
			ViewedAt:               sg.ViewedAt,
			SignedAt:               sg.SignedAt,
			RejectedAt:             sg.RejectedAt,
			RejectionReason:        sg.RejectionReason,
			CertificateRef:         sg.CertificateRef,
			CertificateSubject:     sg.CertificateSubject,
			CertificateFingerprint: sg.CertificateFingerprint,
		})
	}
	return out
}
