package http

import (
	"errors"
	"net/http"

	"countersign/internal/domain"
	"countersign/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorClass struct {
	status int
	code   string
	state  usecase.PageState
}

// classify maps domain errors to transport status. ok is false for
// infrastructure failures.
func classify(err error) (errorClass, bool) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return errorClass{status: http.StatusBadRequest, code: "VALIDATION_FAILED"}, true
	case errors.Is(err, domain.ErrNotFound):
		return errorClass{status: http.StatusNotFound, code: "NOT_FOUND"}, true
	case errors.Is(err, domain.ErrRateLimited):
		return errorClass{status: http.StatusTooManyRequests, code: "RATE_LIMITED"}, true
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return errorClass{status: http.StatusConflict, code: "ALREADY_COMPLETED", state: usecase.PageCompleted}, true
	case errors.Is(err, domain.ErrNotSent):
		return errorClass{status: http.StatusConflict, code: "NOT_SENT", state: usecase.PageNotSent}, true
	case errors.Is(err, domain.ErrOutOfTurn):
		return errorClass{status: http.StatusConflict, code: "OUT_OF_TURN", state: usecase.PageWaitingTurn}, true
	case errors.Is(err, domain.ErrRequestExpired):
		return errorClass{status: http.StatusGone, code: "EXPIRED", state: usecase.PageExpired}, true
	case errors.Is(err, domain.ErrExpired):
		return errorClass{status: http.StatusBadRequest, code: "CODE_EXPIRED"}, true
	case errors.Is(err, domain.ErrRequestRejected):
		return errorClass{status: http.StatusGone, code: "REJECTED", state: usecase.PageRejected}, true
	case errors.Is(err, domain.ErrCancelled):
		return errorClass{status: http.StatusGone, code: "CANCELLED", state: usecase.PageCancelled}, true
	case errors.Is(err, domain.ErrAlreadyActed):
		return errorClass{status: http.StatusConflict, code: "ALREADY_ACTED"}, true
	case errors.Is(err, domain.ErrInvalidCode):
		return errorClass{status: http.StatusBadRequest, code: "INVALID_CODE"}, true
	case errors.Is(err, domain.ErrAlreadyTerminal):
		return errorClass{status: http.StatusConflict, code: "ALREADY_TERMINAL"}, true
	case errors.Is(err, domain.ErrInvalidState):
		return errorClass{status: http.StatusConflict, code: "INVALID_STATE"}, true
	case errors.Is(err, domain.ErrConflict):
		return errorClass{status: http.StatusConflict, code: "CONFLICT"}, true
	case errors.Is(err, domain.ErrIntegrity):
		return errorClass{status: http.StatusInternalServerError, code: "INTEGRITY_FAILED"}, true
	case errors.Is(err, domain.ErrUnauthorized):
		return errorClass{status: http.StatusUnauthorized, code: "UNAUTHORIZED"}, true
	default:
		return errorClass{status: http.StatusInternalServerError, code: "INTERNAL"}, false
	}
}

func errorDetails(c *gin.Context, err error) map[string]any {
	var details map[string]any
	var verr *domain.ValidationError
	if errors.As(err, &verr) && len(verr.Problems) > 0 {
		details = map[string]any{"problems": verr.Problems}
	}
	var rerr *domain.RateLimitError
	if errors.As(err, &rerr) {
		retry := retryAfterSeconds(rerr.RetryAfter)
		c.Header("Retry-After", retry)
		details = map[string]any{"retry_after_seconds": retry}
	}
	return details
}

func (s *Server) writeError(c *gin.Context, err error) {
	class, known := classify(err)
	if !known || class.code == "INTEGRITY_FAILED" {
		s.log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	if !known {
		writeErrorCode(c, class.status, class.code, "internal error")
		return
	}
	c.JSON(class.status, errorResponse{Code: class.code, Message: err.Error(), Details: errorDetails(c, err)})
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}

type signerResponse struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	Code       string            `json:"code,omitempty"`
	State      usecase.PageState `json:"state,omitempty"`
	Redirect   string            `json:"redirect,omitempty"`
	RetryAfter string            `json:"retryAfterSeconds,omitempty"`
	Problems   any               `json:"problems,omitempty"`
}

// writeSignerError answers the public signing page. Closed and waiting
// states get their own wording so the page can frame them.
func (s *Server) writeSignerError(c *gin.Context, err error) {
	class, known := classify(err)
	if !known || class.code == "INTEGRITY_FAILED" {
		s.log.Error("signer request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	if !known {
		c.JSON(class.status, signerResponse{Code: class.code, Message: "Something went wrong. Please try again later."})
		return
	}
	resp := signerResponse{Code: class.code, State: class.state, Message: signerMessage(class, err)}
	if d := errorDetails(c, err); d != nil {
		if v, ok := d["retry_after_seconds"].(string); ok {
			resp.RetryAfter = v
		}
		resp.Problems = d["problems"]
	}
	c.JSON(class.status, resp)
}

func signerMessage(class errorClass, err error) string {
	switch class.state {
	case usecase.PageCompleted:
		return "This document has already been fully signed. No further action is needed."
	case usecase.PageWaitingTurn:
		return "It is not your turn to sign yet. You will be notified when it is."
	case usecase.PageExpired:
		return "This signing request has expired."
	case usecase.PageRejected:
		return "This signing request was declined by a signer and is closed."
	case usecase.PageCancelled:
		return "This signing request was cancelled by the sender."
	case usecase.PageNotSent:
		return "This signing request is not open for signing yet."
	}
	switch class.code {
	case "NOT_FOUND":
		return "This signing link is not valid."
	case "ALREADY_ACTED":
		return "You have already responded to this signing request."
	case "INVALID_CODE":
		return "The verification code is not correct."
	case "CODE_EXPIRED":
		return "The verification code has expired. Please request a new one."
	case "RATE_LIMITED":
		return "Please wait before requesting another code."
	case "INTEGRITY_FAILED":
		return "The document could not be verified. Please contact the sender."
	}
	return err.Error()
}

// bindJSON decodes the body and turns binding failures into a
// ValidationError with one problem per field.
func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		verr := &domain.ValidationError{}
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			for _, fe := range fields {
				verr.Add(fe.Field(), "failed %q check", fe.Tag())
			}
			return verr
		}
		verr.Add("", "invalid json")
		return verr
	}
	return nil
}
