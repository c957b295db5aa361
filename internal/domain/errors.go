package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrOutOfTurn       = errors.New("out of turn")
	ErrExpired         = errors.New("expired")
	ErrCancelled       = errors.New("cancelled")
	ErrAlreadyActed    = errors.New("already acted")
	ErrRateLimited     = errors.New("rate limited")
	ErrInvalidCode     = errors.New("invalid code")
	ErrAlreadyTerminal = errors.New("already terminal")
	ErrIntegrity       = errors.New("document integrity check failed")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
)

// ValidationError collects per-field problems found while validating input.
type ValidationError struct {
	Problems []FieldProblem
}

type FieldProblem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Add(field, format string, args ...any) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Problems) == 0
}

// OrNil returns e when it holds problems and nil otherwise.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if e.Empty() {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Field == "" {
			parts = append(parts, p.Message)
			continue
		}
		parts = append(parts, p.Field+": "+p.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// RateLimitError reports how long the caller has to wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	secs := int(e.RetryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%s: retry in %ds", ErrRateLimited.Error(), secs)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

func invalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
