// Package policyopa evaluates the request creation policy with OPA rego.
package policyopa

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"countersign/internal/domain"
	"countersign/internal/usecase"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
)

const denyQuery = "data.countersign.creation.deny"

//go:embed policy/creation.rego
var defaultPolicy string

type Limits struct {
	MaxSigners int
	MaxExpiry  time.Duration
}

type Engine struct {
	query rego.PreparedEvalQuery
}

var _ usecase.CreationPolicy = (*Engine)(nil)

// NewEngine compiles the policy at path, or the built-in one when path is empty.
func NewEngine(ctx context.Context, path string, limits Limits) (*Engine, error) {
	source, name := defaultPolicy, "creation.rego"
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy: %w", err)
		}
		source, name = string(raw), path
	}
	if limits.MaxSigners <= 0 {
		limits.MaxSigners = 50
	}
	if limits.MaxExpiry <= 0 {
		limits.MaxExpiry = 365 * 24 * time.Hour
	}

	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	store := inmem.NewFromObject(map[string]any{
		"limits": map[string]any{
			"max_signers":        limits.MaxSigners,
			"max_expiry_seconds": int64(limits.MaxExpiry / time.Second),
			"max_expiry_days":    int64(limits.MaxExpiry / (24 * time.Hour)),
		},
	})
	prepared, err := rego.New(
		rego.Query(denyQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Module(name, source),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return &Engine{query: prepared}, nil
}

type signerInput struct {
	Email string `json:"email"`
	Order int    `json:"order"`
	Role  string `json:"role"`
}

func policyInput(req domain.SigningRequest) map[string]any {
	signers := make([]signerInput, 0, len(req.Signers))
	for _, s := range req.Signers {
		signers = append(signers, signerInput{Email: s.Email, Order: s.Order, Role: s.Role})
	}
	var expiresIn int64
	if req.ExpiresAt != nil {
		expiresIn = int64(req.ExpiresAt.Sub(req.CreatedAt) / time.Second)
	}
	return map[string]any{
		"signature_type":     string(req.SignatureType),
		"sequential":         req.Sequential,
		"signer_count":       len(req.Signers),
		"signers":            signers,
		"has_expiry":         req.ExpiresAt != nil,
		"expires_in_seconds": expiresIn,
		"requester_email":    req.RequesterEmail,
	}
}

// Evaluate returns the sorted deny messages for req.
func (e *Engine) Evaluate(ctx context.Context, req domain.SigningRequest) ([]string, error) {
	if e == nil {
		return nil, errors.New("policy engine is nil")
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(policyInput(req)))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	raw, ok := results[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
	}
	denials := make([]string, 0, len(raw))
	for _, v := range raw {
		msg, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("policy deny entry is %T, want string", v)
		}
		if msg = strings.TrimSpace(msg); msg != "" {
			denials = append(denials, msg)
		}
	}
	sort.Strings(denials)
	return denials, nil
}
