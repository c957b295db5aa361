package policyopa

import "github.com/open-policy-agent/opa/ast"

// Creation policies may only use pure builtins; anything that reaches the
// network, the clock or randomness is rejected at load time.
var allowedBuiltins = map[string]struct{}{
	"assign":     {},
	"concat":     {},
	"count":      {},
	"endswith":   {},
	"eq":         {},
	"equal":      {},
	"gt":         {},
	"gte":        {},
	"lower":      {},
	"lt":         {},
	"lte":        {},
	"max":        {},
	"min":        {},
	"neq":        {},
	"object.get": {},
	"plus":       {},
	"minus":      {},
	"mul":        {},
	"split":      {},
	"sprintf":    {},
	"startswith": {},
	"sum":        {},
	"trim":       {},
	"upper":      {},
}

func filterBuiltins(builtins []*ast.Builtin) []*ast.Builtin {
	allowed := make([]*ast.Builtin, 0, len(builtins))
	for _, b := range builtins {
		if _, ok := allowedBuiltins[b.Name]; ok {
			allowed = append(allowed, b)
		}
	}
	return allowed
}
