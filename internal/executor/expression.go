package executor

import (
	"fmt"
	"sync"

	"github.com/Knetic/govaluate"
)

// DefaultRetryCondition stops retrying a task whose worker has breached the
// memory ceiling twice.
const DefaultRetryCondition = "kind != 'RESOURCE_LIMIT_EXCEEDED' || violations < 2"

// ExpressionFunctionRegistry allows registration of custom functions for retry conditions.
type ExpressionFunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var globalExprFuncRegistry = &ExpressionFunctionRegistry{functions: make(map[string]govaluate.ExpressionFunction)}

// RegisterExpressionFunction allows users to register a custom function for expressions.
func RegisterExpressionFunction(name string, fn govaluate.ExpressionFunction) {
	globalExprFuncRegistry.mu.Lock()
	defer globalExprFuncRegistry.mu.Unlock()
	globalExprFuncRegistry.functions[name] = fn
}

// getWhitelistedFunctions returns the built-ins plus registered functions.
func getWhitelistedFunctions() map[string]govaluate.ExpressionFunction {
	whitelist := map[string]govaluate.ExpressionFunction{
		"min": func(args ...interface{}) (interface{}, error) { return pick(args, func(a, b float64) bool { return a < b }) },
		"max": func(args ...interface{}) (interface{}, error) { return pick(args, func(a, b float64) bool { return a > b }) },
	}
	globalExprFuncRegistry.mu.RLock()
	defer globalExprFuncRegistry.mu.RUnlock()
	for k, v := range globalExprFuncRegistry.functions {
		whitelist[k] = v
	}
	return whitelist
}

func pick(args []interface{}, better func(a, b float64) bool) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least one argument")
	}
	var best float64
	for i, arg := range args {
		v, ok := arg.(float64)
		if !ok {
			return nil, fmt.Errorf("argument %d is not a number", i)
		}
		if i == 0 || better(v, best) {
			best = v
		}
	}
	return best, nil
}

// ValidateExpression checks if an expression compiles.
func ValidateExpression(expr string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expr, getWhitelistedFunctions())
	return err
}

// RetryInput is the parameter set a retry condition is evaluated against.
type RetryInput struct {
	Attempt    int
	MaxRetries int
	Kind       string
	Violations int
}

// RetryPolicy is a boolean condition deciding whether a retryable failure
// gets another attempt. Parameters: attempt, maxRetries, kind, violations.
type RetryPolicy struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// NewRetryPolicy compiles expression. An empty expression yields nil.
func NewRetryPolicy(expression string) (*RetryPolicy, error) {
	if expression == "" {
		return nil, nil
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(expression, getWhitelistedFunctions())
	if err != nil {
		return nil, fmt.Errorf("invalid retry condition %q: %w", expression, err)
	}
	return &RetryPolicy{source: expression, expr: expr}, nil
}

// String returns the source expression.
func (p *RetryPolicy) String() string { return p.source }

// ShouldRetry evaluates the condition.
func (p *RetryPolicy) ShouldRetry(in RetryInput) (bool, error) {
	result, err := p.expr.Evaluate(map[string]interface{}{
		"attempt":    float64(in.Attempt),
		"maxRetries": float64(in.MaxRetries),
		"kind":       in.Kind,
		"violations": float64(in.Violations),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate retry condition: %w", err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("retry condition %q returned %T, want bool", p.source, result)
	}
	return ok, nil
}
