// Package gate decides whether a node runs: the hard enabled flag first,
// then the optional condition expression evaluated against the scope.
package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"go.uber.org/zap"

	"github.com/ormasoftchile/cascade/pkg/schema"
	"github.com/ormasoftchile/cascade/pkg/scope"
)

// ErrCondition is returned when a condition cannot be compiled or evaluated.
var ErrCondition = errors.New("condition evaluation")

// ShouldSkip reports whether node must not run in scope s.
func ShouldSkip(node *schema.Node, s scope.Scope, log *zap.Logger) (bool, error) {
	if !node.IsEnabled() {
		log.Debug("skipping because node is disabled")
		return true, nil
	}
	if node.Condition == "" {
		return false, nil
	}

	condition, err := scope.Resolve(node.Condition, s)
	if err != nil {
		return false, fmt.Errorf("condition: %w", err)
	}
	ok, err := EvalCondition(condition, s)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug("skipping because of pre-condition", zap.String("condition", condition))
		return true, nil
	}
	log.Debug("pre-condition passed", zap.String("condition", condition))
	return false, nil
}

// EvalCondition evaluates a boolean expression using expr-lang.
// Scope variables are visible by name as strings; True and False are
// predeclared. Supports: port == "80", int(count) > 3, not (a in ["x", "y"]), etc.
func EvalCondition(exprStr string, s scope.Scope) (bool, error) {
	exprStr = strings.TrimSpace(exprStr)
	if exprStr == "" {
		return true, nil // empty condition = always true
	}

	env := s.Env()
	if _, ok := env["True"]; !ok {
		env["True"] = true
	}
	if _, ok := env["False"]; !ok {
		env["False"] = false
	}

	program, err := expr.Compile(exprStr, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("%w: compile %q: %v", ErrCondition, exprStr, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("%w: eval %q: %v", ErrCondition, exprStr, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q did not return bool (got %T: %v)", ErrCondition, exprStr, output, output)
	}
	return result, nil
}
