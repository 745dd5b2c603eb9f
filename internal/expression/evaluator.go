// Package expression evaluates boolean condition expressions against an
// argument map. Compiled programs are cached so repeated evaluation of the
// same declarative rule is cheap.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and caches condition expressions.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates a boolean expression with the given variables.
// Parameters appear as top-level variables, so a conditional rule can be
// written as `kind == "bulk"` or `len(recipients) > 10`.
// An empty expression defaults to true.
func (e *Evaluator) Evaluate(expression string, vars map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	result, err := expr.Run(program, vars)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q must return boolean, got %T", expression, result)
	}

	return boolResult, nil
}

// Validate compiles an expression without running it, catching syntax
// errors at definition-load time.
func (e *Evaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(expression)
	return err
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		// Arguments are supplied at runtime; absent ones evaluate as nil
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}
