package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating transition conditions.
type Evaluator interface {
	// Evaluate runs expression against the instance context. The context is never modified.
	Evaluate(expression string, context map[string]interface{}) (bool, error)
	// Compile checks that expression parses, without evaluating it.
	Compile(expression string) error
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc exposes a derived value under name. f receives the instance
// context and its result is visible to every expression.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Compile parses expression and caches the program.
func (e *ExprEvaluator) Compile(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.program(expression)
	return err
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate evaluates the given expression against the provided context.
// An empty expression is the default branch and is always true.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	env := make(map[string]interface{}, len(context)+len(e.optionsFunc))
	for k, v := range context {
		env[k] = v
	}
	e.mu.RLock()
	for k, f := range e.optionsFunc {
		env[k] = f(context)
	}
	e.mu.RUnlock()

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
