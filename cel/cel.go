// Package cel routes reclaimed objects to their queue with CEL expressions.
package cel

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// Evaluator struct contains the CEL expression & the cel program used to evaluate expression vs. input variables.
type Evaluator struct {
	Name       string
	Expression string
	program    cel.Program
}

// Instantiate a new CEL evaluator for a routing rule. The expression sees the object as the
// "object" map (address, type, owner, backupOwner, payload) and must yield a queue name.
func NewEvaluator(name string, expression string) (*Evaluator, error) {
	if name == "" {
		return nil, fmt.Errorf("name can't be empty string")
	}
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}

	env, err := cel.NewEnv(
		// Declare variables based on the expected context (JSON/map[string]any) data to be evaluated against.
		cel.Variable("object", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Evaluator{
		Name:       name,
		Expression: expression,
		program:    p,
	}, nil
}

// Evaluates the CEL expression passed in on initialization vs a provided object.
func (e *Evaluator) Evaluate(object map[string]any) (string, error) {
	out, _, err := e.program.Eval(map[string]any{
		"object": object,
	})
	if err != nil {
		return "", fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(""))
	if err != nil {
		return "", fmt.Errorf("error ConvertToNative, got err: %v", err)
	}

	if v, ok := nv.(string); !ok {
		return "", fmt.Errorf("error converting to string, nv: %v", nv)
	} else {
		return v, nil
	}
}
