package operations

import (
	"context"
	"encoding/json"

	"github.com/rendis/sagaflow/internal/expressions"
)

const evaluateSchema = `{
  "type": "object",
  "required": ["expression"],
  "properties": {"expression": {"type": "string", "minLength": 1}},
  "additionalProperties": false
}`

type evaluateOp struct {
	expr *expressions.ExprEngine
}

// NewEvaluate creates the evaluate operation (expr-lang over the run scope).
func NewEvaluate(expr *expressions.ExprEngine) Operation {
	return &evaluateOp{expr: expr}
}

func (o *evaluateOp) Type() string { return TypeEvaluate }

func (o *evaluateOp) Definition() Definition {
	return Definition{
		Description:   "Compute a value with an expr-lang expression over {steps, inputs, workflow}",
		OptionsSchema: json.RawMessage(evaluateSchema),
	}
}

func (o *evaluateOp) CheckOptions(options json.RawMessage) error {
	var opts struct {
		Expression string `json:"expression"`
	}
	if err := decodeOptions(o.Type(), options, &opts); err != nil {
		return err
	}
	_, err := o.expr.Compile(opts.Expression)
	return err
}

func (o *evaluateOp) Execute(ctx context.Context, options json.RawMessage, scope *expressions.Scope) (*Result, error) {
	var opts struct {
		Expression string `json:"expression"`
	}
	if err := decodeOptions(o.Type(), options, &opts); err != nil {
		return nil, err
	}

	out, err := o.expr.Evaluate(ctx, opts.Expression, scope.Env())
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Data: out}, nil
}
