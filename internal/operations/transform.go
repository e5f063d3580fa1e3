package operations

import (
	"context"
	"encoding/json"

	"github.com/rendis/sagaflow/internal/expressions"
)

const transformSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {"query": {"type": "string", "minLength": 1}},
  "additionalProperties": false
}`

type transformOp struct {
	jq *expressions.GoJQEngine
}

// NewTransform creates the transform operation (jq over the run scope).
func NewTransform(jq *expressions.GoJQEngine) Operation {
	return &transformOp{jq: jq}
}

func (o *transformOp) Type() string { return TypeTransform }

func (o *transformOp) Definition() Definition {
	return Definition{
		Description:   "Reshape data with a jq query over {steps, inputs, workflow}; the query result is the step output",
		OptionsSchema: json.RawMessage(transformSchema),
	}
}

func (o *transformOp) CheckOptions(options json.RawMessage) error {
	var opts struct {
		Query string `json:"query"`
	}
	if err := decodeOptions(o.Type(), options, &opts); err != nil {
		return err
	}
	_, err := o.jq.Compile(opts.Query)
	return err
}

func (o *transformOp) Execute(ctx context.Context, options json.RawMessage, scope *expressions.Scope) (*Result, error) {
	var opts struct {
		Query string `json:"query"`
	}
	if err := decodeOptions(o.Type(), options, &opts); err != nil {
		return nil, err
	}

	out, err := o.jq.Evaluate(ctx, opts.Query, scope.Env())
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Data: out}, nil
}
