package operations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/pkg/schema"
)

const conditionSchema = `{
  "type": "object",
  "required": ["rule"],
  "properties": {
    "rule": {"type": "string", "minLength": 1},
    "engine": {"type": "string", "enum": ["cel", "expr"]}
  },
  "additionalProperties": false
}`

type conditionOptions struct {
	Rule   string `json:"rule"`
	Engine string `json:"engine"`
}

// conditionOp evaluates a boolean rule over the run scope and selects the
// success or failure branch. The rule engines carry no clock or randomness,
// so the same scope and rule always select the same branch.
type conditionOp struct {
	engines *expressions.Engines
}

// NewCondition creates the condition operation.
func NewCondition(engines *expressions.Engines) Operation {
	return &conditionOp{engines: engines}
}

func (o *conditionOp) Type() string { return TypeCondition }

func (o *conditionOp) Definition() Definition {
	return Definition{
		Description:   "Evaluate a boolean rule (CEL by default, or expr) against steps, inputs and workflow; selects branch success or failure",
		OptionsSchema: json.RawMessage(conditionSchema),
		Branches:      []string{BranchSuccess, BranchFailure},
	}
}

// CheckOptions compiles the rule so syntax errors surface at registration.
func (o *conditionOp) CheckOptions(options json.RawMessage) error {
	var opts conditionOptions
	if err := decodeOptions(o.Type(), options, &opts); err != nil {
		return err
	}
	switch opts.engineName() {
	case "expr":
		eng, err := o.engines.Get("expr")
		if err != nil {
			return err
		}
		_, err = eng.(*expressions.ExprEngine).Compile(opts.Rule)
		return err
	default:
		eng, err := o.engines.Get("cel")
		if err != nil {
			return err
		}
		_, err = eng.(*expressions.CELEngine).Compile(opts.Rule)
		return err
	}
}

func (o *conditionOp) Execute(ctx context.Context, options json.RawMessage, scope *expressions.Scope) (*Result, error) {
	var opts conditionOptions
	if err := decodeOptions(o.Type(), options, &opts); err != nil {
		return nil, err
	}

	eng, err := o.engines.Get(opts.engineName())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	out, err := eng.Evaluate(ctx, opts.Rule, scope.Env())
	if err != nil {
		return nil, err
	}

	passed, ok := out.(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"condition rule %q must evaluate to a boolean, got %s", opts.Rule, fmt.Sprintf("%T", out)).
			WithDetails(map[string]any{"rule": opts.Rule})
	}

	branch := BranchFailure
	if passed {
		branch = BranchSuccess
	}
	return &Result{
		Success: true,
		Data:    map[string]any{"result": passed, "rule": opts.Rule},
		Branch:  branch,
	}, nil
}

func (c conditionOptions) engineName() string {
	if c.Engine == "" {
		return "cel"
	}
	return c.Engine
}
