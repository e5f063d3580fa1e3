package operations

import (
	"context"
	"encoding/json"

	"github.com/rendis/sagaflow/internal/expressions"
)

const setSchema = `{
  "type": "object",
  "required": ["value"],
  "properties": {"value": {}},
  "additionalProperties": false
}`

type setOp struct{}

// NewSet creates the set operation, which emits its (interpolated) value.
func NewSet() Operation { return setOp{} }

func (setOp) Type() string { return TypeSet }

func (setOp) Definition() Definition {
	return Definition{
		Description:   "Emit options.value as the step output; ${{ }} references are resolved first",
		OptionsSchema: json.RawMessage(setSchema),
	}
}

func (o setOp) Execute(_ context.Context, options json.RawMessage, _ *expressions.Scope) (*Result, error) {
	var opts struct {
		Value any `json:"value"`
	}
	if err := decodeOptions(o.Type(), options, &opts); err != nil {
		return nil, err
	}
	return &Result{Success: true, Data: opts.Value}, nil
}
