package expressions

import (
	"context"
	"testing"

	"github.com/rendis/sagaflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpr_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_Arithmetic(t *testing.T) {
	out, err := NewExprEngine().Evaluate(context.Background(), "2 * (3 + 4)", nil)
	require.NoError(t, err)
	assert.Equal(t, 14, out)
}

func TestExpr_StepOutputs(t *testing.T) {
	c := NewDataChain()
	require.NoError(t, c.Append("cart", map[string]any{"items": []any{
		map[string]any{"sku": "a", "qty": 2},
		map[string]any{"sku": "b", "qty": 0},
	}}))
	env := NewScope(c, map[string]any{"min": 1}, nil).Env()

	out, err := NewExprEngine().Evaluate(context.Background(),
		`len(filter(steps.cart.output.items, .qty >= inputs.min))`, env)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestExpr_LetAndCoalesce(t *testing.T) {
	env := map[string]any{"inputs": map[string]any{"name": "ana"}}

	out, err := NewExprEngine().Evaluate(context.Background(),
		`let n = inputs.name; upper(n) + "-" + (inputs.missing ?? "none")`, env)
	require.NoError(t, err)
	assert.Equal(t, "ANA-none", out)
}

func TestExpr_CacheIndependentOfData(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `inputs.v`, map[string]any{"inputs": map[string]any{"v": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "x", out)

	out, err = e.Evaluate(context.Background(), `inputs.v`, map[string]any{"inputs": map[string]any{"v": 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Compile("1 +")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `int(inputs.s)`, map[string]any{"inputs": map[string]any{"s": "x"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepExecution))
}
