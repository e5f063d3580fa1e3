package operations

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/internal/validation"
	"github.com/rendis/sagaflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubOp is a minimal Operation for registry tests.
type stubOp struct {
	name     string
	schema   string
	branches []string
	result   *Result
}

func (s *stubOp) Type() string { return s.name }
func (s *stubOp) Definition() Definition {
	return Definition{Description: "stub", OptionsSchema: json.RawMessage(s.schema), Branches: s.branches}
}
func (s *stubOp) Execute(context.Context, json.RawMessage, *expressions.Scope) (*Result, error) {
	return s.result, nil
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewRegistry(v)
}

func TestRegistry_Register(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(&stubOp{name: "stub"}))
	assert.True(t, reg.Has("stub"))

	got, err := reg.Get("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", got.Type())
}

func TestRegistry_RegisterRejects(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(&stubOp{name: "dup"}))

	err := reg.Register(&stubOp{name: "dup"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	err = reg.Register(nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = reg.Register(&stubOp{name: ""})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = reg.Register(&stubOp{name: "badschema", schema: `{"type": 7}`})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.False(t, reg.Has("badschema"))
}

func TestRegistry_GetNotFound(t *testing.T) {
	_, err := newRegistry(t).Get("missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(&stubOp{name: "zeta"}))
	require.NoError(t, reg.Register(&stubOp{name: "alpha"}))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Type)
	assert.Equal(t, "zeta", list[1].Type)
}

func TestRegistry_ExecuteUndeclaredBranch(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(&stubOp{
		name:     "router",
		branches: []string{"left"},
		result:   &Result{Success: true, Branch: "right"},
	}))

	_, err := reg.Execute(context.Background(), "router", nil, &expressions.Scope{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownBranch))
}

func TestRegistry_ExecuteNilResultIsSuccess(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(&stubOp{name: "noop"}))

	res, err := reg.Execute(context.Background(), "noop", nil, &expressions.Scope{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRegistry_ValidateOptions(t *testing.T) {
	reg, err := NewDefaultRegistry(mustValidator(t), Config{})
	require.NoError(t, err)

	assert.NoError(t, reg.ValidateOptions("condition", json.RawMessage(`{"rule":"true"}`), true))

	err = reg.ValidateOptions("condition", json.RawMessage(`{"rule":"true","extra":1}`), true)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = reg.ValidateOptions("condition", json.RawMessage(`{"rule":"1 +"}`), true)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = reg.ValidateOptions("condition", json.RawMessage(`{"rule":"true"`), false)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	// References are only checkable after interpolation.
	assert.NoError(t, reg.ValidateOptions("sleep", json.RawMessage(`{"duration_ms":"${{ inputs.wait }}"}`), true))
	err = reg.ValidateOptions("sleep", json.RawMessage(`{"duration_ms":"${{ inputs.wait }}"}`), false)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = reg.ValidateOptions("nope", nil, true)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestDefaultRegistry_Builtins(t *testing.T) {
	reg, err := NewDefaultRegistry(mustValidator(t), Config{})
	require.NoError(t, err)

	var names []string
	for _, info := range reg.List() {
		names = append(names, info.Type)
		assert.NotEmpty(t, info.Description)
		assert.NotEmpty(t, info.OptionsSchema)
	}
	assert.Equal(t, []string{"condition", "evaluate", "set", "sleep", "transform"}, names)
}

func mustValidator(t *testing.T) validation.Validator {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}
