package expressions

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rendis/sagaflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataChain_AppendOrder(t *testing.T) {
	c := NewDataChain()
	require.NoError(t, c.Append("A", map[string]any{"n": 1}))
	require.NoError(t, c.Append("B", "two"))
	require.NoError(t, c.Append("C", nil))

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"A", "B", "C"}, c.StepIDs())
	assert.True(t, c.Has("B"))
	assert.False(t, c.Has("D"))

	v, ok := c.Get("A")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"n": float64(1)}, v)
}

func TestDataChain_RejectsDuplicate(t *testing.T) {
	c := NewDataChain()
	require.NoError(t, c.Append("A", "v1"))

	err := c.Append("A", "v2")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	v, _ := c.Get("A")
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, c.Len())
}

func TestDataChain_EntriesAreFrozen(t *testing.T) {
	src := map[string]any{"items": []any{"x"}}
	c := NewDataChain()
	require.NoError(t, c.Append("A", src))

	// Mutating the source after append does not leak in.
	src["items"] = []any{"changed"}

	// Mutating a read copy does not leak in either.
	got, _ := c.Get("A")
	got.(map[string]any)["items"].([]any)[0] = "mutated"

	again, _ := c.Get("A")
	assert.Equal(t, []any{"x"}, again.(map[string]any)["items"])
}

func TestDataChain_NormalizesStructs(t *testing.T) {
	type receipt struct {
		OrderID string `json:"order_id"`
		Total   int    `json:"total"`
	}
	c := NewDataChain()
	require.NoError(t, c.Append("charge", receipt{OrderID: "o-1", Total: 30}))

	v, _ := c.Get("charge")
	assert.Equal(t, map[string]any{"order_id": "o-1", "total": float64(30)}, v)
}

func TestDataChain_UnserializableOutput(t *testing.T) {
	c := NewDataChain()
	err := c.Append("bad", make(chan int))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Equal(t, 0, c.Len())
}

func TestDataChain_JSONRoundTrip(t *testing.T) {
	c := NewDataChain()
	require.NoError(t, c.Append("B", 2))
	require.NoError(t, c.Append("A", 1))

	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"step_id":"B","output":2},{"step_id":"A","output":1}]`, string(b))

	restored := NewDataChain()
	require.NoError(t, json.Unmarshal(b, restored))
	assert.Equal(t, []string{"B", "A"}, restored.StepIDs())
}

func TestDataChain_UnmarshalRejectsDuplicates(t *testing.T) {
	c := NewDataChain()
	err := json.Unmarshal([]byte(`[{"step_id":"A","output":1},{"step_id":"A","output":2}]`), c)
	require.Error(t, err)
}

func TestDataChain_EmptyMarshalsAsArray(t *testing.T) {
	b, err := json.Marshal(NewDataChain())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))
}

func TestDataChain_CloneIsIndependent(t *testing.T) {
	c := NewDataChain()
	require.NoError(t, c.Append("A", 1))

	cp := c.Clone()
	require.NoError(t, cp.Append("B", 2))

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 2, cp.Len())
}

func TestDataChain_ConcurrentReads(t *testing.T) {
	c := NewDataChain()
	require.NoError(t, c.Append("A", map[string]any{"k": "v"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Outputs()
			_, _ = c.Get("A")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.Len())
}

func TestScope_Env(t *testing.T) {
	c := NewDataChain()
	require.NoError(t, c.Append("check", map[string]any{"ok": true}))

	env := NewScope(c, nil, map[string]any{"run_id": "r-1"}).Env()

	steps := env["steps"].(map[string]any)
	assert.Equal(t, map[string]any{"output": map[string]any{"ok": true}}, steps["check"])
	assert.Equal(t, map[string]any{}, env["inputs"])
	assert.Equal(t, "r-1", env["workflow"].(map[string]any)["run_id"])
}

func TestEngines_Get(t *testing.T) {
	engines, err := NewEngines()
	require.NoError(t, err)

	assert.Equal(t, []string{"cel", "expr", "jq"}, engines.Names())

	eng, err := engines.Get("expr")
	require.NoError(t, err)
	assert.Equal(t, "expr", eng.Name())

	_, err = engines.Get("lua")
	assert.Error(t, err)
}
