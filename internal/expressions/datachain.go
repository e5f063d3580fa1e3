package expressions

import (
	"encoding/json"
	"sync"

	"github.com/rendis/sagaflow/pkg/schema"
)

// Entry is one DataChain record: the frozen output of a completed step.
type Entry struct {
	StepID string `json:"step_id"`
	Output any    `json:"output"`
}

// DataChain is the ordered, append-only mapping from step ID to step output.
// Outputs are normalized to their JSON form and deep-copied on insert, so an
// entry never changes after it is written. Reads return copies.
type DataChain struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

// NewDataChain creates an empty chain.
func NewDataChain() *DataChain {
	return &DataChain{index: make(map[string]int)}
}

// Append records the output of stepID. A second append for the same step is
// rejected: entries are immutable once written.
func (c *DataChain) Append(stepID string, output any) error {
	frozen, err := Normalize(output)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %q output is not JSON-serializable: %s", stepID, err.Error()).
			WithStep(stepID).WithCause(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.index == nil {
		c.index = make(map[string]int)
	}
	if _, exists := c.index[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q output already recorded; data chain entries are immutable", stepID).
			WithStep(stepID)
	}

	c.index[stepID] = len(c.entries)
	c.entries = append(c.entries, Entry{StepID: stepID, Output: frozen})
	return nil
}

// Get returns a copy of the output recorded for stepID.
func (c *DataChain) Get(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[stepID]
	if !ok {
		return nil, false
	}
	return deepCopyAny(c.entries[i].Output), true
}

// Has reports whether stepID has an entry.
func (c *DataChain) Has(stepID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[stepID]
	return ok
}

// Len returns the number of entries.
func (c *DataChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StepIDs returns the step IDs in append order.
func (c *DataChain) StepIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.StepID
	}
	return ids
}

// Entries returns a deep copy of all entries in append order.
func (c *DataChain) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = Entry{StepID: e.StepID, Output: deepCopyAny(e.Output)}
	}
	return out
}

// Outputs returns a step ID -> output map snapshot.
func (c *DataChain) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.entries))
	for _, e := range c.entries {
		out[e.StepID] = deepCopyAny(e.Output)
	}
	return out
}

// Clone returns an independent copy of the chain.
func (c *DataChain) Clone() *DataChain {
	cp := NewDataChain()
	for _, e := range c.Entries() {
		cp.index[e.StepID] = len(cp.entries)
		cp.entries = append(cp.entries, e)
	}
	return cp
}

// MarshalJSON encodes the chain as an ordered array of entries.
func (c *DataChain) MarshalJSON() ([]byte, error) {
	entries := c.Entries()
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// UnmarshalJSON restores a chain encoded by MarshalJSON, rejecting duplicate step IDs.
func (c *DataChain) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	fresh := NewDataChain()
	for _, e := range entries {
		if err := fresh.Append(e.StepID, e.Output); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = fresh.entries
	c.index = fresh.index
	return nil
}

// Normalize converts v to its plain JSON representation (maps, slices,
// float64, string, bool, nil). Go structs returned by step actions become
// maps, so expression engines and persistence see the same shape.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		var out any
		if err := json.Unmarshal(val, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices; primitives are values already.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
