package schema

import "encoding/json"

// FlowDefinition is the JSON-serializable form of an operation-only workflow,
// as produced by a visual-flow editor and registered through sagaflow.define.
type FlowDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Steps       []FlowStep      `json:"steps"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// FlowStep is one node of a FlowDefinition. Steps run in declared order unless
// Next or Branches redirect the cursor.
type FlowStep struct {
	ID        string            `json:"id"`
	Operation string            `json:"operation"`
	Options   json.RawMessage   `json:"options,omitempty"`
	Next      string            `json:"next,omitempty"`
	Branches  map[string]string `json:"branches,omitempty"` // branch name -> step ID
	Async     *FlowAsyncPolicy  `json:"async,omitempty"`
}

// FlowAsyncPolicy marks a flow step as waiting for an external signal after it executes.
type FlowAsyncPolicy struct {
	Timeout    string `json:"timeout"`               // Go duration, e.g. "1h"
	MaxRetries int    `json:"max_retries,omitempty"` // re-issues of the token after expiry
}
