package operations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/sagaflow/internal/expressions"
)

// Built-in operation type names.
const (
	TypeCondition = "condition"
	TypeSleep     = "sleep"
	TypeTransform = "transform"
	TypeEvaluate  = "evaluate"
	TypeSet       = "set"
)

// Standard branch names produced by the condition operation.
const (
	BranchSuccess = "success"
	BranchFailure = "failure"
)

// Operation is a reusable step kind a workflow references by type name
// instead of supplying Go code.
type Operation interface {
	Type() string
	Definition() Definition
	// Execute runs the operation with already-interpolated, schema-valid options.
	Execute(ctx context.Context, options json.RawMessage, scope *expressions.Scope) (*Result, error)
}

// OptionsChecker is implemented by operations that can check static options
// beyond their JSON Schema (for example, compiling a rule) at registration time.
type OptionsChecker interface {
	CheckOptions(options json.RawMessage) error
}

// Definition declares an operation's contract.
type Definition struct {
	Description   string          `json:"description"`
	OptionsSchema json.RawMessage `json:"options_schema"`
	Branches      []string        `json:"branches,omitempty"`
}

// Result is the outcome of Execute.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Branch  string `json:"branch,omitempty"`
	// Error explains an unsuccessful result.
	Error string `json:"error,omitempty"`
	// Sleep > 0 asks the runner to suspend the step on a timer for this long
	// before recording Data as the step output.
	Sleep time.Duration `json:"sleep,omitempty"`
}

// Info is a registered operation summary for listing.
type Info struct {
	Type string `json:"type"`
	Definition
}
