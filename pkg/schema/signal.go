package schema

// Outcome is the payload an external trigger delivers when signaling a suspension token.
// A failed outcome is treated as a failure of the suspended step.
type Outcome struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SuccessOutcome is shorthand for a successful outcome carrying output.
func SuccessOutcome(output any) Outcome {
	return Outcome{Success: true, Output: output}
}

// FailureOutcome is shorthand for a failed outcome with a reason.
func FailureOutcome(reason string) Outcome {
	return Outcome{Success: false, Error: reason}
}
