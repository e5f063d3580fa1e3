package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning      RunStatus = "running"
	RunStatusSuspended    RunStatus = "suspended"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCompensating RunStatus = "compensating"
	RunStatusCompensated  RunStatus = "compensated"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCompensated
}

// TokenStatus represents the lifecycle state of a suspension token.
type TokenStatus string

const (
	TokenStatusWaiting   TokenStatus = "waiting"
	TokenStatusSignaled  TokenStatus = "signaled"
	TokenStatusExpired   TokenStatus = "expired"
	TokenStatusCancelled TokenStatus = "cancelled"
)

// TokenKind distinguishes externally signaled suspensions from timer-driven ones.
type TokenKind string

const (
	// TokenKindSignal waits for an external signal; expiry is a failure (or a retry).
	TokenKindSignal TokenKind = "signal"
	// TokenKindTimer resumes the run when the deadline passes (sleep operation).
	TokenKindTimer TokenKind = "timer"
)

// CompensationState is the per-entry unwind marker in a run's completed-step log.
type CompensationState string

const (
	CompensationPending     CompensationState = ""
	CompensationDone        CompensationState = "compensated"
	CompensationSkipped     CompensationState = "skipped"
	CompensationFailedState CompensationState = "failed"
)
