package schema

// Event type constants for the run event log.
const (
	EventRunStarted      = "run_started"
	EventRunResumed      = "run_resumed"
	EventRunSuspended    = "run_suspended"
	EventRunCompleted    = "run_completed"
	EventRunCompensating = "run_compensating"
	EventRunCompensated  = "run_compensated"
	EventRunFailed       = "run_failed"
	EventRunCancelled    = "run_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventBranchSelected = "branch_selected"

	EventTokenCreated   = "token_created"
	EventTokenSignaled  = "token_signaled"
	EventTokenExpired   = "token_expired"
	EventTokenCancelled = "token_cancelled"
	EventTokenRetried   = "token_retried"

	EventStepCompensated       = "step_compensated"
	EventStepCompensateSkipped = "step_compensate_skipped"
	EventCompensationFailed    = "compensation_failed"
)
