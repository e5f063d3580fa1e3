package store

import (
	"context"
	"time"

	"github.com/rendis/sagaflow/pkg/schema"
)

// Store is the persistence collaborator for runs, suspension tokens, the
// event log and flow documents. Implementations are safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Suspension tokens
	CreateToken(ctx context.Context, tok *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)
	// ResolveToken atomically moves a waiting token to status and returns the
	// updated token. A token that is no longer waiting yields ALREADY_RESOLVED.
	// Serialization is per token.
	ResolveToken(ctx context.Context, id string, status schema.TokenStatus, outcome *schema.Outcome, at time.Time) (*Token, error)
	ListTokens(ctx context.Context, filter TokenFilter) ([]*Token, error)

	// Event log (append-only, per-run sequence starting at 1)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Flows
	SaveFlow(ctx context.Context, flow *Flow) error
	GetFlow(ctx context.Context, name string, version int) (*Flow, error)
	ListFlows(ctx context.Context) ([]*Flow, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.SagaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func alreadyResolved(tok *Token) *schema.SagaError {
	return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "token %q is %s", tok.ID, tok.Status).
		WithDetails(map[string]any{"token_id": tok.ID, "status": string(tok.Status), "run_id": tok.RunID})
}
