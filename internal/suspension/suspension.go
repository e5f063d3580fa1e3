// Package suspension owns suspension tokens: it creates them when a run
// enters an async or timed step and resolves each one exactly once.
package suspension

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// SuspendRequest describes a token to create.
type SuspendRequest struct {
	RunID      string
	StepID     string
	Kind       schema.TokenKind
	Timeout    time.Duration
	MaxRetries int
	// Attempt is 0 for the first token of a step and grows by one per retry.
	Attempt int
}

// Store creates and resolves suspension tokens on top of the persistence
// layer. Every resolution is a compare-and-set on a single token, so
// resolving one token never blocks or reads another.
type Store struct {
	store store.Store
	clock clock.Clock
}

// New creates a suspension Store. A nil clock means the wall clock.
func New(s store.Store, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{store: s, clock: clk}
}

// Suspend persists a waiting token whose deadline is now + Timeout.
func (s *Store) Suspend(ctx context.Context, req SuspendRequest) (*store.Token, error) {
	if req.RunID == "" || req.StepID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "suspend: run and step are required")
	}
	if req.Timeout <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "suspend: timeout must be positive, got %s", req.Timeout).
			WithStep(req.StepID)
	}
	if req.MaxRetries < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "suspend: max retries must not be negative").
			WithStep(req.StepID)
	}
	kind := req.Kind
	if kind == "" {
		kind = schema.TokenKindSignal
	}

	now := s.clock.Now().UTC()
	tok := &store.Token{
		ID:         uuid.New().String(),
		RunID:      req.RunID,
		StepID:     req.StepID,
		Kind:       kind,
		Status:     schema.TokenStatusWaiting,
		Attempt:    req.Attempt,
		MaxRetries: req.MaxRetries,
		CreatedAt:  now,
		Deadline:   now.Add(req.Timeout),
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		return nil, schema.AsSagaError(err, schema.ErrCodeStore)
	}
	return tok, nil
}

// Get returns a token by id.
func (s *Store) Get(ctx context.Context, id string) (*store.Token, error) {
	return s.store.GetToken(ctx, id)
}

// Signal resolves a waiting signal token with the given outcome.
//
// A token that is no longer waiting yields ALREADY_RESOLVED. A token whose
// deadline has passed but that the sweep has not reached yet is expired by
// this call instead: the expired token is returned together with a
// SUSPENSION_EXPIRED error, and the caller owns the expiry handling.
func (s *Store) Signal(ctx context.Context, id string, outcome schema.Outcome) (*store.Token, error) {
	tok, err := s.store.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if tok.Kind == schema.TokenKindTimer {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "token %q is a timer and resumes on its deadline", id).
			WithStep(tok.StepID)
	}

	now := s.clock.Now().UTC()
	if tok.Status == schema.TokenStatusWaiting && !now.Before(tok.Deadline) {
		expired, err := s.store.ResolveToken(ctx, id, schema.TokenStatusExpired, nil, now)
		if err != nil {
			return nil, err
		}
		return expired, schema.NewErrorf(schema.ErrCodeSuspensionExpired,
			"token %q expired at %s", id, tok.Deadline.Format(time.RFC3339)).
			WithStep(tok.StepID).
			WithDetails(map[string]any{"token_id": id, "run_id": tok.RunID, "attempt": tok.Attempt})
	}

	return s.store.ResolveToken(ctx, id, schema.TokenStatusSignaled, &outcome, now)
}

// Cancel invalidates a waiting token so no later signal can resume its run.
func (s *Store) Cancel(ctx context.Context, id string) (*store.Token, error) {
	return s.store.ResolveToken(ctx, id, schema.TokenStatusCancelled, nil, s.clock.Now().UTC())
}

// ExpireDue moves every waiting token whose deadline has passed to expired and
// returns the tokens this call transitioned. Tokens resolved concurrently are
// left out, so sweeping the same token twice fires its expiry once.
// limit <= 0 means no limit.
func (s *Store) ExpireDue(ctx context.Context, limit int) ([]*store.Token, error) {
	now := s.clock.Now().UTC()
	due, err := s.store.ListTokens(ctx, store.TokenFilter{
		Status:    schema.TokenStatusWaiting,
		DueBefore: &now,
		Limit:     limit,
	})
	if err != nil {
		return nil, schema.AsSagaError(err, schema.ErrCodeStore)
	}

	expired := make([]*store.Token, 0, len(due))
	for _, t := range due {
		tok, err := s.store.ResolveToken(ctx, t.ID, schema.TokenStatusExpired, nil, now)
		if schema.IsCode(err, schema.ErrCodeAlreadyResolved) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, tok)
	}
	return expired, nil
}
