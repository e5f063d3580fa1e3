package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/sagaflow/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// The read of the next sequence and the insert share one transaction; with a
// single open connection this serializes writers.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, token_id, event_type, payload, sequence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), nullStr(event.TokenID), event.Type,
		nullRaw(event.Payload), seq, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}

	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, token_id, event_type, payload, sequence, timestamp
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, tokenID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &tokenID, &e.Type, &payload, &e.Sequence, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.TokenID = tokenID.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// StepTrace is the per-step view reconstructed from a run's event log.
type StepTrace struct {
	StepID       string                   `json:"step_id"`
	Status       string                   `json:"status"`
	StartedAt    *time.Time               `json:"started_at,omitempty"`
	CompletedAt  *time.Time               `json:"completed_at,omitempty"`
	DurationMs   int64                    `json:"duration_ms,omitempty"`
	Attempts     int                      `json:"attempts"`
	Branch       string                   `json:"branch,omitempty"`
	Compensation schema.CompensationState `json:"compensation,omitempty"`
	Error        json.RawMessage          `json:"error,omitempty"`
}

// Step trace statuses.
const (
	TraceRunning   = "running"
	TraceSuspended = "suspended"
	TraceCompleted = "completed"
	TraceFailed    = "failed"
)

// Timeline is the replayed history of a run.
type Timeline struct {
	RunID      string       `json:"run_id"`
	LastStatus string       `json:"last_status,omitempty"`
	Events     int          `json:"events"`
	Steps      []*StepTrace `json:"steps"`
}

// Replay folds a run's events into a Timeline, in first-seen step order.
// A gap in the sequence numbers is reported as a STORE_ERROR.
func Replay(ctx context.Context, s Store, runID string) (*Timeline, error) {
	events, err := s.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	tl := &Timeline{RunID: runID, Events: len(events), Steps: []*StepTrace{}}
	traces := make(map[string]*StepTrace)

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}

		if status, ok := runStatusByEvent[e.Type]; ok {
			tl.LastStatus = string(status)
		}
		if e.StepID == "" {
			continue
		}

		st, ok := traces[e.StepID]
		if !ok {
			st = &StepTrace{StepID: e.StepID}
			traces[e.StepID] = st
			tl.Steps = append(tl.Steps, st)
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			st.Status = TraceRunning
			st.Attempts++
			if st.StartedAt == nil {
				st.StartedAt = &ts
			}
		case schema.EventTokenCreated, schema.EventTokenRetried:
			st.Status = TraceSuspended
		case schema.EventStepCompleted:
			st.Status = TraceCompleted
			st.CompletedAt = &ts
			if st.StartedAt != nil {
				st.DurationMs = ts.Sub(*st.StartedAt).Milliseconds()
			}
		case schema.EventStepFailed:
			st.Status = TraceFailed
			st.Error = e.Payload
		case schema.EventBranchSelected:
			var p struct {
				Branch string `json:"branch"`
			}
			if json.Unmarshal(e.Payload, &p) == nil {
				st.Branch = p.Branch
			}
		case schema.EventStepCompensated:
			st.Compensation = schema.CompensationDone
		case schema.EventStepCompensateSkipped:
			st.Compensation = schema.CompensationSkipped
		case schema.EventCompensationFailed:
			st.Compensation = schema.CompensationFailedState
			st.Error = e.Payload
		}
	}
	return tl, nil
}

var runStatusByEvent = map[string]schema.RunStatus{
	schema.EventRunStarted:      schema.RunStatusRunning,
	schema.EventRunResumed:      schema.RunStatusRunning,
	schema.EventRunSuspended:    schema.RunStatusSuspended,
	schema.EventRunCompleted:    schema.RunStatusCompleted,
	schema.EventRunCompensating: schema.RunStatusCompensating,
	schema.EventRunCompensated:  schema.RunStatusCompensated,
	schema.EventRunFailed:       schema.RunStatusFailed,
}
