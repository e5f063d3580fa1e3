package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database. dbPath is a file URI, e.g. "file:/path/to/sagaflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

const runColumns = `id, workflow, status, cursor, input, chain, completed, token_id, pending, error,
	compensation_failed_at, created_at, updated_at, completed_at, archived_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, run *Run) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	// Same order as runColumns minus id (moved to the WHERE clause).
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET workflow = ?, status = ?, cursor = ?, input = ?, chain = ?, completed = ?,
		 token_id = ?, pending = ?, error = ?, compensation_failed_at = ?, created_at = ?, updated_at = ?,
		 completed_at = ?, archived_at = ?
		 WHERE id = ?`,
		append(args[1:], run.ID)...,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func runArgs(run *Run) ([]any, error) {
	input, err := marshalNullable(run.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal run input: %w", err)
	}
	chain := run.Chain
	if chain == nil {
		chain = expressions.NewDataChain()
	}
	chainJSON, err := json.Marshal(chain)
	if err != nil {
		return nil, fmt.Errorf("marshal run chain: %w", err)
	}
	completed := run.Completed
	if completed == nil {
		completed = []CompletedStep{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return nil, fmt.Errorf("marshal completed steps: %w", err)
	}
	pending, err := marshalNullable(run.Pending)
	if err != nil {
		return nil, fmt.Errorf("marshal pending step: %w", err)
	}
	var runErr any
	if run.Error != nil {
		b, err := json.Marshal(run.Error)
		if err != nil {
			return nil, fmt.Errorf("marshal run error: %w", err)
		}
		runErr = string(b)
	}

	return []any{
		run.ID, run.Workflow, string(run.Status), nullStr(run.Cursor), input,
		string(chainJSON), string(completedJSON), nullStr(run.TokenID), pending, runErr,
		nullStr(run.CompensationFailedAt), timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
		nullTime(run.CompletedAt), nullTime(run.ArchivedAt),
	}, nil
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var (
		status                        string
		cursor, tokenID, compFailedAt sql.NullString
		input, pending, runErr        sql.NullString
		chainJSON, completedJSON      string
		completedAt, archivedAt       sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Workflow, &status, &cursor, &input, &chainJSON, &completedJSON,
		&tokenID, &pending, &runErr, &compFailedAt, &r.CreatedAt, &r.UpdatedAt, &completedAt, &archivedAt); err != nil {
		return nil, err
	}

	r.Status = schema.RunStatus(status)
	r.Cursor = cursor.String
	r.TokenID = tokenID.String
	r.CompensationFailedAt = compFailedAt.String
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &r.Input); err != nil {
			return nil, fmt.Errorf("unmarshal run input: %w", err)
		}
	}
	r.Chain = expressions.NewDataChain()
	if err := json.Unmarshal([]byte(chainJSON), r.Chain); err != nil {
		return nil, fmt.Errorf("unmarshal run chain: %w", err)
	}
	if err := json.Unmarshal([]byte(completedJSON), &r.Completed); err != nil {
		return nil, fmt.Errorf("unmarshal completed steps: %w", err)
	}
	if pending.Valid && pending.String != "" {
		r.Pending = &PendingStep{}
		if err := json.Unmarshal([]byte(pending.String), r.Pending); err != nil {
			return nil, fmt.Errorf("unmarshal pending step: %w", err)
		}
	}
	if runErr.Valid && runErr.String != "" {
		r.Error = &schema.SagaError{}
		if err := json.Unmarshal([]byte(runErr.String), r.Error); err != nil {
			return nil, fmt.Errorf("unmarshal run error: %w", err)
		}
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if archivedAt.Valid {
		r.ArchivedAt = &archivedAt.Time
	}
	return r, nil
}

// --- Tokens ---

const tokenColumns = `id, run_id, step_id, kind, status, attempt, max_retries, created_at, deadline_ms, outcome, resolved_at`

func (s *LibSQLStore) CreateToken(ctx context.Context, tok *Token) error {
	outcome, err := marshalNullable(tok.Outcome)
	if err != nil {
		return fmt.Errorf("marshal token outcome: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.ID, tok.RunID, tok.StepID, string(tok.Kind), string(tok.Status), tok.Attempt, tok.MaxRetries,
		timeOrNow(tok.CreatedAt), tok.Deadline.UnixMilli(), outcome, nullTime(tok.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetToken(ctx context.Context, id string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("token", id)
	}
	return tok, err
}

// ResolveToken is a compare-and-set on the token row: only a waiting token
// is updated, so concurrent resolutions of one token cannot both win.
func (s *LibSQLStore) ResolveToken(ctx context.Context, id string, status schema.TokenStatus, outcome *schema.Outcome, at time.Time) (*Token, error) {
	outcomeJSON, err := marshalNullable(outcome)
	if err != nil {
		return nil, fmt.Errorf("marshal token outcome: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET status = ?, outcome = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(status), outcomeJSON, at, id, string(schema.TokenStatusWaiting),
	)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	tok, err := s.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, alreadyResolved(tok)
	}
	return tok, nil
}

func (s *LibSQLStore) ListTokens(ctx context.Context, filter TokenFilter) ([]*Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens`
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.DueBefore != nil {
		where = append(where, "deadline_ms <= ?")
		args = append(args, filter.DueBefore.UnixMilli())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY deadline_ms ASC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var toks []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
	}
	return toks, rows.Err()
}

func scanToken(row rowScanner) (*Token, error) {
	t := &Token{}
	var (
		kind, status string
		deadlineMS   int64
		outcome      sql.NullString
		resolvedAt   sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.RunID, &t.StepID, &kind, &status, &t.Attempt, &t.MaxRetries,
		&t.CreatedAt, &deadlineMS, &outcome, &resolvedAt); err != nil {
		return nil, err
	}
	t.Kind = schema.TokenKind(kind)
	t.Status = schema.TokenStatus(status)
	t.Deadline = time.UnixMilli(deadlineMS).UTC()
	if outcome.Valid && outcome.String != "" {
		t.Outcome = &schema.Outcome{}
		if err := json.Unmarshal([]byte(outcome.String), t.Outcome); err != nil {
			return nil, fmt.Errorf("unmarshal token outcome: %w", err)
		}
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	return t, nil
}

// --- Flows ---

// SaveFlow stores a new version of the named flow (max(version)+1).
func (s *LibSQLStore) SaveFlow(ctx context.Context, flow *Flow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save flow: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM flows WHERE name = ?`, flow.Name,
	).Scan(&version); err != nil {
		return fmt.Errorf("next flow version: %w", err)
	}

	created := timeOrNow(flow.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flows (name, version, definition, created_at) VALUES (?, ?, ?, ?)`,
		flow.Name, version, string(flow.Definition), created,
	); err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flow: %w", err)
	}

	flow.Version = version
	flow.CreatedAt = created
	return nil
}

// GetFlow returns the given version of a flow; version <= 0 means latest.
func (s *LibSQLStore) GetFlow(ctx context.Context, name string, version int) (*Flow, error) {
	var row *sql.Row
	if version <= 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, definition, created_at FROM flows WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, definition, created_at FROM flows WHERE name = ? AND version = ?`, name, version)
	}

	f := &Flow{}
	var def string
	err := row.Scan(&f.Name, &f.Version, &def, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if version > 0 {
			return nil, storeNotFound("flow", fmt.Sprintf("%s@%d", name, version))
		}
		return nil, storeNotFound("flow", name)
	}
	if err != nil {
		return nil, err
	}
	f.Definition = json.RawMessage(def)
	return f, nil
}

// ListFlows returns the latest version of every flow, sorted by name.
func (s *LibSQLStore) ListFlows(ctx context.Context) ([]*Flow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.name, f.version, f.definition, f.created_at FROM flows f
		 JOIN (SELECT name, MAX(version) AS version FROM flows GROUP BY name) latest
		   ON latest.name = f.name AND latest.version = f.version
		 ORDER BY f.name`)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f := &Flow{}
		var def string
		if err := rows.Scan(&f.Name, &f.Version, &def, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Definition = json.RawMessage(def)
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

// marshalNullable JSON-encodes v, mapping nil to SQL NULL.
func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

var _ Store = (*LibSQLStore)(nil)
