package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/pkg/schema"
)

// MemoryStore is an in-process Store. Records are stored as encoded copies so
// callers never share memory with the store. Token resolution locks only the
// token being resolved.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string][]byte
	tokens map[string]*tokenEntry
	events map[string][]*Event
	flows  map[string][]*Flow
	nextID int64
}

type tokenEntry struct {
	mu  sync.Mutex
	tok Token
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string][]byte),
		tokens: make(map[string]*tokenEntry),
		events: make(map[string][]*Event),
		flows:  make(map[string][]*Flow),
	}
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// --- Runs ---

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	s.runs[run.ID] = b
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	b, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return decodeRun(b)
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *Run) error {
	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return storeNotFound("run", run.ID)
	}
	s.runs[run.ID] = b
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	encoded := make([][]byte, 0, len(s.runs))
	for _, b := range s.runs {
		encoded = append(encoded, b)
	}
	s.mu.RUnlock()

	var runs []*Run
	for _, b := range encoded {
		r, err := decodeRun(b)
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Workflow != "" && r.Workflow != filter.Workflow {
			continue
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func decodeRun(b []byte) (*Run, error) {
	r := &Run{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	if r.Chain == nil {
		r.Chain = expressions.NewDataChain()
	}
	return r, nil
}

// --- Tokens ---

func (s *MemoryStore) CreateToken(_ context.Context, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[tok.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "token %q already exists", tok.ID)
	}
	s.tokens[tok.ID] = &tokenEntry{tok: copyToken(tok)}
	return nil
}

func (s *MemoryStore) entry(id string) (*tokenEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tokens[id]
	return e, ok
}

func (s *MemoryStore) GetToken(_ context.Context, id string) (*Token, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, storeNotFound("token", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := copyToken(&e.tok)
	return &t, nil
}

func (s *MemoryStore) ResolveToken(_ context.Context, id string, status schema.TokenStatus, outcome *schema.Outcome, at time.Time) (*Token, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, storeNotFound("token", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tok.Status != schema.TokenStatusWaiting {
		t := copyToken(&e.tok)
		return nil, alreadyResolved(&t)
	}
	e.tok.Status = status
	e.tok.Outcome = copyOutcome(outcome)
	resolved := at
	e.tok.ResolvedAt = &resolved

	t := copyToken(&e.tok)
	return &t, nil
}

func (s *MemoryStore) ListTokens(_ context.Context, filter TokenFilter) ([]*Token, error) {
	s.mu.RLock()
	entries := make([]*tokenEntry, 0, len(s.tokens))
	for _, e := range s.tokens {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var toks []*Token
	for _, e := range entries {
		e.mu.Lock()
		t := copyToken(&e.tok)
		e.mu.Unlock()

		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.RunID != "" && t.RunID != filter.RunID {
			continue
		}
		if filter.DueBefore != nil && t.Deadline.After(*filter.DueBefore) {
			continue
		}
		toks = append(toks, &t)
	}
	sort.Slice(toks, func(i, j int) bool {
		if toks[i].Deadline.Equal(toks[j].Deadline) {
			return toks[i].ID < toks[j].ID
		}
		return toks[i].Deadline.Before(toks[j].Deadline)
	})
	if filter.Limit > 0 && len(toks) > filter.Limit {
		toks = toks[:filter.Limit]
	}
	return toks, nil
}

func copyToken(t *Token) Token {
	cp := *t
	cp.Outcome = copyOutcome(t.Outcome)
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		cp.ResolvedAt = &at
	}
	return cp
}

func copyOutcome(o *schema.Outcome) *schema.Outcome {
	if o == nil {
		return nil
	}
	cp := *o
	if b, err := json.Marshal(o.Output); err == nil {
		var out any
		if json.Unmarshal(b, &out) == nil {
			cp.Output = out
		}
	}
	return &cp
}

// --- Events ---

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	event.ID = s.nextID
	event.Sequence = int64(len(s.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	cp.Payload = append(json.RawMessage(nil), event.Payload...)
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Flows ---

func (s *MemoryStore) SaveFlow(_ context.Context, flow *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow.Version = len(s.flows[flow.Name]) + 1
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}
	cp := *flow
	cp.Definition = append(json.RawMessage(nil), flow.Definition...)
	s.flows[flow.Name] = append(s.flows[flow.Name], &cp)
	return nil
}

func (s *MemoryStore) GetFlow(_ context.Context, name string, version int) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.flows[name]
	if len(versions) == 0 {
		return nil, storeNotFound("flow", name)
	}
	if version <= 0 {
		version = len(versions)
	}
	if version > len(versions) {
		return nil, storeNotFound("flow", fmt.Sprintf("%s@%d", name, version))
	}
	cp := *versions[version-1]
	return &cp, nil
}

func (s *MemoryStore) ListFlows(_ context.Context) ([]*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Flow, 0, len(s.flows))
	for _, versions := range s.flows {
		cp := *versions[len(versions)-1]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
