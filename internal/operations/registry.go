package operations

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/internal/validation"
	"github.com/rendis/sagaflow/pkg/schema"
)

// Registry maps operation type names to operations. It is populated once at
// startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	ops       map[string]Operation
	validator validation.Validator
}

// NewRegistry creates an empty Registry that validates options with v.
func NewRegistry(v validation.Validator) *Registry {
	return &Registry{
		ops:       make(map[string]Operation),
		validator: v,
	}
}

// Register adds an operation. Rejects nil, unnamed, duplicate, and operations
// whose options schema does not compile.
func (r *Registry) Register(op Operation) error {
	if op == nil {
		return schema.NewError(schema.ErrCodeValidation, "operation is nil")
	}
	name := op.Type()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "operation type is empty")
	}
	if s := op.Definition().OptionsSchema; len(s) > 0 {
		if err := r.validator.CheckSchema(s); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "operation %q: %s", name, err.Error()).WithCause(err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "operation %q already registered", name)
	}
	r.ops[name] = op
	return nil
}

// Get retrieves an operation by type name.
func (r *Registry) Get(name string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "operation %q not registered", name)
	}
	return op, nil
}

// Has checks if an operation is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ops[name]
	return ok
}

// List returns every registered operation, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.ops))
	for name, op := range r.ops {
		infos = append(infos, Info{Type: name, Definition: op.Definition()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// ValidateOptions checks options against the operation's schema and, when the
// operation implements OptionsChecker, its own static checks. Options still
// holding ${{ }} references can only be fully checked after interpolation,
// so they are skipped here when static is true.
func (r *Registry) ValidateOptions(name string, options json.RawMessage, static bool) error {
	op, err := r.Get(name)
	if err != nil {
		return err
	}
	if static && expressions.HasInterpolation(options) {
		return nil
	}

	var doc any
	if len(options) > 0 {
		if err := json.Unmarshal(options, &doc); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "operation %q: options are not valid JSON", name).WithCause(err)
		}
	} else {
		doc = map[string]any{}
	}

	if err := r.validator.Validate(doc, op.Definition().OptionsSchema); err != nil {
		se := schema.AsSagaError(err, schema.ErrCodeValidation)
		return schema.NewErrorf(schema.ErrCodeValidation, "operation %q options: %s", name, se.Message).
			WithDetails(se.Details).WithCause(err)
	}

	if checker, ok := op.(OptionsChecker); ok {
		if err := checker.CheckOptions(options); err != nil {
			return schema.AsSagaError(err, schema.ErrCodeValidation)
		}
	}
	return nil
}

// Execute validates options and runs the operation. A branch outside the
// operation's declared set is an UNKNOWN_BRANCH error.
func (r *Registry) Execute(ctx context.Context, name string, options json.RawMessage, scope *expressions.Scope) (*Result, error) {
	if err := r.ValidateOptions(name, options, false); err != nil {
		return nil, err
	}
	op, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	res, err := op.Execute(ctx, options, scope)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{Success: true}
	}

	if res.Branch != "" && !slices.Contains(op.Definition().Branches, res.Branch) {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownBranch,
			"operation %q selected undeclared branch %q", name, res.Branch).
			WithDetails(map[string]any{"declared": op.Definition().Branches})
	}
	return res, nil
}

// decodeOptions unmarshals options into dst, mapping failures to VALIDATION_ERROR.
func decodeOptions(op string, options json.RawMessage, dst any) error {
	if len(options) == 0 {
		return nil
	}
	if err := json.Unmarshal(options, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: decode options: %s", op, err.Error()).WithCause(err)
	}
	return nil
}
