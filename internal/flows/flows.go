// Package flows manages operation-only workflows authored as JSON documents.
// A flow is validated, compiled into an engine definition, stored as a new
// version and registered in the catalog under its name.
package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rendis/sagaflow/internal/engine"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// FlowValidator checks raw flow documents. Satisfied by
// *validation.JSONSchemaValidator.
type FlowValidator interface {
	ValidateFlow(raw []byte) error
}

// Registry stores flow versions and keeps the catalog in sync with the
// latest version of each flow.
type Registry struct {
	store     store.Store
	catalog   *engine.Catalog
	validator FlowValidator
	clock     clock.Clock
	logger    *slog.Logger

	mu    sync.Mutex
	owned map[string]bool // catalog names managed as flows
}

// NewRegistry creates a Registry.
func NewRegistry(s store.Store, catalog *engine.Catalog, v FlowValidator, clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     s,
		catalog:   catalog,
		validator: v,
		clock:     clk,
		logger:    logger,
		owned:     make(map[string]bool),
	}
}

// DefineResult is returned by Define.
type DefineResult struct {
	Name     string                   `json:"name"`
	Version  int                      `json:"version"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// Define validates raw, stores it as the next version of its flow and
// registers it. Nothing is stored when validation fails. A name already used
// by a workflow registered in code is a CONFLICT.
func (r *Registry) Define(ctx context.Context, raw json.RawMessage) (*DefineResult, error) {
	fd, def, err := r.compileRaw(raw)
	if err != nil {
		return nil, err
	}
	result := r.catalog.Validate(&def)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOwnership(fd.Name); err != nil {
		return nil, err
	}

	flow := &store.Flow{Name: fd.Name, Definition: raw, CreatedAt: r.clock.Now().UTC()}
	if err := r.store.SaveFlow(ctx, flow); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "save flow %q: %s", fd.Name, err.Error()).WithCause(err)
	}
	if err := r.catalog.Replace(def); err != nil {
		return nil, err
	}
	r.owned[fd.Name] = true

	r.logger.InfoContext(ctx, "flow defined", "flow", fd.Name, "version", flow.Version, "warnings", len(result.Warnings))
	return &DefineResult{Name: fd.Name, Version: flow.Version, Warnings: result.Warnings}, nil
}

// Load registers the latest stored version of every flow. Flows that no
// longer compile are logged and skipped. It returns how many were registered.
func (r *Registry) Load(ctx context.Context) (int, error) {
	stored, err := r.store.ListFlows(ctx)
	if err != nil {
		return 0, fmt.Errorf("list flows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, f := range stored {
		_, def, err := r.compileRaw(f.Definition)
		if err == nil {
			err = r.checkOwnership(def.Name)
		}
		if err == nil {
			err = r.catalog.Replace(def)
		}
		if err != nil {
			r.logger.WarnContext(ctx, "skipping stored flow", "flow", f.Name, "version", f.Version, "error", err)
			continue
		}
		r.owned[def.Name] = true
		loaded++
	}
	r.logger.InfoContext(ctx, "flows loaded", "count", loaded)
	return loaded, nil
}

// Get returns a stored flow document. version <= 0 selects the latest.
func (r *Registry) Get(ctx context.Context, name string, version int) (*schema.FlowDefinition, *store.Flow, error) {
	f, err := r.store.GetFlow(ctx, name, version)
	if err != nil {
		return nil, nil, err
	}
	var fd schema.FlowDefinition
	if err := json.Unmarshal(f.Definition, &fd); err != nil {
		return nil, nil, fmt.Errorf("decode flow %q v%d: %w", name, f.Version, err)
	}
	return &fd, f, nil
}

// List returns the latest version of every stored flow.
func (r *Registry) List(ctx context.Context) ([]*store.Flow, error) {
	return r.store.ListFlows(ctx)
}

func (r *Registry) checkOwnership(name string) error {
	if _, err := r.catalog.Get(name); err == nil && !r.owned[name] {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is registered in code and cannot be redefined as a flow", name)
	}
	return nil
}

func (r *Registry) compileRaw(raw json.RawMessage) (*schema.FlowDefinition, engine.WorkflowDefinition, error) {
	if err := r.validator.ValidateFlow(raw); err != nil {
		return nil, engine.WorkflowDefinition{}, err
	}
	var fd schema.FlowDefinition
	if err := json.Unmarshal(raw, &fd); err != nil {
		return nil, engine.WorkflowDefinition{}, schema.NewErrorf(schema.ErrCodeValidation, "decode flow: %s", err.Error()).WithCause(err)
	}
	def, err := Compile(&fd)
	if err != nil {
		return nil, engine.WorkflowDefinition{}, err
	}
	return &fd, def, nil
}

// Compile converts a flow document into an engine definition. Structural
// checks beyond async timeouts are left to the catalog.
func Compile(fd *schema.FlowDefinition) (engine.WorkflowDefinition, error) {
	def := engine.WorkflowDefinition{
		Name:        fd.Name,
		Description: fd.Description,
		InputSchema: fd.InputSchema,
		Steps:       make([]engine.StepDefinition, 0, len(fd.Steps)),
	}
	for i, fs := range fd.Steps {
		step := engine.StepDefinition{
			ID:        fs.ID,
			Operation: fs.Operation,
			Options:   fs.Options,
			Next:      fs.Next,
			Branches:  fs.Branches,
		}
		if fs.Async != nil {
			timeout, err := time.ParseDuration(fs.Async.Timeout)
			if err != nil || timeout <= 0 {
				return engine.WorkflowDefinition{}, schema.NewErrorf(schema.ErrCodeValidation,
					"steps[%d].async.timeout: invalid duration %q", i, fs.Async.Timeout).
					WithStep(fs.ID)
			}
			step.Async = &engine.AsyncPolicy{Timeout: timeout, MaxRetries: fs.Async.MaxRetries}
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}
