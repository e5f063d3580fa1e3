package engine

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"sync"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/internal/operations"
	"github.com/rendis/sagaflow/internal/validation"
	"github.com/rendis/sagaflow/pkg/schema"
)

var stepIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Catalog holds registered workflow definitions by name. Definitions are
// checked once on Register and treated as immutable afterwards.
type Catalog struct {
	mu        sync.RWMutex
	defs      map[string]*WorkflowDefinition
	ops       *operations.Registry
	validator validation.Validator
}

// NewCatalog creates an empty catalog resolving operation steps against ops.
func NewCatalog(ops *operations.Registry, v validation.Validator) *Catalog {
	return &Catalog{
		defs:      make(map[string]*WorkflowDefinition),
		ops:       ops,
		validator: v,
	}
}

// Operations returns the operation registry the catalog validates against.
func (c *Catalog) Operations() *operations.Registry { return c.ops }

// Validator returns the schema validator.
func (c *Catalog) Validator() validation.Validator { return c.validator }

// Register validates def and adds it. A name already registered is a CONFLICT.
func (c *Catalog) Register(def WorkflowDefinition) error {
	return c.register(def, false)
}

// Replace validates def and registers it, overwriting an existing definition
// of the same name. Runs are not pinned to a definition: suspended and
// compensating runs continue against whatever is registered when they resume.
func (c *Catalog) Replace(def WorkflowDefinition) error {
	return c.register(def, true)
}

func (c *Catalog) register(def WorkflowDefinition, replace bool) error {
	if err := c.Validate(&def).ToError(); err != nil {
		return schema.AsSagaError(err, schema.ErrCodeValidation).
			WithDetails(withWorkflow(err, def.Name))
	}

	stored := def
	stored.Steps = slices.Clone(def.Steps)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[def.Name]; exists && !replace {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already registered", def.Name)
	}
	c.defs[def.Name] = &stored
	return nil
}

// Get returns the named definition.
func (c *Catalog) Get(name string) (*WorkflowDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not registered", name)
	}
	return def, nil
}

// List returns registered workflow names, sorted.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports every problem with def without registering it.
// Unreachable steps are warnings.
func (c *Catalog) Validate(def *WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def.Name == "" {
		result.AddError("name", schema.ErrCodeValidation, "workflow name is empty")
	}
	if len(def.InputSchema) > 0 {
		if err := c.validator.CheckSchema(def.InputSchema); err != nil {
			result.AddError("input_schema", schema.ErrCodeValidation, err.Error())
		}
	}

	ids := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		ids[s.ID] = true
	}

	nodes := make([]validation.Node, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		nodes[i] = validation.Node{ID: s.ID, Successors: def.successors(i)}
		c.validateStep(result, fmt.Sprintf("steps[%d]", i), s, ids)
	}
	result.Merge(validation.CheckGraph(nodes))
	return result
}

func (c *Catalog) validateStep(result *schema.ValidationResult, path string, s *StepDefinition, ids map[string]bool) {
	if s.ID != "" && !stepIDPattern.MatchString(s.ID) {
		result.AddError(path+".id", schema.ErrCodeValidation,
			fmt.Sprintf("step id %q must match %s", s.ID, stepIDPattern))
	}

	switch {
	case s.Forward != nil && s.Operation != "":
		result.AddError(path, schema.ErrCodeValidation, "step sets both a forward action and an operation")
	case s.Forward == nil && s.Operation == "":
		result.AddError(path, schema.ErrCodeValidation, "step has neither a forward action nor an operation")
	}

	if s.Async != nil {
		if s.Async.Timeout <= 0 {
			result.AddError(path+".async.timeout", schema.ErrCodeValidation, "async timeout must be positive")
		}
		if s.Async.MaxRetries < 0 {
			result.AddError(path+".async.max_retries", schema.ErrCodeValidation, "async max retries must not be negative")
		}
	}

	if s.Next != "" && len(s.Branches) > 0 {
		result.AddError(path, schema.ErrCodeValidation, "step sets both next and branches")
	}

	if s.Operation == "" {
		if len(s.Branches) > 0 {
			result.AddError(path+".branches", schema.ErrCodeValidation, "only operation steps can branch")
		}
		return
	}

	op, err := c.ops.Get(s.Operation)
	if err != nil {
		result.AddError(path+".operation", schema.ErrCodeValidation, err.Error())
		return
	}
	declared := op.Definition().Branches
	for branch := range s.Branches {
		if !slices.Contains(declared, branch) {
			result.AddError(path+".branches", schema.ErrCodeValidation,
				fmt.Sprintf("operation %q has no branch %q", s.Operation, branch))
		}
	}
	if s.Async != nil && s.Operation == operations.TypeSleep {
		result.AddError(path+".async", schema.ErrCodeValidation, "a sleep step cannot also wait for a signal")
	}

	if err := c.ops.ValidateOptions(s.Operation, s.Options, true); err != nil {
		result.AddError(path+".options", schema.ErrCodeValidation, err.Error())
	}
	for _, ref := range expressions.StepRefs(s.Options) {
		if !ids[ref] {
			result.AddError(path+".options", schema.ErrCodeValidation,
				fmt.Sprintf("options reference unknown step %q", ref))
		}
		if ref == s.ID {
			result.AddError(path+".options", schema.ErrCodeValidation, "options reference the step's own output")
		}
	}
}

func withWorkflow(err error, name string) map[string]any {
	details := map[string]any{"workflow": name}
	if se := schema.AsSagaError(err, schema.ErrCodeValidation); se.Details != nil {
		for k, v := range se.Details {
			details[k] = v
		}
	}
	return details
}
