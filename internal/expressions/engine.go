package expressions

import (
	"context"
	"fmt"
	"sort"
)

// Engine evaluates expressions against a run's environment.
// Three implementations: CEL (conditions), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope is everything a step can reference: outputs of completed steps, the
// run input, and run metadata (run_id, name).
type Scope struct {
	Steps    map[string]any
	Inputs   any
	Workflow map[string]any
}

// NewScope builds a scope snapshot from the chain.
func NewScope(chain *DataChain, inputs any, workflow map[string]any) *Scope {
	s := &Scope{Inputs: deepCopyAny(inputs), Workflow: deepCopyMap(workflow)}
	if chain != nil {
		s.Steps = chain.Outputs()
	}
	return s
}

// Env returns the evaluation environment shared by all engines:
// steps.<id>.output, inputs, workflow. Missing parts default to empty maps.
func (s *Scope) Env() map[string]any {
	steps := make(map[string]any, len(s.Steps))
	for id, out := range s.Steps {
		steps[id] = map[string]any{"output": out}
	}

	var inputs any = map[string]any{}
	if s.Inputs != nil {
		inputs = s.Inputs
	}
	workflow := s.Workflow
	if workflow == nil {
		workflow = map[string]any{}
	}

	return map[string]any{
		"steps":    steps,
		"inputs":   inputs,
		"workflow": workflow,
	}
}

// Engines is the set of expression engines available to operations.
type Engines struct {
	byName map[string]Engine
}

// NewEngines creates the CEL, Expr and GoJQ engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}

	e := &Engines{byName: make(map[string]Engine, 3)}
	for _, eng := range []Engine{celEngine, NewExprEngine(), NewGoJQEngine()} {
		e.byName[eng.Name()] = eng
	}
	return e, nil
}

// Get returns the engine registered under name.
func (e *Engines) Get(name string) (Engine, error) {
	eng, ok := e.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown expression engine %q (available: %v)", name, e.Names())
	}
	return eng, nil
}

// Names returns the sorted engine names.
func (e *Engines) Names() []string {
	names := make([]string, 0, len(e.byName))
	for n := range e.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
