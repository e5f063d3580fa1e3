package operations

import (
	"time"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/internal/validation"
)

// Config tunes the built-in operations.
type Config struct {
	MaxSleep time.Duration
}

// RegisterBuiltins registers condition, sleep, transform, evaluate and set.
func RegisterBuiltins(reg *Registry, engines *expressions.Engines, cfg Config) error {
	expr, err := engines.Get("expr")
	if err != nil {
		return err
	}
	jq, err := engines.Get("jq")
	if err != nil {
		return err
	}

	all := []Operation{
		NewCondition(engines),
		NewSleep(cfg.MaxSleep),
		NewTransform(jq.(*expressions.GoJQEngine)),
		NewEvaluate(expr.(*expressions.ExprEngine)),
		NewSet(),
	}
	for _, op := range all {
		if err := reg.Register(op); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry builds a registry holding the built-in operations.
func NewDefaultRegistry(v validation.Validator, cfg Config) (*Registry, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	reg := NewRegistry(v)
	if err := RegisterBuiltins(reg, engines, cfg); err != nil {
		return nil, err
	}
	return reg, nil
}
