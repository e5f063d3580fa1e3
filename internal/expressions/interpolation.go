package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/sagaflow/pkg/schema"
)

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// Interpolator resolves ${{ ... }} references in operation options.
//
// A JSON string that consists of exactly one reference is replaced by the
// referenced value with its type preserved ("${{ inputs.amount }}" -> 42).
// References embedded in longer strings are stringified in place.
// Object keys are never interpolated.
type Interpolator struct{}

// NewInterpolator creates an Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve interpolates raw JSON options against scope and returns the resolved JSON.
func (interp *Interpolator) Resolve(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 || !HasInterpolation(raw) {
		return raw, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "options are not valid JSON: %s", err.Error()).
			WithCause(err)
	}

	resolved, err := interp.ResolveValue(doc, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "encode resolved options: %s", err.Error()).
			WithCause(err)
	}
	return out, nil
}

// ResolveValue walks a decoded JSON value and resolves every string in it.
func (interp *Interpolator) ResolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.resolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (interp *Interpolator) resolveString(s string, scope *Scope) (any, error) {
	if !strings.Contains(s, openMarker) {
		return s, nil
	}

	// Whole-value reference keeps its type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openMarker) && strings.HasSuffix(trimmed, closeMarker) &&
		strings.Count(trimmed, openMarker) == 1 && strings.Index(trimmed, closeMarker) == len(trimmed)-len(closeMarker) {
		expr := strings.TrimSpace(trimmed[len(openMarker) : len(trimmed)-len(closeMarker)])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{ }}")
		}
		return interp.resolveExpr(expr, scope)
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openMarker)
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + len(openMarker)

		end := strings.Index(s[start:], closeMarker)
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if strings.Contains(expr, openMarker) {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{ }}")
		}

		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(marshalInline(val))

		i = end + len(closeMarker)
	}

	return result.String(), nil
}

// resolveExpr resolves a single path like "steps.fetch.output.url".
func (interp *Interpolator) resolveExpr(expr string, scope *Scope) (any, error) {
	if scope == nil {
		scope = &Scope{}
	}
	namespace, rest, _ := strings.Cut(expr, ".")

	switch namespace {
	case "steps":
		return interp.resolveSteps(expr, scope)
	case "inputs":
		if rest == "" {
			return scope.Inputs, nil
		}
		return traversePath(scope.Inputs, rest, expr)
	case "workflow":
		if rest == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid workflow reference %q: expected workflow.<field>", expr).
				WithDetails(map[string]any{"expression": expr})
		}
		return traversePath(scope.Workflow, rest, expr)
	default:
		available := []string{"steps", "inputs", "workflow"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSteps resolves steps.<id>.output[.<field>...] references.
func (interp *Interpolator) resolveSteps(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [steps, id, output, rest]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<id>.output[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	stepID := parts[1]
	if parts[2] != "output" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: only 'output' property is supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	output, ok := scope.Steps[stepID]
	if !ok {
		available := mapKeys(scope.Steps)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q not found in ${{%s}}; available steps: [%s]", stepID, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_steps": available})
	}

	if len(parts) == 3 {
		return output, nil
	}
	return traversePath(output, parts[3], expr)
}

// traversePath navigates nested maps and arrays along a dot-delimited path.
// Numeric segments index into arrays.
func traversePath(root any, path, expr string) (any, error) {
	current := root

	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"index %q out of range in %q (length %d)", seg, expr, len(v)).
					WithDetails(map[string]any{"expression": expr})
			}
			current = v[n]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline renders a resolved value inside a larger string.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), openMarker)
}

// StepRefs returns the sorted, de-duplicated step IDs referenced via
// ${{ steps.<id>... }} in raw.
func StepRefs(raw json.RawMessage) []string {
	seen := make(map[string]bool)
	s := string(raw)
	for {
		idx := strings.Index(s, openMarker)
		if idx == -1 {
			break
		}
		rest := s[idx+len(openMarker):]
		end := strings.Index(rest, closeMarker)
		if end == -1 {
			break
		}
		expr := strings.TrimSpace(rest[:end])
		if after, ok := strings.CutPrefix(expr, "steps."); ok {
			id, _, _ := strings.Cut(after, ".")
			if id = strings.TrimSpace(id); id != "" {
				seen[id] = true
			}
		}
		s = rest[end+len(closeMarker):]
	}

	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs
}
