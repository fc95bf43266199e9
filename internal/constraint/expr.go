package constraint

import (
	"encoding/json"
	"fmt"
	"strings"

	"evigraph/internal/store"
)

const (
	OpAnd    = "and"
	OpOr     = "or"
	OpNot    = "not"
	OpEq     = "eq"
	OpNe     = "ne"
	OpLt     = "lt"
	OpLe     = "le"
	OpGt     = "gt"
	OpGe     = "ge"
	OpHasTag = "has_tag"
	OpExists = "exists"
	OpIn     = "in"
)

var comparisons = map[string]bool{OpEq: true, OpNe: true, OpLt: true, OpLe: true, OpGt: true, OpGe: true}

// Validate checks the shape of a rule tree before it is installed.
func Validate(e store.Expr) error {
	switch e.Op {
	case OpAnd, OpOr:
		if len(e.Args) == 0 {
			return fmt.Errorf("%s needs at least one argument", e.Op)
		}
		for i, arg := range e.Args {
			if err := Validate(arg); err != nil {
				return fmt.Errorf("%s[%d]: %w", e.Op, i, err)
			}
		}
	case OpNot:
		if len(e.Args) != 1 {
			return fmt.Errorf("not takes exactly one argument")
		}
		return Validate(e.Args[0])
	case OpHasTag:
		if _, ok := e.Value.(string); !ok {
			return fmt.Errorf("has_tag needs a string value")
		}
	case OpExists:
		if e.Field == "" {
			return fmt.Errorf("exists needs a field")
		}
	case OpIn:
		if e.Field == "" {
			return fmt.Errorf("in needs a field")
		}
		if _, ok := e.Value.([]any); !ok {
			return fmt.Errorf("in needs a list value")
		}
	default:
		if !comparisons[e.Op] {
			return fmt.Errorf("unknown op %q", e.Op)
		}
		if e.Field == "" {
			return fmt.Errorf("%s needs a field", e.Op)
		}
		if e.Value == nil {
			return fmt.Errorf("%s needs a value", e.Op)
		}
		if e.Op != OpEq && e.Op != OpNe {
			if _, ok := toFloat(e.Value); !ok {
				return fmt.Errorf("%s needs a numeric value", e.Op)
			}
		}
	}
	return nil
}

// Eval evaluates a rule tree against a view. Fields that do not resolve make
// comparisons false; type mismatches are errors.
func Eval(e store.Expr, v View) (bool, error) {
	switch e.Op {
	case OpAnd:
		for _, arg := range e.Args {
			ok, err := Eval(arg, v)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, arg := range e.Args {
			ok, err := Eval(arg, v)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(e.Args) != 1 {
			return false, fmt.Errorf("not takes exactly one argument")
		}
		ok, err := Eval(e.Args[0], v)
		return !ok, err
	case OpHasTag:
		tag, _ := e.Value.(string)
		return v.Artifact().HasTag(tag), nil
	case OpExists:
		val, ok := Resolve(v, e.Field)
		return ok && val != nil, nil
	case OpIn:
		val, ok := Resolve(v, e.Field)
		if !ok {
			return false, nil
		}
		list, _ := e.Value.([]any)
		for _, item := range list {
			if eq, err := equal(val, item); err == nil && eq {
				return true, nil
			}
		}
		return false, nil
	}

	if !comparisons[e.Op] {
		return false, fmt.Errorf("unknown op %q", e.Op)
	}
	val, ok := Resolve(v, e.Field)
	if !ok {
		return false, nil
	}
	switch e.Op {
	case OpEq:
		return equal(val, e.Value)
	case OpNe:
		eq, err := equal(val, e.Value)
		return !eq, err
	}

	left, ok := toFloat(val)
	if !ok {
		return false, fmt.Errorf("field %s is not numeric", e.Field)
	}
	right, ok := toFloat(e.Value)
	if !ok {
		return false, fmt.Errorf("value for %s is not numeric", e.Field)
	}
	switch e.Op {
	case OpLt:
		return left < right, nil
	case OpLe:
		return left <= right, nil
	case OpGt:
		return left > right, nil
	default:
		return left >= right, nil
	}
}

// Describe renders a rule for violation messages.
func Describe(e store.Expr) string {
	switch e.Op {
	case OpAnd, OpOr:
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			parts = append(parts, Describe(arg))
		}
		return "(" + strings.Join(parts, " "+e.Op+" ") + ")"
	case OpNot:
		if len(e.Args) == 1 {
			return "not " + Describe(e.Args[0])
		}
	case OpHasTag:
		return fmt.Sprintf("has_tag(%v)", e.Value)
	case OpExists:
		return fmt.Sprintf("exists(%s)", e.Field)
	}
	return fmt.Sprintf("%s %s %v", e.Field, e.Op, e.Value)
}

func equal(a, b any) (bool, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return false, fmt.Errorf("cannot compare number with %T", b)
		}
		return fa == fb, nil
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare string with %T", b)
		}
		return av == bv, nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare bool with %T", b)
		}
		return av == bv, nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
