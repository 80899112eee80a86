package condition

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoPayload is returned when an expression references scoring fields but
// no payload was supplied.
var ErrNoPayload = errors.New("condition: missing scoring data")

// MissingFieldError reports a reference that did not resolve.
type MissingFieldError struct {
	Ref Ref
}

func (e *MissingFieldError) Error() string {
	if e.Ref.Scope == ScopeVariable {
		return fmt.Sprintf("condition: variable %s is not set", e.Ref.Path)
	}
	return fmt.Sprintf("condition: scoring field %s is missing", e.Ref.Path)
}

// Env supplies the inputs an expression reads.
type Env interface {
	HasPayload() bool
	Payload(path string) (any, bool)
	Variable(path string) (any, bool)
	HasArtifact(name string) bool
}

// Eval evaluates the expression. The result must be boolean.
func (e *Expr) Eval(env Env) (bool, error) {
	if e == nil {
		return true, nil
	}
	if e.UsesPayload() && !env.HasPayload() {
		return false, ErrNoPayload
	}
	value, err := e.root.eval(env)
	if err != nil {
		return false, err
	}
	result, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("condition: %q evaluated to %T, want bool", e.src, value)
	}
	return result, nil
}

type node interface {
	eval(env Env) (any, error)
}

type literalNode struct {
	value any
}

func (n literalNode) eval(Env) (any, error) {
	return n.value, nil
}

type refNode struct {
	ref Ref
}

func (n refNode) eval(env Env) (any, error) {
	var (
		value any
		ok    bool
	)
	if n.ref.Scope == ScopeVariable {
		value, ok = env.Variable(n.ref.Path)
	} else {
		value, ok = env.Payload(n.ref.Path)
	}
	if !ok {
		return nil, &MissingFieldError{Ref: n.ref}
	}
	return normalize(value), nil
}

type hasNode struct {
	artifact string
}

func (n hasNode) eval(env Env) (any, error) {
	return env.HasArtifact(n.artifact), nil
}

type notNode struct {
	operand node
}

func (n notNode) eval(env Env) (any, error) {
	value, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	b, ok := value.(bool)
	if !ok {
		return nil, fmt.Errorf("condition: ! requires a boolean, got %T", value)
	}
	return !b, nil
}

type logicalNode struct {
	op    tokenKind
	left  node
	right node
}

func (n logicalNode) eval(env Env) (any, error) {
	left, err := evalBool(n.left, env)
	if err != nil {
		return nil, err
	}
	if n.op == tokenAnd && !left {
		return false, nil
	}
	if n.op == tokenOr && left {
		return true, nil
	}
	return evalBool(n.right, env)
}

func evalBool(n node, env Env) (bool, error) {
	value, err := n.eval(env)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("condition: logical operand is %T, want bool", value)
	}
	return b, nil
}

type compareNode struct {
	op    tokenKind
	text  string
	left  node
	right node
}

func (n compareNode) eval(env Env) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokenEQ:
		return equal(left, right)
	case tokenNE:
		eq, err := equal(left, right)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	}
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if !lok || !rok {
		return nil, fmt.Errorf("condition: %s requires numbers, got %T and %T", n.text, left, right)
	}
	switch n.op {
	case tokenGT:
		return lf > rf, nil
	case tokenGE:
		return lf >= rf, nil
	case tokenLT:
		return lf < rf, nil
	default:
		return lf <= rf, nil
	}
}

func equal(left, right any) (bool, error) {
	switch l := left.(type) {
	case float64:
		r, ok := right.(float64)
		if !ok {
			return false, fmt.Errorf("condition: cannot compare number with %T", right)
		}
		return l == r, nil
	case string:
		r, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("condition: cannot compare string with %T", right)
		}
		return l == r, nil
	case bool:
		r, ok := right.(bool)
		if !ok {
			return false, fmt.Errorf("condition: cannot compare bool with %T", right)
		}
		return l == r, nil
	case nil:
		return right == nil, nil
	default:
		return false, fmt.Errorf("condition: %T values are not comparable", left)
	}
}

// normalize folds the numeric types produced by YAML, JSON and Go callers
// into float64.
func normalize(value any) any {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	default:
		return value
	}
}
