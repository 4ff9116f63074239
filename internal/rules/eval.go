package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity is the authenticated principal visible to rules.
type Identity struct {
	ID             string
	Email          string
	Verified       bool
	CollectionID   string
	CollectionName string
}

// EvalContext carries everything a rule may reference.
type EvalContext struct {
	IsAdmin bool
	Auth    *Identity // nil when unauthenticated
	Record  map[string]any
	Body    map[string]any
}

// Evaluate parses and evaluates a rule. Admin identity short-circuits to
// allow; syntactically invalid rules deny.
func Evaluate(rule string, ctx *EvalContext) bool {
	if ctx.IsAdmin {
		return true
	}
	expr, err := Parse(rule)
	if err != nil {
		return false
	}
	result, ok := expr.eval(ctx).(bool)
	return ok && result
}

func (e *literalExpr) eval(_ *EvalContext) any { return e.value }

func (e *refExpr) eval(ctx *EvalContext) any {
	name := e.name
	switch {
	case strings.HasPrefix(name, "@request.auth."):
		return resolveAuth(ctx.Auth, strings.TrimPrefix(name, "@request.auth."))
	case strings.HasPrefix(name, "@request.body."):
		if v, ok := ctx.Body[strings.TrimPrefix(name, "@request.body.")]; ok && v != nil {
			return v
		}
		return ""
	case strings.HasPrefix(name, "@"):
		// Unknown macro namespace.
		return ""
	default:
		if v, ok := ctx.Record[name]; ok && v != nil {
			return v
		}
		return ""
	}
}

// resolveAuth resolves @request.auth.* atoms. Unauthenticated access
// resolves every atom to the empty string.
func resolveAuth(auth *Identity, field string) any {
	if auth == nil {
		return ""
	}
	switch field {
	case "id":
		return auth.ID
	case "email":
		return auth.Email
	case "verified":
		return auth.Verified
	case "collectionId":
		return auth.CollectionID
	case "collectionName":
		return auth.CollectionName
	default:
		return ""
	}
}

func (e *cmpExpr) eval(ctx *EvalContext) any {
	left := e.left.eval(ctx)
	right := e.right.eval(ctx)

	switch e.op {
	case "=":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	}

	// Ordering: numeric when both sides are numbers, else lexicographic.
	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if lok && rok {
		switch e.op {
		case "<":
			return ln < rn
		case "<=":
			return ln <= rn
		case ">":
			return ln > rn
		case ">=":
			return ln >= rn
		}
	}
	ls, rs := toString(left), toString(right)
	switch e.op {
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}

func (e *logicExpr) eval(ctx *EvalContext) any {
	left, _ := e.left.eval(ctx).(bool)
	if e.and {
		if !left {
			return false
		}
		right, _ := e.right.eval(ctx).(bool)
		return right
	}
	if left {
		return true
	}
	right, _ := e.right.eval(ctx).(bool)
	return right
}

// looseEqual compares across the value shapes a dynamic record can hold:
// numbers compare numerically, booleans by truth, everything else by string.
func looseEqual(a, b any) bool {
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}
	if aIsBool || bIsBool {
		return toString(a) == toString(b)
	}
	return toString(a) == toString(b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
