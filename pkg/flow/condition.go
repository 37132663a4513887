// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Condition is the authored form of a conditional-edge predicate. A leaf
// names a path into the runtime context and an operator; branches combine
// sub-conditions with and/or/not.
type Condition struct {
	Path  string `json:"path,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`

	And []Condition `json:"and,omitempty"`
	Or  []Condition `json:"or,omitempty"`
	Not *Condition  `json:"not,omitempty"`
}

// Leaf operators.
const (
	OpEq      = "eq"
	OpNe      = "ne"
	OpCo      = "co"
	OpSw      = "sw"
	OpEw      = "ew"
	OpGt      = "gt"
	OpLt      = "lt"
	OpGe      = "ge"
	OpLe      = "le"
	OpIn      = "in"
	OpNotIn   = "notIn"
	OpExists  = "exists"
	OpMatches = "matches"
	OpIsTrue  = "isTrue"
	OpIsFalse = "isFalse"
)

// evaluator is a compiled predicate over the runtime context.
type evaluator func(ctx map[string]any) bool

// compileCondition turns an authored condition into a pure evaluator.
// Malformed conditions fail at compile time, never at submit time.
func compileCondition(c *Condition) (evaluator, error) {
	switch {
	case len(c.And) > 0:
		subs, err := compileGroup(c.And)
		if err != nil {
			return nil, err
		}
		return func(ctx map[string]any) bool {
			for _, sub := range subs {
				if !sub(ctx) {
					return false
				}
			}
			return true
		}, nil

	case len(c.Or) > 0:
		subs, err := compileGroup(c.Or)
		if err != nil {
			return nil, err
		}
		return func(ctx map[string]any) bool {
			for _, sub := range subs {
				if sub(ctx) {
					return true
				}
			}
			return false
		}, nil

	case c.Not != nil:
		sub, err := compileCondition(c.Not)
		if err != nil {
			return nil, err
		}
		return func(ctx map[string]any) bool { return !sub(ctx) }, nil
	}

	return compileLeaf(c)
}

func compileGroup(conds []Condition) ([]evaluator, error) {
	subs := make([]evaluator, 0, len(conds))
	for i := range conds {
		sub, err := compileCondition(&conds[i])
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func compileLeaf(c *Condition) (evaluator, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("condition leaf requires a path")
	}
	path := strings.Split(c.Path, ".")

	switch c.Op {
	case OpExists:
		return func(ctx map[string]any) bool {
			_, ok := lookupPath(ctx, path)
			return ok
		}, nil

	case OpIsTrue, OpIsFalse:
		want := c.Op == OpIsTrue
		return func(ctx map[string]any) bool {
			v, ok := lookupPath(ctx, path)
			if !ok {
				return false
			}
			b, ok := v.(bool)
			return ok && b == want
		}, nil

	case OpEq, OpNe:
		negate := c.Op == OpNe
		expected := c.Value
		return func(ctx map[string]any) bool {
			v, ok := lookupPath(ctx, path)
			if !ok {
				return negate
			}
			return looseEqual(v, expected) != negate
		}, nil

	case OpCo, OpSw, OpEw:
		expected, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("operator %s requires a string value", c.Op)
		}
		op := c.Op
		return func(ctx map[string]any) bool {
			v, ok := lookupPath(ctx, path)
			if !ok {
				return false
			}
			s, ok := v.(string)
			if !ok {
				return false
			}
			switch op {
			case OpCo:
				return strings.Contains(s, expected)
			case OpSw:
				return strings.HasPrefix(s, expected)
			default:
				return strings.HasSuffix(s, expected)
			}
		}, nil

	case OpGt, OpLt, OpGe, OpLe:
		expected, ok := toFloat(c.Value)
		if !ok {
			return nil, fmt.Errorf("operator %s requires a numeric value", c.Op)
		}
		op := c.Op
		return func(ctx map[string]any) bool {
			v, ok := lookupPath(ctx, path)
			if !ok {
				return false
			}
			actual, ok := toFloat(v)
			if !ok {
				return false
			}
			switch op {
			case OpGt:
				return actual > expected
			case OpLt:
				return actual < expected
			case OpGe:
				return actual >= expected
			default:
				return actual <= expected
			}
		}, nil

	case OpIn, OpNotIn:
		set, ok := c.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("operator %s requires a list value", c.Op)
		}
		negate := c.Op == OpNotIn
		return func(ctx map[string]any) bool {
			v, ok := lookupPath(ctx, path)
			if !ok {
				return negate
			}
			for _, member := range set {
				if looseEqual(v, member) {
					return !negate
				}
			}
			return negate
		}, nil

	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("operator matches requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		return func(ctx map[string]any) bool {
			v, ok := lookupPath(ctx, path)
			if !ok {
				return false
			}
			s, ok := v.(string)
			return ok && re.MatchString(s)
		}, nil
	}

	return nil, fmt.Errorf("unknown operator %q", c.Op)
}

// lookupPath descends dot-separated segments through nested maps.
func lookupPath(ctx map[string]any, path []string) (any, bool) {
	var current any = ctx
	for _, segment := range path {
		m, ok := current.(map[string]any)
		if !ok {
			if sm, ok := current.(map[string]string); ok {
				v, found := sm[segment]
				if !found {
					return nil, false
				}
				current = v
				continue
			}
			return nil, false
		}
		v, found := m[segment]
		if !found {
			return nil, false
		}
		current = v
	}
	return current, true
}

// looseEqual compares with numeric coercion so a JSON-decoded float64
// matches an int-valued context entry.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
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
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
