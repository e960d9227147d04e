// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package expr

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/noldarim/flowmill/internal/engine/fault"
)

// Lookup resolves a dotted variable path to its value. The second
// return reports whether the path exists; evaluation treats a missing
// path as null rather than failing, matching template resolution.
type Lookup func(path string) (any, bool)

// Eval evaluates the program against the given lookup. Values follow
// JSON shapes: float64, string, bool, nil, []any, map[string]any.
func (p *Program) Eval(lookup Lookup) (any, error) {
	if lookup == nil {
		lookup = func(string) (any, bool) { return nil, false }
	}
	return eval(p.root, lookup)
}

// EvalBool evaluates the program and coerces the result with the
// engine's truthiness rules: false, 0, "", null and empty collections
// are falsy; everything else is truthy.
func (p *Program) EvalBool(lookup Lookup) (bool, error) {
	v, err := p.Eval(lookup)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy applies the engine's truthiness coercion to a JSON-shaped value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func eval(n node, lookup Lookup) (any, error) {
	switch t := n.(type) {
	case litNode:
		return t.val, nil
	case pathNode:
		v, _ := lookup(t.path)
		return v, nil
	case unaryNode:
		return evalUnary(t, lookup)
	case binaryNode:
		return evalBinary(t, lookup)
	case callNode:
		return evalCall(t, lookup)
	}
	return nil, fault.New(fault.CodeExpression, "unhandled node %T", n)
}

func evalUnary(n unaryNode, lookup Lookup) (any, error) {
	v, err := eval(n.operand, lookup)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !Truthy(v), nil
	case "-":
		f, ok := asNumber(v)
		if !ok {
			return nil, fault.New(fault.CodeExpression, "cannot negate %s in %q", typeName(v), n.source())
		}
		return -f, nil
	}
	return nil, fault.New(fault.CodeExpression, "unknown unary operator %q", n.op)
}

func evalBinary(n binaryNode, lookup Lookup) (any, error) {
	// Short-circuit boolean operators before touching the right side.
	switch n.op {
	case "&&":
		left, err := eval(n.left, lookup)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := eval(n.right, lookup)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "||":
		left, err := eval(n.left, lookup)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := eval(n.right, lookup)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := eval(n.left, lookup)
	if err != nil {
		return nil, err
	}
	right, err := eval(n.right, lookup)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, left, right, n)
	case "+":
		if ls, lok := left.(string); lok {
			if rs, rok := right.(string); rok {
				return ls + rs, nil
			}
		}
		return arith(n.op, left, right, n)
	case "-", "*", "/", "%":
		return arith(n.op, left, right, n)
	}
	return nil, fault.New(fault.CodeExpression, "unknown operator %q", n.op)
}

func compare(op string, left, right any, n binaryNode) (any, error) {
	if lf, lok := asNumber(left); lok {
		if rf, rok := asNumber(right); rok {
			switch op {
			case "<":
				return lf < rf, nil
			case "<=":
				return lf <= rf, nil
			case ">":
				return lf > rf, nil
			case ">=":
				return lf >= rf, nil
			}
		}
	}
	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}
	return nil, fault.New(fault.CodeExpression, "cannot compare %s and %s in %q", typeName(left), typeName(right), n.source())
}

func arith(op string, left, right any, n binaryNode) (any, error) {
	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if !lok || !rok {
		return nil, fault.New(fault.CodeExpression, "operator %q needs numbers, got %s and %s in %q", op, typeName(left), typeName(right), n.source())
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fault.New(fault.CodeExpression, "division by zero in %q", n.source())
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fault.New(fault.CodeExpression, "division by zero in %q", n.source())
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fault.New(fault.CodeExpression, "unknown arithmetic operator %q", op)
}

func evalCall(n callNode, lookup Lookup) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := eval(a, lookup)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch n.name {
	case "len":
		switch t := args[0].(type) {
		case string:
			return float64(utf8.RuneCountInString(t)), nil
		case []any:
			return float64(len(t)), nil
		case map[string]any:
			return float64(len(t)), nil
		case nil:
			return float64(0), nil
		}
		return nil, fault.New(fault.CodeExpression, "len: unsupported type %s", typeName(args[0]))
	case "lower":
		s, err := argString(n, 0, args[0])
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case "upper":
		s, err := argString(n, 0, args[0])
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case "contains":
		if list, ok := args[0].([]any); ok {
			for _, item := range list {
				if looseEqual(item, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		s, err := argString(n, 0, args[0])
		if err != nil {
			return nil, err
		}
		sub, err := argString(n, 1, args[1])
		if err != nil {
			return nil, err
		}
		return strings.Contains(s, sub), nil
	case "startswith":
		s, err := argString(n, 0, args[0])
		if err != nil {
			return nil, err
		}
		prefix, err := argString(n, 1, args[1])
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(s, prefix), nil
	case "endswith":
		s, err := argString(n, 0, args[0])
		if err != nil {
			return nil, err
		}
		suffix, err := argString(n, 1, args[1])
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(s, suffix), nil
	case "regex_match":
		s, err := argString(n, 0, args[0])
		if err != nil {
			return nil, err
		}
		pattern, err := argString(n, 1, args[1])
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fault.Expression(err, "regex_match: invalid pattern %q", pattern)
		}
		return re.MatchString(s), nil
	}
	return nil, fault.New(fault.CodeExpression, "unknown function %q", n.name)
}

func argString(n callNode, idx int, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fault.New(fault.CodeExpression, "%s: argument %d must be a string, got %s", n.name, idx+1, typeName(v))
	}
	return s, nil
}

// looseEqual compares JSON-shaped values, treating all numeric widths
// as float64 so 2 == 2.0 regardless of how the value was decoded.
func looseEqual(a, b any) bool {
	if af, aok := asNumber(a); aok {
		bf, bok := asNumber(b)
		return bok && af == bf
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	if _, ok := asNumber(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
