// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package expr

import (
	"fmt"
	"strings"

	"github.com/noldarim/flowmill/internal/engine/fault"
)

// Program is a parsed expression ready for repeated evaluation. Parsing
// happens once at validation time; condition steps re-evaluate the same
// Program with fresh variable snapshots.
type Program struct {
	root node
	src  string
}

// Source returns the original expression text.
func (p *Program) Source() string {
	return p.src
}

type node interface {
	// source renders the node back to canonical expression text. Used in
	// error messages so the user sees the failing sub-expression.
	source() string
}

type litNode struct {
	val any // float64, string, bool or nil
}

type pathNode struct {
	// path is the canonical dotted form handed to the lookup callback,
	// e.g. "steps.fetch.outputs.result.items[0].id".
	path string
}

type unaryNode struct {
	op      string // "!" or "-"
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

type callNode struct {
	name string
	args []node
}

func (n litNode) source() string {
	switch v := n.val.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", v)
	case float64:
		return trimFloat(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("%v", n.val)
}

func (n pathNode) source() string   { return n.path }
func (n unaryNode) source() string  { return n.op + n.operand.source() }
func (n binaryNode) source() string { return n.left.source() + " " + n.op + " " + n.right.source() }

func (n callNode) source() string {
	parts := make([]string, len(n.args))
	for i, a := range n.args {
		parts[i] = a.source()
	}
	return n.name + "(" + strings.Join(parts, ", ") + ")"
}

// builtins is the allow-list of callable functions. Anything else is a
// parse error so bad expressions surface at validation, not mid-run.
var builtins = map[string]struct{ minArgs, maxArgs int }{
	"len":         {1, 1},
	"lower":       {1, 1},
	"upper":       {1, 1},
	"contains":    {2, 2},
	"startswith":  {2, 2},
	"endswith":    {2, 2},
	"regex_match": {2, 2},
}

// Parse compiles src into a Program. Errors carry EXPRESSION_ERROR with
// a position so the validator can point at the offending character.
func Parse(src string) (*Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fault.New(fault.CodeExpression, "empty expression")
	}
	tokens, err := lex(src)
	if err != nil {
		return nil, fault.Expression(err, "lex %q", src)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fault.New(fault.CodeExpression, "unexpected %q at position %d", tok.text, tok.pos)
	}
	return &Program{root: root, src: src}, nil
}

// parser is a recursive-descent parser with the usual precedence
// ladder: || < && < == != < comparison < + - < * / % < unary.
type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fault.New(fault.CodeExpression, "expected %s at position %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("==", "!=")
		if !ok {
			return left, nil
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("<", "<=", ">", ">=")
		if !ok {
			return left, nil
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return litNode{val: t.num}, nil
	case tokString:
		return litNode{val: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		switch t.text {
		case "true":
			return litNode{val: true}, nil
		case "false":
			return litNode{val: false}, nil
		case "null", "nil":
			return litNode{val: nil}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return p.parsePath(t)
	case tokRef:
		return parseRefPath(t)
	case tokEOF:
		return nil, fault.New(fault.CodeExpression, "unexpected end of expression")
	default:
		return nil, fault.New(fault.CodeExpression, "unexpected %q at position %d", t.text, t.pos)
	}
}

func (p *parser) parseCall(name token) (node, error) {
	spec, ok := builtins[name.text]
	if !ok {
		return nil, fault.New(fault.CodeExpression, "unknown function %q at position %d", name.text, name.pos)
	}
	p.next() // consume '('
	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if len(args) < spec.minArgs || len(args) > spec.maxArgs {
		return nil, fault.New(fault.CodeExpression, "%s expects %d argument(s), got %d", name.text, spec.minArgs, len(args))
	}
	return callNode{name: name.text, args: args}, nil
}

// parseRefPath parses the inside of a {{…}} reference, which must be a
// bare variable path: no operators, no literals, no calls.
func parseRefPath(ref token) (node, error) {
	tokens, err := lex(ref.text)
	if err != nil {
		return nil, fault.Expression(err, "reference {{%s}}", ref.text)
	}
	sub := &parser{tokens: tokens}
	first, err := sub.expect(tokIdent, "identifier")
	if err != nil {
		return nil, fault.New(fault.CodeExpression, "reference {{%s}} at position %d is not a variable path", ref.text, ref.pos)
	}
	pn, err := sub.parsePath(first)
	if err != nil {
		return nil, err
	}
	if sub.peek().kind != tokEOF {
		return nil, fault.New(fault.CodeExpression, "reference {{%s}} at position %d is not a variable path", ref.text, ref.pos)
	}
	return pn, nil
}

// parsePath consumes ident(.ident | [int])* into a single dotted path.
// Only literal non-negative integer indexes are allowed in brackets;
// dynamic indexing is out of scope for condition expressions.
func (p *parser) parsePath(first token) (node, error) {
	var b strings.Builder
	b.WriteString(first.text)
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			seg, err := p.expect(tokIdent, "identifier after '.'")
			if err != nil {
				return nil, err
			}
			b.WriteByte('.')
			b.WriteString(seg.text)
		case tokLBracket:
			p.next()
			idx, err := p.expect(tokNumber, "index")
			if err != nil {
				return nil, err
			}
			if idx.num != float64(int(idx.num)) || idx.num < 0 {
				return nil, fault.New(fault.CodeExpression, "index must be a non-negative integer at position %d", idx.pos)
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, "[%d]", int(idx.num))
		default:
			return pathNode{path: b.String()}, nil
		}
	}
}
