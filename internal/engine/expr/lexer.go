// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package expr implements the minimal expression language used by
// condition steps and transform filters: literals, variable paths
// (bare or in {{path}} template form), comparison/boolean/arithmetic
// operators and an allow-listed set of functions. No assignment, no
// user-defined functions.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
	tokRef // {{path}} template reference
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

type lexer struct {
	src    string
	pos    int
	tokens []token
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

const oneCharOps = "<>+-*/%!"

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '(':
			l.emit(tokLParen, "(")
		case c == ')':
			l.emit(tokRParen, ")")
		case c == '[':
			l.emit(tokLBracket, "[")
		case c == ']':
			l.emit(tokRBracket, "]")
		case c == ',':
			l.emit(tokComma, ",")
		case c == '.':
			l.emit(tokDot, ".")
		case c == '{':
			if err := l.lexRef(); err != nil {
				return nil, err
			}
		case c == '\'' || c == '"':
			if err := l.lexString(c); err != nil {
				return nil, err
			}
		case c >= '0' && c <= '9':
			if err := l.lexNumber(); err != nil {
				return nil, err
			}
		case isIdentStart(rune(c)):
			l.lexIdent()
		default:
			if op, ok := l.matchOp(); ok {
				l.tokens = append(l.tokens, token{kind: tokOp, text: op, pos: l.pos - len(op)})
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at position %d", c, l.pos)
		}
	}
	l.tokens = append(l.tokens, token{kind: tokEOF, pos: l.pos})
	return l.tokens, nil
}

func (l *lexer) emit(kind tokenKind, text string) {
	l.tokens = append(l.tokens, token{kind: kind, text: text, pos: l.pos})
	l.pos += len(text)
}

func (l *lexer) matchOp() (string, bool) {
	rest := l.src[l.pos:]
	for _, op := range twoCharOps {
		if strings.HasPrefix(rest, op) {
			l.pos += 2
			return op, true
		}
	}
	if strings.IndexByte(oneCharOps, rest[0]) >= 0 {
		l.pos++
		return rest[:1], true
	}
	return "", false
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case quote:
			l.pos++
			l.tokens = append(l.tokens, token{kind: tokString, text: b.String(), pos: start})
			return nil
		case '\\':
			if l.pos+1 >= len(l.src) {
				return fmt.Errorf("unterminated escape at position %d", l.pos)
			}
			next := l.src[l.pos+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '\'', '"':
				b.WriteByte(next)
			default:
				return fmt.Errorf("unknown escape \\%c at position %d", next, l.pos)
			}
			l.pos += 2
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return fmt.Errorf("unterminated string starting at position %d", start)
}

// lexRef consumes a {{path}} template reference. Conditions written in
// the template style ("{{x}} >= 10") treat the reference as the bare
// variable path it wraps.
func (l *lexer) lexRef() error {
	start := l.pos
	if !strings.HasPrefix(l.src[l.pos:], "{{") {
		return fmt.Errorf("unexpected character '{' at position %d", l.pos)
	}
	end := strings.Index(l.src[l.pos+2:], "}}")
	if end < 0 {
		return fmt.Errorf("unterminated {{ reference at position %d", start)
	}
	inner := strings.TrimSpace(l.src[l.pos+2 : l.pos+2+end])
	if inner == "" {
		return fmt.Errorf("empty {{}} reference at position %d", start)
	}
	l.tokens = append(l.tokens, token{kind: tokRef, text: inner, pos: start})
	l.pos += 2 + end + 2
	return nil
}

func (l *lexer) lexNumber() error {
	start := l.pos
	for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' &&
		l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9' {
		l.pos++
		for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
			l.pos++
		}
	}
	text := l.src[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q at position %d", text, start)
	}
	l.tokens = append(l.tokens, token{kind: tokNumber, text: text, num: n, pos: start})
	return nil
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
		l.pos++
	}
	l.tokens = append(l.tokens, token{kind: tokIdent, text: l.src[start:l.pos], pos: start})
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
