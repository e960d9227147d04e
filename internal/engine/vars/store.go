// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vars implements the per-run variable store and the template
// resolver that expands {{dotted.path}} references in step inputs.
package vars

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Store is the per-run variable tree. It is seeded from the run's
// initial variables and written as steps succeed. The owning executor
// is the only writer, so the store carries no lock; snapshots handed to
// workers are deep copies.
type Store struct {
	root map[string]any
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{root: make(map[string]any)}
}

// Seed deep-copies the given bindings into the top level of the store.
func (s *Store) Seed(m map[string]any) {
	for k, v := range m {
		s.root[k] = clone(v)
	}
}

// Set writes a value at a dotted path, creating intermediate maps.
// Index segments are not supported for writes.
func (s *Store) Set(path string, v any) error {
	return SetIn(s.root, path, v)
}

// Get resolves a dotted+indexed path. The second result is false when
// any segment is missing or of the wrong shape.
func (s *Store) Get(path string) (any, bool) {
	return LookupIn(s.root, path)
}

// SetIn writes a value at a dotted path inside dst, creating
// intermediate maps. The value is deep-copied.
func SetIn(dst map[string]any, path string, v any) error {
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	cur := dst
	for i, seg := range segs {
		if len(seg.Indexes) > 0 {
			return fmt.Errorf("cannot set indexed path %q", path)
		}
		if i == len(segs)-1 {
			cur[seg.Key] = clone(v)
			return nil
		}
		next, ok := cur[seg.Key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg.Key] = next
		}
		cur = next
	}
	return fmt.Errorf("empty path")
}

// LookupIn resolves a dotted+indexed path against any JSON-shaped root.
func LookupIn(root any, path string) (any, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	cur := root
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.Key]
		if !ok {
			return nil, false
		}
		for _, idx := range seg.Indexes {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

// Snapshot returns a deep copy of the whole tree.
func (s *Store) Snapshot() map[string]any {
	out, _ := clone(s.root).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Lookup adapts the store to the expression engine's resolver shape.
func (s *Store) Lookup(path string) (any, bool) {
	return s.Get(path)
}

// Segment is one component of a parsed path: a key plus zero or more
// trailing indexes (`b[2][0]`).
type Segment struct {
	Key     string
	Indexes []int
}

// ParsePath splits a dotted path like `a.b[2].c` into segments.
func ParsePath(path string) ([]Segment, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(path, ".")
	segs := make([]Segment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", path, err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func parseSegment(part string) (Segment, error) {
	open := strings.IndexByte(part, '[')
	if open < 0 {
		if part == "" {
			return Segment{}, fmt.Errorf("empty segment")
		}
		return Segment{Key: part}, nil
	}
	seg := Segment{Key: part[:open]}
	if seg.Key == "" {
		return Segment{}, fmt.Errorf("segment %q has no key", part)
	}
	rest := part[open:]
	for rest != "" {
		if rest[0] != '[' {
			return Segment{}, fmt.Errorf("unexpected %q in segment", rest)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return Segment{}, fmt.Errorf("unterminated index in %q", part)
		}
		idx, err := strconv.Atoi(rest[1:end])
		if err != nil {
			return Segment{}, fmt.Errorf("non-numeric index in %q", part)
		}
		seg.Indexes = append(seg.Indexes, idx)
		rest = rest[end+1:]
	}
	return seg, nil
}

// Clone deep-copies a JSON-shaped value. Scalars pass through;
// json.Number normalizes to float64.
func Clone(v any) any {
	return clone(v)
}

// clone deep-copies JSON-shaped values. Scalars pass through.
func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = clone(val)
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
