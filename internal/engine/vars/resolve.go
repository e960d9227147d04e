// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package vars

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/noldarim/flowmill/internal/engine/fault"
)

const credPrefix = "creds."

// CredentialSource resolves opaque credential references. The engine
// never stores the returned secrets: they exist only in the resolved
// copy handed to a runner.
type CredentialSource interface {
	Get(ctx context.Context, ref string) (string, error)
}

// Warning records a non-fatal resolution issue (typically a missing
// path, which renders as empty/null).
type Warning struct {
	Path    string
	Message string
}

// Resolver expands {{path}} templates against a Store. With a nil
// CredentialSource, creds.* references are left verbatim so that
// persisted inputs never contain secrets; a second resolution pass with
// the source set fills them in just before dispatch.
type Resolver struct {
	store *Store
	creds CredentialSource
}

// NewResolver builds a resolver over the given store.
func NewResolver(store *Store, creds CredentialSource) *Resolver {
	return &Resolver{store: store, creds: creds}
}

// ResolveString expands templates in s. Missing paths become the empty
// string and produce a warning. `{{{{` escapes to a literal `{{`.
func (r *Resolver) ResolveString(ctx context.Context, s string) (string, []Warning, error) {
	var (
		b        strings.Builder
		warnings []Warning
	)
	err := scanTemplate(s,
		func(text string) { b.WriteString(text) },
		func(path string) error {
			v, found, keep, err := r.lookup(ctx, path)
			if err != nil {
				return err
			}
			if keep {
				b.WriteString("{{" + path + "}}")
				return nil
			}
			if !found {
				warnings = append(warnings, Warning{Path: path, Message: "path not found, rendered empty"})
				return nil
			}
			b.WriteString(Stringify(v))
			return nil
		})
	if err != nil {
		return "", warnings, err
	}
	return b.String(), warnings, nil
}

// ResolveValue recursively resolves string leaves of maps and slices.
// A string that is exactly one template substitutes the typed value:
// `"{{count}}"` where count is a number yields a number, and a missing
// path yields nil (JSON null) with a warning.
func (r *Resolver) ResolveValue(ctx context.Context, v any) (any, []Warning, error) {
	switch t := v.(type) {
	case string:
		if path, ok := soleTemplate(t); ok {
			val, found, keep, err := r.lookup(ctx, path)
			if err != nil {
				return nil, nil, err
			}
			if keep {
				return t, nil, nil
			}
			if !found {
				return nil, []Warning{{Path: path, Message: "path not found, rendered null"}}, nil
			}
			return clone(val), nil, nil
		}
		return r.resolveStringAsAny(ctx, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		var warnings []Warning
		for k, val := range t {
			rv, w, err := r.ResolveValue(ctx, val)
			if err != nil {
				return nil, warnings, err
			}
			warnings = append(warnings, w...)
			out[k] = rv
		}
		return out, warnings, nil
	case []any:
		out := make([]any, len(t))
		var warnings []Warning
		for i, val := range t {
			rv, w, err := r.ResolveValue(ctx, val)
			if err != nil {
				return nil, warnings, err
			}
			warnings = append(warnings, w...)
			out[i] = rv
		}
		return out, warnings, nil
	default:
		return v, nil, nil
	}
}

func (r *Resolver) resolveStringAsAny(ctx context.Context, s string) (any, []Warning, error) {
	out, warnings, err := r.ResolveString(ctx, s)
	if err != nil {
		return nil, warnings, err
	}
	return out, warnings, nil
}

// ResolveJSONText renders a template that is expected to produce JSON.
// If raw already parses as JSON, resolution walks the decoded structure
// and re-encodes, preserving validity by construction. Otherwise the
// text is rendered and must parse afterwards, or the step fails with
// TEMPLATE_RENDER_ERROR.
func (r *Resolver) ResolveJSONText(ctx context.Context, raw string) (string, []Warning, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil, nil
	}
	if json.Valid([]byte(trimmed)) {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return "", nil, fault.Template(err, "failed to decode json template")
		}
		resolved, warnings, err := r.ResolveValue(ctx, decoded)
		if err != nil {
			return "", warnings, err
		}
		out, err := json.Marshal(resolved)
		if err != nil {
			return "", warnings, fault.Template(err, "failed to re-encode resolved json")
		}
		return string(out), warnings, nil
	}

	rendered, warnings, err := r.ResolveString(ctx, trimmed)
	if err != nil {
		return "", warnings, err
	}
	if !json.Valid([]byte(rendered)) {
		return "", warnings, fault.Template(nil, "rendered template is not valid json: %.80s", rendered)
	}
	return rendered, warnings, nil
}

// lookup returns (value, found, keepVerbatim, error). keepVerbatim is
// set for creds.* paths when no credential source is configured.
func (r *Resolver) lookup(ctx context.Context, path string) (any, bool, bool, error) {
	if strings.HasPrefix(path, credPrefix) {
		if r.creds == nil {
			return nil, false, true, nil
		}
		secret, err := r.creds.Get(ctx, strings.TrimPrefix(path, credPrefix))
		if err != nil {
			return nil, false, false, fault.Template(err, "failed to resolve credential %q", path)
		}
		return secret, true, false, nil
	}
	v, ok := r.store.Get(path)
	return v, ok, false, nil
}

// CredentialRef reports whether s is exactly one `{{creds.x}}` template
// left verbatim by a store-only resolution pass, returning the bare
// credential ref.
func CredentialRef(s string) (string, bool) {
	path, ok := soleTemplate(s)
	if !ok || !strings.HasPrefix(path, credPrefix) {
		return "", false
	}
	return strings.TrimPrefix(path, credPrefix), true
}

// soleTemplate reports whether s is exactly one {{path}} expression.
func soleTemplate(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	if strings.HasPrefix(trimmed, "{{{{") {
		return "", false
	}
	inner := trimmed[2 : len(trimmed)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// scanTemplate walks s emitting literal text and template expressions.
// `{{{{` emits a literal `{{`; an unterminated `{{` is literal text.
func scanTemplate(s string, emitText func(string), emitExpr func(string) error) error {
	for i := 0; i < len(s); {
		open := strings.Index(s[i:], "{{")
		if open < 0 {
			emitText(s[i:])
			return nil
		}
		open += i
		emitText(s[i:open])
		if strings.HasPrefix(s[open:], "{{{{") {
			emitText("{{")
			i = open + 4
			continue
		}
		end := strings.Index(s[open+2:], "}}")
		if end < 0 {
			emitText(s[open:])
			return nil
		}
		expr := strings.TrimSpace(s[open+2 : open+2+end])
		if err := emitExpr(expr); err != nil {
			return err
		}
		i = open + 2 + end + 2
	}
	return nil
}

// Stringify renders a resolved value for string interpolation. Numbers
// render without trailing zeros, composites as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		out, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(out)
	}
}
