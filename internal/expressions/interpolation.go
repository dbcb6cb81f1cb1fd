package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/flowgate/pkg/schema"
)

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// Interpolator resolves {{stepId.field}} placeholders in step configuration.
// The first path segment names a step in the execution context; "trigger"
// and "result" are also accepted when no step carries that ID.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// ResolveJSON decodes raw JSON and resolves placeholders in every string it contains.
func (interp *Interpolator) ResolveJSON(raw json.RawMessage, scope *Scope) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "invalid JSON template: %s", err.Error()).WithCause(err)
	}
	return interp.ResolveValue(v, scope)
}

// ResolveValue walks maps and slices and resolves placeholders in string
// leaves. Map keys are left untouched.
func (interp *Interpolator) ResolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.ResolveString(val, scope)
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

// ResolveString resolves a template string. When the whole string is a
// single placeholder the referenced value is returned as is; otherwise the
// placeholders are rendered inline and a string is returned.
func (interp *Interpolator) ResolveString(s string, scope *Scope) (any, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openMarker) && strings.HasSuffix(trimmed, closeMarker) &&
		strings.Count(trimmed, openMarker) == 1 {
		ref := strings.TrimSpace(trimmed[len(openMarker) : len(trimmed)-len(closeMarker)])
		return interp.lookup(ref, scope)
	}
	return interp.RenderText(s, scope)
}

// RenderText renders every placeholder inline and returns the resulting text.
func (interp *Interpolator) RenderText(s string, scope *Scope) (string, error) {
	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openMarker)
		if idx == -1 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+idx])
		start := i + idx + len(openMarker)

		end := strings.Index(s[start:], closeMarker)
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed %s in %q", openMarker, s)
		}
		end += start

		// ${{...}} is a secret reference, resolved later by the action step.
		if i+idx > 0 && s[i+idx-1] == '$' {
			out.WriteString(s[i+idx : end+len(closeMarker)])
			i = end + len(closeMarker)
			continue
		}

		ref := strings.TrimSpace(s[start:end])
		if strings.Contains(ref, openMarker) {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation, "nested placeholder in %q", s)
		}
		val, err := interp.lookup(ref, scope)
		if err != nil {
			return "", err
		}
		out.WriteString(marshalInline(val))
		i = end + len(closeMarker)
	}
	return out.String(), nil
}

// lookup resolves a dotted reference like "search.results.0.title".
func (interp *Interpolator) lookup(ref string, scope *Scope) (any, error) {
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty placeholder {{}}")
	}
	head, rest, _ := strings.Cut(ref, ".")

	var root any
	switch {
	case scope != nil && hasKey(scope.Steps, head):
		root = scope.Steps[head]
	case head == "trigger" && scope != nil:
		root = scope.Trigger
	case head == "result" && scope != nil:
		root = scope.Result
	default:
		var available []string
		if scope != nil {
			available = mapKeys(scope.Steps)
		}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q not found in {{%s}}; available steps: [%s]", head, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available_steps": available})
	}

	if rest == "" {
		return root, nil
	}
	return traversePath(root, rest, ref)
}

// traversePath navigates into nested maps and slices using a dot-delimited path.
// Numeric segments index into slices.
func traversePath(root any, path, ref string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in %q at position %d", ref, i)
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				keys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in {{%s}}; available: [%s]", seg, ref, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"reference": ref, "available_fields": keys})
			}
			current = val
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil || n < 0 || n >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"index %q out of range in {{%s}} (length %d)", seg, ref, len(v))
			}
			current = v[n]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into %T at %q in {{%s}}", current, seg, ref)
		}
	}
	return current, nil
}

// marshalInline converts a resolved value into text. Strings are written
// verbatim, composite values as JSON.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// References returns the leading path segment of every placeholder in s,
// in order. Secret references are not included.
func References(s string) []string {
	var refs []string
	for {
		idx := strings.Index(s, openMarker)
		if idx == -1 {
			return refs
		}
		secret := idx > 0 && s[idx-1] == '$'
		rest := s[idx+len(openMarker):]
		end := strings.Index(rest, closeMarker)
		if end == -1 {
			return refs
		}
		head, _, _ := strings.Cut(strings.TrimSpace(rest[:end]), ".")
		if head != "" && !secret {
			refs = append(refs, head)
		}
		s = rest[end+len(closeMarker):]
	}
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
