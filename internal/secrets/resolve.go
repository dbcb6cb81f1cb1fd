package secrets

import (
	"context"
	"strings"

	"github.com/rendis/flowgate/pkg/schema"
)

const (
	refOpen   = "${{"
	refClose  = "}}"
	refPrefix = "secrets."
)

// ValidKey reports whether key can be referenced as ${{secrets.KEY}}:
// letters, digits, '_' and '-' only.
func ValidKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// HasRefs reports whether s contains a secret reference.
func HasRefs(s string) bool {
	return strings.Contains(s, refOpen+refPrefix) || strings.Contains(s, refOpen+" "+refPrefix)
}

// Resolver substitutes secret references. A nil Vault rejects every
// reference.
type Resolver struct {
	vault Vault
}

// NewResolver creates a Resolver backed by v.
func NewResolver(v Vault) *Resolver {
	return &Resolver{vault: v}
}

// ResolveString replaces every ${{secrets.KEY}} in s with the secret's value.
func (r *Resolver) ResolveString(ctx context.Context, s string) (string, error) {
	if !strings.Contains(s, refOpen) {
		return s, nil
	}

	var out strings.Builder
	out.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], refOpen)
		if idx == -1 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+idx])
		start := i + idx + len(refOpen)
		end := strings.Index(s[start:], refClose)
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ secret reference")
		}
		end += start

		ref := strings.TrimSpace(s[start:end])
		key, ok := strings.CutPrefix(ref, refPrefix)
		if !ok || !ValidKey(key) {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid secret reference %q: expected secrets.<KEY>", ref)
		}
		val, err := r.lookup(ctx, key)
		if err != nil {
			return "", err
		}
		out.WriteString(val)
		i = end + len(refClose)
	}
	return out.String(), nil
}

// ResolveValue walks maps and slices and resolves references in string leaves.
func (r *Resolver) ResolveValue(ctx context.Context, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(ctx, val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			res, err := r.ResolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			res, err := r.ResolveValue(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) lookup(ctx context.Context, key string) (string, error) {
	if r == nil || r.vault == nil {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key)
	}
	val, err := r.vault.Resolve(ctx, key)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation, "cannot resolve secret %q", key).
			WithDetails(map[string]any{"secret": key}).WithCause(err)
	}
	return string(val), nil
}
