package expressions

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/flowgate/pkg/schema"
)

// DefaultCacheSize bounds the compiled programs each engine keeps. Definitions
// are edited while the server runs, so old expressions must age out.
const DefaultCacheSize = 512

// programCache holds compiled programs keyed by expression text. Two
// goroutines missing on the same expression may both compile it; the
// programs are equivalent and the later one wins.
type programCache[P any] struct {
	entries *lru.Cache[string, P]
	compile func(expression string) (P, error)
}

func newProgramCache[P any](size int, compile func(string) (P, error)) *programCache[P] {
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[string, P](size)
	return &programCache[P]{entries: entries, compile: compile}
}

func (c *programCache[P]) get(expression string) (P, error) {
	if p, ok := c.entries.Get(expression); ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		var zero P
		return zero, err
	}
	c.entries.Add(expression, p)
	return p, nil
}

func (c *programCache[P]) len() int { return c.entries.Len() }

// compileError reports an expression that does not parse or type-check.
func compileError(lang, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

// evalError reports a runtime failure; it fails the step that evaluated it.
func evalError(lang, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStepFailed, "%s evaluation failed for %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}
