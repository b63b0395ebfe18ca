package expressions

import (
	"context"
	"sort"
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

// Engine evaluates expressions against run data.
// CEL and expr back expression rules in conditions; jq reshapes AI output.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set holds the engines available to expression rules, keyed by name.
type Set struct {
	engines map[string]Engine
	def     string
}

// NewSet registers engines. The first one is the default used when a rule
// names no engine.
func NewSet(engines ...Engine) *Set {
	s := &Set{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		if s.def == "" {
			s.def = e.Name()
		}
		s.engines[e.Name()] = e
	}
	return s
}

// Get returns the named engine, or the default one for an empty name.
func (s *Set) Get(name string) (Engine, error) {
	if name == "" {
		name = s.def
	}
	if e, ok := s.engines[name]; ok {
		return e, nil
	}
	names := make([]string, 0, len(s.engines))
	for n := range s.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
		"unknown expression engine %q; available: %s", name, strings.Join(names, ", "))
}
