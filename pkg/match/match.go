// Package match compiles a node's streaming patterns and applies them to
// output lines, binding capture groups into the node scope.
package match

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/ormasoftchile/cascade/pkg/schema"
	"github.com/ormasoftchile/cascade/pkg/scope"
)

// ErrPatternCompile is returned when a pattern source cannot be compiled or
// its capture group count does not match its group names.
var ErrPatternCompile = errors.New("pattern compile")

// Pattern is a compiled streaming match rule.
type Pattern struct {
	Index  int
	Source string
	re     *regexp.Regexp
	groups []string
	log    string
}

// Match is one successful application of a pattern to a line.
type Match struct {
	Pattern  *Pattern
	Line     string
	Captures map[string]string
	// Message is the resolved log template; empty when the pattern has none.
	Message string
}

// Compile resolves each pattern source against s and compiles it. Patterns
// match at the start of a line; a full-line match requires an explicit $.
func Compile(defs []schema.Pattern, s scope.Scope) ([]*Pattern, error) {
	patterns := make([]*Pattern, 0, len(defs))
	for i, def := range defs {
		src, err := scope.Resolve(def.Pattern, s)
		if err != nil {
			return nil, fmt.Errorf("patterns[%d]: %w", i, err)
		}
		re, err := regexp.Compile(`^(?:` + src + `)`)
		if err != nil {
			return nil, fmt.Errorf("%w: patterns[%d] %q: %v", ErrPatternCompile, i, src, err)
		}
		if re.NumSubexp() != len(def.Groups) {
			return nil, fmt.Errorf("%w: patterns[%d] %q has %d capture group(s) but %d group name(s)",
				ErrPatternCompile, i, src, re.NumSubexp(), len(def.Groups))
		}
		patterns = append(patterns, &Pattern{
			Index:  i,
			Source: src,
			re:     re,
			groups: def.Groups,
			log:    def.Log,
		})
	}
	return patterns, nil
}

// Apply tests p against line. On a match it binds group i to the resolved
// name of the i-th group template, in order, mutating s, then resolves the
// log template against the mutated scope. It returns nil when line does not
// match.
func (p *Pattern) Apply(line string, s scope.Scope) (*Match, error) {
	sub := p.re.FindStringSubmatch(line)
	if sub == nil {
		return nil, nil
	}

	m := &Match{Pattern: p, Line: line, Captures: make(map[string]string, len(p.groups))}
	for i, tmpl := range p.groups {
		name, err := scope.Resolve(tmpl, s)
		if err != nil {
			return nil, fmt.Errorf("patterns[%d] group %d: %w", p.Index, i+1, err)
		}
		s.Set(name, sub[i+1])
		m.Captures[name] = sub[i+1]
	}

	if p.log != "" {
		msg, err := scope.Resolve(p.log, s)
		if err != nil {
			return nil, fmt.Errorf("patterns[%d] log: %w", p.Index, err)
		}
		m.Message = msg
	}
	return m, nil
}
