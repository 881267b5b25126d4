// Package scope implements the per-node variable scope and the {name}
// template resolver used for commands, patterns, file contents and log
// messages.
package scope

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
)

// ErrUnresolvedVariable is returned when a template references a name the
// scope does not define.
var ErrUnresolvedVariable = errors.New("unresolved variable")

// Scope maps variable names to values. A Scope is owned by exactly one
// execution instance; children always receive a Clone.
type Scope map[string]string

// New builds a node scope: a copy of parent overlaid with the node's own
// declared vars. Declared values win and are stringified.
func New(parent Scope, vars map[string]any) Scope {
	s := make(Scope, len(parent)+len(vars))
	maps.Copy(s, parent)
	for k, v := range vars {
		s[k] = stringify(v)
	}
	return s
}

// FromStrings builds a scope from plain string values.
func FromStrings(vars map[string]string) Scope {
	s := make(Scope, len(vars))
	maps.Copy(s, vars)
	return s
}

// Clone returns an independent snapshot of s.
func (s Scope) Clone() Scope {
	return maps.Clone(s)
}

// Set binds name to value.
func (s Scope) Set(name, value string) {
	s[name] = value
}

// Env exposes the scope as an expression environment.
func (s Scope) Env() map[string]any {
	env := make(map[string]any, len(s))
	for k, v := range s {
		env[k] = v
	}
	return env
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		// Conditions compare booleans against True/False.
		if val {
			return "True"
		}
		return "False"
	case float64:
		return formatFloat(val)
	default:
		return fmt.Sprint(val)
	}
}

// formatFloat renders v the way tree authors expect a YAML float to read:
// whole numbers keep a trailing ".0" and very large or small magnitudes use
// an exponent.
func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	if abs := math.Abs(v); abs != 0 && (abs >= 1e16 || abs < 1e-4) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	out := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}

// Resolve substitutes every {name} placeholder in tmpl with its value in s.
// {{ and }} produce literal braces. Brace groups that are not identifiers,
// such as regex quantifiers {3} or {2,5}, are copied verbatim.
// Example: Resolve("nmap -p {port} {host}", {"port": "80", "host": "srv1"}) → "nmap -p 80 srv1"
func Resolve(tmpl string, s Scope) (string, error) {
	if !strings.ContainsAny(tmpl, "{}") {
		return tmpl, nil // fast path for literals
	}

	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			b.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			b.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				b.WriteString(tmpl[i:])
				return b.String(), nil
			}
			name := tmpl[i+1 : i+1+end]
			if !isIdentifier(name) {
				b.WriteByte(c)
				i++
				continue
			}
			val, ok := s[name]
			if !ok {
				return "", fmt.Errorf("%w %q in %q", ErrUnresolvedVariable, name, tmpl)
			}
			b.WriteString(val)
			i += end + 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// ResolveAll resolves each template in order, stopping at the first error.
func ResolveAll(tmpls []string, s Scope) ([]string, error) {
	out := make([]string, len(tmpls))
	for i, t := range tmpls {
		resolved, err := Resolve(t, s)
		if err != nil {
			return nil, fmt.Errorf("template[%d]: %w", i, err)
		}
		out[i] = resolved
	}
	return out, nil
}

// HasPlaceholders reports whether tmpl references any variable.
func HasPlaceholders(tmpl string) bool {
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '{' {
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == '{' {
			i++
			continue
		}
		end := strings.IndexByte(tmpl[i+1:], '}')
		if end < 0 {
			return false
		}
		if isIdentifier(tmpl[i+1 : i+1+end]) {
			return true
		}
	}
	return false
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && (r >= '0' && r <= '9' || r == '.' || r == '-'):
		default:
			return false
		}
	}
	return true
}
