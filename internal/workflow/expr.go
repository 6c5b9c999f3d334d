package workflow

import (
	"fmt"
	"strings"
)

// Expressions use the form ${namespace.name} with one of the known
// namespaces below. Anything else that looks like shell substitution,
// such as $HOME or ${PATH}, is left untouched for the step's shell.
const (
	NamespaceMatrix  = "matrix"
	NamespaceSecrets = "secrets"
	NamespaceEvent   = "event"
	NamespaceRun     = "run"
)

// Ref is a single parsed expression reference.
type Ref struct {
	Namespace string
	Name      string
}

func (r Ref) String() string {
	return "${" + r.Namespace + "." + r.Name + "}"
}

func knownNamespace(ns string) bool {
	switch ns {
	case NamespaceMatrix, NamespaceSecrets, NamespaceEvent, NamespaceRun:
		return true
	}
	return false
}

func validRefName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

// parseRef reports whether the text between ${ and } is an expression.
func parseRef(inner string) (Ref, bool) {
	ns, name, ok := strings.Cut(inner, ".")
	if !ok || !knownNamespace(ns) || !validRefName(name) {
		return Ref{}, false
	}
	return Ref{Namespace: ns, Name: name}, true
}

// ExpressionRefs returns every expression reference found in s, in
// order of appearance, duplicates included.
func ExpressionRefs(s string) []Ref {
	var refs []Ref
	for i := 0; i < len(s); {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			break
		}
		start += i
		end := strings.Index(s[start:], "}")
		if end < 0 {
			break
		}
		end += start
		if ref, ok := parseRef(s[start+2 : end]); ok {
			refs = append(refs, ref)
		}
		i = end + 1
	}
	return refs
}

// ExpandExpressions replaces every expression in s using resolve. A
// reference the resolver does not know is an error so typos never
// reach a shell as empty strings.
func ExpandExpressions(s string, resolve func(Ref) (string, bool)) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		end += start

		ref, ok := parseRef(s[start+2 : end])
		if !ok {
			b.WriteString(s[i : end+1])
			i = end + 1
			continue
		}
		value, ok := resolve(ref)
		if !ok {
			return "", fmt.Errorf("unknown reference %s", ref)
		}
		b.WriteString(s[i:start])
		b.WriteString(value)
		i = end + 1
	}
	return b.String(), nil
}
