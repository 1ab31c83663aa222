// Package subst implements the job spec's variable substitution grammar:
// $NAME / ${NAME} expansion, \$ and \\ escapes, with $$ always illegal.
package subst

import (
	"strings"

	"github.com/pkg/errors"
)

// UnknownVariableError is returned when a substitution references a
// variable that is not present in the environment, or when the input
// contains the illegal sequence "$$".
type UnknownVariableError struct {
	Name string
}

func (e *UnknownVariableError) Error() string {
	if e.Name == "$$" {
		return "No such environment variable: $$ is not allowed (no variable can be named $)"
	}
	return "No such environment variable: " + e.Name
}

// Substitute expands $NAME / ${NAME} references in text against env,
// applying \\ and \$ escapes. It fails with *UnknownVariableError if any
// referenced name is missing from env, or if text contains "$$".
func Substitute(text string, env map[string]string) (string, error) {
	if strings.Contains(text, "$$") {
		return "", &UnknownVariableError{Name: "$$"}
	}

	var out strings.Builder
	runes := []rune(text)
	n := len(runes)
	for i := 0; i < n; i++ {
		c := runes[i]
		switch {
		case c == '\\' && i+1 < n && runes[i+1] == '\\':
			out.WriteByte('\\')
			i++
		case c == '\\' && i+1 < n && runes[i+1] == '$':
			out.WriteByte('$')
			i++
		case c == '\\':
			// lone backslash before anything else is preserved verbatim
			out.WriteRune(c)
		case c == '$' && i+1 < n && runes[i+1] == '{':
			end := indexRune(runes, i+2, '}')
			if end == -1 {
				// no closing brace: treat literally, matching string.Template's
				// behavior of leaving malformed references alone is not an
				// option here since the name must be looked up; fail fast.
				name := string(runes[i+2:])
				return "", &UnknownVariableError{Name: name}
			}
			name := string(runes[i+2 : end])
			val, ok := env[name]
			if !ok {
				return "", &UnknownVariableError{Name: name}
			}
			out.WriteString(val)
			i = end
		case c == '$' && i+1 < n && isIdentStart(runes[i+1]):
			j := i + 1
			for j < n && isIdentCont(runes[j]) {
				j++
			}
			name := string(runes[i+1 : j])
			val, ok := env[name]
			if !ok {
				return "", &UnknownVariableError{Name: name}
			}
			out.WriteString(val)
			i = j - 1
		default:
			out.WriteRune(c)
		}
	}
	return out.String(), nil
}

// SubstituteAll applies Substitute to every element of items, returning a
// wrapped error naming the offending element's index on failure.
func SubstituteAll(items []string, env map[string]string) ([]string, error) {
	out := make([]string, len(items))
	for i, item := range items {
		v, err := Substitute(item, env)
		if err != nil {
			return nil, errors.Wrapf(err, "substituting argument %d", i)
		}
		out[i] = v
	}
	return out, nil
}

func indexRune(runes []rune, start int, target rune) int {
	for i := start; i < len(runes); i++ {
		if runes[i] == target {
			return i
		}
	}
	return -1
}

func isIdentStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentCont(c rune) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
