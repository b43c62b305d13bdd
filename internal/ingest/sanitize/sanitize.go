// Package sanitize redacts sensitive values from java style parameter strings
// such as process command lines and JVM argument lists.
package sanitize

import "strings"

// Redacted replaces the value of every -Dkey=value parameter.
const Redacted = "*****"

// JavaParameters returns a copy of parameters where the value of every -Dkey=value token
// is replaced by Redacted.
//
// A trailing list separator (',') or list closer (']') of a redacted token is kept, so JSON
// style argument lists stay well formed. Tokens are joined back with single spaces.
// Applying JavaParameters to its own output returns the same string.
func JavaParameters(parameters string) string {
	tokens := Tokenize(parameters)
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, redact(token))
	}
	return strings.Join(out, " ")
}

func redact(token string) string {
	if !strings.HasPrefix(token, "-D") {
		return token
	}
	key, _, found := strings.Cut(token, "=")
	if !found {
		return token
	}

	var sb strings.Builder
	sb.WriteString(key)
	sb.WriteByte('=')
	sb.WriteString(Redacted)
	if strings.HasSuffix(token, ",") {
		sb.WriteByte(',')
	}
	if strings.HasSuffix(token, "]") {
		sb.WriteByte(']')
	}
	return sb.String()
}

// Tokenize splits parameters on spaces that are neither escaped nor quoted.
//
// A backslash escapes the next character, and both are kept in the token.
// A single or double quote only opens a quoted section at the start of a token or right
// after an '=', which lets -Dkey="a value" stay one token, and it is closed by the same
// quote character. Quote characters are kept in the token.
// Consecutive spaces produce empty tokens, so joining the tokens with single spaces gives
// back the input.
func Tokenize(parameters string) []string {
	var (
		tokens      []string
		current     strings.Builder
		quote       rune
		escaping    bool
		afterEquals bool
	)

	// The order of the checks below matters.
	for _, c := range parameters {
		if c == '\\' && !escaping {
			escaping = true
			current.WriteRune(c)
			continue
		}

		if escaping {
			escaping = false
			current.WriteRune(c)
			continue
		}

		if c == '=' {
			afterEquals = true
			current.WriteRune(c)
			continue
		}

		if quote == 0 && c == ' ' {
			tokens = append(tokens, current.String())
			current.Reset()
			afterEquals = false
			continue
		}

		if c == '\'' || c == '"' {
			switch {
			case quote != 0:
				if c == quote {
					quote = 0
				}
			case afterEquals || current.Len() == 0:
				quote = c
			}
		}

		afterEquals = false
		current.WriteRune(c)
	}

	return append(tokens, current.String())
}
