package driver

import (
	"strings"
	"unicode"

	"github.com/posbridge/posbridge/internal/apperr"
)

// Params is the uniform parameter bag accepted by every Conn operation.
// Statements reference parameters by name (":since", ":id"); the dialect
// translates names into the driver's placeholder syntax at bind time.
type Params map[string]any

// bindNamed rewrites every ":name" token in query into the dialect's
// placeholder syntax and returns the positional argument list in token
// order. Tokens inside string literals, quoted identifiers and comments are
// left untouched, as is the PostgreSQL "::" cast operator.
func bindNamed(d dialect, query string, params Params) (string, []any, error) {
	var (
		out  strings.Builder
		args []any
	)
	out.Grow(len(query))

	i := 0
	for i < len(query) {
		ch := query[i]

		switch ch {
		case '\'', '"', '`':
			end := skipQuoted(query, i, ch)
			out.WriteString(query[i:end])
			i = end
			continue
		case '[':
			end := skipBracketed(query, i)
			out.WriteString(query[i:end])
			i = end
			continue
		case '-':
			if i+1 < len(query) && query[i+1] == '-' {
				end := skipLineComment(query, i)
				out.WriteString(query[i:end])
				i = end
				continue
			}
		case '/':
			if i+1 < len(query) && query[i+1] == '*' {
				end := skipBlockComment(query, i)
				out.WriteString(query[i:end])
				i = end
				continue
			}
		case ':':
			// "::" is the PostgreSQL cast operator, not a parameter.
			if i+1 < len(query) && query[i+1] == ':' {
				out.WriteString("::")
				i += 2
				continue
			}
			if i+1 < len(query) && isIdentStart(rune(query[i+1])) {
				j := i + 1
				for j < len(query) && isIdentPart(rune(query[j])) {
					j++
				}
				name := query[i+1 : j]
				value, ok := params[name]
				if !ok {
					return "", nil, apperr.Newf(apperr.KindCommand, "missing bind parameter %q", name)
				}
				args = append(args, value)
				out.WriteString(d.placeholder(len(args)))
				i = j
				continue
			}
		}

		out.WriteByte(ch)
		i++
	}

	return out.String(), args, nil
}

func skipQuoted(s string, start int, quote byte) int {
	i := start + 1
	for i < len(s) {
		if s[i] == quote {
			// Doubled quote is an escaped quote inside the literal.
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s)
}

func skipBracketed(s string, start int) int {
	i := start + 1
	for i < len(s) {
		if s[i] == ']' {
			if i+1 < len(s) && s[i+1] == ']' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s)
}

func skipLineComment(s string, start int) int {
	i := start
	for i < len(s) && s[i] != '\n' {
		i++
	}
	return i
}

func skipBlockComment(s string, start int) int {
	i := start + 2
	for i+1 < len(s) {
		if s[i] == '*' && s[i+1] == '/' {
			return i + 2
		}
		i++
	}
	return len(s)
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
