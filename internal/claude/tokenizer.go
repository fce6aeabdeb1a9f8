package claude

import (
	"strings"
	"unicode"
)

// Tokenize splits a command line into arguments the way a minimal shell
// would. Whitespace separates tokens unless it is inside a quoted span.
// Single and double quotes open a span that ends at the same quote
// character; the quotes themselves are dropped and the other quote
// character is literal inside the span. There is no escape character.
//
// An unterminated quote is not an error: everything after it becomes part
// of the last token. Empty tokens are never produced, so `""` contributes
// nothing.
func Tokenize(input string) []string {
	tokens := []string{}
	var current strings.Builder
	var quote rune

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range input {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
		case unicode.IsSpace(r):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return tokens
}

// hasFlag reports whether tokens contain flag either as its own token or in
// the --flag=value form.
func hasFlag(tokens []string, flag string) bool {
	for _, token := range tokens {
		if token == flag || strings.HasPrefix(token, flag+"=") {
			return true
		}
	}
	return false
}
