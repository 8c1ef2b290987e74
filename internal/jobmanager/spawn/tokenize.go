package spawn

import (
	"strings"
	"unicode"
)

// SplitCommand splits a free-form command into an argument vector on
// whitespace. A token starting with a single quote runs to the next single
// quote and may contain whitespace; the quotes are dropped. A quote that is
// never closed runs to the end of the command. Empty tokens are dropped.
//
// Quotes inside a token carry no meaning: a'b c' yields "a'b" and "c'".
func SplitCommand(command string) []string {
	args := []string{}

	for i := 0; i < len(command); {
		if isSpace(rune(command[i])) {
			i++
			continue
		}

		var token string

		if command[i] == '\'' {
			rest := command[i+1:]

			end := strings.IndexByte(rest, '\'')
			if end < 0 {
				token, i = rest, len(command)
			} else {
				token, i = rest[:end], i+1+end+1
			}
		} else {
			rest := command[i:]

			end := strings.IndexFunc(rest, isSpace)
			if end < 0 {
				token, i = rest, len(command)
			} else {
				token, i = rest[:end], i+end
			}
		}

		if token != "" && token != "''" {
			args = append(args, token)
		}
	}

	return args
}

func isSpace(r rune) bool {
	return r < unicode.MaxASCII && unicode.IsSpace(r)
}
