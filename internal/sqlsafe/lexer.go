package sqlsafe

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenNumber
	tokenString
	tokenSymbol
)

type token struct {
	kind  tokenKind
	text  string
	lower string
	pos   int
	end   int
}

// lex splits SQL text into tokens, skipping whitespace and comments.
// Strings and quoted identifiers are kept as single tokens so that the
// analyzer never mistakes literal content for keywords or identifiers.
func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		c := input[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '-' && i+1 < n && input[i+1] == '-':
			for i < n && input[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && input[i+1] == '*':
			end := strings.Index(input[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			i += end + 4

		case c == '\'':
			start := i
			i++
			for {
				if i >= n {
					return nil, fmt.Errorf("unterminated string literal at offset %d", start)
				}
				if input[i] == '\'' {
					if i+1 < n && input[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			tokens = append(tokens, token{kind: tokenString, text: input[start:i], pos: start, end: i})

		case c == '"':
			start := i
			i++
			for i < n && input[i] != '"' {
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated quoted identifier at offset %d", start)
			}
			i++
			text := input[start:i]
			inner := text[1 : len(text)-1]
			tokens = append(tokens, token{kind: tokenIdent, text: inner, lower: strings.ToLower(inner), pos: start, end: i})

		case c == '$':
			// Dollar-quoted string ($$...$$ or $tag$...$tag$); anything
			// else starting with $ is rejected by the analyzer.
			start := i
			j := i + 1
			for j < n && (isIdentChar(input[j]) || input[j] == '$') {
				if input[j] == '$' {
					tag := input[i : j+1]
					rest := input[j+1:]
					close := strings.Index(rest, tag)
					if close < 0 {
						return nil, fmt.Errorf("unterminated dollar-quoted string at offset %d", start)
					}
					i = j + 1 + close + len(tag)
					tokens = append(tokens, token{kind: tokenString, text: input[start:i], pos: start, end: i})
					j = -1
					break
				}
				j++
			}
			if j >= 0 {
				tokens = append(tokens, token{kind: tokenSymbol, text: "$", pos: i, end: i + 1})
				i++
			}

		case isDigit(c):
			start := i
			for i < n && (isDigit(input[i]) || input[i] == '.' || input[i] == 'e' || input[i] == 'E') {
				i++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: input[start:i], pos: start, end: i})

		case isIdentStart(c):
			start := i
			for i < n && isIdentChar(input[i]) {
				i++
			}
			text := input[start:i]
			tokens = append(tokens, token{kind: tokenIdent, text: text, lower: strings.ToLower(text), pos: start, end: i})

		default:
			tokens = append(tokens, token{kind: tokenSymbol, text: string(c), pos: i, end: i + 1})
			i++
		}
	}

	return tokens, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c))
}

func isIdentChar(c byte) bool {
	return c == '_' || isDigit(c) || unicode.IsLetter(rune(c))
}
