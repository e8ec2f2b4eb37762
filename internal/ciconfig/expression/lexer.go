// Package expression evaluates the boolean expressions used by `rules:if`,
// `only:variables` and `except:variables`.
//
// The grammar is small:
//
//	expr    := and ( "||" and )*
//	and     := cmp ( "&&" cmp )*
//	cmp     := operand ( ( "==" | "!=" | "=~" | "!~" ) operand )?
//	operand := "(" expr ")" | $VARIABLE | ${VARIABLE} | "string" | 'string' | /pattern/flags | null
//
// Undefined variables evaluate to null. An expression is truthy when it
// evaluates to a non-empty string, a matching comparison or true.
package expression

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenVariable
	tokenString
	tokenPattern
	tokenNull
	tokenEquals
	tokenNotEquals
	tokenMatches
	tokenNotMatches
	tokenAnd
	tokenOr
	tokenLParen
	tokenRParen
)

func (k tokenKind) String() string {
	switch k {
	case tokenEOF:
		return "end of expression"
	case tokenVariable:
		return "variable"
	case tokenString:
		return "string"
	case tokenPattern:
		return "pattern"
	case tokenNull:
		return "null"
	case tokenEquals:
		return "=="
	case tokenNotEquals:
		return "!="
	case tokenMatches:
		return "=~"
	case tokenNotMatches:
		return "!~"
	case tokenAnd:
		return "&&"
	case tokenOr:
		return "||"
	case tokenLParen:
		return "("
	case tokenRParen:
		return ")"
	}
	return "unknown"
}

type token struct {
	kind  tokenKind
	value string
	pos   int
}

// lex splits src into tokens.
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '$':
			start := i
			i++
			braced := i < len(src) && src[i] == '{'
			if braced {
				i++
			}
			nameStart := i
			for i < len(src) && isNameChar(src[i]) {
				i++
			}
			if i == nameStart {
				return nil, fmt.Errorf("invalid variable at position %d", start)
			}
			name := src[nameStart:i]
			if braced {
				if i >= len(src) || src[i] != '}' {
					return nil, fmt.Errorf("unterminated variable at position %d", start)
				}
				i++
			}
			tokens = append(tokens, token{kind: tokenVariable, value: name, pos: start})
		case c == '"' || c == '\'':
			start := i
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			tokens = append(tokens, token{kind: tokenString, value: src[i+1 : i+1+end], pos: start})
			i += end + 2
		case c == '/':
			start := i
			j := i + 1
			for j < len(src) && src[j] != '/' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated pattern at position %d", start)
			}
			j++
			for j < len(src) && isFlag(src[j]) {
				j++
			}
			tokens = append(tokens, token{kind: tokenPattern, value: src[start:j], pos: start})
			i = j
		case c == '(':
			tokens = append(tokens, token{kind: tokenLParen, pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokenRParen, pos: i})
			i++
		case strings.HasPrefix(src[i:], "=="):
			tokens = append(tokens, token{kind: tokenEquals, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "!="):
			tokens = append(tokens, token{kind: tokenNotEquals, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "=~"):
			tokens = append(tokens, token{kind: tokenMatches, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "!~"):
			tokens = append(tokens, token{kind: tokenNotMatches, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "&&"):
			tokens = append(tokens, token{kind: tokenAnd, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "||"):
			tokens = append(tokens, token{kind: tokenOr, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "null") && (i+4 == len(src) || !isNameChar(src[i+4])):
			tokens = append(tokens, token{kind: tokenNull, pos: i})
			i += 4
		default:
			return nil, fmt.Errorf("unknown lexeme found at position %d", i)
		}
	}
	tokens = append(tokens, token{kind: tokenEOF, pos: len(src)})
	return tokens, nil
}

func isNameChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isFlag(c byte) bool {
	return c == 'i' || c == 'm' || c == 's'
}
