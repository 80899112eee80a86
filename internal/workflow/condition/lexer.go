package condition

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenLParen
	tokenRParen
	tokenComma
	tokenEQ
	tokenNE
	tokenGT
	tokenGE
	tokenLT
	tokenLE
	tokenAnd
	tokenOr
	tokenNot
)

type token struct {
	kind  tokenKind
	text  string
	start int
}

func (k tokenKind) String() string {
	switch k {
	case tokenEOF:
		return "end of expression"
	case tokenIdent:
		return "identifier"
	case tokenNumber:
		return "number"
	case tokenString:
		return "string"
	case tokenLParen:
		return "'('"
	case tokenRParen:
		return "')'"
	case tokenComma:
		return "','"
	default:
		return "operator"
	}
}

var twoCharOps = map[string]tokenKind{
	"==": tokenEQ,
	"!=": tokenNE,
	">=": tokenGE,
	"<=": tokenLE,
	"&&": tokenAnd,
	"||": tokenOr,
}

var oneCharOps = map[byte]tokenKind{
	'>': tokenGT,
	'<': tokenLT,
	'!': tokenNot,
	'(': tokenLParen,
	')': tokenRParen,
	',': tokenComma,
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
			continue
		case i+1 < len(src) && twoCharOps[src[i:i+2]] != 0:
			tokens = append(tokens, token{kind: twoCharOps[src[i:i+2]], text: src[i : i+2], start: i})
			i += 2
			continue
		case c == '=':
			return nil, fmt.Errorf("condition: unexpected '=' at %d (use ==)", i)
		case oneCharOps[c] != 0:
			tokens = append(tokens, token{kind: oneCharOps[c], text: string(c), start: i})
			i++
			continue
		case c == '"' || c == '\'':
			text, next, err := readString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokenString, text: text, start: i})
			i = next
			continue
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: src[start:i], start: start})
			continue
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: src[start:i], start: start})
			continue
		default:
			return nil, fmt.Errorf("condition: unexpected character %q at %d", c, i)
		}
	}
	tokens = append(tokens, token{kind: tokenEOF, start: len(src)})
	return tokens, nil
}

func readString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	for i := start + 1; i < len(src); i++ {
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			b.WriteByte(src[i+1])
			i++
			continue
		}
		if c == quote {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
	}
	return "", 0, fmt.Errorf("condition: unterminated string starting at %d", start)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.' || c == '-'
}
