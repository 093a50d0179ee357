package sieve

import "fmt"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokTag
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokLBrace
	tokRBrace
	tokLBracket
	tokRBracket
	tokComma
	tokSemicolon
)

type lexToken struct {
	kind   tokenKind
	text   string
	number int64
	line   int
}

// lex tokenizes script text. Hash and bracketed comments are stripped;
// numbers accept the K/M/G multiplier suffixes the language defines.
func lex(text string) ([]lexToken, error) {
	var tokens []lexToken
	line := 1
	i := 0
	n := len(text)

	for i < n {
		c := text[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#':
			for i < n && text[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && text[i+1] == '*':
			i += 2
			for {
				if i+1 >= n {
					return nil, &ParseError{Line: line, Reason: "unterminated comment"}
				}
				if text[i] == '\n' {
					line++
				}
				if text[i] == '*' && text[i+1] == '/' {
					i += 2
					break
				}
				i++
			}
		case c == '"':
			str, next, err := lexString(text, i, line)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, lexToken{kind: tokString, text: str, line: line})
			i = next
		case c == ':':
			start := i
			i++
			for i < n && isIdentChar(text[i]) {
				i++
			}
			if i == start+1 {
				return nil, &ParseError{Line: line, Reason: "bare colon"}
			}
			tokens = append(tokens, lexToken{kind: tokTag, text: text[start:i], line: line})
		case c >= '0' && c <= '9':
			num, next, err := lexNumber(text, i, line)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, lexToken{kind: tokNumber, number: num, text: text[i:next], line: line})
			i = next
		case isIdentChar(c):
			start := i
			for i < n && isIdentChar(text[i]) {
				i++
			}
			tokens = append(tokens, lexToken{kind: tokIdent, text: text[start:i], line: line})
		default:
			kind, ok := punctKind(c)
			if !ok {
				return nil, &ParseError{Line: line, Reason: fmt.Sprintf("unexpected character %q", string(c))}
			}
			tokens = append(tokens, lexToken{kind: kind, text: string(c), line: line})
			i++
		}
	}
	return tokens, nil
}

// lexString reads a quoted string starting at text[start] == '"', honoring
// backslash escapes for backslash and double-quote.
func lexString(text string, start, line int) (string, int, error) {
	i := start + 1
	var b []byte
	for i < len(text) {
		c := text[i]
		switch c {
		case '"':
			return string(b), i + 1, nil
		case '\\':
			if i+1 >= len(text) {
				return "", 0, &ParseError{Line: line, Reason: "unterminated string"}
			}
			b = append(b, text[i+1])
			i += 2
		case '\n':
			return "", 0, &ParseError{Line: line, Reason: "unterminated string"}
		default:
			b = append(b, c)
			i++
		}
	}
	return "", 0, &ParseError{Line: line, Reason: "unterminated string"}
}

func lexNumber(text string, start, line int) (int64, int, error) {
	i := start
	var n int64
	for i < len(text) && text[i] >= '0' && text[i] <= '9' {
		n = n*10 + int64(text[i]-'0')
		i++
	}
	if i < len(text) {
		switch text[i] {
		case 'K', 'k':
			n *= 1024
			i++
		case 'M', 'm':
			n *= 1024 * 1024
			i++
		case 'G', 'g':
			n *= 1024 * 1024 * 1024
			i++
		}
	}
	if i < len(text) && isIdentChar(text[i]) {
		return 0, 0, &ParseError{Line: line, Reason: "malformed number"}
	}
	return n, i, nil
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func punctKind(c byte) (tokenKind, bool) {
	switch c {
	case '(':
		return tokLParen, true
	case ')':
		return tokRParen, true
	case '{':
		return tokLBrace, true
	case '}':
		return tokRBrace, true
	case '[':
		return tokLBracket, true
	case ']':
		return tokRBracket, true
	case ',':
		return tokComma, true
	case ';':
		return tokSemicolon, true
	}
	return tokEOF, false
}
