package sieve

import (
	"fmt"
	"strings"

	"github.com/mailfold/mailfold/internal/jmap"
)

// ScriptAction is one action recognized by the reverse parser
type ScriptAction struct {
	Name string // fileinto, addflag, setflag, keep, discard
	Arg  string
}

// ParsedScript is the flat interpretation of a script in the supported
// subset: the capabilities it requires, the AND-merge of its tests as a
// protocol filter, and its actions in order.
type ParsedScript struct {
	Require []string
	Filter  *jmap.Filter
	Actions []ScriptAction
}

// ParseError reports why a script is outside the supported subset
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ParseScript parses a script in the supported subset: require, header /
// address / envelope / size tests, allof/anyof nesting, if/elsif/else control
// (else bodies are skipped), and the fileinto / addflag / setflag / keep /
// discard actions. Anything else - regex tests, vacation, reject, stop,
// unrecognized headers, malformed syntax - fails the whole parse; a foreign
// script is never partially interpreted.
func ParseScript(text string) (*ParsedScript, error) {
	tokens, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, out: &ParsedScript{Filter: &jmap.Filter{}}}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return p.out, nil
}

type parser struct {
	tokens []lexToken
	pos    int
	out    *ParsedScript
}

func (p *parser) peek() lexToken {
	if p.pos >= len(p.tokens) {
		return lexToken{kind: tokEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() lexToken {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) fail(t lexToken, format string, args ...interface{}) error {
	return &ParseError{Line: t.line, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(kind tokenKind, what string) (lexToken, error) {
	t := p.next()
	if t.kind != kind {
		return t, p.fail(t, "expected %s, found %q", what, t.text)
	}
	return t, nil
}

func (p *parser) parse() error {
	for {
		t := p.peek()
		switch {
		case t.kind == tokEOF:
			return nil
		case t.kind == tokIdent && t.text == "require":
			if err := p.parseRequire(); err != nil {
				return err
			}
		case t.kind == tokIdent && t.text == "if":
			if err := p.parseIfChain(); err != nil {
				return err
			}
		default:
			return p.fail(t, "unsupported command %q", t.text)
		}
	}
}

func (p *parser) parseRequire() error {
	p.next() // require
	caps, err := p.parseStringList()
	if err != nil {
		return err
	}
	p.out.Require = append(p.out.Require, caps...)
	_, err = p.expect(tokSemicolon, ";")
	return err
}

// parseIfChain handles if / elsif / else. All branch tests and actions merge
// into the single flat result; the else body carries no test to merge and is
// skipped outright.
func (p *parser) parseIfChain() error {
	p.next() // if
	if err := p.parseBranch(); err != nil {
		return err
	}
	for {
		t := p.peek()
		if t.kind != tokIdent {
			return nil
		}
		switch t.text {
		case "elsif":
			p.next()
			if err := p.parseBranch(); err != nil {
				return err
			}
		case "else":
			p.next()
			return p.skipBlock()
		default:
			return nil
		}
	}
}

func (p *parser) parseBranch() error {
	if err := p.parseTest(); err != nil {
		return err
	}
	return p.parseBlock()
}

func (p *parser) parseTest() error {
	t := p.next()
	if t.kind != tokIdent {
		return p.fail(t, "expected a test, found %q", t.text)
	}
	switch t.text {
	case "allof", "anyof":
		return p.parseTestList()
	case "header":
		return p.parseHeaderTest(false)
	case "address", "envelope":
		return p.parseHeaderTest(true)
	case "size":
		return p.parseSizeTest()
	}
	return p.fail(t, "unsupported test %q", t.text)
}

func (p *parser) parseTestList() error {
	if _, err := p.expect(tokLParen, "("); err != nil {
		return err
	}
	for {
		if err := p.parseTest(); err != nil {
			return err
		}
		t := p.next()
		if t.kind == tokRParen {
			return nil
		}
		if t.kind != tokComma {
			return p.fail(t, "expected , or ) in test list, found %q", t.text)
		}
	}
}

var recognizedHeaders = map[string]func(f *jmap.Filter, value string){
	"from":    func(f *jmap.Filter, v string) { f.From = joinFlat(f.From, v) },
	"to":      func(f *jmap.Filter, v string) { f.To = joinFlat(f.To, v) },
	"cc":      func(f *jmap.Filter, v string) { f.Cc = joinFlat(f.Cc, v) },
	"bcc":     func(f *jmap.Filter, v string) { f.Bcc = joinFlat(f.Bcc, v) },
	"subject": func(f *jmap.Filter, v string) { f.Subject = joinFlat(f.Subject, v) },
}

func joinFlat(existing, extra string) string {
	if existing == "" {
		return extra
	}
	return existing + " " + extra
}

// parseHeaderTest handles header, address, and envelope tests. Match-type and
// address-part tags are accepted; anything fancier (comparators, :regex) is
// outside the subset.
func (p *parser) parseHeaderTest(addressParts bool) error {
	for p.peek().kind == tokTag {
		tag := p.next()
		switch tag.text {
		case ":is", ":contains", ":matches":
		case ":all", ":localpart", ":domain":
			if !addressParts {
				return p.fail(tag, "tag %s not valid on header test", tag.text)
			}
		default:
			return p.fail(tag, "unsupported tag %s", tag.text)
		}
	}

	names, err := p.parseStringList()
	if err != nil {
		return err
	}
	values, err := p.parseStringList()
	if err != nil {
		return err
	}

	for _, name := range names {
		merge, ok := recognizedHeaders[strings.ToLower(name)]
		if !ok {
			return p.fail(p.peek(), "unrecognized header %q", name)
		}
		for _, v := range values {
			merge(p.out.Filter, strings.ReplaceAll(v, "*", ""))
		}
	}
	return nil
}

func (p *parser) parseSizeTest() error {
	tag := p.next()
	if tag.kind != tokTag || (tag.text != ":over" && tag.text != ":under") {
		return p.fail(tag, "size needs :over or :under, found %q", tag.text)
	}
	num, err := p.expect(tokNumber, "a number")
	if err != nil {
		return err
	}
	if tag.text == ":over" {
		p.out.Filter.MinSize = num.number
	} else {
		p.out.Filter.MaxSize = num.number
	}
	return nil
}

func (p *parser) parseBlock() error {
	if _, err := p.expect(tokLBrace, "{"); err != nil {
		return err
	}
	for {
		t := p.next()
		if t.kind == tokRBrace {
			return nil
		}
		if t.kind != tokIdent {
			return p.fail(t, "expected an action, found %q", t.text)
		}
		switch t.text {
		case "fileinto", "addflag", "setflag":
			arg, err := p.expect(tokString, "a string argument")
			if err != nil {
				return err
			}
			if _, err := p.expect(tokSemicolon, ";"); err != nil {
				return err
			}
			p.out.Actions = append(p.out.Actions, ScriptAction{Name: t.text, Arg: arg.text})
		case "keep", "discard":
			if _, err := p.expect(tokSemicolon, ";"); err != nil {
				return err
			}
			p.out.Actions = append(p.out.Actions, ScriptAction{Name: t.text})
		default:
			return p.fail(t, "unsupported action %q", t.text)
		}
	}
}

// skipBlock consumes a balanced-brace block without interpreting it. Used
// only for else bodies, whose contents are deliberately ignored.
func (p *parser) skipBlock() error {
	if _, err := p.expect(tokLBrace, "{"); err != nil {
		return err
	}
	depth := 1
	for depth > 0 {
		t := p.next()
		switch t.kind {
		case tokEOF:
			return p.fail(t, "unterminated else block")
		case tokLBrace:
			depth++
		case tokRBrace:
			depth--
		}
	}
	return nil
}

func (p *parser) parseStringList() ([]string, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return []string{t.text}, nil
	case tokLBracket:
		var out []string
		for {
			s, err := p.expect(tokString, "a string")
			if err != nil {
				return nil, err
			}
			out = append(out, s.text)
			sep := p.next()
			if sep.kind == tokRBracket {
				return out, nil
			}
			if sep.kind != tokComma {
				return nil, p.fail(sep, "expected , or ] in string list, found %q", sep.text)
			}
		}
	}
	return nil, p.fail(t, "expected a string or string list, found %q", t.text)
}
