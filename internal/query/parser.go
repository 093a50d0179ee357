// Package query turns free-form search text into a quick-filter tag plus a
// flat AND-rooted condition tree, and builds an equivalent text back from a
// tree for persistence. The text grammar has no explicit boolean grouping;
// every token contributes one condition.
package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mailfold/mailfold/internal/filter"
)

// QuickFilter is a predefined named filter shortcut recognized in search text
type QuickFilter string

const (
	QuickNone       QuickFilter = ""
	QuickUnread     QuickFilter = "unread"
	QuickRead       QuickFilter = "read"
	QuickStarred    QuickFilter = "starred"
	QuickAttachment QuickFilter = "attachment"
	QuickSent       QuickFilter = "sent"
	QuickBulk       QuickFilter = "bulk"
)

// ParseResult is the outcome of parsing search text
type ParseResult struct {
	QuickFilter QuickFilter
	Group       *filter.Group
}

// quickKeywords maps whole-word markers to quick-filter tags. Prefixed forms
// are listed before bare words so "is:unread" wins over "unread".
var quickKeywords = []struct {
	word string
	tag  QuickFilter
}{
	{"is:unread", QuickUnread},
	{"is:read", QuickRead},
	{"is:starred", QuickStarred},
	{"is:sent", QuickSent},
	{"is:bulk", QuickBulk},
	{"has:attachment", QuickAttachment},
	{"unread", QuickUnread},
	{"starred", QuickStarred},
	{"attachment", QuickAttachment},
	{"sent", QuickSent},
	{"bulk", QuickBulk},
}

// fieldPrefixes is the fixed set of recognized field:value prefixes, with the
// condition field and default operator each maps to.
var fieldPrefixes = map[string]struct {
	field filter.Field
	op    filter.Operator
}{
	"from":    {filter.FieldFrom, filter.OpContains},
	"to":      {filter.FieldTo, filter.OpContains},
	"cc":      {filter.FieldCc, filter.OpContains},
	"bcc":     {filter.FieldBcc, filter.OpContains},
	"subject": {filter.FieldSubject, filter.OpContains},
	"body":    {filter.FieldBody, filter.OpContains},
	"folder":  {filter.FieldFolder, filter.OpContains},
	"tag":     {filter.FieldTags, filter.OpContains},
	"tags":    {filter.FieldTags, filter.OpContains},
	"after":   {filter.FieldDate, filter.OpGte},
	"before":  {filter.FieldDate, filter.OpLte},
	"larger":  {filter.FieldSize, filter.OpGt},
	"smaller": {filter.FieldSize, filter.OpLt},
	"size":    {filter.FieldSize, filter.OpGte},
}

// negatedOps is the fixed negation table applied when a token carries a
// leading - or !. The string operators all collapse to notIn, which makes
// double negation non-involutive for contains/startsWith/endsWith/matches;
// this mirrors the behavior users already depend on and is deliberately left
// as is.
var negatedOps = map[filter.Operator]filter.Operator{
	filter.OpEquals:     filter.OpNotIn,
	filter.OpContains:   filter.OpNotIn,
	filter.OpStartsWith: filter.OpNotIn,
	filter.OpEndsWith:   filter.OpNotIn,
	filter.OpMatches:    filter.OpNotIn,
	filter.OpIn:         filter.OpNotIn,
	filter.OpGt:         filter.OpLte,
	filter.OpGte:        filter.OpLt,
	filter.OpLt:         filter.OpGte,
	filter.OpLte:        filter.OpGt,
}

var relativeDateRe = regexp.MustCompile(`^(\d+)([dwmy])$`)
var sizeValueRe = regexp.MustCompile(`(?i)^(\d+)([kmg]?)$`)

// Parse tokenizes search text into one optional quick-filter tag and a single
// AND-rooted condition group. Parsing is best-effort: values that fail to
// normalize (bad dates, odd sizes) pass through unconverted rather than
// failing the whole query.
func Parse(text string) ParseResult {
	quick, residual := extractQuickFilter(text)

	group := &filter.Group{Logic: filter.LogicAnd}
	for _, tok := range tokenize(residual) {
		cond, ok := parseToken(tok)
		if ok {
			group.Conditions = append(group.Conditions, cond)
		}
	}

	return ParseResult{QuickFilter: quick, Group: group}
}

// extractQuickFilter finds the first quick-filter keyword as a whole word,
// strips it, and returns the remaining text.
func extractQuickFilter(text string) (QuickFilter, string) {
	for _, kw := range quickKeywords {
		idx := wholeWordIndex(text, kw.word)
		if idx < 0 {
			continue
		}
		stripped := text[:idx] + text[idx+len(kw.word):]
		return kw.tag, strings.TrimSpace(stripped)
	}
	return QuickNone, text
}

func wholeWordIndex(text, word string) int {
	lower := strings.ToLower(text)
	start := 0
	for {
		idx := strings.Index(lower[start:], word)
		if idx < 0 {
			return -1
		}
		idx += start
		beforeOK := idx == 0 || isWordBoundary(lower[idx-1])
		afterOK := idx+len(word) == len(lower) || isWordBoundary(lower[idx+len(word)])
		if beforeOK && afterOK {
			return idx
		}
		start = idx + 1
	}
}

func isWordBoundary(b byte) bool {
	return b == ' ' || b == '\t'
}

// token is one lexical unit of the query text
type token struct {
	negated bool
	field   string // empty for bare tokens
	value   string
	quoted  bool
}

// tokenize splits the text on whitespace, keeping quoted segments (including
// quoted field values like subject:"a b") as single tokens.
func tokenize(text string) []token {
	var tokens []token
	i := 0
	n := len(text)
	for i < n {
		for i < n && (text[i] == ' ' || text[i] == '\t') {
			i++
		}
		if i >= n {
			break
		}

		var tok token
		if text[i] == '-' || text[i] == '!' {
			tok.negated = true
			i++
			if i >= n || text[i] == ' ' || text[i] == '\t' {
				continue
			}
		}

		if text[i] == '"' {
			value, next := scanQuoted(text, i)
			tok.value = value
			tok.quoted = true
			tokens = append(tokens, tok)
			i = next
			continue
		}

		start := i
		for i < n && text[i] != ' ' && text[i] != '\t' && text[i] != ':' && text[i] != '"' {
			i++
		}
		if i < n && text[i] == ':' {
			prefix := strings.ToLower(text[start:i])
			if _, ok := fieldPrefixes[prefix]; ok {
				tok.field = prefix
				i++
				if i < n && text[i] == '"' {
					value, next := scanQuoted(text, i)
					tok.value = value
					tok.quoted = true
					tokens = append(tokens, tok)
					i = next
					continue
				}
				vstart := i
				for i < n && text[i] != ' ' && text[i] != '\t' {
					i++
				}
				tok.value = text[vstart:i]
				tokens = append(tokens, tok)
				continue
			}
		}
		// Not a recognized prefix: consume the rest of the bare word
		for i < n && text[i] != ' ' && text[i] != '\t' {
			i++
		}
		tok.value = text[start:i]
		tokens = append(tokens, tok)
	}
	return tokens
}

// scanQuoted reads a double-quoted segment starting at text[start] == '"' and
// returns the unquoted content plus the index after the closing quote. An
// unterminated quote runs to the end of the text.
func scanQuoted(text string, start int) (string, int) {
	i := start + 1
	var b strings.Builder
	for i < len(text) {
		if text[i] == '"' {
			return b.String(), i + 1
		}
		b.WriteByte(text[i])
		i++
	}
	return b.String(), i
}

func parseToken(tok token) (filter.Condition, bool) {
	if tok.value == "" {
		return filter.Condition{}, false
	}

	var cond filter.Condition
	if tok.field == "" {
		cond = filter.Condition{Field: filter.FieldBody, Operator: filter.OpContains, Value: tok.value}
	} else {
		spec := fieldPrefixes[tok.field]
		cond = filter.Condition{Field: spec.field, Operator: spec.op, Value: tok.value}
		switch spec.field {
		case filter.FieldDate:
			cond.Value = normalizeDate(tok.value)
		case filter.FieldSize:
			cond.Value = normalizeSize(tok.value)
		}
	}
	if tok.quoted {
		cond.Operator = filter.OpEquals
	}
	if tok.negated {
		if op, ok := negatedOps[cond.Operator]; ok {
			cond.Operator = op
		}
	}
	return cond, true
}

// normalizeDate accepts an ISO date, today, yesterday, or a relative
// shorthand like 7d / 2w / 3m / 1y. Anything else passes through unconverted.
func normalizeDate(value string) string {
	lower := strings.ToLower(value)
	now := time.Now()
	switch lower {
	case "today":
		return now.Format("2006-01-02")
	case "yesterday":
		return now.AddDate(0, 0, -1).Format("2006-01-02")
	}
	if m := relativeDateRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		var t time.Time
		switch m[2] {
		case "d":
			t = now.AddDate(0, 0, -n)
		case "w":
			t = now.AddDate(0, 0, -7*n)
		case "m":
			t = now.AddDate(0, -n, 0)
		case "y":
			t = now.AddDate(-n, 0, 0)
		}
		return t.Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", value); err == nil {
		return value
	}
	return value
}

// normalizeSize converts an integer with an optional K/M/G suffix to decimal
// bytes. Unparsable values pass through unconverted.
func normalizeSize(value string) string {
	m := sizeValueRe.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return value
	}
	switch strings.ToLower(m[2]) {
	case "k":
		n *= 1024
	case "m":
		n *= 1024 * 1024
	case "g":
		n *= 1024 * 1024 * 1024
	}
	return fmt.Sprintf("%d", n)
}
