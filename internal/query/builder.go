package query

import (
	"strings"

	"github.com/mailfold/mailfold/internal/filter"
)

// quickWords maps quick-filter tags back to their canonical text form
var quickWords = map[QuickFilter]string{
	QuickUnread:     "is:unread",
	QuickRead:       "is:read",
	QuickStarred:    "is:starred",
	QuickSent:       "is:sent",
	QuickBulk:       "is:bulk",
	QuickAttachment: "has:attachment",
}

// Build reconstructs search text from a quick filter and a condition group.
// The result is an equivalent query, not necessarily the original text
// verbatim: values containing whitespace are quoted and bare body-contains
// conditions come back as bare words.
func Build(quick QuickFilter, group *filter.Group) string {
	var parts []string
	if word, ok := quickWords[quick]; ok {
		parts = append(parts, word)
	}
	if group != nil {
		for _, c := range group.Conditions {
			if tok := buildToken(c); tok != "" {
				parts = append(parts, tok)
			}
		}
	}
	return strings.Join(parts, " ")
}

func buildToken(c filter.Condition) string {
	value := c.Value
	if value == "" && len(c.Values) > 0 {
		value = c.Values[0]
	}
	if value == "" {
		return ""
	}

	negated := c.Operator == filter.OpNotIn
	quoted := c.Operator == filter.OpEquals

	prefix := ""
	switch c.Field {
	case filter.FieldBody:
		// Bare token
	case filter.FieldDate:
		switch c.Operator {
		case filter.OpGte, filter.OpGt:
			prefix = "after:"
		case filter.OpLte, filter.OpLt:
			prefix = "before:"
		default:
			return ""
		}
	case filter.FieldSize:
		switch c.Operator {
		case filter.OpGt, filter.OpGte:
			prefix = "larger:"
		case filter.OpLt, filter.OpLte:
			prefix = "smaller:"
		default:
			return ""
		}
	case filter.FieldTags:
		prefix = "tag:"
	case filter.FieldFrom, filter.FieldTo, filter.FieldCc, filter.FieldBcc,
		filter.FieldSubject, filter.FieldFolder:
		prefix = string(c.Field) + ":"
	default:
		return ""
	}

	if quoted || strings.ContainsAny(value, " \t") {
		value = `"` + value + `"`
	}

	tok := prefix + value
	if negated {
		tok = "-" + tok
	}
	return tok
}
