package jmap

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mailfold/mailfold/internal/filter"
	"github.com/mailfold/mailfold/internal/query"
)

// Filter is the flat record the remote query API accepts. It has no nesting:
// it is an approximation target for the recursive condition tree, never a
// source of truth.
type Filter struct {
	InMailbox     string      `json:"inMailbox,omitempty"`
	MailboxName   string      `json:"mailboxName,omitempty"`
	Text          string      `json:"text,omitempty"`
	From          string      `json:"from,omitempty"`
	To            string      `json:"to,omitempty"`
	Cc            string      `json:"cc,omitempty"`
	Bcc           string      `json:"bcc,omitempty"`
	Subject       string      `json:"subject,omitempty"`
	Headers       [][2]string `json:"headers,omitempty"`
	After         string      `json:"after,omitempty"`
	Before        string      `json:"before,omitempty"`
	MinSize       int64       `json:"minSize,omitempty"`
	MaxSize       int64       `json:"maxSize,omitempty"`
	HasAttachment *bool       `json:"hasAttachment,omitempty"`
	HasKeyword    string      `json:"hasKeyword,omitempty"`
	NotKeyword    string      `json:"notKeyword,omitempty"`
}

// SecurityFilter carries security-derived search facts. They become synthetic
// header-match entries on the flat filter.
type SecurityFilter struct {
	AuthResult          string // "pass" or "fail", empty to skip
	DangerousAttachment bool
}

// BuildFilter flattens a quick filter, a condition tree, and an optional
// security filter into the flat protocol filter. The traversal ignores group
// logic: everything is AND-merged, and repeated text conditions on the same
// field are space-joined rather than OR'd. Nested OR semantics cannot be
// expressed here; the in-process evaluator remains authoritative.
func BuildFilter(quick query.QuickFilter, group *filter.Group, sec *SecurityFilter) *Filter {
	f := &Filter{}

	switch quick {
	case query.QuickUnread:
		f.NotKeyword = "$seen"
	case query.QuickRead:
		f.HasKeyword = "$seen"
	case query.QuickStarred:
		f.HasKeyword = "$flagged"
	case query.QuickAttachment:
		yes := true
		f.HasAttachment = &yes
	case query.QuickSent:
		f.MailboxName = "Sent"
	case query.QuickBulk:
		f.Headers = append(f.Headers, [2]string{"Precedence", "bulk"})
	}

	mergeGroup(f, group)

	if sec != nil {
		if sec.AuthResult != "" {
			f.Headers = append(f.Headers, [2]string{"Authentication-Results", sec.AuthResult})
		}
		if sec.DangerousAttachment {
			f.Headers = append(f.Headers, [2]string{"X-Attachment-Risk", "dangerous"})
		}
	}

	return f
}

func mergeGroup(f *Filter, g *filter.Group) {
	if g == nil {
		return
	}
	for _, c := range g.Conditions {
		mergeCondition(f, c)
	}
	for _, sub := range g.Groups {
		mergeGroup(f, sub)
	}
}

func mergeCondition(f *Filter, c filter.Condition) {
	switch c.Field {
	case filter.FieldFrom:
		f.From = spaceJoin(f.From, textOperand(c))
	case filter.FieldTo:
		f.To = spaceJoin(f.To, textOperand(c))
	case filter.FieldCc:
		f.Cc = spaceJoin(f.Cc, textOperand(c))
	case filter.FieldBcc:
		f.Bcc = spaceJoin(f.Bcc, textOperand(c))
	case filter.FieldSubject:
		f.Subject = spaceJoin(f.Subject, textOperand(c))
	case filter.FieldBody:
		f.Text = spaceJoin(f.Text, textOperand(c))
	case filter.FieldFolder:
		f.MailboxName = c.Value
	case filter.FieldMessageID:
		f.Headers = append(f.Headers, [2]string{"Message-ID", c.Value})
	case filter.FieldTags:
		if c.Value != "" {
			f.HasKeyword = c.Value
		}
	case filter.FieldDate:
		mergeDate(f, c)
	case filter.FieldSize:
		mergeSize(f, c)
	case filter.FieldStatus:
		mergeStatus(f, c)
	}
}

// textOperand extracts a usable search operand from a string condition.
// Negated conditions have no flat representation and are dropped here; the
// loss is logged, not surfaced, since the evaluator still enforces them.
func textOperand(c filter.Condition) string {
	switch c.Operator {
	case filter.OpEquals, filter.OpContains, filter.OpStartsWith, filter.OpEndsWith:
		return c.Value
	case filter.OpMatches:
		return strings.ReplaceAll(c.Value, "*", "")
	case filter.OpIn:
		return strings.Join(c.Values, " ")
	}
	log.Debug().
		Str("field", string(c.Field)).
		Str("operator", string(c.Operator)).
		Msg("Condition has no flat filter representation, skipped")
	return ""
}

func spaceJoin(existing, extra string) string {
	if extra == "" {
		return existing
	}
	if existing == "" {
		return extra
	}
	return existing + " " + extra
}

func mergeDate(f *Filter, c filter.Condition) {
	switch c.Operator {
	case filter.OpGt, filter.OpGte:
		f.After = isoDateTime(c.Value)
	case filter.OpLt, filter.OpLte:
		f.Before = isoDateTime(c.Value)
	case filter.OpBetween:
		if len(c.Values) == 2 {
			f.After = isoDateTime(c.Values[0])
			f.Before = isoDateTime(c.Values[1])
		}
	}
}

func isoDateTime(value string) string {
	if len(value) == len("2006-01-02") {
		return value + "T00:00:00Z"
	}
	return value
}

func mergeSize(f *Filter, c filter.Condition) {
	n, ok := parseBytes(c.Value)
	switch c.Operator {
	case filter.OpGt, filter.OpGte:
		if ok {
			f.MinSize = n
		}
	case filter.OpLt, filter.OpLte:
		if ok {
			f.MaxSize = n
		}
	case filter.OpBetween:
		if len(c.Values) == 2 {
			if lo, ok := parseBytes(c.Values[0]); ok {
				f.MinSize = lo
			}
			if hi, ok := parseBytes(c.Values[1]); ok {
				f.MaxSize = hi
			}
		}
	}
}

func parseBytes(value string) (int64, bool) {
	var n int64
	if value == "" {
		return 0, false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int64(r-'0')
	}
	return n, true
}

func mergeStatus(f *Filter, c filter.Condition) {
	if c.Operator != filter.OpEquals {
		return
	}
	switch strings.ToLower(c.Value) {
	case "unread":
		f.NotKeyword = "$seen"
	case "read":
		f.HasKeyword = "$seen"
	case "starred":
		f.HasKeyword = "$flagged"
	}
}
