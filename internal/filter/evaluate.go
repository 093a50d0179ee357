package filter

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Evaluate reports whether a message satisfies the condition tree. The group's
// own logic folds its direct conditions together with its nested subgroups. An
// empty AND group is vacuously true; an empty OR group is false.
func Evaluate(g *Group, m Matchable) bool {
	if g == nil {
		return true
	}
	if len(g.Conditions) == 0 && len(g.Groups) == 0 {
		return g.Logic != LogicOr
	}

	if g.Logic == LogicOr {
		for _, c := range g.Conditions {
			if evaluateCondition(c, m) {
				return true
			}
		}
		for _, sub := range g.Groups {
			if Evaluate(sub, m) {
				return true
			}
		}
		return false
	}

	for _, c := range g.Conditions {
		if !evaluateCondition(c, m) {
			return false
		}
	}
	for _, sub := range g.Groups {
		if !Evaluate(sub, m) {
			return false
		}
	}
	return true
}

func evaluateCondition(c Condition, m Matchable) bool {
	switch c.Field {
	case FieldFrom, FieldTo, FieldCc, FieldBcc:
		return matchAddresses(c, m.Addresses(c.Field))
	case FieldSubject:
		return matchText(c, m.Subject())
	case FieldBody:
		return matchText(c, m.BodyText())
	case FieldDate:
		return matchDate(c, m.Date())
	case FieldSize:
		return matchSize(c, m.Size())
	case FieldFolder:
		return matchText(c, m.Folder())
	case FieldTags:
		for _, tag := range m.Tags() {
			if matchText(c, tag) {
				return true
			}
		}
		return false
	case FieldMessageID:
		return matchText(c, m.MessageID())
	case FieldStatus:
		return matchStatus(c, m)
	}
	return false
}

// matchAddresses applies the operator against both the address and the display
// name of each entry; either matching is enough.
func matchAddresses(c Condition, addrs []Address) bool {
	for _, a := range addrs {
		if matchText(c, a.Email) || matchText(c, a.Name) {
			return true
		}
	}
	return false
}

func matchText(c Condition, text string) bool {
	value := c.Value
	if !c.CaseSensitive {
		text = strings.ToLower(text)
		value = strings.ToLower(value)
	}

	switch c.Operator {
	case OpEquals:
		return text == value
	case OpContains:
		return strings.Contains(text, value)
	case OpStartsWith:
		return strings.HasPrefix(text, value)
	case OpEndsWith:
		return strings.HasSuffix(text, value)
	case OpMatches:
		return matchWildcard(text, value)
	case OpIn:
		return textInList(c, text, false)
	case OpNotIn:
		return !textInList(c, text, false)
	}
	return false
}

// textInList reports whether any listed value occurs in the text. A condition
// built from a single negated token carries its operand in Value rather than
// Values; both forms are accepted.
func textInList(c Condition, text string, caseSensitive bool) bool {
	values := c.Values
	if len(values) == 0 && c.Value != "" {
		values = []string{c.Value}
	}
	for _, v := range values {
		if !caseSensitive && !c.CaseSensitive {
			v = strings.ToLower(v)
		}
		if v != "" && strings.Contains(text, v) {
			return true
		}
	}
	return false
}

// matchWildcard compiles the value by replacing * with .* and anchoring the
// result. A pattern that fails to compile evaluates to false, never panics.
func matchWildcard(text, value string) bool {
	pattern := "^" + strings.ReplaceAll(value, "*", ".*") + "$"
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}

func matchDate(c Condition, epoch int64) bool {
	if epoch == 0 {
		return false
	}
	switch c.Operator {
	case OpGt, OpGte, OpLt, OpLte:
		want, ok := CoerceDate(c.Value)
		if !ok {
			return false
		}
		return compareInt64(c.Operator, epoch, want)
	case OpBetween:
		if len(c.Values) != 2 {
			return false
		}
		lo, okLo := CoerceDate(c.Values[0])
		hi, okHi := CoerceDate(c.Values[1])
		if !okLo || !okHi {
			return false
		}
		return epoch >= lo && epoch <= hi
	}
	return false
}

func matchSize(c Condition, size int64) bool {
	switch c.Operator {
	case OpGt, OpGte, OpLt, OpLte:
		want, err := strconv.ParseInt(c.Value, 10, 64)
		if err != nil {
			return false
		}
		return compareInt64(c.Operator, size, want)
	case OpBetween:
		if len(c.Values) != 2 {
			return false
		}
		lo, errLo := strconv.ParseInt(c.Values[0], 10, 64)
		hi, errHi := strconv.ParseInt(c.Values[1], 10, 64)
		if errLo != nil || errHi != nil {
			return false
		}
		return size >= lo && size <= hi
	}
	return false
}

func compareInt64(op Operator, got, want int64) bool {
	switch op {
	case OpGt:
		return got > want
	case OpGte:
		return got >= want
	case OpLt:
		return got < want
	case OpLte:
		return got <= want
	}
	return false
}

// matchStatus maps the condition value to a boolean flag lookup. Only the
// equals operator is meaningful here.
func matchStatus(c Condition, m Matchable) bool {
	if c.Operator != OpEquals {
		return false
	}
	switch strings.ToLower(c.Value) {
	case "unread":
		return m.Unread()
	case "read":
		return !m.Unread()
	case "starred":
		return m.Starred()
	}
	return false
}

// CoerceDate turns a condition date operand into unix seconds. It accepts
// RFC3339, an ISO date, or a raw epoch number.
func CoerceDate(value string) (int64, bool) {
	if value == "" {
		return 0, false
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.Unix(), true
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.Unix(), true
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n, true
	}
	return 0, false
}
