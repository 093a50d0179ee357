// Package sieve translates filter rules into Sieve script text and parses a
// deliberately small Sieve subset back into a flat protocol filter. The two
// directions are intentionally asymmetric: forward compilation is lossy by
// omission (the in-process evaluator stays authoritative for whatever gets
// skipped), while reverse parsing of a foreign script fails closed rather
// than risk misreading unfamiliar content.
package sieve

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mailfold/mailfold/internal/filter"
)

// FolderResolver maps a folder id to a server folder name. fileinto needs
// names, not ids; an unresolvable id drops that action.
type FolderResolver func(folderID string) (string, bool)

// SkippedRule records why a rule produced no script stanza
type SkippedRule struct {
	RuleID string
	Name   string
	Reason string
}

// CompileResult is a compiled script plus the rules left out of it
type CompileResult struct {
	Script  string
	Skipped []SkippedRule
}

var headerNames = map[filter.Field]string{
	filter.FieldFrom:    "From",
	filter.FieldTo:      "To",
	filter.FieldCc:      "Cc",
	filter.FieldBcc:     "Bcc",
	filter.FieldSubject: "Subject",
}

// Compile renders the enabled rules that translate fully into the script
// grammar. Translation is all-or-nothing per rule: one untranslatable
// condition anywhere in the tree and the whole rule is skipped, so the
// script never matches more narrowly than the rule it came from. Skipped
// rules keep being enforced by the evaluator.
func Compile(rules []filter.Rule, resolve FolderResolver) CompileResult {
	var result CompileResult
	var requires requireSet
	var stanzas []string

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		test, err := compileGroup(rule.Conditions)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedRule{RuleID: rule.ID, Name: rule.Name, Reason: err.Error()})
			log.Debug().Str("rule", rule.Name).Err(err).Msg("Rule not representable in script, skipped")
			continue
		}

		actions := compileActions(rule.Actions, resolve, &requires)
		if len(actions) == 0 {
			result.Skipped = append(result.Skipped, SkippedRule{RuleID: rule.ID, Name: rule.Name, Reason: "no translatable actions"})
			log.Debug().Str("rule", rule.Name).Msg("Rule has no translatable actions, skipped")
			continue
		}

		var b strings.Builder
		fmt.Fprintf(&b, "# rule: %s\n", sanitizeComment(rule.Name))
		fmt.Fprintf(&b, "if %s {\n", test)
		for _, a := range actions {
			b.WriteString("    " + a + "\n")
		}
		b.WriteString("}\n")
		stanzas = append(stanzas, b.String())
	}

	var b strings.Builder
	if req := requires.clause(); req != "" {
		b.WriteString(req + "\n\n")
	}
	b.WriteString(strings.Join(stanzas, "\n"))
	result.Script = b.String()
	return result
}

// compileGroup renders a condition tree as a Sieve test, mirroring AND with
// allof and OR with anyof.
func compileGroup(g *filter.Group) (string, error) {
	if g == nil {
		return "", fmt.Errorf("rule has no conditions")
	}
	var tests []string
	for _, c := range g.Conditions {
		t, err := compileCondition(c)
		if err != nil {
			return "", err
		}
		tests = append(tests, t)
	}
	for _, sub := range g.Groups {
		t, err := compileGroup(sub)
		if err != nil {
			return "", err
		}
		tests = append(tests, t)
	}
	if len(tests) == 0 {
		return "", fmt.Errorf("rule has no conditions")
	}
	if len(tests) == 1 {
		return tests[0], nil
	}
	combinator := "allof"
	if g.Logic == filter.LogicOr {
		combinator = "anyof"
	}
	return fmt.Sprintf("%s (%s)", combinator, strings.Join(tests, ", ")), nil
}

func compileCondition(c filter.Condition) (string, error) {
	if name, ok := headerNames[c.Field]; ok {
		return compileHeaderTest(name, c)
	}
	if c.Field == filter.FieldSize {
		return compileSizeTest(c)
	}
	return "", fmt.Errorf("field %s not representable", c.Field)
}

// compileHeaderTest renders address and subject conditions as header tests.
// Wildcards promote the match type to :matches.
func compileHeaderTest(name string, c filter.Condition) (string, error) {
	value := c.Value
	var matchType string
	switch c.Operator {
	case filter.OpEquals:
		matchType = ":is"
	case filter.OpContains:
		matchType = ":contains"
	case filter.OpMatches:
		matchType = ":matches"
	case filter.OpStartsWith:
		matchType = ":matches"
		value = value + "*"
	case filter.OpEndsWith:
		matchType = ":matches"
		value = "*" + value
	default:
		return "", fmt.Errorf("operator %s not representable", c.Operator)
	}
	if matchType != ":matches" && strings.Contains(value, "*") {
		matchType = ":matches"
	}
	return fmt.Sprintf("header %s %s %s", matchType, quote(name), quote(value)), nil
}

// compileSizeTest renders size bounds. Sieve only has strict :over/:under, so
// inclusive bounds shift the operand by one byte.
func compileSizeTest(c filter.Condition) (string, error) {
	switch c.Operator {
	case filter.OpGt, filter.OpGte, filter.OpLt, filter.OpLte:
		n, err := strconv.ParseInt(c.Value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("size value %q is not a number", c.Value)
		}
		switch c.Operator {
		case filter.OpGt:
			return fmt.Sprintf("size :over %d", n), nil
		case filter.OpGte:
			return fmt.Sprintf("size :over %d", n-1), nil
		case filter.OpLt:
			return fmt.Sprintf("size :under %d", n), nil
		default:
			return fmt.Sprintf("size :under %d", n+1), nil
		}
	case filter.OpBetween:
		if len(c.Values) != 2 {
			return "", fmt.Errorf("size between needs two values")
		}
		lo, errLo := strconv.ParseInt(c.Values[0], 10, 64)
		hi, errHi := strconv.ParseInt(c.Values[1], 10, 64)
		if errLo != nil || errHi != nil {
			return "", fmt.Errorf("size between values are not numbers")
		}
		return fmt.Sprintf("allof (size :over %d, size :under %d)", lo-1, hi+1), nil
	}
	return "", fmt.Errorf("operator %s not representable for size", c.Operator)
}

// compileActions maps rule actions 1:1 onto script actions, independently of
// each other. Unsupported actions are simply dropped.
func compileActions(actions []filter.Action, resolve FolderResolver, requires *requireSet) []string {
	var out []string
	for _, a := range actions {
		switch a.Kind {
		case filter.ActionMoveToFolder:
			if resolve == nil {
				log.Debug().Str("folderId", a.Folder).Msg("No folder resolver, fileinto dropped")
				continue
			}
			name, ok := resolve(a.Folder)
			if !ok {
				log.Debug().Str("folderId", a.Folder).Msg("Folder id unresolved, fileinto dropped")
				continue
			}
			requires.add("fileinto")
			out = append(out, "fileinto "+quote(name)+";")
		case filter.ActionMarkRead:
			requires.add("imap4flags")
			out = append(out, `addflag "\\Seen";`)
		case filter.ActionMarkImportant:
			requires.add("imap4flags")
			out = append(out, `addflag "\\Flagged";`)
		case filter.ActionAddLabel:
			if a.Label == "" {
				continue
			}
			requires.add("imap4flags")
			out = append(out, "addflag "+quote(a.Label)+";")
		case filter.ActionAutoDelete:
			out = append(out, "discard;")
		case filter.ActionForward:
			if a.Email == "" {
				continue
			}
			out = append(out, "redirect "+quote(a.Email)+";")
		default:
			// autoArchive and anything new has no script equivalent
		}
	}
	return out
}

// requireSet tracks which capabilities the emitted actions actually used, in
// first-use order.
type requireSet struct {
	used  map[string]bool
	order []string
}

func (r *requireSet) add(capability string) {
	if r.used == nil {
		r.used = make(map[string]bool)
	}
	if !r.used[capability] {
		r.used[capability] = true
		r.order = append(r.order, capability)
	}
}

func (r *requireSet) clause() string {
	if len(r.order) == 0 {
		return ""
	}
	quoted := make([]string, len(r.order))
	for i, c := range r.order {
		quoted[i] = `"` + c + `"`
	}
	return "require [" + strings.Join(quoted, ", ") + "];"
}

// escapeString escapes backslash and double-quote for a Sieve string literal
func escapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func quote(s string) string {
	return `"` + escapeString(s) + `"`
}

func sanitizeComment(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
