package api

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/mailfold/mailfold/internal/filter"
)

func validateAccountRequest(req *accountRequest) error {
	if strings.TrimSpace(req.Label) == "" {
		return fmt.Errorf("label is required")
	}
	if req.Kind != "imap" && req.Kind != "jmap" {
		return fmt.Errorf("kind must be imap or jmap")
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if strings.TrimSpace(req.Username) == "" {
		return fmt.Errorf("username is required")
	}
	return nil
}

// validateRule checks a rule definition before it is stored. Structural
// problems are rejected here so the evaluator and compiler never see them.
func validateRule(rule *filter.Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if rule.Conditions == nil || countConditions(rule.Conditions) == 0 {
		return fmt.Errorf("rule needs at least one condition")
	}
	if err := validateGroup(rule.Conditions, 0); err != nil {
		return err
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("rule needs at least one action")
	}
	for _, a := range rule.Actions {
		if err := validateAction(a); err != nil {
			return err
		}
	}
	return nil
}

const maxGroupDepth = 8

func validateGroup(g *filter.Group, depth int) error {
	if depth > maxGroupDepth {
		return fmt.Errorf("condition groups nest too deep")
	}
	if g.Logic != filter.LogicAnd && g.Logic != filter.LogicOr {
		return fmt.Errorf("group logic must be AND or OR")
	}
	for _, c := range g.Conditions {
		if c.Field == "" {
			return fmt.Errorf("condition is missing a field")
		}
		if c.Operator == "" {
			return fmt.Errorf("condition on %s is missing an operator", c.Field)
		}
		if c.Value == "" && len(c.Values) == 0 {
			return fmt.Errorf("condition on %s has no value", c.Field)
		}
	}
	for _, sub := range g.Groups {
		if err := validateGroup(sub, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func countConditions(g *filter.Group) int {
	n := len(g.Conditions)
	for _, sub := range g.Groups {
		n += countConditions(sub)
	}
	return n
}

func validateAction(a filter.Action) error {
	switch a.Kind {
	case filter.ActionMoveToFolder:
		if a.Folder == "" {
			return fmt.Errorf("move action needs a folder")
		}
	case filter.ActionAddLabel:
		if a.Label == "" {
			return fmt.Errorf("label action needs a label")
		}
	case filter.ActionForward:
		if _, err := mail.ParseAddress(a.Email); err != nil {
			return fmt.Errorf("forward action needs a valid address")
		}
	case filter.ActionAutoDelete, filter.ActionAutoArchive:
		if a.Days < 0 {
			return fmt.Errorf("%s days cannot be negative", a.Kind)
		}
	case filter.ActionMarkRead, filter.ActionMarkImportant:
		// no arguments
	default:
		return fmt.Errorf("unknown action %q", a.Kind)
	}
	return nil
}
