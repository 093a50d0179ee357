// Package engine applies filter rules to messages and publishes their script
// rendition to the server. The orchestrator owns ordering and first-match
// semantics; the publisher owns the script lifecycle with per-account
// coalescing.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mailfold/mailfold/internal/filter"
	"github.com/mailfold/mailfold/internal/mailstore"
)

// Folder roles rules never run in. Filtering sent or discarded mail produces
// surprises, not value.
var excludedRoles = map[string]bool{
	"sent":   true,
	"trash":  true,
	"drafts": true,
}

// Outcome reports what a rule run did to one message
type Outcome struct {
	RuleID     string   `json:"ruleId,omitempty"`
	RuleName   string   `json:"ruleName,omitempty"`
	Applied    []string `json:"applied,omitempty"`
	Failed     []string `json:"failed,omitempty"`
	Skipped    bool     `json:"skipped"`
	SkipReason string   `json:"skipReason,omitempty"`
}

// Matched reports whether any rule fired
func (o *Outcome) Matched() bool { return o.RuleID != "" }

// Orchestrator evaluates rules against messages in stored order and applies
// the first match's actions through the store.
type Orchestrator struct {
	store       mailstore.Store
	retry       Retrier
	actionDelay time.Duration
	sleep       func(context.Context, time.Duration) error

	folderRole map[string]string // folder id -> role
	archiveID  string
}

// NewOrchestrator builds an orchestrator over a store with default pacing
func NewOrchestrator(store mailstore.Store) *Orchestrator {
	return &Orchestrator{
		store:       store,
		actionDelay: 200 * time.Millisecond,
		sleep:       sleepContext,
	}
}

// SetRetrier overrides the retry policy, mainly for tests
func (o *Orchestrator) SetRetrier(r Retrier) { o.retry = r }

// SetActionDelay overrides the pause between consecutive actions
func (o *Orchestrator) SetActionDelay(d time.Duration, sleep func(context.Context, time.Duration) error) {
	o.actionDelay = d
	if sleep != nil {
		o.sleep = sleep
	}
}

// RefreshFolders loads the folder list so roles and the archive target can be
// resolved. Call once before a run; stale roles only cost a wasted pass.
func (o *Orchestrator) RefreshFolders(ctx context.Context) error {
	folders, err := o.store.GetFolders(ctx)
	if err != nil {
		return err
	}
	roles := make(map[string]string, len(folders))
	archive := ""
	for _, f := range folders {
		roles[f.ID] = f.Role
		if f.Role == "archive" {
			archive = f.ID
		}
	}
	o.folderRole = roles
	o.archiveID = archive
	return nil
}

// ApplyRules runs the rules against one message: stored order, enabled rules
// only, first match wins. A rule whose conditions reach into the body upgrades
// the message to full detail before evaluating; if the upgrade keeps failing
// the summary text stands in, which can only under-match.
func (o *Orchestrator) ApplyRules(ctx context.Context, rules []filter.Rule, msg *mailstore.MessageSummary) (*Outcome, error) {
	if role := o.folderRole[msg.FolderID]; excludedRoles[role] {
		log.Debug().Str("folder", msg.FolderName).Str("role", role).Msg("Folder excluded from rule runs")
		return &Outcome{Skipped: true, SkipReason: "folder role " + role}, nil
	}

	var detail *mailstore.MessageDetail
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}

		target := filter.Matchable(msg)
		if filter.ReferencesBody(rule.Conditions) {
			if detail == nil {
				fetched, err := o.fetchDetail(ctx, msg)
				if err != nil {
					log.Warn().Err(err).Str("message", msg.ID).Msg("Body fetch failed, evaluating against summary")
				} else {
					detail = fetched
				}
			}
			if detail != nil {
				target = detail
			}
		}

		if !filter.Evaluate(rule.Conditions, target) {
			continue
		}

		log.Info().Str("rule", rule.Name).Str("message", msg.ID).Msg("Rule matched")
		outcome := &Outcome{RuleID: rule.ID, RuleName: rule.Name}
		o.applyActions(ctx, rule, msg, outcome)
		return outcome, nil
	}

	return &Outcome{}, nil
}

func (o *Orchestrator) fetchDetail(ctx context.Context, msg *mailstore.MessageSummary) (*mailstore.MessageDetail, error) {
	var detail *mailstore.MessageDetail
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		detail, err = o.store.GetMessage(ctx, msg.FolderID, msg.ID)
		return err
	})
	return detail, err
}

// applyActions runs the matched rule's actions in declared order with a pause
// between them. A failed action is recorded and the rest still run; actions
// are independent by design.
func (o *Orchestrator) applyActions(ctx context.Context, rule *filter.Rule, msg *mailstore.MessageSummary, outcome *Outcome) {
	for i, action := range rule.Actions {
		if i > 0 && o.actionDelay > 0 {
			if err := o.sleep(ctx, o.actionDelay); err != nil {
				return
			}
		}

		err := o.retry.Do(ctx, func(ctx context.Context) error {
			return o.applyAction(ctx, action, msg)
		})
		name := string(action.Kind)
		if err != nil {
			if errors.Is(err, mailstore.ErrUnsupported) {
				log.Debug().Str("action", name).Msg("Action not supported by this store")
			} else {
				log.Error().Err(err).Str("rule", rule.Name).Str("action", name).Str("message", msg.ID).Msg("Action failed")
			}
			outcome.Failed = append(outcome.Failed, name)
			continue
		}
		outcome.Applied = append(outcome.Applied, name)
	}
}

func (o *Orchestrator) applyAction(ctx context.Context, action filter.Action, msg *mailstore.MessageSummary) error {
	switch action.Kind {
	case filter.ActionMoveToFolder:
		return o.store.MoveMessage(ctx, msg.FolderID, msg.ID, action.Folder)
	case filter.ActionMarkRead:
		return o.store.UpdateFlags(ctx, msg.FolderID, msg.ID, mailstore.FlagChange{MarkRead: true})
	case filter.ActionMarkImportant:
		return o.store.UpdateFlags(ctx, msg.FolderID, msg.ID, mailstore.FlagChange{MarkImportant: true})
	case filter.ActionAddLabel:
		if action.Label == "" {
			return nil
		}
		return o.store.UpdateFlags(ctx, msg.FolderID, msg.ID, mailstore.FlagChange{AddLabels: []string{action.Label}})
	case filter.ActionAutoDelete:
		if action.Days > 0 {
			// Aging out is the scheduler's job, not an immediate action
			log.Debug().Int("days", action.Days).Str("message", msg.ID).Msg("Deferred delete left to the scheduler")
			return nil
		}
		return o.store.DeleteMessage(ctx, msg.FolderID, msg.ID)
	case filter.ActionAutoArchive:
		if action.Days > 0 {
			log.Debug().Int("days", action.Days).Str("message", msg.ID).Msg("Deferred archive left to the scheduler")
			return nil
		}
		if o.archiveID == "" {
			return errors.New("no archive folder")
		}
		return o.store.MoveMessage(ctx, msg.FolderID, msg.ID, o.archiveID)
	case filter.ActionForward:
		return o.store.ForwardMessage(ctx, msg.FolderID, msg.ID, action.Email)
	}
	return nil
}

// RunExisting applies rules flagged applyToExisting across a batch of already
// delivered messages, typically right after a rule is created.
func (o *Orchestrator) RunExisting(ctx context.Context, rules []filter.Rule, messages []mailstore.MessageSummary) ([]Outcome, error) {
	applicable := rules[:0:0]
	for _, r := range rules {
		if r.Enabled && r.ApplyToExisting {
			applicable = append(applicable, r)
		}
	}
	if len(applicable) == 0 {
		return nil, nil
	}

	outcomes := make([]Outcome, 0, len(messages))
	for i := range messages {
		outcome, err := o.ApplyRules(ctx, applicable, &messages[i])
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, *outcome)
	}
	return outcomes, nil
}
