package database

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/internal/filter"
)

// Rules are stored with their condition tree and action list as JSON columns.
// Position is the stored order the engine evaluates in; it is dense per
// account and reassigned on reorder.

// CreateRule inserts a rule at the end of the account's order
func (db *DB) CreateRule(accountID string, rule *filter.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	conditions, actions, err := marshalRule(rule)
	if err != nil {
		return err
	}

	var position int
	if err := db.QueryRow(`SELECT COALESCE(MAX(position), -1) + 1 FROM rules WHERE account_id = ?`, accountID).Scan(&position); err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO rules (id, account_id, name, enabled, position, apply_to_existing, conditions, actions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, accountID, rule.Name, rule.Enabled, position, rule.ApplyToExisting, conditions, actions)
	if err == nil {
		rule.Priority = position
	}
	return err
}

// GetRule fetches one rule
func (db *DB) GetRule(accountID, id string) (*filter.Rule, error) {
	rows, err := db.Query(`
		SELECT id, name, enabled, position, apply_to_existing, conditions, actions
		FROM rules WHERE account_id = ? AND id = ?
	`, accountID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRule(rows)
}

// ListRules returns the account's rules in stored order
func (db *DB) ListRules(accountID string) ([]filter.Rule, error) {
	rows, err := db.Query(`
		SELECT id, name, enabled, position, apply_to_existing, conditions, actions
		FROM rules WHERE account_id = ? ORDER BY position
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []filter.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// UpdateRule replaces a rule's definition, keeping its position
func (db *DB) UpdateRule(accountID string, rule *filter.Rule) error {
	conditions, actions, err := marshalRule(rule)
	if err != nil {
		return err
	}
	result, err := db.Exec(`
		UPDATE rules
		SET name = ?, enabled = ?, apply_to_existing = ?, conditions = ?, actions = ?, updated_at = CURRENT_TIMESTAMP
		WHERE account_id = ? AND id = ?
	`, rule.Name, rule.Enabled, rule.ApplyToExisting, conditions, actions, accountID, rule.ID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// DeleteRule removes a rule
func (db *DB) DeleteRule(accountID, id string) error {
	result, err := db.Exec(`DELETE FROM rules WHERE account_id = ? AND id = ?`, accountID, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ReorderRules rewrites positions to match the given id order. Every existing
// rule must appear exactly once.
func (db *DB) ReorderRules(accountID string, ids []string) error {
	existing, err := db.ListRules(accountID)
	if err != nil {
		return err
	}
	if len(ids) != len(existing) {
		return fmt.Errorf("reorder lists %d rules, account has %d", len(ids), len(existing))
	}
	known := make(map[string]bool, len(existing))
	for _, r := range existing {
		known[r.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			return fmt.Errorf("reorder names unknown rule %s", id)
		}
		delete(known, id)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for position, id := range ids {
		if _, err := tx.Exec(`UPDATE rules SET position = ?, updated_at = CURRENT_TIMESTAMP WHERE account_id = ? AND id = ?`, position, accountID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func marshalRule(rule *filter.Rule) (string, string, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return "", "", err
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return "", "", err
	}
	return string(conditions), string(actions), nil
}

func scanRule(row rowScanner) (*filter.Rule, error) {
	var rule filter.Rule
	var conditions, actions string
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Enabled, &rule.Priority, &rule.ApplyToExisting, &conditions, &actions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s has corrupt conditions: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &rule.Actions); err != nil {
		return nil, fmt.Errorf("rule %s has corrupt actions: %w", rule.ID, err)
	}
	return &rule, nil
}
