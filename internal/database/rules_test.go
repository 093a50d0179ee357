package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/filter"
)

func testDB(t *testing.T) *DB {
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func seedUser(t *testing.T, db *DB) int64 {
	result, err := db.Exec(`INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)`,
		"tester", "tester@example.com", "x")
	require.NoError(t, err)
	id, err := result.LastInsertId()
	require.NoError(t, err)
	return id
}

func seedAccount(t *testing.T, db *DB, userID int64) *Account {
	account := &Account{
		UserID:            userID,
		Label:             "Personal",
		Kind:              "jmap",
		Endpoint:          "https://mail.example.com",
		Username:          "me@example.com",
		EncryptedPassword: "ciphertext",
	}
	require.NoError(t, db.CreateAccount(account))
	return account
}

func sampleRule(name string) *filter.Rule {
	return &filter.Rule{
		Name:    name,
		Enabled: true,
		Conditions: &filter.Group{Logic: filter.LogicAnd, Conditions: []filter.Condition{
			{Field: filter.FieldFrom, Operator: filter.OpContains, Value: "news@acme.example"},
		}},
		Actions: []filter.Action{{Kind: filter.ActionMoveToFolder, Folder: "mb-news"}},
	}
}

func TestAccountCRUD(t *testing.T) {
	db := testDB(t)
	userID := seedUser(t, db)
	account := seedAccount(t, db, userID)
	require.NotEmpty(t, account.ID)

	got, err := db.GetAccount(userID, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "Personal", got.Label)
	assert.Equal(t, "jmap", got.Kind)
	assert.Equal(t, "ciphertext", got.EncryptedPassword)
	assert.False(t, got.CreatedAt.IsZero())

	got.Label = "Work"
	got.Kind = "imap"
	require.NoError(t, db.UpdateAccount(got))

	updated, err := db.GetAccount(userID, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "Work", updated.Label)
	assert.Equal(t, "imap", updated.Kind)

	accounts, err := db.ListAccounts(userID)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	require.NoError(t, db.DeleteAccount(userID, account.ID))
	_, err = db.GetAccount(userID, account.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountScopedToUser(t *testing.T) {
	db := testDB(t)
	owner := seedUser(t, db)
	account := seedAccount(t, db, owner)

	other := owner + 1
	_, err := db.GetAccount(other, account.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteAccount(other, account.ID), ErrNotFound)

	stolen := *account
	stolen.UserID = other
	stolen.Label = "hijacked"
	assert.ErrorIs(t, db.UpdateAccount(&stolen), ErrNotFound)
}

func TestRuleRoundTrip(t *testing.T) {
	db := testDB(t)
	account := seedAccount(t, db, seedUser(t, db))

	rule := sampleRule("Newsletters")
	rule.Conditions.Groups = []*filter.Group{{
		Logic: filter.LogicOr,
		Conditions: []filter.Condition{
			{Field: filter.FieldSubject, Operator: filter.OpContains, Value: "deal"},
			{Field: filter.FieldSize, Operator: filter.OpGt, Value: "100000"},
		},
	}}
	rule.ApplyToExisting = true
	require.NoError(t, db.CreateRule(account.ID, rule))
	require.NotEmpty(t, rule.ID)
	assert.Equal(t, 0, rule.Priority)

	got, err := db.GetRule(account.ID, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
	assert.True(t, got.Enabled)
	assert.True(t, got.ApplyToExisting)
	assert.Equal(t, rule.Conditions, got.Conditions)
	assert.Equal(t, rule.Actions, got.Actions)
}

func TestRulePositionsAssignedInOrder(t *testing.T) {
	db := testDB(t)
	account := seedAccount(t, db, seedUser(t, db))

	for i, name := range []string{"first", "second", "third"} {
		rule := sampleRule(name)
		require.NoError(t, db.CreateRule(account.ID, rule))
		assert.Equal(t, i, rule.Priority)
	}

	rules, err := db.ListRules(account.ID)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "first", rules[0].Name)
	assert.Equal(t, "second", rules[1].Name)
	assert.Equal(t, "third", rules[2].Name)
}

func TestUpdateRuleKeepsPosition(t *testing.T) {
	db := testDB(t)
	account := seedAccount(t, db, seedUser(t, db))

	first := sampleRule("first")
	second := sampleRule("second")
	require.NoError(t, db.CreateRule(account.ID, first))
	require.NoError(t, db.CreateRule(account.ID, second))

	first.Name = "renamed"
	first.Enabled = false
	require.NoError(t, db.UpdateRule(account.ID, first))

	rules, err := db.ListRules(account.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", rules[0].Name)
	assert.False(t, rules[0].Enabled)
	assert.Equal(t, "second", rules[1].Name)
}

func TestReorderRules(t *testing.T) {
	db := testDB(t)
	account := seedAccount(t, db, seedUser(t, db))

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		rule := sampleRule(name)
		require.NoError(t, db.CreateRule(account.ID, rule))
		ids = append(ids, rule.ID)
	}

	require.NoError(t, db.ReorderRules(account.ID, []string{ids[2], ids[0], ids[1]}))

	rules, err := db.ListRules(account.ID)
	require.NoError(t, err)
	assert.Equal(t, "c", rules[0].Name)
	assert.Equal(t, "a", rules[1].Name)
	assert.Equal(t, "b", rules[2].Name)
}

func TestReorderRejectsBadLists(t *testing.T) {
	db := testDB(t)
	account := seedAccount(t, db, seedUser(t, db))

	rule := sampleRule("only")
	require.NoError(t, db.CreateRule(account.ID, rule))

	assert.Error(t, db.ReorderRules(account.ID, nil))
	assert.Error(t, db.ReorderRules(account.ID, []string{"unknown"}))
	assert.Error(t, db.ReorderRules(account.ID, []string{rule.ID, rule.ID}))
}

func TestDeleteRule(t *testing.T) {
	db := testDB(t)
	account := seedAccount(t, db, seedUser(t, db))

	rule := sampleRule("gone")
	require.NoError(t, db.CreateRule(account.ID, rule))
	require.NoError(t, db.DeleteRule(account.ID, rule.ID))

	_, err := db.GetRule(account.ID, rule.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteRule(account.ID, rule.ID), ErrNotFound)
}

func TestRecordPublish(t *testing.T) {
	db := testDB(t)
	account := seedAccount(t, db, seedUser(t, db))

	require.NoError(t, db.RecordPublish(account.ID, "require [\"fileinto\"];", 1, true, ""))
	require.NoError(t, db.RecordPublish(account.ID, "", 0, false, "server unreachable"))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM publish_log WHERE account_id = ?`, account.ID).Scan(&count))
	assert.Equal(t, 2, count)
}
