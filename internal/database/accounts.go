package database

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("database: not found")

// Account is a connected mail account. The password is stored encrypted and
// only decrypted by the caller holding the encryptor.
type Account struct {
	ID                string    `json:"id"`
	UserID            int64     `json:"userId"`
	Label             string    `json:"label"`
	Kind              string    `json:"kind"` // imap or jmap
	Endpoint          string    `json:"endpoint"`
	Username          string    `json:"username"`
	EncryptedPassword string    `json:"-"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// CreateAccount inserts an account and assigns it an id
func (db *DB) CreateAccount(a *Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := db.Exec(`
		INSERT INTO accounts (id, user_id, label, kind, endpoint, username, encrypted_password)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.Label, a.Kind, a.Endpoint, a.Username, a.EncryptedPassword)
	return err
}

// GetAccount fetches one account by id, scoped to a user
func (db *DB) GetAccount(userID int64, id string) (*Account, error) {
	row := db.QueryRow(`
		SELECT id, user_id, label, kind, endpoint, username, encrypted_password, created_at, updated_at
		FROM accounts WHERE id = ? AND user_id = ?
	`, id, userID)
	return scanAccount(row)
}

// ListAccounts returns all accounts for a user
func (db *DB) ListAccounts(userID int64) ([]Account, error) {
	rows, err := db.Query(`
		SELECT id, user_id, label, kind, endpoint, username, encrypted_password, created_at, updated_at
		FROM accounts WHERE user_id = ? ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// UpdateAccount updates the mutable fields of an account
func (db *DB) UpdateAccount(a *Account) error {
	result, err := db.Exec(`
		UPDATE accounts
		SET label = ?, kind = ?, endpoint = ?, username = ?, encrypted_password = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, a.Label, a.Kind, a.Endpoint, a.Username, a.EncryptedPassword, a.ID, a.UserID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// DeleteAccount removes an account and, by cascade, its rules
func (db *DB) DeleteAccount(userID int64, id string) error {
	result, err := db.Exec(`DELETE FROM accounts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// RecordPublish appends one publish attempt to the audit log
func (db *DB) RecordPublish(accountID, script string, skipped int, success bool, errText string) error {
	_, err := db.Exec(`
		INSERT INTO publish_log (account_id, script, skipped_rules, success, error)
		VALUES (?, ?, ?, ?, ?)
	`, accountID, script, skipped, success, errText)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.UserID, &a.Label, &a.Kind, &a.Endpoint, &a.Username, &a.EncryptedPassword, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
