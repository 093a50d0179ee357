package jmap

import (
	"context"
	"fmt"
)

// GetMailboxes fetches all mailboxes for the account
func (c *Client) GetMailboxes(ctx context.Context, creds Credentials, accountID string) ([]Mailbox, error) {
	var result struct {
		List []Mailbox `json:"list"`
	}
	err := c.CallOne(ctx, creds, []string{CapCore, CapMail}, Invocation{
		Method: "Mailbox/get",
		Args:   map[string]interface{}{"accountId": accountID, "ids": nil},
		CallID: "m0",
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.List, nil
}

// GetEmail fetches one message with its body values so body conditions can be
// evaluated against full text instead of the preview.
func (c *Client) GetEmail(ctx context.Context, creds Credentials, accountID, emailID string) (*Email, error) {
	var result struct {
		List []Email `json:"list"`
	}
	err := c.CallOne(ctx, creds, []string{CapCore, CapMail}, Invocation{
		Method: "Email/get",
		Args: map[string]interface{}{
			"accountId": accountID,
			"ids":       []string{emailID},
			"properties": []string{
				"id", "blobId", "mailboxIds", "keywords", "from", "to", "cc", "bcc",
				"subject", "receivedAt", "size", "preview", "textBody", "htmlBody", "bodyValues",
			},
			"fetchTextBodyValues": true,
			"fetchHTMLBodyValues": true,
		},
		CallID: "e0",
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("email %s not found", emailID)
	}
	return &result.List[0], nil
}

// QueryEmails runs a server-side search with a flat filter and returns
// matching email ids.
func (c *Client) QueryEmails(ctx context.Context, creds Credentials, accountID string, filter *Filter, limit int) ([]string, error) {
	args := map[string]interface{}{
		"accountId": accountID,
		"sort":      []map[string]interface{}{{"property": "receivedAt", "isAscending": false}},
	}
	if filter != nil {
		args["filter"] = filter
	}
	if limit > 0 {
		args["limit"] = limit
	}
	var result struct {
		IDs []string `json:"ids"`
	}
	err := c.CallOne(ctx, creds, []string{CapCore, CapMail}, Invocation{
		Method: "Email/query",
		Args:   args,
		CallID: "q0",
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.IDs, nil
}

// SetKeyword adds or removes one keyword (flag) on a message
func (c *Client) SetKeyword(ctx context.Context, creds Credentials, accountID, emailID, keyword string, set bool) error {
	var value interface{}
	if set {
		value = true
	} // a null patch value clears the keyword
	return c.emailPatch(ctx, creds, accountID, emailID, map[string]interface{}{
		"keywords/" + keyword: value,
	})
}

// MoveEmail reassigns a message to a single target mailbox
func (c *Client) MoveEmail(ctx context.Context, creds Credentials, accountID, emailID, mailboxID string) error {
	return c.emailPatch(ctx, creds, accountID, emailID, map[string]interface{}{
		"mailboxIds": map[string]bool{mailboxID: true},
	})
}

func (c *Client) emailPatch(ctx context.Context, creds Credentials, accountID, emailID string, patch map[string]interface{}) error {
	var result struct {
		NotUpdated map[string]setError `json:"notUpdated,omitempty"`
	}
	err := c.CallOne(ctx, creds, []string{CapCore, CapMail}, Invocation{
		Method: "Email/set",
		Args: map[string]interface{}{
			"accountId": accountID,
			"update":    map[string]interface{}{emailID: patch},
		},
		CallID: "e1",
	}, &result)
	if err != nil {
		return err
	}
	if se, ok := result.NotUpdated[emailID]; ok {
		return fmt.Errorf("email update rejected: %w", &MethodError{Type: se.Type, Description: se.Description})
	}
	return nil
}
