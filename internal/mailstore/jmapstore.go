package mailstore

import (
	"context"
	"fmt"
	"time"

	"github.com/mailfold/mailfold/internal/filter"
	"github.com/mailfold/mailfold/internal/jmap"
)

// JMAPStore adapts the protocol client to the Store interface. Folder ids are
// mailbox ids and message ids are Email object ids.
type JMAPStore struct {
	client    *jmap.Client
	creds     jmap.Credentials
	accountID string
}

// NewJMAPStore binds a client to one account. The account id comes from the
// session's primary mail account.
func NewJMAPStore(client *jmap.Client, creds jmap.Credentials, accountID string) *JMAPStore {
	return &JMAPStore{client: client, creds: creds, accountID: accountID}
}

func (s *JMAPStore) GetFolders(ctx context.Context) ([]Folder, error) {
	mailboxes, err := s.client.GetMailboxes(ctx, s.creds, s.accountID)
	if err != nil {
		return nil, err
	}
	folders := make([]Folder, 0, len(mailboxes))
	for _, m := range mailboxes {
		folders = append(folders, Folder{
			ID:     m.ID,
			Name:   m.Name,
			Role:   m.Role,
			Total:  m.TotalEmails,
			Unseen: m.UnreadEmails,
		})
	}
	return folders, nil
}

func (s *JMAPStore) GetMessage(ctx context.Context, folderID, id string) (*MessageDetail, error) {
	email, err := s.client.GetEmail(ctx, s.creds, s.accountID, id)
	if err != nil {
		return nil, err
	}
	return detailFromEmail(folderID, email), nil
}

func (s *JMAPStore) UpdateFlags(ctx context.Context, folderID, id string, change FlagChange) error {
	if change.MarkRead {
		if err := s.client.SetKeyword(ctx, s.creds, s.accountID, id, "$seen", true); err != nil {
			return err
		}
	}
	if change.MarkImportant {
		if err := s.client.SetKeyword(ctx, s.creds, s.accountID, id, "$flagged", true); err != nil {
			return err
		}
	}
	for _, label := range change.AddLabels {
		if err := s.client.SetKeyword(ctx, s.creds, s.accountID, id, label, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *JMAPStore) MoveMessage(ctx context.Context, folderID, id, destFolderID string) error {
	return s.client.MoveEmail(ctx, s.creds, s.accountID, id, destFolderID)
}

// DeleteMessage moves to the trash mailbox rather than destroying outright
func (s *JMAPStore) DeleteMessage(ctx context.Context, folderID, id string) error {
	folders, err := s.GetFolders(ctx)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if f.Role == "trash" {
			return s.MoveMessage(ctx, folderID, id, f.ID)
		}
	}
	return fmt.Errorf("no trash mailbox: %w", ErrUnsupported)
}

// ForwardMessage needs a submission identity the filtering account does not
// carry; published scripts handle forwarding server-side instead.
func (s *JMAPStore) ForwardMessage(ctx context.Context, folderID, id, email string) error {
	return fmt.Errorf("forward over mail protocol: %w", ErrUnsupported)
}

// Search runs a server-side query and fetches each hit as a summary
func (s *JMAPStore) Search(ctx context.Context, f *jmap.Filter, limit int) ([]MessageSummary, error) {
	ids, err := s.client.QueryEmails(ctx, s.creds, s.accountID, f, limit)
	if err != nil {
		return nil, err
	}
	summaries := make([]MessageSummary, 0, len(ids))
	for _, id := range ids {
		email, err := s.client.GetEmail(ctx, s.creds, s.accountID, id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, detailFromEmail("", email).MessageSummary)
	}
	return summaries, nil
}

func detailFromEmail(folderID string, email *jmap.Email) *MessageDetail {
	summary := MessageSummary{
		ID:        email.ID,
		FolderID:  folderID,
		Subj:      email.Subject,
		Bytes:     email.Size,
		Snippet:   email.Preview,
		IsUnread:  !email.Keywords["$seen"],
		IsStarred: email.Keywords["$flagged"],
		From:      convertEmailAddresses(email.From),
		To:        convertEmailAddresses(email.To),
		Cc:        convertEmailAddresses(email.Cc),
		Bcc:       convertEmailAddresses(email.Bcc),
	}
	if folderID == "" {
		for id := range email.MailboxIDs {
			summary.FolderID = id
			break
		}
	}
	for kw, set := range email.Keywords {
		if set && kw != "$seen" && kw != "$flagged" && kw != "$draft" && kw != "$answered" {
			summary.Labels = append(summary.Labels, kw)
		}
	}
	if email.ReceivedAt != "" {
		if t, err := time.Parse(time.RFC3339, email.ReceivedAt); err == nil {
			summary.Received = t
		}
	}

	detail := &MessageDetail{MessageSummary: summary}
	detail.Text = bodyValue(email, email.TextBody)
	detail.HTML = bodyValue(email, email.HTMLBody)
	return detail
}

func bodyValue(email *jmap.Email, parts []jmap.EmailBodyPart) string {
	for _, p := range parts {
		if v, ok := email.BodyValues[p.PartID]; ok && v.Value != "" {
			return v.Value
		}
	}
	return ""
}

func convertEmailAddresses(addrs []jmap.EmailAddress) []filter.Address {
	var out []filter.Address
	for _, a := range addrs {
		out = append(out, filter.Address{Name: a.Name, Email: a.Email})
	}
	return out
}
