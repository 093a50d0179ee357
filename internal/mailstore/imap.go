package mailstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	gomail "github.com/emersion/go-message/mail"
	"github.com/rs/zerolog/log"

	"github.com/mailfold/mailfold/internal/filter"
)

// IMAPStore drives a single authenticated IMAP connection. Folder ids are
// mailbox names and message ids are decimal UIDs; the connection is serialized
// with a mutex because the underlying client is not safe for concurrent
// commands.
type IMAPStore struct {
	mu     sync.Mutex
	client *client.Client
}

// DialIMAP connects and logs in. Plain dial first, TLS on 993 as fallback,
// matching how most self-hosted setups expose the service internally.
func DialIMAP(host, port, username, password string) (*IMAPStore, error) {
	addr := net.JoinHostPort(host, port)
	log.Debug().Str("addr", addr).Str("username", username).Msg("Connecting to IMAP server")

	c, err := client.Dial(addr)
	if err != nil {
		tlsAddr := net.JoinHostPort(host, "993")
		c, err = client.DialTLS(tlsAddr, &tls.Config{ServerName: host})
		if err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("Failed to connect to IMAP server")
			return nil, fmt.Errorf("failed to connect to mail server: %w", err)
		}
	}

	if err := c.Login(username, password); err != nil {
		c.Logout()
		log.Warn().Err(err).Str("username", username).Msg("IMAP authentication failed")
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return &IMAPStore{client: c}, nil
}

// Close logs out and drops the connection
func (s *IMAPStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Logout()
}

// GetFolders lists mailboxes with their special-use roles and counts
func (s *IMAPStore) GetFolders(ctx context.Context) ([]Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailboxes := make(chan *imap.MailboxInfo, 50)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []Folder
	for m := range mailboxes {
		folder := Folder{ID: m.Name, Name: m.Name}
		for _, attr := range m.Attributes {
			switch attr {
			case "\\Sent":
				folder.Role = "sent"
			case "\\Drafts":
				folder.Role = "drafts"
			case "\\Trash":
				folder.Role = "trash"
			case "\\Junk", "\\Spam":
				folder.Role = "junk"
			case "\\Archive":
				folder.Role = "archive"
			}
		}
		if folder.Role == "" && strings.EqualFold(m.Name, "INBOX") {
			folder.Role = "inbox"
		}
		folders = append(folders, folder)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	for i := range folders {
		status, err := s.client.Select(folders[i].Name, true)
		if err == nil {
			folders[i].Total = int(status.Messages)
			folders[i].Unseen = int(status.Unseen)
		}
	}

	return folders, nil
}

// GetMessage fetches the full message and extracts its text and HTML parts
func (s *IMAPStore) GetMessage(ctx context.Context, folderID, id string) (*MessageDetail, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.client.Select(folderID, true); err != nil {
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchRFC822Size}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	msg := <-messages
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message not found")
	}

	detail := &MessageDetail{MessageSummary: summaryFromIMAP(folderID, msg)}

	for _, literal := range msg.Body {
		if literal == nil {
			continue
		}
		if err := readBodyParts(literal, detail); err != nil {
			log.Warn().Err(err).Str("folder", folderID).Uint32("uid", uid).Msg("Failed to parse message body")
		}
		break
	}

	return detail, nil
}

// UpdateFlags applies a flag change as one or more UID STORE commands
func (s *IMAPStore) UpdateFlags(ctx context.Context, folderID, id string, change FlagChange) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	var flags []interface{}
	if change.MarkRead {
		flags = append(flags, imap.SeenFlag)
	}
	if change.MarkImportant {
		flags = append(flags, imap.FlaggedFlag)
	}
	for _, label := range change.AddLabels {
		flags = append(flags, label)
	}
	if len(flags) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.client.Select(folderID, false); err != nil {
		return fmt.Errorf("failed to select folder: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, false)
	return s.client.UidStore(seqSet, item, flags, nil)
}

// MoveMessage copies, marks deleted, and expunges
func (s *IMAPStore) MoveMessage(ctx context.Context, folderID, id, destFolderID string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.client.Select(folderID, false); err != nil {
		return fmt.Errorf("failed to select folder: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := s.client.UidCopy(seqSet, destFolderID); err != nil {
		return fmt.Errorf("failed to copy message: %w", err)
	}
	if err := s.client.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, false), []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark deleted: %w", err)
	}
	return s.client.Expunge(nil)
}

// DeleteMessage permanently deletes a message
func (s *IMAPStore) DeleteMessage(ctx context.Context, folderID, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.client.Select(folderID, false); err != nil {
		return fmt.Errorf("failed to select folder: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := s.client.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, false), []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark deleted: %w", err)
	}
	return s.client.Expunge(nil)
}

// ForwardMessage is not available over IMAP; forwarding needs a submission
// channel this store does not have.
func (s *IMAPStore) ForwardMessage(ctx context.Context, folderID, id, email string) error {
	return fmt.Errorf("forward over IMAP: %w", ErrUnsupported)
}

// ListMessages fetches summaries newest-first, for listing and batch runs
func (s *IMAPStore) ListMessages(ctx context.Context, folderID string, offset, limit int) ([]MessageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mbox, err := s.client.Select(folderID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}
	if mbox.Messages == 0 {
		return []MessageSummary{}, nil
	}

	from := int(mbox.Messages) - offset - limit + 1
	to := int(mbox.Messages) - offset
	if from < 1 {
		from = 1
	}
	if to < 1 {
		return []MessageSummary{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(uint32(from), uint32(to))

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchRFC822Size}

	messages := make(chan *imap.Message, limit)
	done := make(chan error, 1)

	go func() {
		done <- s.client.Fetch(seqSet, items, messages)
	}()

	var summaries []MessageSummary
	for msg := range messages {
		summaries = append(summaries, summaryFromIMAP(folderID, msg))
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	// Newest first
	for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
		summaries[i], summaries[j] = summaries[j], summaries[i]
	}

	return summaries, nil
}

func summaryFromIMAP(folderID string, msg *imap.Message) MessageSummary {
	summary := MessageSummary{
		ID:         strconv.FormatUint(uint64(msg.Uid), 10),
		FolderID:   folderID,
		FolderName: folderID,
		Bytes:      int64(msg.Size),
		IsUnread:   !hasFlag(msg.Flags, imap.SeenFlag),
		IsStarred:  hasFlag(msg.Flags, imap.FlaggedFlag),
	}

	for _, f := range msg.Flags {
		if !strings.HasPrefix(f, "\\") {
			summary.Labels = append(summary.Labels, f)
		}
	}

	if msg.Envelope != nil {
		summary.Subj = msg.Envelope.Subject
		summary.Received = msg.Envelope.Date
		summary.MsgID = msg.Envelope.MessageId
		summary.From = convertAddresses(msg.Envelope.From)
		summary.To = convertAddresses(msg.Envelope.To)
		summary.Cc = convertAddresses(msg.Envelope.Cc)
		summary.Bcc = convertAddresses(msg.Envelope.Bcc)
	}

	return summary
}

func convertAddresses(addrs []*imap.Address) []filter.Address {
	var out []filter.Address
	for _, a := range addrs {
		if a == nil {
			continue
		}
		out = append(out, filter.Address{
			Name:  a.PersonalName,
			Email: fmt.Sprintf("%s@%s", a.MailboxName, a.HostName),
		})
	}
	return out
}

// readBodyParts walks the MIME structure and keeps the first text/plain and
// text/html parts it finds.
func readBodyParts(literal imap.Literal, detail *MessageDetail) error {
	mr, err := gomail.CreateReader(literal)
	if err != nil {
		return err
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := header.ContentType()
		if err != nil {
			continue
		}

		switch contentType {
		case "text/plain":
			if detail.Text == "" {
				body, err := io.ReadAll(part.Body)
				if err == nil {
					detail.Text = string(body)
				}
			}
		case "text/html":
			if detail.HTML == "" {
				body, err := io.ReadAll(part.Body)
				if err == nil {
					detail.HTML = string(body)
				}
			}
		}
	}
}

func parseUID(id string) (uint32, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("message id %q is not a UID", id)
	}
	return uint32(n), nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
