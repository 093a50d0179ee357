// Package mailstore defines the message-store provider the rule engine
// consumes, plus IMAP- and JMAP-backed implementations. Summary and full
// detail are distinct record types with an explicit upgrade through
// GetMessage; there is no duck typing on partially filled structs.
package mailstore

import (
	"context"
	"errors"
	"time"

	"github.com/mailfold/mailfold/internal/filter"
)

// ErrUnsupported marks an operation a particular store cannot perform
var ErrUnsupported = errors.New("mailstore: operation not supported")

// Folder is a server-side mail folder with an optional well-known role
type Folder struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"` // inbox, sent, trash, drafts, junk, archive
	Total  int    `json:"total"`
	Unseen int    `json:"unseen"`
}

// MessageSummary is the listing view of a message. Its body text is only the
// snippet; evaluating body conditions against richer text requires the
// explicit upgrade to MessageDetail.
type MessageSummary struct {
	ID         string           `json:"id"`
	FolderID   string           `json:"folderId"`
	FolderName string           `json:"folderName"`
	From       []filter.Address `json:"from"`
	To         []filter.Address `json:"to,omitempty"`
	Cc         []filter.Address `json:"cc,omitempty"`
	Bcc        []filter.Address `json:"bcc,omitempty"`
	Subj       string           `json:"subject"`
	Received   time.Time        `json:"date"`
	Bytes      int64            `json:"size"`
	Snippet    string           `json:"snippet,omitempty"`
	IsUnread   bool             `json:"unread"`
	IsStarred  bool             `json:"starred"`
	Labels     []string         `json:"tags,omitempty"`
	MsgID      string           `json:"messageId,omitempty"`
	HasAttach  bool             `json:"hasAttachment"`
}

// MessageDetail is a fully fetched message
type MessageDetail struct {
	MessageSummary
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// FlagChange describes a flag mutation applied to one message
type FlagChange struct {
	MarkRead      bool
	MarkImportant bool
	AddLabels     []string
}

// Store is the message-store provider the orchestrator drives
type Store interface {
	GetFolders(ctx context.Context) ([]Folder, error)
	// GetMessage upgrades a listing entry to its full detail
	GetMessage(ctx context.Context, folderID, id string) (*MessageDetail, error)
	UpdateFlags(ctx context.Context, folderID, id string, change FlagChange) error
	MoveMessage(ctx context.Context, folderID, id, destFolderID string) error
	DeleteMessage(ctx context.Context, folderID, id string) error
	ForwardMessage(ctx context.Context, folderID, id, email string) error
}

// filter.Matchable implementation for summaries

func (m *MessageSummary) Addresses(field filter.Field) []filter.Address {
	switch field {
	case filter.FieldFrom:
		return m.From
	case filter.FieldTo:
		return m.To
	case filter.FieldCc:
		return m.Cc
	case filter.FieldBcc:
		return m.Bcc
	}
	return nil
}

func (m *MessageSummary) Subject() string { return m.Subj }

func (m *MessageSummary) Date() int64 {
	if m.Received.IsZero() {
		return 0
	}
	return m.Received.Unix()
}

func (m *MessageSummary) Size() int64        { return m.Bytes }
func (m *MessageSummary) BodyText() string   { return m.Snippet }
func (m *MessageSummary) Folder() string     { return m.FolderName }
func (m *MessageSummary) Tags() []string     { return m.Labels }
func (m *MessageSummary) MessageID() string  { return m.MsgID }
func (m *MessageSummary) Unread() bool       { return m.IsUnread }
func (m *MessageSummary) Starred() bool      { return m.IsStarred }

// BodyText on a detail prefers plain text, then stripped HTML, then the
// snippet.
func (m *MessageDetail) BodyText() string {
	return filter.PreferredBodyText(m.Text, m.HTML, m.Snippet)
}
