// Package jmap implements the client side of the mail protocol: session
// discovery and caching, the batched request envelope, blob transfer, mailbox
// and message mutation, and the Sieve script lifecycle.
package jmap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Capability URIs used in the request envelope
const (
	CapCore  = "urn:ietf:params:jmap:core"
	CapMail  = "urn:ietf:params:jmap:mail"
	CapSieve = "urn:ietf:params:jmap:sieve"
)

// Credentials identify one account on one server. The fingerprint keys the
// session cache.
type Credentials struct {
	Endpoint string
	Username string
	Password string
}

// Fingerprint returns a stable cache key for these credentials
func (c Credentials) Fingerprint() string {
	h := sha256.Sum256([]byte(c.Endpoint + "\x00" + c.Username + "\x00" + c.Password))
	return hex.EncodeToString(h[:])
}

// Account is one account visible in a session
type Account struct {
	Name       string `json:"name"`
	IsPersonal bool   `json:"isPersonal"`
	IsReadOnly bool   `json:"isReadOnly"`
}

// Session describes a protocol endpoint: where to send API calls, how to move
// blobs, and which accounts and capabilities the server offers.
type Session struct {
	APIURL          string                     `json:"apiUrl"`
	DownloadURL     string                     `json:"downloadUrl"`
	UploadURL       string                     `json:"uploadUrl"`
	Accounts        map[string]Account         `json:"accounts"`
	PrimaryAccounts map[string]string          `json:"primaryAccounts"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	State           string                     `json:"state"`
}

// HasCapability reports whether the server advertises a capability URI
func (s *Session) HasCapability(uri string) bool {
	_, ok := s.Capabilities[uri]
	return ok
}

// PrimaryAccount returns the primary account id for a capability, or the only
// account when the server does not fill in primaryAccounts.
func (s *Session) PrimaryAccount(uri string) string {
	if id, ok := s.PrimaryAccounts[uri]; ok {
		return id
	}
	if len(s.Accounts) == 1 {
		for id := range s.Accounts {
			return id
		}
	}
	return ""
}

// Invocation is one (method, arguments, call tag) triple in a batched request
type Invocation struct {
	Method string
	Args   interface{}
	CallID string
}

// MarshalJSON encodes the invocation as the wire triple
func (inv Invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{inv.Method, inv.Args, inv.CallID})
}

// Response is one (method, result, call tag) triple in a batched response
type Response struct {
	Method string
	Args   json.RawMessage
	CallID string
}

// UnmarshalJSON decodes the wire triple
func (r *Response) UnmarshalJSON(data []byte) error {
	var triple []json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	if len(triple) != 3 {
		return fmt.Errorf("method response has %d elements, want 3", len(triple))
	}
	if err := json.Unmarshal(triple[0], &r.Method); err != nil {
		return err
	}
	r.Args = triple[1]
	return json.Unmarshal(triple[2], &r.CallID)
}

// MethodError is an error-typed result for a single invocation
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("method error %s: %s", e.Type, e.Description)
	}
	return "method error " + e.Type
}

// RemoteScript is the server-side identity of a published Sieve script. At
// most one script per account has IsActive set.
type RemoteScript struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BlobID   string `json:"blobId"`
	IsActive bool   `json:"isActive"`
}

// ValidationResult is the outcome of a server-side script validation
type ValidationResult struct {
	Valid  bool
	Reason string
}

// Mailbox is a server-side folder
type Mailbox struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ParentID     string `json:"parentId,omitempty"`
	Role         string `json:"role,omitempty"`
	TotalEmails  int    `json:"totalEmails"`
	UnreadEmails int    `json:"unreadEmails"`
}

// EmailAddress is a parsed address in an Email object
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Email is the subset of the protocol's Email object this client reads
type Email struct {
	ID         string                    `json:"id"`
	BlobID     string                    `json:"blobId,omitempty"`
	MailboxIDs map[string]bool           `json:"mailboxIds,omitempty"`
	Keywords   map[string]bool           `json:"keywords,omitempty"`
	From       []EmailAddress            `json:"from,omitempty"`
	To         []EmailAddress            `json:"to,omitempty"`
	Cc         []EmailAddress            `json:"cc,omitempty"`
	Bcc        []EmailAddress            `json:"bcc,omitempty"`
	Subject    string                    `json:"subject,omitempty"`
	ReceivedAt string                    `json:"receivedAt,omitempty"`
	Size       int64                     `json:"size,omitempty"`
	Preview    string                    `json:"preview,omitempty"`
	TextBody   []EmailBodyPart           `json:"textBody,omitempty"`
	HTMLBody   []EmailBodyPart           `json:"htmlBody,omitempty"`
	BodyValues map[string]EmailBodyValue `json:"bodyValues,omitempty"`
}

// EmailBodyPart references one MIME part of an Email
type EmailBodyPart struct {
	PartID string `json:"partId"`
	Type   string `json:"type,omitempty"`
}

// EmailBodyValue is the fetched content of one body part
type EmailBodyValue struct {
	Value       string `json:"value"`
	IsTruncated bool   `json:"isTruncated,omitempty"`
}

// Errors callers branch on
var (
	// ErrAuth signals a persistent authentication failure
	ErrAuth = errors.New("jmap: authentication failed")
	// ErrNoSession signals session discovery exhaustion
	ErrNoSession = errors.New("jmap: session discovery failed")
	// ErrScriptActive signals a destroy attempted on the active script
	ErrScriptActive = errors.New("jmap: script is active")
	// ErrScriptNotFound signals an operation on an unknown script id
	ErrScriptNotFound = errors.New("jmap: script not found")
)

// IsRateLimited reports whether an error is a rate-limit-class failure that
// warrants a longer backoff than a generic retry.
func IsRateLimited(err error) bool {
	var me *MethodError
	if errors.As(err, &me) {
		return me.Type == "rateLimit" || me.Type == "serverBusy"
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == 429
	}
	return false
}

// HTTPError is a non-2xx transport response
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}
