package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// BlobInfo describes an uploaded blob
type BlobInfo struct {
	AccountID string `json:"accountId"`
	BlobID    string `json:"blobId"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
}

// UploadBlob uploads content and returns the server-assigned blob reference
func (c *Client) UploadBlob(ctx context.Context, creds Credentials, accountID string, contentType string, content []byte) (*BlobInfo, error) {
	session, err := c.Session(ctx, creds)
	if err != nil {
		return nil, err
	}
	uploadURL := expandTemplate(session.UploadURL, map[string]string{
		"accountId": accountID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.cache.Invalidate(creds.Fingerprint())
		return nil, ErrAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}

	var info BlobInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	if info.BlobID == "" {
		return nil, fmt.Errorf("upload response carries no blobId")
	}
	return &info, nil
}

// DownloadBlob fetches blob content. name is the suggested filename the
// download template may embed.
func (c *Client) DownloadBlob(ctx context.Context, creds Credentials, accountID, blobID, name string) ([]byte, error) {
	session, err := c.Session(ctx, creds)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "blob"
	}
	downloadURL := expandTemplate(session.DownloadURL, map[string]string{
		"accountId": accountID,
		"blobId":    blobID,
		"name":      name,
		"type":      "application/octet-stream",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(creds.Username, creds.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.cache.Invalidate(creds.Fingerprint())
		return nil, ErrAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}

	return io.ReadAll(resp.Body)
}

// expandTemplate substitutes {name} placeholders. Servers emit templates with
// the braces either literal or percent-encoded, so both spellings are
// replaced, and the substituted value is escaped where it lands in a path.
func expandTemplate(template string, vars map[string]string) string {
	out := template
	for name, value := range vars {
		escaped := url.PathEscape(value)
		out = strings.ReplaceAll(out, "{"+name+"}", escaped)
		out = strings.ReplaceAll(out, "%7B"+name+"%7D", escaped)
		out = strings.ReplaceAll(out, "%7b"+name+"%7d", escaped)
	}
	return out
}
