package jmap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSessionTTL is how long a cached session stays valid
const DefaultSessionTTL = 30 * time.Minute

// sessionTimeout bounds each discovery/session HTTP call
const sessionTimeout = 15 * time.Second

// SessionCache holds fetched sessions keyed by credential fingerprint. It is
// one of the two pieces of shared mutable state in the system and is passed
// explicitly to the client constructor so tests get isolated instances.
type SessionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedSession
	now     func() time.Time
}

type cachedSession struct {
	session   *Session
	fetchedAt time.Time
}

// NewSessionCache creates a cache with the given TTL; ttl <= 0 uses the
// default.
func NewSessionCache(ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionCache{
		ttl:     ttl,
		entries: make(map[string]cachedSession),
		now:     time.Now,
	}
}

// Get returns a cached session if one exists and has not expired
func (c *SessionCache) Get(fingerprint string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.fetchedAt) > c.ttl {
		delete(c.entries, fingerprint)
		return nil, false
	}
	return entry.session, true
}

// Put stores a session
func (c *SessionCache) Put(fingerprint string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = cachedSession{session: s, fetchedAt: c.now()}
}

// Invalidate drops a cached session so the next use re-fetches it
func (c *SessionCache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
}

// Session returns the session for the credentials, fetching and caching it
// when necessary.
func (c *Client) Session(ctx context.Context, creds Credentials) (*Session, error) {
	fp := creds.Fingerprint()
	if s, ok := c.cache.Get(fp); ok {
		return s, nil
	}

	s, err := c.fetchSession(ctx, creds)
	if err != nil {
		return nil, err
	}
	c.cache.Put(fp, s)
	return s, nil
}

// fetchSession runs the two-step handshake: try the direct session endpoint
// first; on failure, read the well-known discovery document and POST to the
// session URL it names.
func (c *Client) fetchSession(ctx context.Context, creds Credentials) (*Session, error) {
	directURL := strings.TrimRight(creds.Endpoint, "/") + "/jmap/session"
	s, directErr := c.getSession(ctx, creds, http.MethodGet, directURL)
	if directErr == nil {
		normalizeSession(s, creds.Endpoint)
		return s, nil
	}
	if directErr == ErrAuth {
		return nil, directErr
	}
	log.Debug().Err(directErr).Str("url", directURL).Msg("Direct session fetch failed, trying discovery")

	discoveryURL := strings.TrimRight(creds.Endpoint, "/") + "/.well-known/jmap"
	sessionURL, err := c.discoverSessionURL(ctx, creds, discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("%w: direct fetch: %v, discovery: %v", ErrNoSession, directErr, err)
	}

	s, err = c.getSession(ctx, creds, http.MethodPost, sessionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	normalizeSession(s, creds.Endpoint)
	return s, nil
}

// discoverSessionURL reads the well-known document and returns the session
// URL it points at. A redirect target also counts as discovery.
func (c *Client) discoverSessionURL(ctx context.Context, creds Credentials, discoveryURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sessionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	var doc struct {
		SessionURL string `json:"sessionUrl"`
		APIURL     string `json:"apiUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decoding discovery document: %w", err)
	}
	if doc.SessionURL != "" {
		return doc.SessionURL, nil
	}
	// Some servers serve the session object itself at the well-known path;
	// fall back to re-requesting the final URL of this response.
	if final := resp.Request.URL.String(); final != discoveryURL {
		return final, nil
	}
	return "", fmt.Errorf("discovery document carries no session URL")
}

func (c *Client) getSession(ctx context.Context, creds Credentials, method, url string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, sessionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if s.APIURL == "" {
		return nil, fmt.Errorf("session carries no apiUrl")
	}
	return &s, nil
}

// normalizeSession rewrites session URLs whose host is a loopback or empty
// placeholder back to the configured endpoint's host. Servers behind proxies
// routinely return their internal address here.
func normalizeSession(s *Session, endpoint string) {
	configured, err := url.Parse(endpoint)
	if err != nil || configured.Host == "" {
		return
	}
	s.APIURL = normalizeURL(s.APIURL, configured)
	s.DownloadURL = normalizeURL(s.DownloadURL, configured)
	s.UploadURL = normalizeURL(s.UploadURL, configured)
}

func normalizeURL(raw string, configured *url.URL) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if !isPlaceholderHost(u.Hostname()) {
		return raw
	}
	u.Scheme = configured.Scheme
	u.Host = configured.Host
	return u.String()
}

func isPlaceholderHost(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}
