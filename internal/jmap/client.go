package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Client talks to a JMAP server. It is safe for concurrent use; the only
// mutable state it touches is the session cache handed to the constructor.
type Client struct {
	http    *http.Client
	cache   *SessionCache
	limiter *rate.Limiter
}

// NewClient creates a client sharing the given session cache. The limiter
// paces outgoing API calls so bursts of rule actions do not hammer the
// endpoint.
func NewClient(cache *SessionCache) *Client {
	return &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// SetHTTPClient swaps the transport, mainly for tests
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// Call sends a batched envelope of invocations and returns the matched
// responses in invocation order. Each response is validated by re-matching
// the expected method name for its call tag; an error-typed payload turns
// into a *MethodError for the caller.
func (c *Client) Call(ctx context.Context, creds Credentials, using []string, invocations []Invocation) ([]Response, error) {
	if len(invocations) == 0 {
		return nil, nil
	}
	session, err := c.Session(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	envelope := struct {
		Using       []string     `json:"using"`
		MethodCalls []Invocation `json:"methodCalls"`
	}{Using: using, MethodCalls: invocations}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, session.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.cache.Invalidate(creds.Fingerprint())
		return nil, ErrAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}

	var decoded struct {
		MethodResponses []Response `json:"methodResponses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return c.matchResponses(creds, invocations, decoded.MethodResponses)
}

// matchResponses pairs each invocation with its response by call tag and
// rejects error-typed or mismatched payloads.
func (c *Client) matchResponses(creds Credentials, invocations []Invocation, responses []Response) ([]Response, error) {
	byID := make(map[string]Response, len(responses))
	for _, r := range responses {
		byID[r.CallID] = r
	}

	matched := make([]Response, 0, len(invocations))
	for _, inv := range invocations {
		r, ok := byID[inv.CallID]
		if !ok {
			return nil, fmt.Errorf("no response for call %q (%s)", inv.CallID, inv.Method)
		}
		if r.Method == "error" {
			var me MethodError
			if err := json.Unmarshal(r.Args, &me); err != nil {
				me = MethodError{Type: "unknown"}
			}
			c.maybeInvalidate(creds, &me)
			return nil, fmt.Errorf("call %s: %w", inv.Method, &me)
		}
		if r.Method != inv.Method {
			return nil, fmt.Errorf("response method %q does not match call %q", r.Method, inv.Method)
		}
		matched = append(matched, r)
	}
	return matched, nil
}

// maybeInvalidate drops the cached session when the server reports that an
// account or capability it once advertised is gone.
func (c *Client) maybeInvalidate(creds Credentials, me *MethodError) {
	switch me.Type {
	case "accountNotFound", "accountNotSupportedByMethod", "unknownCapability":
		log.Debug().Str("type", me.Type).Msg("Invalidating cached session")
		c.cache.Invalidate(creds.Fingerprint())
	}
}

// CallOne is a convenience wrapper for a single-invocation envelope. The
// result args are unmarshalled into out when out is non-nil.
func (c *Client) CallOne(ctx context.Context, creds Credentials, using []string, inv Invocation, out interface{}) error {
	responses, err := c.Call(ctx, creds, using, []Invocation{inv})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(responses[0].Args, out)
}
