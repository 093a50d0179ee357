package jmap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvocationMarshal(t *testing.T) {
	inv := Invocation{
		Method: "Mailbox/get",
		Args:   map[string]interface{}{"accountId": "acc1"},
		CallID: "c0",
	}
	data, err := json.Marshal(inv)
	require.NoError(t, err)
	assert.JSONEq(t, `["Mailbox/get", {"accountId": "acc1"}, "c0"]`, string(data))
}

func TestResponseUnmarshal(t *testing.T) {
	var r Response
	require.NoError(t, json.Unmarshal([]byte(`["Mailbox/get", {"list": []}, "c0"]`), &r))
	assert.Equal(t, "Mailbox/get", r.Method)
	assert.Equal(t, "c0", r.CallID)
	assert.JSONEq(t, `{"list": []}`, string(r.Args))

	err := json.Unmarshal([]byte(`["Mailbox/get", {}]`), &r)
	assert.Error(t, err)
}

// envelopeServer serves a session plus a fixed /api responder
func envelopeServer(t *testing.T, sessionHits *int32, api http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jmap/session":
			if sessionHits != nil {
				atomic.AddInt32(sessionHits, 1)
			}
			json.NewEncoder(w).Encode(sessionDoc(srvURL(r)))
		case "/api":
			api(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCallReturnsMethodError(t *testing.T) {
	srv := envelopeServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"methodResponses": [][3]interface{}{
				{"error", map[string]string{"type": "invalidArguments", "description": "bad filter"}, "c0"},
			},
		})
	})

	client := NewClient(NewSessionCache(time.Minute))
	_, err := client.Call(context.Background(), testCreds(srv.URL), []string{CapCore}, []Invocation{
		{Method: "Email/query", Args: map[string]string{}, CallID: "c0"},
	})
	require.Error(t, err)
	var me *MethodError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "invalidArguments", me.Type)
	assert.Contains(t, me.Error(), "bad filter")
}

func TestCallAccountGoneInvalidatesSession(t *testing.T) {
	var sessionHits int32
	srv := envelopeServer(t, &sessionHits, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"methodResponses": [][3]interface{}{
				{"error", map[string]string{"type": "accountNotFound"}, "c0"},
			},
		})
	})

	client := NewClient(NewSessionCache(time.Minute))
	creds := testCreds(srv.URL)
	call := func() error {
		_, err := client.Call(context.Background(), creds, []string{CapCore}, []Invocation{
			{Method: "Email/query", Args: map[string]string{}, CallID: "c0"},
		})
		return err
	}

	require.Error(t, call())
	require.Error(t, call())
	// accountNotFound drops the cached session, so each call re-fetches it
	assert.Equal(t, int32(2), atomic.LoadInt32(&sessionHits))
}

func TestCallMissingResponse(t *testing.T) {
	srv := envelopeServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"methodResponses": [][3]interface{}{}})
	})

	client := NewClient(NewSessionCache(time.Minute))
	_, err := client.Call(context.Background(), testCreds(srv.URL), []string{CapCore}, []Invocation{
		{Method: "Email/query", Args: map[string]string{}, CallID: "c0"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response for call")
}

func TestCallMismatchedMethod(t *testing.T) {
	srv := envelopeServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"methodResponses": [][3]interface{}{
				{"Mailbox/get", map[string]interface{}{"list": []string{}}, "c0"},
			},
		})
	})

	client := NewClient(NewSessionCache(time.Minute))
	_, err := client.Call(context.Background(), testCreds(srv.URL), []string{CapCore}, []Invocation{
		{Method: "Email/query", Args: map[string]string{}, CallID: "c0"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestCallAuthFailureInvalidatesSession(t *testing.T) {
	var sessionHits int32
	srv := envelopeServer(t, &sessionHits, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := NewClient(NewSessionCache(time.Minute))
	creds := testCreds(srv.URL)

	_, err := client.Call(context.Background(), creds, []string{CapCore}, []Invocation{
		{Method: "Email/query", Args: map[string]string{}, CallID: "c0"},
	})
	assert.ErrorIs(t, err, ErrAuth)

	_, err = client.Call(context.Background(), creds, []string{CapCore}, []Invocation{
		{Method: "Email/query", Args: map[string]string{}, CallID: "c0"},
	})
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(2), atomic.LoadInt32(&sessionHits))
}

func TestCallEmptyBatch(t *testing.T) {
	client := NewClient(NewSessionCache(time.Minute))
	responses, err := client.Call(context.Background(), Credentials{}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, responses)
}
