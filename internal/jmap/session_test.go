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

func testCreds(endpoint string) Credentials {
	return Credentials{Endpoint: endpoint, Username: "user@example.com", Password: "secret"}
}

func sessionDoc(base string) map[string]interface{} {
	return map[string]interface{}{
		"apiUrl":      base + "/api",
		"uploadUrl":   base + "/upload/{accountId}",
		"downloadUrl": base + "/download/{accountId}/{blobId}/{name}?type={type}",
		"accounts": map[string]interface{}{
			"acc1": map[string]interface{}{"name": "user@example.com", "isPersonal": true},
		},
		"primaryAccounts": map[string]string{
			CapMail:  "acc1",
			CapSieve: "acc1",
		},
		"capabilities": map[string]interface{}{
			CapCore:  map[string]interface{}{},
			CapMail:  map[string]interface{}{},
			CapSieve: map[string]interface{}{},
		},
		"state": "s1",
	}
}

func TestSessionDirectFetch(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jmap/session", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "user@example.com", user)
		assert.Equal(t, "secret", pass)
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(sessionDoc(srvURL(r)))
	}))
	defer srv.Close()

	client := NewClient(NewSessionCache(time.Minute))
	creds := testCreds(srv.URL)

	s, err := client.Session(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/api", s.APIURL)
	assert.True(t, s.HasCapability(CapSieve))
	assert.Equal(t, "acc1", s.PrimaryAccount(CapMail))

	// Second call is served from the cache
	_, err = client.Session(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

// srvURL rebuilds the test server base URL from the incoming request
func srvURL(r *http.Request) string {
	return "http://" + r.Host
}

func TestSessionDiscoveryFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jmap/session":
			http.NotFound(w, r)
		case "/.well-known/jmap":
			json.NewEncoder(w).Encode(map[string]string{"sessionUrl": srvURL(r) + "/session-here"})
		case "/session-here":
			require.Equal(t, http.MethodPost, r.Method)
			json.NewEncoder(w).Encode(sessionDoc(srvURL(r)))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewClient(NewSessionCache(time.Minute))
	s, err := client.Session(context.Background(), testCreds(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/api", s.APIURL)
}

func TestSessionAuthFailureIsTerminal(t *testing.T) {
	var wellKnownHit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/jmap" {
			wellKnownHit = true
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(NewSessionCache(time.Minute))
	_, err := client.Session(context.Background(), testCreds(srv.URL))
	assert.ErrorIs(t, err, ErrAuth)
	// Bad credentials are not something discovery can fix
	assert.False(t, wellKnownHit)
}

func TestSessionDiscoveryExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(NewSessionCache(time.Minute))
	_, err := client.Session(context.Background(), testCreds(srv.URL))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionNormalizesPlaceholderHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := sessionDoc(srvURL(r))
		doc["apiUrl"] = "http://localhost:8080/api"
		doc["uploadUrl"] = "http://127.0.0.1/upload/{accountId}"
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	client := NewClient(NewSessionCache(time.Minute))
	s, err := client.Session(context.Background(), testCreds(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/api", s.APIURL)
	assert.Equal(t, srv.URL+"/upload/{accountId}", s.UploadURL)
	assert.Contains(t, s.DownloadURL, srv.URL)
}

func TestSessionCacheExpiry(t *testing.T) {
	cache := NewSessionCache(time.Minute)
	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }

	cache.Put("fp", &Session{APIURL: "http://example.com/api"})

	s, ok := cache.Get("fp")
	require.True(t, ok)
	assert.Equal(t, "http://example.com/api", s.APIURL)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get("fp")
	assert.False(t, ok)
}

func TestSessionCacheInvalidate(t *testing.T) {
	cache := NewSessionCache(time.Minute)
	cache.Put("fp", &Session{APIURL: "x"})
	cache.Invalidate("fp")
	_, ok := cache.Get("fp")
	assert.False(t, ok)
}

func TestCredentialsFingerprint(t *testing.T) {
	a := Credentials{Endpoint: "https://a", Username: "u", Password: "p"}
	b := Credentials{Endpoint: "https://a", Username: "u", Password: "p"}
	c := Credentials{Endpoint: "https://a", Username: "u", Password: "q"}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}

func TestPrimaryAccountFallback(t *testing.T) {
	s := &Session{
		Accounts: map[string]Account{"only": {Name: "one"}},
	}
	// No primaryAccounts map: the single account wins
	assert.Equal(t, "only", s.PrimaryAccount(CapMail))

	s.Accounts["second"] = Account{Name: "two"}
	assert.Equal(t, "", s.PrimaryAccount(CapMail))
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(&MethodError{Type: "rateLimit"}))
	assert.True(t, IsRateLimited(&MethodError{Type: "serverBusy"}))
	assert.True(t, IsRateLimited(&HTTPError{Status: 429}))
	assert.False(t, IsRateLimited(&MethodError{Type: "invalidArguments"}))
	assert.False(t, IsRateLimited(&HTTPError{Status: 500}))
	assert.False(t, IsRateLimited(assert.AnError))
	assert.False(t, IsRateLimited(nil))
}
