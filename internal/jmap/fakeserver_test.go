package jmap

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeJMAP is an in-memory server covering the slices of the protocol the
// client exercises: session, blob transfer, Mailbox/get, and the SieveScript
// methods with real activation-exclusivity semantics.
type fakeJMAP struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	blobs      map[string][]byte
	scripts    map[string]*RemoteScript
	bodies     map[string]string // script id -> content
	mailboxes  []Mailbox
	nextBlob   int
	nextScript int
}

func newFakeJMAP(t *testing.T) *fakeJMAP {
	f := &fakeJMAP{
		t:       t,
		blobs:   make(map[string][]byte),
		scripts: make(map[string]*RemoteScript),
		bodies:  make(map[string]string),
		mailboxes: []Mailbox{
			{ID: "mb-inbox", Name: "Inbox", Role: "inbox"},
			{ID: "mb-news", Name: "Newsletters"},
			{ID: "mb-trash", Name: "Trash", Role: "trash"},
		},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeJMAP) creds() Credentials {
	return Credentials{Endpoint: f.srv.URL, Username: "user@example.com", Password: "secret"}
}

func (f *fakeJMAP) client() *Client {
	return NewClient(NewSessionCache(0))
}

// activeScripts counts scripts flagged active; the invariant is at most one
func (f *fakeJMAP) activeScripts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.scripts {
		if s.IsActive {
			n++
		}
	}
	return n
}

func (f *fakeJMAP) scriptByName(name string) *RemoteScript {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.scripts {
		if s.Name == name {
			copied := *s
			return &copied
		}
	}
	return nil
}

func (f *fakeJMAP) scriptContent(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[id]
}

func (f *fakeJMAP) handle(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/jmap/session":
		f.writeSession(w, r)
	case strings.HasPrefix(r.URL.Path, "/upload/"):
		f.handleUpload(w, r)
	case strings.HasPrefix(r.URL.Path, "/download/"):
		f.handleDownload(w, r)
	case r.URL.Path == "/api":
		f.handleAPI(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeJMAP) writeSession(w http.ResponseWriter, r *http.Request) {
	base := "http://" + r.Host
	json.NewEncoder(w).Encode(map[string]interface{}{
		"apiUrl":      base + "/api",
		"uploadUrl":   base + "/upload/{accountId}",
		"downloadUrl": base + "/download/{accountId}/{blobId}/{name}",
		"accounts": map[string]interface{}{
			"acc1": map[string]interface{}{"name": "user@example.com", "isPersonal": true},
		},
		"primaryAccounts": map[string]string{CapMail: "acc1", CapSieve: "acc1"},
		"capabilities": map[string]interface{}{
			CapCore: map[string]interface{}{}, CapMail: map[string]interface{}{}, CapSieve: map[string]interface{}{},
		},
		"state": "s1",
	})
}

func (f *fakeJMAP) handleUpload(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.nextBlob++
	blobID := fmt.Sprintf("blob-%d", f.nextBlob)
	f.blobs[blobID] = content
	f.mu.Unlock()

	json.NewEncoder(w).Encode(BlobInfo{
		AccountID: "acc1",
		BlobID:    blobID,
		Type:      r.Header.Get("Content-Type"),
		Size:      int64(len(content)),
	})
}

func (f *fakeJMAP) handleDownload(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/download/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	content, ok := f.blobs[parts[1]]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(content)
}

func (f *fakeJMAP) handleAPI(w http.ResponseWriter, r *http.Request) {
	var envelope struct {
		MethodCalls []json.RawMessage `json:"methodCalls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var responses [][3]interface{}
	for _, raw := range envelope.MethodCalls {
		var triple []json.RawMessage
		if err := json.Unmarshal(raw, &triple); err != nil || len(triple) != 3 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var method, callID string
		json.Unmarshal(triple[0], &method)
		json.Unmarshal(triple[2], &callID)

		respMethod, result := f.dispatch(method, triple[1])
		responses = append(responses, [3]interface{}{respMethod, result, callID})
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"methodResponses": responses})
}

func (f *fakeJMAP) dispatch(method string, args json.RawMessage) (string, interface{}) {
	switch method {
	case "Mailbox/get":
		return method, map[string]interface{}{"list": f.mailboxes}
	case "SieveScript/get":
		f.mu.Lock()
		list := make([]RemoteScript, 0, len(f.scripts))
		for _, s := range f.scripts {
			list = append(list, *s)
		}
		f.mu.Unlock()
		return method, map[string]interface{}{"list": list}
	case "SieveScript/set":
		return f.scriptSet(args)
	case "SieveScript/validate":
		return f.scriptValidate(args)
	}
	return "error", map[string]string{"type": "unknownMethod", "description": method}
}

func (f *fakeJMAP) scriptSet(raw json.RawMessage) (string, interface{}) {
	var args struct {
		Create              map[string]map[string]string `json:"create"`
		Update              map[string]map[string]string `json:"update"`
		Destroy             []string                     `json:"destroy"`
		OnSuccessActivate   *string                      `json:"onSuccessActivateScript"`
		OnSuccessDeactivate bool                         `json:"onSuccessDeactivateScript"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "error", map[string]string{"type": "invalidArguments"}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	created := make(map[string]RemoteScript)
	notDestroyed := make(map[string]map[string]string)
	createdIDs := make(map[string]string) // creation tag -> id

	for tag, props := range args.Create {
		f.nextScript++
		id := fmt.Sprintf("script-%d", f.nextScript)
		f.scripts[id] = &RemoteScript{ID: id, Name: props["name"], BlobID: props["blobId"]}
		f.bodies[id] = string(f.blobs[props["blobId"]])
		created[tag] = RemoteScript{ID: id, BlobID: props["blobId"]}
		createdIDs[tag] = id
	}
	for id, props := range args.Update {
		s, ok := f.scripts[id]
		if !ok {
			return "SieveScript/set", map[string]interface{}{
				"notUpdated": map[string]map[string]string{id: {"type": "notFound"}},
			}
		}
		if blobID, ok := props["blobId"]; ok {
			s.BlobID = blobID
			f.bodies[id] = string(f.blobs[blobID])
		}
	}
	for _, id := range args.Destroy {
		s, ok := f.scripts[id]
		switch {
		case !ok:
			notDestroyed[id] = map[string]string{"type": "notFound"}
		case s.IsActive:
			notDestroyed[id] = map[string]string{"type": "scriptIsActive"}
		default:
			delete(f.scripts, id)
			delete(f.bodies, id)
		}
	}

	if args.OnSuccessActivate != nil {
		target := *args.OnSuccessActivate
		if strings.HasPrefix(target, "#") {
			target = createdIDs[strings.TrimPrefix(target, "#")]
		}
		for id, s := range f.scripts {
			s.IsActive = id == target
		}
	}
	if args.OnSuccessDeactivate {
		for _, s := range f.scripts {
			s.IsActive = false
		}
	}

	resp := map[string]interface{}{}
	if len(created) > 0 {
		resp["created"] = created
	}
	if len(notDestroyed) > 0 {
		resp["notDestroyed"] = notDestroyed
	}
	return "SieveScript/set", resp
}

func (f *fakeJMAP) scriptValidate(raw json.RawMessage) (string, interface{}) {
	var args struct {
		BlobID string `json:"blobId"`
	}
	json.Unmarshal(raw, &args)

	f.mu.Lock()
	content := string(f.blobs[args.BlobID])
	f.mu.Unlock()

	// The fake's idea of validity: any "bogus" token fails
	if strings.Contains(content, "bogus") {
		return "error", map[string]string{"type": "invalidScript", "description": "unknown command bogus"}
	}
	return "SieveScript/validate", map[string]interface{}{"error": nil}
}
