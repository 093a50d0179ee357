package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/mailfold/mailfold/internal/database"
	"github.com/mailfold/mailfold/internal/engine"
	"github.com/mailfold/mailfold/internal/filter"
	"github.com/mailfold/mailfold/internal/jmap"
	"github.com/mailfold/mailfold/internal/mailstore"
	"github.com/mailfold/mailfold/internal/query"
	"github.com/mailfold/mailfold/internal/sieve"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Error().Err(err).Msg("failed to encode response")
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Accounts

type accountRequest struct {
	Label    string `json:"label"`
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	user := GetUser(r.Context())
	accounts, err := s.db.ListAccounts(user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	if accounts == nil {
		accounts = []database.Account{}
	}
	respondJSON(w, http.StatusOK, accounts)
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	user := GetUser(r.Context())

	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := validateAccountRequest(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	encrypted, err := s.enc.Encrypt(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}

	account := &database.Account{
		UserID:            user.ID,
		Label:             req.Label,
		Kind:              req.Kind,
		Endpoint:          req.Endpoint,
		Username:          req.Username,
		EncryptedPassword: encrypted,
	}
	if err := s.db.CreateAccount(account); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	log.Info().Str("accountId", account.ID).Str("kind", account.Kind).Msg("Account created")
	respondJSON(w, http.StatusCreated, account)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (s *Server) updateAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := validateAccountRequest(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	account.Label = req.Label
	account.Kind = req.Kind
	account.Endpoint = req.Endpoint
	account.Username = req.Username
	if req.Password != "" {
		encrypted, err := s.enc.Encrypt(req.Password)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to store credentials")
			return
		}
		account.EncryptedPassword = encrypted
	}

	if err := s.db.UpdateAccount(account); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update account")
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	user := GetUser(r.Context())
	if err := s.db.DeleteAccount(user.ID, chi.URLParam(r, "accountId")); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) testAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	store, closeStore, err := s.storeForAccount(r.Context(), account)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	defer closeStore()

	if _, err := store.GetFolders(r.Context()); err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// Rules

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	rules, err := s.db.ListRules(account.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	if rules == nil {
		rules = []filter.Rule{}
	}
	respondJSON(w, http.StatusOK, rules)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	var rule filter.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request")
		return
	}
	rule.Name = s.sanitizer.Strip(rule.Name)
	if err := validateRule(&rule); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.db.CreateRule(account.ID, &rule); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	log.Info().Str("ruleId", rule.ID).Str("name", rule.Name).Msg("Rule created")
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	rule, err := s.db.GetRule(account.ID, chi.URLParam(r, "ruleId"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	var rule filter.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request")
		return
	}
	rule.ID = chi.URLParam(r, "ruleId")
	rule.Name = s.sanitizer.Strip(rule.Name)
	if err := validateRule(&rule); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.db.UpdateRule(account.ID, &rule); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	if err := s.db.DeleteRule(account.ID, chi.URLParam(r, "ruleId")); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reorderRules(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := s.db.ReorderRules(account.ID, req.IDs); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runRule applies one rule across recent messages in the account, the manual
// counterpart of the applyToExisting flag.
func (s *Server) runRule(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	rule, err := s.db.GetRule(account.ID, chi.URLParam(r, "ruleId"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	rule.ApplyToExisting = true
	rule.Enabled = true

	store, closeStore, err := s.storeForAccount(r.Context(), account)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer closeStore()

	messages, err := s.recentMessages(r.Context(), store, 200)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	orchestrator := engine.NewOrchestrator(store)
	orchestrator.SetRetrier(s.retrier())
	orchestrator.SetActionDelay(s.actionDelay(), nil)
	if err := orchestrator.RefreshFolders(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	outcomes, err := orchestrator.RunExisting(r.Context(), []filter.Rule{*rule}, messages)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	matched := 0
	for _, o := range outcomes {
		if o.Matched() {
			matched++
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"scanned": len(messages),
		"matched": matched,
	})
}

// Folders, search, message preview

func (s *Server) getFolders(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	store, closeStore, err := s.storeForAccount(r.Context(), account)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer closeStore()

	folders, err := store.GetFolders(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, folders)
}

// searchMessages parses the free-text query and runs it. Remote accounts get
// the flat server-side filter; the recursive tree is then enforced in-process
// over the hits, so OR groups and negations still apply.
func (s *Server) searchMessages(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	q := r.URL.Query().Get("q")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	parsed := query.Parse(q)

	store, closeStore, err := s.storeForAccount(r.Context(), account)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer closeStore()

	var candidates []mailstore.MessageSummary
	if js, isJMAP := store.(*mailstore.JMAPStore); isJMAP {
		flat := jmap.BuildFilter(parsed.QuickFilter, parsed.Group, nil)
		candidates, err = js.Search(r.Context(), flat, limit)
	} else {
		candidates, err = s.recentMessages(r.Context(), store, limit*4)
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	results := make([]mailstore.MessageSummary, 0, limit)
	for i := range candidates {
		if parsed.Group != nil && !filter.Evaluate(parsed.Group, &candidates[i]) {
			continue
		}
		results = append(results, candidates[i])
		if len(results) == limit {
			break
		}
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	store, closeStore, err := s.storeForAccount(r.Context(), account)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer closeStore()

	detail, err := store.GetMessage(r.Context(), chi.URLParam(r, "folder"), chi.URLParam(r, "messageId"))
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	detail.HTML = s.sanitizer.SanitizeHTML(detail.HTML)
	respondJSON(w, http.StatusOK, detail)
}

// Script lifecycle

func (s *Server) previewScript(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	rules, err := s.db.ListRules(account.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	resolve, err := s.folderResolver(r.Context(), account)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	result := sieve.Compile(rules, resolve)
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) publishScript(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	if account.Kind != "jmap" {
		respondError(w, http.StatusBadRequest, "publishing requires a jmap account")
		return
	}

	creds, err := s.credentials(account)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read credentials")
		return
	}

	accountID := account.ID
	result, err := s.publisher.Publish(r.Context(), creds, func(ctx context.Context) ([]filter.Rule, error) {
		return s.db.ListRules(accountID)
	})
	if err != nil {
		_ = s.db.RecordPublish(account.ID, "", 0, false, err.Error())
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !result.Coalesced {
		_ = s.db.RecordPublish(account.ID, result.Script, len(result.Skipped), true, "")
	}
	respondJSON(w, http.StatusOK, result)
}

// importScript reads the account's active server-side script and interprets
// it. Scripts outside the supported subset are rejected whole.
func (s *Server) importScript(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	if account.Kind != "jmap" {
		respondError(w, http.StatusBadRequest, "import requires a jmap account")
		return
	}

	creds, err := s.credentials(account)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read credentials")
		return
	}

	session, err := s.jmap.Session(r.Context(), creds)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	remoteAccount := session.PrimaryAccount(jmap.CapSieve)
	if remoteAccount == "" {
		remoteAccount = session.PrimaryAccount(jmap.CapMail)
	}

	active, err := s.jmap.ActiveScript(r.Context(), creds, remoteAccount)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if active == nil {
		respondError(w, http.StatusNotFound, "no active script on the server")
		return
	}

	content, err := s.jmap.DownloadBlob(r.Context(), creds, remoteAccount, active.BlobID, active.Name)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	parsed, err := sieve.ParseScript(string(content))
	if err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "script is outside the supported subset",
			"detail": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, parsed)
}

func (s *Server) validateScript(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	if account.Kind != "jmap" {
		respondError(w, http.StatusBadRequest, "validation requires a jmap account")
		return
	}

	var req struct {
		Script string `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request")
		return
	}

	creds, err := s.credentials(account)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read credentials")
		return
	}
	session, err := s.jmap.Session(r.Context(), creds)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	remoteAccount := session.PrimaryAccount(jmap.CapSieve)

	result, err := s.jmap.ValidateScript(r.Context(), creds, remoteAccount, req.Script)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Helpers

func (s *Server) requireAccount(w http.ResponseWriter, r *http.Request) (*database.Account, bool) {
	user := GetUser(r.Context())
	account, err := s.db.GetAccount(user.ID, chi.URLParam(r, "accountId"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, "failed to load account")
		return nil, false
	}
	return account, true
}

func (s *Server) credentials(account *database.Account) (jmap.Credentials, error) {
	password, err := s.enc.Decrypt(account.EncryptedPassword)
	if err != nil {
		return jmap.Credentials{}, err
	}
	return jmap.Credentials{
		Endpoint: account.Endpoint,
		Username: account.Username,
		Password: password,
	}, nil
}

// storeForAccount opens the right kind of store for an account. The returned
// close func is a no-op for protocol-backed stores.
func (s *Server) storeForAccount(ctx context.Context, account *database.Account) (mailstore.Store, func(), error) {
	password, err := s.enc.Decrypt(account.EncryptedPassword)
	if err != nil {
		return nil, nil, err
	}

	if account.Kind == "jmap" {
		creds := jmap.Credentials{Endpoint: account.Endpoint, Username: account.Username, Password: password}
		session, err := s.jmap.Session(ctx, creds)
		if err != nil {
			return nil, nil, err
		}
		remoteAccount := session.PrimaryAccount(jmap.CapMail)
		return mailstore.NewJMAPStore(s.jmap, creds, remoteAccount), func() {}, nil
	}

	host, port := imapAddr(account.Endpoint, s.cfg.IMAPHost, s.cfg.IMAPPort)
	store, err := mailstore.DialIMAP(host, port, account.Username, password)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// imapAddr resolves the dial target for an IMAP account. The endpoint may
// carry its own port; a blank endpoint falls back to the configured default
// host.
func imapAddr(endpoint, defaultHost, defaultPort string) (string, string) {
	if endpoint == "" {
		return defaultHost, defaultPort
	}
	if h, p, found := splitHostPort(endpoint); found {
		return h, p
	}
	return endpoint, defaultPort
}

func splitHostPort(endpoint string) (string, string, bool) {
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' {
			return endpoint[:i], endpoint[i+1:], true
		}
	}
	return endpoint, "", false
}

func (s *Server) recentMessages(ctx context.Context, store mailstore.Store, limit int) ([]mailstore.MessageSummary, error) {
	if js, isJMAP := store.(*mailstore.JMAPStore); isJMAP {
		return js.Search(ctx, nil, limit)
	}
	if is, isIMAP := store.(*mailstore.IMAPStore); isIMAP {
		return is.ListMessages(ctx, "INBOX", 0, limit)
	}
	return nil, errors.New("store does not support listing")
}

func (s *Server) folderResolver(ctx context.Context, account *database.Account) (sieve.FolderResolver, error) {
	store, closeStore, err := s.storeForAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	folders, err := store.GetFolders(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(folders))
	for _, f := range folders {
		names[f.ID] = f.Name
	}
	return func(folderID string) (string, bool) {
		name, found := names[folderID]
		return name, found
	}, nil
}

func (s *Server) retrier() engine.Retrier {
	return engine.Retrier{
		Attempts:       s.cfg.RetryAttempts,
		BaseDelay:      time.Duration(s.cfg.RetryBaseMs) * time.Millisecond,
		RateLimitDelay: time.Duration(s.cfg.RateLimitPause) * time.Second,
	}
}

func (s *Server) actionDelay() time.Duration {
	return time.Duration(s.cfg.ActionDelayMs) * time.Millisecond
}
