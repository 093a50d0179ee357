package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	gosieve "github.com/foxcpp/go-sieve"
	"github.com/rs/zerolog/log"

	"github.com/mailfold/mailfold/internal/filter"
	"github.com/mailfold/mailfold/internal/jmap"
	"github.com/mailfold/mailfold/internal/sieve"
)

// DefaultScriptName is the managed script's server-side name. The publisher
// only ever touches this one script and leaves others alone.
const DefaultScriptName = "mailfold"

// RuleSource loads the current rule set at publish time. A coalesced rerun
// calls it again so the extra pass sees whatever changed meanwhile.
type RuleSource func(ctx context.Context) ([]filter.Rule, error)

// Publisher compiles rules to a script and installs it on the server.
// Concurrent publishes for the same account coalesce: while one is in flight,
// later requests just set a pending flag that the in-flight publish consumes
// with one extra pass on completion.
type Publisher struct {
	client     *jmap.Client
	scriptName string

	mu    sync.Mutex
	state map[string]*publishState
}

type publishState struct {
	inFlight bool
	pending  bool
}

// NewPublisher builds a publisher over a protocol client
func NewPublisher(client *jmap.Client) *Publisher {
	return &Publisher{
		client:     client,
		scriptName: DefaultScriptName,
		state:      make(map[string]*publishState),
	}
}

// PublishResult reports what a publish pass produced
type PublishResult struct {
	Script    string              `json:"script"`
	Skipped   []sieve.SkippedRule `json:"skipped,omitempty"`
	Coalesced bool                `json:"coalesced"`
	Active    bool                `json:"active"`
}

// Publish compiles and installs the account's rules. Returns a coalesced
// result immediately when a publish for the same account is already running.
func (p *Publisher) Publish(ctx context.Context, creds jmap.Credentials, load RuleSource) (*PublishResult, error) {
	key := creds.Fingerprint()

	p.mu.Lock()
	st := p.state[key]
	if st == nil {
		st = &publishState{}
		p.state[key] = st
	}
	if st.inFlight {
		st.pending = true
		p.mu.Unlock()
		log.Debug().Msg("Publish already in flight, coalescing")
		return &PublishResult{Coalesced: true}, nil
	}
	st.inFlight = true
	p.mu.Unlock()

	var result *PublishResult
	var err error
	for {
		result, err = p.publishOnce(ctx, creds, load)

		p.mu.Lock()
		if st.pending {
			st.pending = false
			p.mu.Unlock()
			log.Debug().Msg("Running coalesced publish pass")
			continue
		}
		st.inFlight = false
		p.mu.Unlock()
		return result, err
	}
}

func (p *Publisher) publishOnce(ctx context.Context, creds jmap.Credentials, load RuleSource) (*PublishResult, error) {
	session, err := p.client.Session(ctx, creds)
	if err != nil {
		return nil, err
	}
	if !session.HasCapability(jmap.CapSieve) {
		return nil, fmt.Errorf("server does not support script management")
	}
	accountID := session.PrimaryAccount(jmap.CapSieve)
	if accountID == "" {
		accountID = session.PrimaryAccount(jmap.CapMail)
	}
	if accountID == "" {
		return nil, fmt.Errorf("no account for script management")
	}

	rules, err := load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	resolver, err := p.folderResolver(ctx, creds, session)
	if err != nil {
		return nil, err
	}

	compiled := sieve.Compile(rules, resolver)
	result := &PublishResult{Script: compiled.Script, Skipped: compiled.Skipped}

	if strings.TrimSpace(compiled.Script) == "" {
		// Nothing translatable: leave no active managed script behind
		if err := p.retireScript(ctx, creds, accountID); err != nil {
			return nil, err
		}
		log.Info().Msg("No translatable rules, managed script retired")
		return result, nil
	}

	// Syntax-check locally before spending an upload on a broken script
	if _, err := gosieve.Load(strings.NewReader(compiled.Script), gosieve.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("compiled script failed local validation: %w", err)
	}

	if err := p.installScript(ctx, creds, accountID, compiled.Script); err != nil {
		return nil, err
	}
	result.Active = true
	log.Info().Int("rules", len(rules)).Int("skipped", len(compiled.Skipped)).Msg("Rules published")
	return result, nil
}

func (p *Publisher) folderResolver(ctx context.Context, creds jmap.Credentials, session *jmap.Session) (sieve.FolderResolver, error) {
	accountID := session.PrimaryAccount(jmap.CapMail)
	if accountID == "" {
		return func(string) (string, bool) { return "", false }, nil
	}
	mailboxes, err := p.client.GetMailboxes(ctx, creds, accountID)
	if err != nil {
		return nil, fmt.Errorf("loading mailboxes: %w", err)
	}
	names := make(map[string]string, len(mailboxes))
	for _, m := range mailboxes {
		names[m.ID] = m.Name
	}
	return func(folderID string) (string, bool) {
		name, ok := names[folderID]
		return name, ok
	}, nil
}

// installScript updates the managed script in place when it exists, otherwise
// creates it, activating either way.
func (p *Publisher) installScript(ctx context.Context, creds jmap.Credentials, accountID, content string) error {
	existing, err := p.findManaged(ctx, creds, accountID)
	if err != nil {
		return err
	}
	if existing != nil {
		return p.client.UpdateScript(ctx, creds, accountID, existing.ID, content, true)
	}
	_, err = p.client.CreateScript(ctx, creds, accountID, p.scriptName, content, true)
	return err
}

// retireScript deactivates the managed script if it is the active one. The
// script body stays around for inspection; only its activation is withdrawn.
func (p *Publisher) retireScript(ctx context.Context, creds jmap.Credentials, accountID string) error {
	existing, err := p.findManaged(ctx, creds, accountID)
	if err != nil {
		return err
	}
	if existing == nil || !existing.IsActive {
		return nil
	}
	return p.client.DeactivateScript(ctx, creds, accountID)
}

func (p *Publisher) findManaged(ctx context.Context, creds jmap.Credentials, accountID string) (*jmap.RemoteScript, error) {
	scripts, err := p.client.ListScripts(ctx, creds, accountID)
	if err != nil {
		return nil, err
	}
	for i := range scripts {
		if scripts[i].Name == p.scriptName {
			return &scripts[i], nil
		}
	}
	return nil, nil
}
