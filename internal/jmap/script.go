package jmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// The script lifecycle is a three-state machine per script id:
// absent -> inactive -> active, plus destroy. Activation is exclusive across
// all scripts of an account; the client enforces deactivate-then-destroy
// sequencing itself rather than trusting callers to get it right.

const scriptContentType = "application/sieve"

type setError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type scriptSetRequest struct {
	AccountID           string                       `json:"accountId"`
	Create              map[string]map[string]string `json:"create,omitempty"`
	Update              map[string]map[string]string `json:"update,omitempty"`
	Destroy             []string                     `json:"destroy,omitempty"`
	OnSuccessActivate   *string                      `json:"onSuccessActivateScript,omitempty"`
	OnSuccessDeactivate bool                         `json:"onSuccessDeactivateScript,omitempty"`
}

type scriptSetResponse struct {
	Created      map[string]RemoteScript    `json:"created,omitempty"`
	Updated      map[string]json.RawMessage `json:"updated,omitempty"`
	Destroyed    []string                   `json:"destroyed,omitempty"`
	NotCreated   map[string]setError        `json:"notCreated,omitempty"`
	NotUpdated   map[string]setError        `json:"notUpdated,omitempty"`
	NotDestroyed map[string]setError        `json:"notDestroyed,omitempty"`
}

// ListScripts returns all scripts stored for the account
func (c *Client) ListScripts(ctx context.Context, creds Credentials, accountID string) ([]RemoteScript, error) {
	var result struct {
		List []RemoteScript `json:"list"`
	}
	err := c.CallOne(ctx, creds, []string{CapCore, CapSieve}, Invocation{
		Method: "SieveScript/get",
		Args:   map[string]interface{}{"accountId": accountID, "ids": nil},
		CallID: "s0",
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.List, nil
}

// ActiveScript returns the currently active script, or nil when none is
func (c *Client) ActiveScript(ctx context.Context, creds Credentials, accountID string) (*RemoteScript, error) {
	scripts, err := c.ListScripts(ctx, creds, accountID)
	if err != nil {
		return nil, err
	}
	for i := range scripts {
		if scripts[i].IsActive {
			return &scripts[i], nil
		}
	}
	return nil, nil
}

// CreateScript uploads content as a blob and creates a script from it,
// optionally activating it in the same envelope. A freshly created script is
// inactive unless activation was requested.
func (c *Client) CreateScript(ctx context.Context, creds Credentials, accountID, name, content string, activate bool) (*RemoteScript, error) {
	blob, err := c.UploadBlob(ctx, creds, accountID, scriptContentType, []byte(content))
	if err != nil {
		return nil, fmt.Errorf("uploading script blob: %w", err)
	}

	req := scriptSetRequest{
		AccountID: accountID,
		Create: map[string]map[string]string{
			"new": {"name": name, "blobId": blob.BlobID},
		},
	}
	if activate {
		ref := "#new"
		req.OnSuccessActivate = &ref
	}

	var result scriptSetResponse
	if err := c.scriptSet(ctx, creds, req, &result); err != nil {
		return nil, err
	}
	if se, ok := result.NotCreated["new"]; ok {
		return nil, fmt.Errorf("script create rejected: %w", &MethodError{Type: se.Type, Description: se.Description})
	}
	created, ok := result.Created["new"]
	if !ok {
		return nil, fmt.Errorf("script create returned no result")
	}
	created.Name = name
	created.IsActive = activate
	log.Info().Str("scriptId", created.ID).Bool("active", activate).Msg("Sieve script created")
	return &created, nil
}

// UpdateScript re-uploads the content as a brand-new blob (there is no
// partial update on the wire) and points the script at it. The script keeps
// its current active/inactive state unless activation is requested.
func (c *Client) UpdateScript(ctx context.Context, creds Credentials, accountID, id, content string, activate bool) error {
	blob, err := c.UploadBlob(ctx, creds, accountID, scriptContentType, []byte(content))
	if err != nil {
		return fmt.Errorf("uploading script blob: %w", err)
	}

	req := scriptSetRequest{
		AccountID: accountID,
		Update: map[string]map[string]string{
			id: {"blobId": blob.BlobID},
		},
	}
	if activate {
		req.OnSuccessActivate = &id
	}

	var result scriptSetResponse
	if err := c.scriptSet(ctx, creds, req, &result); err != nil {
		return err
	}
	if se, ok := result.NotUpdated[id]; ok {
		if se.Type == "notFound" {
			return ErrScriptNotFound
		}
		return fmt.Errorf("script update rejected: %w", &MethodError{Type: se.Type, Description: se.Description})
	}
	log.Info().Str("scriptId", id).Msg("Sieve script updated")
	return nil
}

// ActivateScript makes id the account's active script. The server deactivates
// whichever script was active before, preserving the at-most-one invariant.
func (c *Client) ActivateScript(ctx context.Context, creds Credentials, accountID, id string) error {
	req := scriptSetRequest{AccountID: accountID, OnSuccessActivate: &id}
	var result scriptSetResponse
	if err := c.scriptSet(ctx, creds, req, &result); err != nil {
		return err
	}
	log.Info().Str("scriptId", id).Msg("Sieve script activated")
	return nil
}

// DeactivateScript leaves the account with no active script
func (c *Client) DeactivateScript(ctx context.Context, creds Credentials, accountID string) error {
	req := scriptSetRequest{AccountID: accountID, OnSuccessDeactivate: true}
	var result scriptSetResponse
	if err := c.scriptSet(ctx, creds, req, &result); err != nil {
		return err
	}
	log.Info().Str("accountId", accountID).Msg("Sieve script deactivated")
	return nil
}

// DestroyScript removes a script. Destroying the active script is illegal on
// the wire, so when the target is active the client first issues a
// best-effort deactivate (its failure is swallowed since the script may
// already be inactive by then) and then destroys.
func (c *Client) DestroyScript(ctx context.Context, creds Credentials, accountID, id string) error {
	active, err := c.ActiveScript(ctx, creds, accountID)
	if err != nil {
		return err
	}
	if active != nil && active.ID == id {
		if err := c.DeactivateScript(ctx, creds, accountID); err != nil {
			log.Warn().Err(err).Str("scriptId", id).Msg("Deactivate before destroy failed, destroying anyway")
		}
	}

	req := scriptSetRequest{AccountID: accountID, Destroy: []string{id}}
	var result scriptSetResponse
	if err := c.scriptSet(ctx, creds, req, &result); err != nil {
		return err
	}
	if se, ok := result.NotDestroyed[id]; ok {
		switch se.Type {
		case "scriptIsActive":
			return ErrScriptActive
		case "notFound":
			return ErrScriptNotFound
		}
		return fmt.Errorf("script destroy rejected: %w", &MethodError{Type: se.Type, Description: se.Description})
	}
	log.Info().Str("scriptId", id).Msg("Sieve script destroyed")
	return nil
}

// ValidateScript uploads content and asks the server to validate it. A
// validation-class rejection comes back as {valid:false, reason}; any other
// failure propagates as a hard error.
func (c *Client) ValidateScript(ctx context.Context, creds Credentials, accountID, content string) (*ValidationResult, error) {
	blob, err := c.UploadBlob(ctx, creds, accountID, scriptContentType, []byte(content))
	if err != nil {
		return nil, fmt.Errorf("uploading script blob: %w", err)
	}

	var result struct {
		Error *setError `json:"error"`
	}
	err = c.CallOne(ctx, creds, []string{CapCore, CapSieve}, Invocation{
		Method: "SieveScript/validate",
		Args:   map[string]interface{}{"accountId": accountID, "blobId": blob.BlobID},
		CallID: "v0",
	}, &result)
	if err != nil {
		var me *MethodError
		if errors.As(err, &me) && me.Type == "invalidScript" {
			return &ValidationResult{Valid: false, Reason: me.Description}, nil
		}
		return nil, err
	}
	if result.Error != nil {
		return &ValidationResult{Valid: false, Reason: result.Error.Description}, nil
	}
	return &ValidationResult{Valid: true}, nil
}

func (c *Client) scriptSet(ctx context.Context, creds Credentials, req scriptSetRequest, out *scriptSetResponse) error {
	return c.CallOne(ctx, creds, []string{CapCore, CapSieve}, Invocation{
		Method: "SieveScript/set",
		Args:   req,
		CallID: "s1",
	}, out)
}
