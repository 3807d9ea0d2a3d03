// Package controlapi is the HTTP client of the stage control plane. It lets a
// session client reach token issuance, broadcast lifecycle and the presence
// store of a remote server.
package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response from the control plane.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control api: %d %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// tokenRefreshMargin is how long before expiry a cached credential is
// replaced for presence writes.
const tokenRefreshMargin = 30 * time.Second

// ControlKeyHeader must match the server's operator key header.
const ControlKeyHeader = "X-Stage-Key"

type credKey struct {
	session domain.SessionID
	id      domain.ParticipantID
}

// Client remembers the credentials it obtained so presence writes can be
// authorized for the same participant.
type Client struct {
	base       string
	http       *http.Client
	controlKey string
	now        func() time.Time

	mu    sync.Mutex
	creds map[credKey]domain.Credential
}

var (
	_ core.TokenIssuer        = (*Client)(nil)
	_ core.BroadcastLifecycle = (*Client)(nil)
	_ core.PresenceStore      = (*Client)(nil)
)

// New returns a client for the server at base (http or https url).
func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base:  strings.TrimSuffix(base, "/"),
		http:  hc,
		now:   time.Now,
		creds: make(map[credKey]domain.Credential),
	}
}

// WithControlKey sets the operator key sent on token and broadcast calls.
func (c *Client) WithControlKey(key string) *Client {
	c.controlKey = key
	return c
}

func (c *Client) remember(cred domain.Credential, session domain.SessionID) {
	c.mu.Lock()
	c.creds[credKey{session, cred.Identifier}] = cred
	c.mu.Unlock()
}

// bearer returns a live token for participant, reissuing one that is about
// to expire. It is empty when the client never obtained a credential for it.
func (c *Client) bearer(ctx context.Context, session domain.SessionID, participant domain.ParticipantID) (string, error) {
	c.mu.Lock()
	cred, ok := c.creds[credKey{session, participant}]
	c.mu.Unlock()
	if !ok {
		return "", nil
	}
	if c.now().Add(tokenRefreshMargin).Before(cred.ExpiresAt) {
		return cred.Token, nil
	}
	fresh, err := c.IssueToken(ctx, session, participant, cred.Role)
	if err != nil {
		return "", err
	}
	return fresh.Token, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.controlKey != "" {
		req.Header.Set(ControlKeyHeader, c.controlKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) IssueToken(ctx context.Context, session domain.SessionID, identifier domain.ParticipantID, role domain.Role) (domain.Credential, error) {
	req := struct {
		Session    domain.SessionID     `json:"session"`
		Identifier domain.ParticipantID `json:"identifier"`
		Role       domain.Role          `json:"role"`
	}{session, identifier, role}
	var cred domain.Credential
	if err := c.do(ctx, http.MethodPost, "/api/tokens", "", req, &cred); err != nil {
		return domain.Credential{}, fmt.Errorf("issue token: %w", err)
	}
	c.remember(cred, session)
	return cred, nil
}

func broadcastPath(session domain.SessionID) string {
	return "/api/broadcasts/" + url.PathEscape(string(session))
}

func (c *Client) StartBroadcast(ctx context.Context, session domain.SessionID, host domain.ParticipantID) (core.BroadcastStart, error) {
	req := struct {
		Host domain.ParticipantID `json:"host"`
	}{host}
	var out core.BroadcastStart
	if err := c.do(ctx, http.MethodPost, broadcastPath(session)+"/start", "", req, &out); err != nil {
		return core.BroadcastStart{}, fmt.Errorf("start broadcast: %w", err)
	}
	c.remember(out.Credential, session)
	return out, nil
}

func (c *Client) EndBroadcast(ctx context.Context, session domain.SessionID) error {
	if err := c.do(ctx, http.MethodPost, broadcastPath(session)+"/end", "", nil, nil); err != nil {
		return fmt.Errorf("end broadcast: %w", err)
	}
	return nil
}

func (c *Client) Broadcast(ctx context.Context, session domain.SessionID) (domain.Broadcast, error) {
	var b domain.Broadcast
	if err := c.do(ctx, http.MethodGet, broadcastPath(session), "", nil, &b); err != nil {
		return domain.Broadcast{}, fmt.Errorf("get broadcast: %w", err)
	}
	return b, nil
}

func presencePath(session domain.SessionID) string {
	return "/api/sessions/" + url.PathEscape(string(session)) + "/presence"
}

func (c *Client) Put(ctx context.Context, session domain.SessionID, participant domain.ParticipantID, info domain.PresenceInfo) error {
	token, err := c.bearer(ctx, session, participant)
	if err != nil {
		return fmt.Errorf("put presence: %w", err)
	}
	if err := c.do(ctx, http.MethodPut, presencePath(session)+"/"+participant.String(), token, info, nil); err != nil {
		return fmt.Errorf("put presence: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, session domain.SessionID, participant domain.ParticipantID) error {
	token, err := c.bearer(ctx, session, participant)
	if err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	if err := c.do(ctx, http.MethodDelete, presencePath(session)+"/"+participant.String(), token, nil, nil); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, session domain.SessionID) ([]domain.PresenceRecord, error) {
	var snap core.PresenceSnapshot
	if err := c.do(ctx, http.MethodGet, presencePath(session), "", nil, &snap); err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return snap.Records, nil
}
