// Package auth issues and verifies short-lived transport credentials.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/google/uuid"
)

const DefaultTTL = 10 * time.Minute

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("bad token signature")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMismatch  = errors.New("token issued for another session or identifier")
	ErrInvalidRole    = errors.New("invalid role")
)

// Claims is the signed payload of a token.
type Claims struct {
	Session    domain.SessionID     `json:"s"`
	Identifier domain.ParticipantID `json:"i"`
	Role       domain.Role          `json:"r"`
	ExpiresAt  int64                `json:"e"`
	Nonce      string               `json:"n"`
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a credential for one identifier in one session.
func (i *Issuer) Issue(session domain.SessionID, identifier domain.ParticipantID, role domain.Role) (domain.Credential, error) {
	if !role.Valid() {
		return domain.Credential{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if session == "" || identifier <= 0 {
		return domain.Credential{}, domain.ErrInvalidParticipant
	}
	if role == domain.RolePresenter && !domain.ValidBaseID(domain.BaseID(identifier)) {
		return domain.Credential{}, domain.ErrInvalidParticipant
	}
	exp := i.now().Add(i.ttl)
	payload, err := json.Marshal(Claims{
		Session:    session,
		Identifier: identifier,
		Role:       role,
		ExpiresAt:  exp.Unix(),
		Nonce:      uuid.NewString(),
	})
	if err != nil {
		return domain.Credential{}, err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	token := body + "." + base64.RawURLEncoding.EncodeToString(i.sign(body))
	return domain.Credential{Token: token, Identifier: identifier, Role: role, ExpiresAt: exp}, nil
}

// IssueToken adapts Issue to core.TokenIssuer for in-process callers.
func (i *Issuer) IssueToken(_ context.Context, session domain.SessionID, identifier domain.ParticipantID, role domain.Role) (domain.Credential, error) {
	return i.Issue(session, identifier, role)
}

// Verify checks signature and expiry, and that the token was issued for
// session and identifier.
func (i *Issuer) Verify(token string, session domain.SessionID, identifier domain.ParticipantID) (Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, ErrMalformedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return Claims{}, ErrMalformedToken
	}
	if !hmac.Equal(raw, i.sign(body)) {
		return Claims{}, ErrBadSignature
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Claims{}, ErrMalformedToken
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, ErrMalformedToken
	}
	if i.now().Unix() >= c.ExpiresAt {
		return Claims{}, ErrTokenExpired
	}
	if c.Session != session || c.Identifier != identifier {
		return Claims{}, ErrTokenMismatch
	}
	return c, nil
}

func (i *Issuer) sign(body string) []byte {
	m := hmac.New(sha256.New, i.secret)
	m.Write([]byte(body))
	return m.Sum(nil)
}
