package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/domain"
)

func fixedIssuer(now time.Time) *Issuer {
	i := NewIssuer("secret", time.Minute)
	i.now = func() time.Time { return now }
	return i
}

func TestIssuer_IssueAndVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	i := fixedIssuer(now)

	cred, err := i.Issue("lesson-1", 7, domain.RolePresenter)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !cred.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Errorf("expires = %s", cred.ExpiresAt)
	}

	c, err := i.Verify(cred.Token, "lesson-1", 7)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.Role != domain.RolePresenter {
		t.Errorf("role = %s", c.Role)
	}
}

func TestIssuer_FreshTokenPerIdentifier(t *testing.T) {
	i := NewIssuer("secret", time.Minute)
	a, _ := i.Issue("s", 7, domain.RolePresenter)
	b, _ := i.Issue("s", domain.ScreenID(7), domain.RolePresenter)

	if _, err := i.Verify(a.Token, "s", domain.ScreenID(7)); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("camera token accepted for screen identifier: %v", err)
	}
	if _, err := i.Verify(b.Token, "s", domain.ScreenID(7)); err != nil {
		t.Fatalf("screen token: %v", err)
	}
}

func TestIssuer_Rejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	i := fixedIssuer(now)
	cred, _ := i.Issue("s", 1, domain.RoleViewer)

	if _, err := NewIssuer("other", time.Minute).Verify(cred.Token, "s", 1); !errors.Is(err, ErrBadSignature) {
		t.Errorf("foreign secret: %v", err)
	}
	if _, err := i.Verify("garbage", "s", 1); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("garbage: %v", err)
	}
	if _, err := i.Verify(cred.Token, "other", 1); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("other session: %v", err)
	}

	i.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := i.Verify(cred.Token, "s", 1); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired: %v", err)
	}
}

func TestIssuer_InvalidInput(t *testing.T) {
	i := NewIssuer("secret", 0)
	if _, err := i.Issue("s", 1, "host"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("bad role: %v", err)
	}
	if _, err := i.Issue("", 1, domain.RoleViewer); err == nil {
		t.Error("empty session accepted")
	}
}
