package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner("test-secret")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func TestIssueAndVerify(t *testing.T) {
	signer := newTestSigner(t)
	tokens, err := signer.Issue(7, "dev")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := signer.VerifyAccess(tokens.Access)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if claims.UserID != 7 || claims.Subject != "dev" {
		t.Fatalf("claims = %+v", claims)
	}
	if _, err := signer.VerifyRefresh(tokens.Refresh); err != nil {
		t.Fatalf("verify refresh: %v", err)
	}
}

func TestTokenKindsAreNotInterchangeable(t *testing.T) {
	signer := newTestSigner(t)
	tokens, err := signer.Issue(7, "dev")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := signer.VerifyAccess(tokens.Refresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access: %v", err)
	}
	if _, err := signer.VerifyRefresh(tokens.Access); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token accepted as refresh: %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	signer := newTestSigner(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return base }
	tokens, err := signer.Issue(7, "dev")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	signer.now = func() time.Time { return base.Add(AccessTTL + time.Minute) }
	if _, err := signer.VerifyAccess(tokens.Access); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	signer := newTestSigner(t)
	tokens, err := signer.Issue(7, "dev")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other, err := NewSigner("other-secret")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if _, err := other.VerifyAccess(tokens.Access); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("cross-secret token accepted: %v", err)
	}
}
