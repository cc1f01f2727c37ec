package auth

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	tm := NewTokenManager(testSecret, 30*time.Minute, 7*24*time.Hour)

	access, err := tm.IssueAccessToken(42)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	userID, err := tm.Verify(access, TokenTypeAccess)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if userID != 42 {
		t.Fatalf("expected user 42, got %d", userID)
	}
}

func TestTokenTypeMismatchRejected(t *testing.T) {
	t.Parallel()

	tm := NewTokenManager(testSecret, 30*time.Minute, 7*24*time.Hour)

	refresh, err := tm.IssueRefreshToken(1)
	if err != nil {
		t.Fatalf("IssueRefreshToken failed: %v", err)
	}
	if _, err := tm.Verify(refresh, TokenTypeAccess); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("refresh token must not verify as access: %v", err)
	}
	if _, err := tm.Verify(refresh, TokenTypeRefresh); err != nil {
		t.Fatalf("refresh token must verify as refresh: %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Parallel()

	tm := NewTokenManager(testSecret, -time.Minute, 7*24*time.Hour)
	access, err := tm.IssueAccessToken(1)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	if _, err := tm.Verify(access, TokenTypeAccess); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestTokenFromWrongSecretRejected(t *testing.T) {
	t.Parallel()

	tm := NewTokenManager(testSecret, 30*time.Minute, time.Hour)
	other := NewTokenManager("another-secret-another-secret-xx", 30*time.Minute, time.Hour)

	token, err := other.IssueAccessToken(1)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	if _, err := tm.Verify(token, TokenTypeAccess); err == nil {
		t.Fatal("token signed with a different secret must be rejected")
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	t.Parallel()

	tm := NewTokenManager(testSecret, 30*time.Minute, time.Hour)
	if _, err := tm.Verify("not.a.jwt", TokenTypeAccess); err == nil {
		t.Fatal("malformed token must be rejected")
	}
}
