package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbuschat/nimbus/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	tokens := NewTokenManager(testSecret, 30*time.Minute, 7*24*time.Hour)
	return NewService(repo, tokens)
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "alice", "alice@example.com", "s3cret-pass", "Alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.ID == 0 {
		t.Fatal("expected assigned user ID")
	}
	if user.RoleName != "user" {
		t.Fatalf("expected default role user, got %q", user.RoleName)
	}

	loggedIn, pair, err := svc.Login(ctx, "alice", "s3cret-pass", LoginMeta{IPAddress: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if loggedIn.ID != user.ID {
		t.Fatalf("login returned wrong user: %d", loggedIn.ID)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens issued")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Register(ctx, "bob", "bob@example.com", "password-1", ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, "bob", "other@example.com", "password-1", ""); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := svc.Register(ctx, "bob2", "bob@example.com", "password-1", ""); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestUpdateProfileAppliesPartialChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "dora", "dora@example.com", "s3cret-pass", "Dora")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	bio := "天气爱好者"
	avatar := "https://example.com/dora.png"
	updated, err := svc.UpdateProfile(ctx, user.ID, ProfileUpdate{Bio: &bio, AvatarURL: &avatar})
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if updated.Bio != bio || updated.AvatarURL != avatar {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.FullName != "Dora" {
		t.Fatalf("omitted field must be untouched, got %q", updated.FullName)
	}

	stored, err := svc.Me(ctx, user.ID)
	if err != nil || stored == nil {
		t.Fatalf("Me failed: %v", err)
	}
	if stored.Bio != bio || stored.AvatarURL != avatar || stored.FullName != "Dora" {
		t.Fatalf("profile not persisted: %+v", stored)
	}

	if _, err := svc.UpdateProfile(ctx, user.ID+100, ProfileUpdate{Bio: &bio}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Register(ctx, "carol", "carol@example.com", "right-password", ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, _, err := svc.Login(ctx, "carol", "wrong-password", LoginMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "whatever-pass", LoginMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user must yield ErrInvalidCredentials, got %v", err)
	}
}

func TestRefreshRotatesSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Register(ctx, "dave", "dave@example.com", "password-1", ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, pair, err := svc.Login(ctx, "dave", "password-1", LoginMeta{})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	rotated, err := svc.Refresh(ctx, pair.RefreshToken, LoginMeta{})
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh must issue a new refresh token")
	}

	// The consumed refresh token is revoked and unusable.
	if _, err := svc.Refresh(ctx, pair.RefreshToken, LoginMeta{}); err == nil {
		t.Fatal("reused refresh token must be rejected")
	}

	// The rotated token still works.
	if _, err := svc.Refresh(ctx, rotated.RefreshToken, LoginMeta{}); err != nil {
		t.Fatalf("rotated token must be valid: %v", err)
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Register(ctx, "erin", "erin@example.com", "password-1", ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, pair, err := svc.Login(ctx, "erin", "password-1", LoginMeta{})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken, LoginMeta{}); err == nil {
		t.Fatal("refresh after logout must fail")
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "frank", "frank@example.com", "old-password", "")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, pair, err := svc.Login(ctx, "frank", "old-password", LoginMeta{})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := svc.ChangePassword(ctx, user.ID, "old-password", "new-password"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "old-password", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("stale old password must be rejected, got %v", err)
	}

	if _, err := svc.Refresh(ctx, pair.RefreshToken, LoginMeta{}); err == nil {
		t.Fatal("sessions issued before a password change must be revoked")
	}
	if _, _, err := svc.Login(ctx, "frank", "new-password", LoginMeta{}); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
}
