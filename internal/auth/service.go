package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nimbuschat/nimbus/internal/domain"
	"github.com/nimbuschat/nimbus/internal/store"
)

// Service errors returned to handlers for HTTP status mapping.
var (
	ErrUsernameTaken      = errors.New("username already taken")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrSessionNotFound    = errors.New("session not found")
	ErrUserNotFound       = errors.New("user not found")
)

// TokenPair is an issued access/refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginMeta carries request metadata recorded on the session row.
type LoginMeta struct {
	DeviceInfo string
	IPAddress  string
	UserAgent  string
}

// Service implements registration, login, and session management.
type Service struct {
	repo   store.Repository
	tokens *TokenManager
}

// NewService creates the auth service.
func NewService(repo store.Repository, tokens *TokenManager) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// hashToken produces the SHA-256 hex digest stored for refresh tokens.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Register creates a new user with the default "user" role.
func (s *Service) Register(ctx context.Context, username, email, password, fullName string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))

	if existing, err := s.repo.GetUserByUsername(ctx, username); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	} else if existing != nil {
		return nil, ErrUsernameTaken
	}
	if existing, err := s.repo.GetUserByEmail(ctx, email); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	} else if existing != nil {
		return nil, ErrEmailTaken
	}

	role, err := s.repo.GetRoleByName(ctx, RoleUser)
	if err != nil {
		return nil, fmt.Errorf("load default role: %w", err)
	}
	if role == nil {
		return nil, fmt.Errorf("default role %q is not seeded", RoleUser)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.CreateUser(ctx, &domain.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FullName:     fullName,
		IsActive:     true,
		RoleID:       role.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	slog.Info("User registered", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// Login verifies credentials and issues a token pair, recording a
// refresh-token session for later revocation.
func (s *Service) Login(ctx context.Context, username, password string, meta LoginMeta) (*domain.User, *TokenPair, error) {
	user, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil || !user.IsActive || !VerifyPassword(password, user.PasswordHash) {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issuePair(ctx, user.ID, meta)
	if err != nil {
		return nil, nil, err
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID, time.Now()); err != nil {
		slog.Warn("Failed to record last login", "error", err, "user_id", user.ID)
	}

	slog.Info("User logged in", "user_id", user.ID, "ip", meta.IPAddress)
	return user, pair, nil
}

func (s *Service) issuePair(ctx context.Context, userID int64, meta LoginMeta) (*TokenPair, error) {
	access, err := s.tokens.IssueAccessToken(userID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefreshToken(userID)
	if err != nil {
		return nil, err
	}

	_, err = s.repo.CreateUserSession(ctx, &domain.UserSession{
		UserID:     userID,
		TokenHash:  hashToken(refresh),
		DeviceInfo: meta.DeviceInfo,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		ExpiresAt:  time.Now().Add(s.tokens.RefreshTTL()),
	})
	if err != nil {
		return nil, fmt.Errorf("record session: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// Refresh validates a refresh token against its recorded session and
// rotates the pair: the old session is revoked and a new one recorded.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta LoginMeta) (*TokenPair, error) {
	userID, err := s.tokens.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	sess, err := s.repo.GetUserSessionByTokenHash(ctx, hashToken(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || sess.IsRevoked() || sess.IsExpired() || sess.UserID != userID {
		return nil, ErrInvalidCredentials
	}

	if err := s.repo.RevokeUserSessionByTokenHash(ctx, hashToken(refreshToken)); err != nil {
		return nil, fmt.Errorf("revoke rotated session: %w", err)
	}

	return s.issuePair(ctx, userID, meta)
}

// Logout revokes the session backing the given refresh token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if _, err := s.tokens.Verify(refreshToken, TokenTypeRefresh); err != nil {
		return ErrInvalidCredentials
	}
	return s.repo.RevokeUserSessionByTokenHash(ctx, hashToken(refreshToken))
}

// LogoutAll revokes every session for the user. Returns the count.
func (s *Service) LogoutAll(ctx context.Context, userID int64) (int64, error) {
	return s.repo.RevokeAllUserSessions(ctx, userID, 0)
}

// Me returns the user's profile.
func (s *Service) Me(ctx context.Context, userID int64) (*domain.User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

// ProfileUpdate carries optional profile changes; nil fields are left
// unchanged.
type ProfileUpdate struct {
	FullName  *string `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
	Bio       *string `json:"bio"`
}

// UpdateProfile applies partial profile updates and returns the
// updated user.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, update ProfileUpdate) (*domain.User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if update.FullName != nil {
		user.FullName = *update.FullName
	}
	if update.AvatarURL != nil {
		user.AvatarURL = *update.AvatarURL
	}
	if update.Bio != nil {
		user.Bio = *update.Bio
	}
	if err := s.repo.UpdateUserProfile(ctx, userID, user.FullName, user.AvatarURL, user.Bio); err != nil {
		return nil, err
	}
	return user, nil
}

// ChangePassword verifies the old password, stores a new hash, and
// revokes all other sessions.
func (s *Service) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil || !VerifyPassword(oldPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateUserPassword(ctx, userID, hash); err != nil {
		return err
	}

	revoked, err := s.repo.RevokeAllUserSessions(ctx, userID, 0)
	if err != nil {
		slog.Warn("Failed to revoke sessions after password change", "error", err, "user_id", userID)
		return nil
	}
	slog.Info("Password changed", "user_id", userID, "sessions_revoked", revoked)
	return nil
}

// ListSessions returns the user's active refresh-token sessions.
func (s *Service) ListSessions(ctx context.Context, userID int64) ([]*domain.UserSession, error) {
	return s.repo.ListUserSessions(ctx, userID)
}

// RevokeSession revokes one session owned by the user.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID int64) error {
	if err := s.repo.RevokeUserSession(ctx, userID, sessionID); err != nil {
		return ErrSessionNotFound
	}
	return nil
}

// StartSessionCleanup runs a background goroutine that periodically
// deletes expired and revoked session rows.
func (s *Service) StartSessionCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deleted, err := s.repo.DeleteExpiredUserSessions(ctx, time.Now())
				if err != nil {
					slog.Error("Session cleanup failed", "error", err)
				} else if deleted > 0 {
					slog.Info("Session cleanup removed expired sessions", "count", deleted)
				}
			case <-ctx.Done():
				slog.Info("Session cleanup shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
