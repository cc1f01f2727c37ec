package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nimbuschat/nimbus/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	messageMu sync.Mutex // serializes sequence assignment within CreateMessage
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := store.seedRoles(); err != nil {
		return nil, fmt.Errorf("seed roles: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL DEFAULT 0,
		permissions TEXT NOT NULL DEFAULT '[]',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		is_verified INTEGER NOT NULL DEFAULT 0,
		is_superuser INTEGER NOT NULL DEFAULT 0,
		role_id INTEGER NOT NULL REFERENCES roles(id),
		last_login_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

	CREATE TABLE IF NOT EXISTS user_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		token_hash TEXT NOT NULL UNIQUE,
		device_info TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL,
		revoked_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(user_id);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		ai_model TEXT NOT NULL DEFAULT '',
		temperature REAL NOT NULL DEFAULT 0.7,
		max_tokens INTEGER NOT NULL DEFAULT 1500,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_archived INTEGER NOT NULL DEFAULT 0,
		is_pinned INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		token_usage INTEGER NOT NULL DEFAULT 0,
		last_message_at INTEGER,
		deleted_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES chat_sessions(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		finish_reason TEXT NOT NULL DEFAULT '',
		tool_calls TEXT,
		tool_results TEXT,
		is_edited INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(session_id, sequence_number)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence_number);

	CREATE TABLE IF NOT EXISTS thinking_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		agent_name TEXT NOT NULL,
		user_message TEXT NOT NULL,
		final_response TEXT NOT NULL DEFAULT '',
		total_steps INTEGER NOT NULL DEFAULT 0,
		tool_calls_count INTEGER NOT NULL DEFAULT 0,
		total_thinking_time REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS thinking_steps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES thinking_sessions(id),
		step_number INTEGER NOT NULL,
		phase TEXT NOT NULL,
		step_type TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		tool_input TEXT NOT NULL DEFAULT '',
		tool_output TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		importance REAL NOT NULL DEFAULT 0.5,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, step_number)
	);
	CREATE INDEX IF NOT EXISTS idx_thinking_steps_session ON thinking_steps(session_id, step_number);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// seedRoles inserts the built-in roles if they are missing.
func (s *SQLiteStore) seedRoles() error {
	seeds := []struct {
		name        string
		description string
		level       int
		permissions []string
	}{
		{"guest", "Unauthenticated or trial access", 0, []string{"chat:read"}},
		{"user", "Standard registered user", 1, []string{
			"user:read", "user:update",
			"chat:read", "chat:create", "chat:update", "chat:delete",
			"agent:use",
		}},
		{"premium", "Paid tier with agent configuration", 2, []string{
			"user:read", "user:update",
			"chat:read", "chat:create", "chat:update", "chat:delete",
			"agent:use", "agent:config",
		}},
		{"admin", "Full administrative access", 3, []string{
			"user:read", "user:create", "user:update", "user:delete", "user:admin",
			"chat:read", "chat:create", "chat:update", "chat:delete", "chat:admin",
			"agent:use", "agent:config", "agent:admin",
			"system:config", "system:logs", "system:admin",
			"role:read", "role:create", "role:update", "role:delete",
		}},
	}

	now := time.Now().Unix()
	for _, seed := range seeds {
		perms, err := json.Marshal(seed.permissions)
		if err != nil {
			return fmt.Errorf("marshal permissions for %s: %w", seed.name, err)
		}
		_, err = s.db.Exec(`
			INSERT INTO roles (name, description, level, permissions, is_active, created_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(name) DO NOTHING`,
			seed.name, seed.description, seed.level, string(perms), now,
		)
		if err != nil {
			return fmt.Errorf("insert role %s: %w", seed.name, err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const userColumns = `
	u.id, u.username, u.email, u.password_hash, u.full_name, u.avatar_url, u.bio,
	u.is_active, u.is_verified, u.is_superuser, u.role_id, r.name,
	u.last_login_at, u.created_at, u.updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var user domain.User
	var lastLogin sql.NullInt64
	var roleName sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.FullName, &user.AvatarURL, &user.Bio,
		&user.IsActive, &user.IsVerified, &user.IsSuperuser,
		&user.RoleID, &roleName,
		&lastLogin, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.RoleName = roleName.String
	if lastLogin.Valid {
		ts := time.Unix(lastLogin.Int64, 0)
		user.LastLoginAt = &ts
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// CreateUser inserts a new user and returns it with its assigned ID.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) (*domain.User, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, password_hash, full_name, avatar_url, bio,
			is_active, is_verified, is_superuser, role_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Username, user.Email, user.PasswordHash, user.FullName, user.AvatarURL, user.Bio,
		user.IsActive, user.IsVerified, user.IsSuperuser, user.RoleID,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user insert id: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID, including the role name.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users u LEFT JOIN roles r ON r.id = u.role_id
		WHERE u.id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users u LEFT JOIN roles r ON r.id = u.role_id
		WHERE u.username = ?`, username)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users u LEFT JOIN roles r ON r.id = u.role_id
		WHERE u.email = ?`, email)
	return scanUser(row)
}

// UpdateLastLogin sets the user's last_login_at timestamp.
func (s *SQLiteStore) UpdateLastLogin(ctx context.Context, userID int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?`,
		at.Unix(), time.Now().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("update last_login: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastLogin affected 0 rows", "user_id", userID)
	}
	return nil
}

// UpdateUserPassword replaces the user's password hash.
func (s *SQLiteStore) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, time.Now().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}

// UpdateUserProfile replaces the user's editable profile fields.
func (s *SQLiteStore) UpdateUserProfile(ctx context.Context, userID int64, fullName, avatarURL, bio string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET full_name = ?, avatar_url = ?, bio = ?, updated_at = ? WHERE id = ?`,
		fullName, avatarURL, bio, time.Now().Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}

// GetRoleByName retrieves a role by its unique name.
func (s *SQLiteStore) GetRoleByName(ctx context.Context, name string) (*domain.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, level, permissions, is_active, created_at
		FROM roles WHERE name = ?`, name)

	var role domain.Role
	var permsJSON string
	var createdAt int64

	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.Level,
		&permsJSON, &role.IsActive, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan role row: %w", err)
	}

	if err := json.Unmarshal([]byte(permsJSON), &role.Permissions); err != nil {
		return nil, fmt.Errorf("decode role permissions: %w", err)
	}
	role.CreatedAt = time.Unix(createdAt, 0)
	return &role, nil
}

// CreateUserSession records an issued refresh-token session.
func (s *SQLiteStore) CreateUserSession(ctx context.Context, session *domain.UserSession) (*domain.UserSession, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_sessions (user_id, token_hash, device_info, ip_address, user_agent, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.UserID, session.TokenHash, session.DeviceInfo,
		session.IPAddress, session.UserAgent, session.ExpiresAt.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user session insert id: %w", err)
	}
	session.ID = id
	session.CreatedAt = now
	return session, nil
}

func scanUserSession(row interface{ Scan(...any) error }) (*domain.UserSession, error) {
	var sess domain.UserSession
	var revokedAt sql.NullInt64
	var expiresAt, createdAt int64

	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.DeviceInfo,
		&sess.IPAddress, &sess.UserAgent, &expiresAt, &revokedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user session row: %w", err)
	}

	sess.ExpiresAt = time.Unix(expiresAt, 0)
	sess.CreatedAt = time.Unix(createdAt, 0)
	if revokedAt.Valid {
		ts := time.Unix(revokedAt.Int64, 0)
		sess.RevokedAt = &ts
	}
	return &sess, nil
}

// GetUserSessionByTokenHash retrieves a session by its token digest.
func (s *SQLiteStore) GetUserSessionByTokenHash(ctx context.Context, tokenHash string) (*domain.UserSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, device_info, ip_address, user_agent, expires_at, revoked_at, created_at
		FROM user_sessions WHERE token_hash = ?`, tokenHash)
	return scanUserSession(row)
}

// ListUserSessions returns non-revoked, unexpired sessions for a user.
func (s *SQLiteStore) ListUserSessions(ctx context.Context, userID int64) ([]*domain.UserSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, token_hash, device_info, ip_address, user_agent, expires_at, revoked_at, created_at
		FROM user_sessions
		WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?
		ORDER BY created_at DESC`, userID, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("query user sessions: %w", err)
	}
	defer closeRows(rows, "user sessions")

	var sessions []*domain.UserSession
	for rows.Next() {
		sess, err := scanUserSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user sessions: %w", err)
	}
	return sessions, nil
}

// RevokeUserSession revokes one session owned by the user.
func (s *SQLiteStore) RevokeUserSession(ctx context.Context, userID, sessionID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions SET revoked_at = ?
		WHERE id = ? AND user_id = ? AND revoked_at IS NULL`,
		time.Now().Unix(), sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("revoke user session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %d not found for user %d", sessionID, userID)
	}
	return nil
}

// RevokeUserSessionByTokenHash revokes the session matching the token digest.
func (s *SQLiteStore) RevokeUserSessionByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions SET revoked_at = ?
		WHERE token_hash = ? AND revoked_at IS NULL`,
		time.Now().Unix(), tokenHash,
	)
	if err != nil {
		return fmt.Errorf("revoke user session by token: %w", err)
	}
	return nil
}

// RevokeAllUserSessions revokes every session for a user except keepSessionID.
func (s *SQLiteStore) RevokeAllUserSessions(ctx context.Context, userID, keepSessionID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions SET revoked_at = ?
		WHERE user_id = ? AND id != ? AND revoked_at IS NULL`,
		time.Now().Unix(), userID, keepSessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke all user sessions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpiredUserSessions removes sessions expired or revoked before the cutoff.
func (s *SQLiteStore) DeleteExpiredUserSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM user_sessions
		WHERE expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)`,
		cutoff.Unix(), cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired user sessions: %w", err)
	}
	return result.RowsAffected()
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}
