package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertGithubUser inserts a user on first login and refreshes profile data
// and the encrypted access token on every subsequent login.
func (s *PostgresStore) UpsertGithubUser(ctx context.Context, user User) (User, error) {
	const query = `
		INSERT INTO users (id, github_id, github_username, display_name, avatar_url, email, access_token_cipher)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (github_id) DO UPDATE SET
			github_username=EXCLUDED.github_username,
			display_name=EXCLUDED.display_name,
			avatar_url=EXCLUDED.avatar_url,
			email=EXCLUDED.email,
			access_token_cipher=EXCLUDED.access_token_cipher
		RETURNING id, github_id, github_username, display_name, avatar_url, email, created_at
	`
	var saved User
	err := s.db.QueryRowContext(ctx, query,
		user.ID, user.GithubID, user.GithubUsername, user.DisplayName,
		user.AvatarURL, user.Email, user.AccessTokenCipher,
	).Scan(&saved.ID, &saved.GithubID, &saved.GithubUsername, &saved.DisplayName,
		&saved.AvatarURL, &saved.Email, &saved.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upsert github user: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, github_id, github_username, display_name, avatar_url, email, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.GithubID, &user.GithubUsername, &user.DisplayName,
		&user.AvatarURL, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUserAccessTokenCipher returns the stored encrypted GitHub token, or
// sql.ErrNoRows when the user has none on file.
func (s *PostgresStore) GetUserAccessTokenCipher(ctx context.Context, userID string) (string, error) {
	var cipher sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT access_token_cipher FROM users WHERE id=$1`, userID).Scan(&cipher)
	if err != nil {
		return "", err
	}
	if !cipher.Valid || cipher.String == "" {
		return "", sql.ErrNoRows
	}
	return cipher.String, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession resolves an unexpired, unrevoked refresh token hash
// to the owning user id.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	const query = `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`
	var userID string
	if err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&userID); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
