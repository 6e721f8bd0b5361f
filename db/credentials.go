package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/kitemail/kite/consts"
)

// Credential is an API key attached to an account. A nil RevokedAt means
// the credential is active; revoked credentials never authenticate.
type Credential struct {
	ID         string
	AccountID  int64
	Name       string
	SecretHash string
	Scopes     []string
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// HasScope reports whether the credential carries the named scope.
func (c *Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HashSecret produces a bcrypt hash for storing a new credential secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret compares a stored bcrypt hash against a supplied secret.
// bcrypt is deliberately slow and salted.
func VerifySecret(secretHash, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret))
}

// GetAccountIDByUsername resolves a username (case-insensitive) to its
// account id. Returns consts.ErrUserNotFound when no account matches.
func (db *Database) GetAccountIDByUsername(ctx context.Context, username string) (int64, error) {
	normalized := strings.ToLower(strings.TrimSpace(username))
	if normalized == "" {
		return 0, errors.New("username cannot be empty")
	}

	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var accountID int64
	err := db.Pool.QueryRow(ctx,
		"SELECT id FROM accounts WHERE LOWER(username) = $1", normalized).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrUserNotFound
		}
		return 0, fmt.Errorf("database error fetching account: %w", err)
	}
	return accountID, nil
}

// GetActiveCredentials loads the non-revoked credentials of the account
// owning username. Returns consts.ErrUserNotFound when the account does
// not exist; an existing account with zero active credentials returns an
// empty slice.
func (db *Database) GetActiveCredentials(ctx context.Context, username string) (int64, []Credential, error) {
	accountID, err := db.GetAccountIDByUsername(ctx, username)
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT id, account_id, name, secret_hash, scopes, created_at, revoked_at, last_used_at
		FROM api_credentials
		WHERE account_id = $1 AND revoked_at IS NULL
		ORDER BY created_at`, accountID)
	if err != nil {
		return 0, nil, fmt.Errorf("database error fetching credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Name, &c.SecretHash, &c.Scopes,
			&c.CreatedAt, &c.RevokedAt, &c.LastUsedAt); err != nil {
			return 0, nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		creds = append(creds, c)
	}
	return accountID, creds, rows.Err()
}

// CreateCredential stores a new API key and returns its id.
func (db *Database) CreateCredential(ctx context.Context, accountID int64, name, secret string, scopes []string) (string, error) {
	hash, err := HashSecret(secret)
	if err != nil {
		return "", err
	}

	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	id := uuid.New().String()
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO api_credentials (id, account_id, name, secret_hash, scopes)
		VALUES ($1, $2, $3, $4, $5)`, id, accountID, name, hash, scopes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", consts.ErrDBUniqueViolation
		}
		return "", fmt.Errorf("failed to create credential: %w", err)
	}
	return id, nil
}

// RevokeCredential marks a credential as revoked. Revocation propagates
// to authentication within the result cache TTL.
func (db *Database) RevokeCredential(ctx context.Context, credentialID string) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx,
		"UPDATE api_credentials SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL",
		credentialID)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrDBNotFound
	}
	return nil
}

// TouchCredentialLastUsed refreshes the last-used timestamp. Called from
// the background task queue; losing an update is acceptable.
func (db *Database) TouchCredentialLastUsed(ctx context.Context, credentialID string) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx,
		"UPDATE api_credentials SET last_used_at = now() WHERE id = $1", credentialID)
	if err != nil {
		return fmt.Errorf("failed to update credential last used: %w", err)
	}
	return nil
}

// RecordAuthAttempt appends one row to the authentication audit trail.
func (db *Database) RecordAuthAttempt(ctx context.Context, ipAddress, username, protocol string, success bool) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	var usernameParam any
	if username != "" {
		usernameParam = username
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO auth_attempts (ip_address, username, protocol, success)
		VALUES ($1, $2, $3, $4)`, ipAddress, usernameParam, protocol, success)
	if err != nil {
		return fmt.Errorf("failed to record auth attempt: %w", err)
	}
	return nil
}

// CleanupOldAuthAttempts removes audit rows older than maxAge.
func (db *Database) CleanupOldAuthAttempts(ctx context.Context, maxAge time.Duration) (int64, error) {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx,
		"DELETE FROM auth_attempts WHERE attempted_at < $1", time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up auth attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}
