package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jordanhubbard/lore/pkg/models"
)

// Key management failure modes the handlers translate to HTTP statuses.
var (
	ErrOrgExists   = errors.New("org already exists")
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyRevoked  = errors.New("api key already revoked")
	ErrLastRootKey = errors.New("cannot revoke the last root key")
)

// CreateOrgWithRootKey creates the org and its first root key in one
// transaction. Single-tenant deployments get exactly one org: the call
// fails with ErrOrgExists once any org is present.
func (d *Database) CreateOrgWithRootKey(ctx context.Context, org *models.Org, key *models.APIKey) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin org init: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM orgs LIMIT 1`).Scan(&existing)
	if err == nil {
		return ErrOrgExists
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check for existing org: %w", err)
	}

	if _, err := tx.ExecContext(ctx, rebind(
		`INSERT INTO orgs (id, name, created_at) VALUES (?, ?, ?)`),
		org.ID, org.Name, org.CreatedAt); err != nil {
		return fmt.Errorf("failed to create org: %w", err)
	}

	if _, err := tx.ExecContext(ctx, rebind(`
		INSERT INTO api_keys (id, org_id, name, key_hash, key_prefix, is_root, created_at)
		VALUES (?, ?, ?, ?, ?, TRUE, ?)`),
		key.ID, org.ID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt); err != nil {
		return fmt.Errorf("failed to create root key: %w", err)
	}

	return tx.Commit()
}

// InsertAPIKey stores a new key.
func (d *Database) InsertAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := d.db.ExecContext(ctx, rebind(`
		INSERT INTO api_keys (id, org_id, name, key_hash, key_prefix, project, is_root, role, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		key.ID, key.OrgID, key.Name, key.KeyHash, key.KeyPrefix,
		nullIfEmpty(key.Project), key.IsRoot, nullIfEmpty(key.Role),
		nullIfEmpty(key.UserID), key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

const keyCols = `id, org_id, name, key_hash, key_prefix, project, is_root,
	role, user_id, created_at, last_used_at, revoked_at`

// GetAPIKeyByHash looks up a key by the SHA-256 hash of its secret.
// Returns nil when unknown.
func (d *Database) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	row := d.db.QueryRowContext(ctx, rebind(
		`SELECT `+keyCols+` FROM api_keys WHERE key_hash = ?`), keyHash)
	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return key, err
}

// ListAPIKeys returns the org's keys oldest first. Hashes stay internal;
// handlers expose only the display prefix.
func (d *Database) ListAPIKeys(ctx context.Context, orgID string) ([]*models.APIKey, error) {
	rows, err := d.db.QueryContext(ctx, rebind(
		`SELECT `+keyCols+` FROM api_keys WHERE org_id = ? ORDER BY created_at, id`), orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// RevokeAPIKey sets revoked_at on the key and returns its hash so callers
// can invalidate the auth cache. Refuses to revoke the org's last active
// root key.
func (d *Database) RevokeAPIKey(ctx context.Context, orgID, keyID string) (keyHash string, err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin revoke: %w", err)
	}
	defer tx.Rollback()

	var isRoot bool
	var revokedAt sql.NullTime
	err = tx.QueryRowContext(ctx, rebind(`
		SELECT is_root, key_hash, revoked_at FROM api_keys
		WHERE id = ? AND org_id = ? FOR UPDATE`),
		keyID, orgID).Scan(&isRoot, &keyHash, &revokedAt)
	if err == sql.ErrNoRows {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load key: %w", err)
	}
	if revokedAt.Valid {
		return "", ErrKeyRevoked
	}

	if isRoot {
		var activeRoots int
		err = tx.QueryRowContext(ctx, rebind(`
			SELECT COUNT(*) FROM api_keys
			WHERE org_id = ? AND is_root = TRUE AND revoked_at IS NULL`),
			orgID).Scan(&activeRoots)
		if err != nil {
			return "", fmt.Errorf("failed to count root keys: %w", err)
		}
		if activeRoots <= 1 {
			return "", ErrLastRootKey
		}
	}

	if _, err := tx.ExecContext(ctx, rebind(
		`UPDATE api_keys SET revoked_at = ? WHERE id = ?`),
		time.Now().UTC(), keyID); err != nil {
		return "", fmt.Errorf("failed to revoke key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return keyHash, nil
}

// TouchAPIKeyLastUsed records key activity. Best effort; callers debounce.
func (d *Database) TouchAPIKeyLastUsed(ctx context.Context, keyID string) error {
	_, err := d.db.ExecContext(ctx, rebind(
		`UPDATE api_keys SET last_used_at = now() WHERE id = ?`), keyID)
	return err
}

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var (
		k                     models.APIKey
		project, role, userID sql.NullString
		lastUsed, revoked     sql.NullTime
	)
	err := row.Scan(&k.ID, &k.OrgID, &k.Name, &k.KeyHash, &k.KeyPrefix,
		&project, &k.IsRoot, &role, &userID, &k.CreatedAt, &lastUsed, &revoked)
	if err != nil {
		return nil, err
	}
	k.Project = project.String
	k.Role = role.String
	k.UserID = userID.String
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	if revoked.Valid {
		t := revoked.Time
		k.RevokedAt = &t
	}
	return &k, nil
}
