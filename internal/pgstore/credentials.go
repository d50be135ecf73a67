package pgstore

import (
	"database/sql"
	"fmt"
	"time"
)

// Credential is an API key record. The full key is only ever returned once,
// at mint time; everything stored here is the prefix plus a bcrypt hash.
type Credential struct {
	ID         string
	UserID     string
	KeyPrefix  string
	KeyHash    string
	Name       string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// CreateCredential inserts a freshly minted credential.
func (s *Store) CreateCredential(id, userID, prefix, hash, name string, expiresAt *time.Time) error {
	_, err := s.Exec(
		`INSERT INTO credentials (id, user_id, key_prefix, key_hash, name, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), $6)`,
		id, userID, prefix, hash, name, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

// GetCredentialByPrefix returns all non-revoked, non-expired candidates
// sharing the prefix. AuthGate hash-checks each candidate against the
// presented key (invariant: prefix collisions are resolved by full compare).
func (s *Store) GetCredentialByPrefix(prefix string) ([]Credential, error) {
	rows, err := s.Query(
		`SELECT id, user_id, key_prefix, key_hash, name, created_at, expires_at, revoked_at, last_used_at
		 FROM credentials
		 WHERE key_prefix = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("get credential by prefix: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.UserID, &c.KeyPrefix, &c.KeyHash, &c.Name, &c.CreatedAt, &c.ExpiresAt, &c.RevokedAt, &c.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TouchCredentialLastUsed records a successful verification.
func (s *Store) TouchCredentialLastUsed(id string) error {
	_, err := s.Exec(`UPDATE credentials SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch credential last used: %w", err)
	}
	return nil
}

// ListCredentials returns every credential owned by userID, newest first.
func (s *Store) ListCredentials(userID string) ([]Credential, error) {
	rows, err := s.Query(
		`SELECT id, user_id, key_prefix, key_hash, name, created_at, expires_at, revoked_at, last_used_at
		 FROM credentials WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.UserID, &c.KeyPrefix, &c.KeyHash, &c.Name, &c.CreatedAt, &c.ExpiresAt, &c.RevokedAt, &c.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RevokeCredential marks a credential revoked if owned by userID.
func (s *Store) RevokeCredential(id, userID string) error {
	res, err := s.Exec(
		`UPDATE credentials SET revoked_at = NOW() WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke credential rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetCredential loads a single credential by id.
func (s *Store) GetCredential(id string) (*Credential, error) {
	var c Credential
	err := s.QueryRow(
		`SELECT id, user_id, key_prefix, key_hash, name, created_at, expires_at, revoked_at, last_used_at
		 FROM credentials WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.KeyPrefix, &c.KeyHash, &c.Name, &c.CreatedAt, &c.ExpiresAt, &c.RevokedAt, &c.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}
