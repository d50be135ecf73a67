package pgstore

import (
	"database/sql"
	"fmt"
	"time"
)

// Status is the closed set of persistent Sandbox states. Transitions are
// monotonic: active -> (destroyed|expired), never the reverse.
type Status string

const (
	StatusActive    Status = "active"
	StatusDestroyed Status = "destroyed"
	StatusExpired   Status = "expired"
)

// ValidTransition reports whether moving a Sandbox from `from` to `to` is
// permitted by the monotonic status invariant in spec.md §3.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusActive:
		return to == StatusDestroyed || to == StatusExpired
	default:
		return false
	}
}

// Sandbox is the persistent record; once non-active its container may no
// longer exist.
type Sandbox struct {
	ID           string
	UserID       string
	CredentialID string
	Status       Status
	Metadata     string
	CreatedAt    time.Time
	DestroyedAt  *time.Time
}

// InsertSandbox creates the persistent record in status `active`.
func (s *Store) InsertSandbox(id, userID, credentialID, metadata string) error {
	_, err := s.Exec(
		`INSERT INTO sandboxes (id, user_id, credential_id, status, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		id, userID, credentialID, StatusActive, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert sandbox: %w", err)
	}
	return nil
}

// GetSandboxByID loads a Sandbox by id.
func (s *Store) GetSandboxByID(id string) (*Sandbox, error) {
	var sbx Sandbox
	err := s.QueryRow(
		`SELECT id, user_id, credential_id, status, metadata, created_at, destroyed_at
		 FROM sandboxes WHERE id = $1`, id,
	).Scan(&sbx.ID, &sbx.UserID, &sbx.CredentialID, &sbx.Status, &sbx.Metadata, &sbx.CreatedAt, &sbx.DestroyedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	return &sbx, nil
}

// UpdateSandboxStatus moves Sandbox id to status, enforcing monotonicity.
func (s *Store) UpdateSandboxStatus(id string, status Status) error {
	current, err := s.GetSandboxByID(id)
	if err != nil {
		return err
	}
	if current == nil {
		return sql.ErrNoRows
	}
	if !ValidTransition(current.Status, status) {
		return fmt.Errorf("invalid sandbox status transition %s -> %s", current.Status, status)
	}
	var destroyedAt interface{}
	if status == StatusDestroyed || status == StatusExpired {
		destroyedAt = time.Now()
	}
	_, err = s.Exec(
		`UPDATE sandboxes SET status = $2, destroyed_at = COALESCE($3, destroyed_at) WHERE id = $1`,
		id, status, destroyedAt,
	)
	if err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	return nil
}

// CountSandboxesByUser counts active sandboxes owned by userID.
func (s *Store) CountSandboxesByUser(userID string) (int64, error) {
	return s.countActive(`user_id = $1`, userID)
}

// CountSandboxesByCredential counts active sandboxes minted via credentialID.
func (s *Store) CountSandboxesByCredential(credentialID string) (int64, error) {
	return s.countActive(`credential_id = $1`, credentialID)
}

// CountSandboxesGlobal counts every active sandbox system-wide.
func (s *Store) CountSandboxesGlobal() (int64, error) {
	var n int64
	err := s.QueryRow(`SELECT COUNT(*) FROM sandboxes WHERE status = $1`, StatusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sandboxes global: %w", err)
	}
	return n, nil
}

func (s *Store) countActive(where string, arg string) (int64, error) {
	var n int64
	err := s.QueryRow(
		`SELECT COUNT(*) FROM sandboxes WHERE status = $1 AND `+where, StatusActive, arg,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sandboxes: %w", err)
	}
	return n, nil
}

// ListActiveSandboxes returns every persistent row still marked active. The
// Reaper checks each for an ephemeral SandboxLive key, whose TTL is the tier
// lifetime, to decide which have outlived their tier lifetime, since
// tier/lifetime live on the ephemeral SandboxLive projection, not here.
func (s *Store) ListActiveSandboxes() ([]Sandbox, error) {
	rows, err := s.Query(
		`SELECT id, user_id, credential_id, status, metadata, created_at, destroyed_at
		 FROM sandboxes WHERE status = $1`,
		StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("list active sandboxes: %w", err)
	}
	defer rows.Close()

	var out []Sandbox
	for rows.Next() {
		var sbx Sandbox
		if err := rows.Scan(&sbx.ID, &sbx.UserID, &sbx.CredentialID, &sbx.Status, &sbx.Metadata, &sbx.CreatedAt, &sbx.DestroyedAt); err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		out = append(out, sbx)
	}
	return out, rows.Err()
}
