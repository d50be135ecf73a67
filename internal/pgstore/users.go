package pgstore

import (
	"database/sql"
	"fmt"
	"time"
)

// User is the identity record; id is immutable once created.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	CreatedAt    time.Time
}

// CreateUser inserts a new User row.
func (s *Store) CreateUser(id, email, passwordHash, displayName string) error {
	_, err := s.Exec(
		`INSERT INTO users (id, email, password_hash, display_name, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		id, email, passwordHash, displayName,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser loads a User by id.
func (s *Store) GetUser(id string) (*User, error) {
	var u User
	err := s.QueryRow(
		`SELECT id, email, password_hash, display_name, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUserByEmail loads a User by email, used during login.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	var u User
	err := s.QueryRow(
		`SELECT id, email, password_hash, display_name, created_at FROM users WHERE email = $1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}
