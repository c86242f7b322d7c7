package crm

import (
	"context"
	"strings"
)

// User operations back the auth endpoints.

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1,$2)`,
		strings.ToLower(strings.TrimSpace(email)), hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email=$1`,
		strings.ToLower(strings.TrimSpace(email))).Scan(&id, &hash)
	return
}
