// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mate-community/mate-auth/pkg/passkey"
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint hits.
const pgUniqueViolation = "23505"

// UserStore implements passkey.UserStore on PostgreSQL.
type UserStore struct {
	db *sql.DB
}

const userColumns = `id, username, nickname, email, school_email, school_verified, active, created_at`

func scanUser(row *sql.Row) (*passkey.User, error) {
	u := &passkey.User{}
	err := row.Scan(&u.ID, &u.Username, &u.Nickname, &u.Email,
		&u.SchoolEmail, &u.SchoolVerified, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, passkey.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// GetByID retrieves a user by handle.
func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*passkey.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByUsername retrieves a user by login handle, case-insensitively.
func (s *UserStore) GetByUsername(ctx context.Context, username string) (*passkey.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username)
	return scanUser(row)
}

// Create persists a new user.
func (s *UserStore) Create(ctx context.Context, user *passkey.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, nickname, email, school_email, school_verified, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Username, user.Nickname, user.Email,
		user.SchoolEmail, user.SchoolVerified, user.Active, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return passkey.ErrDuplicateUsername
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Update persists changes to an existing user.
func (s *UserStore) Update(ctx context.Context, user *passkey.User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET nickname = $2, email = $3, school_email = $4, school_verified = $5, active = $6
		WHERE id = $1`,
		user.ID, user.Nickname, user.Email, user.SchoolEmail, user.SchoolVerified, user.Active)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return requireRow(res, passkey.ErrUserNotFound)
}

// Delete removes a user.
func (s *UserStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireRow(res, passkey.ErrUserNotFound)
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}
