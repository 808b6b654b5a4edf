// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package postgres provides PostgreSQL-backed implementations of the
// passkey, token, and emailverify store interfaces, with schema migrations
// run through goose.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mate-community/mate-auth/internal/storage/postgres/migrations"
)

// Storage aggregates the PostgreSQL-backed stores over one connection pool.
type Storage struct {
	db          *sql.DB
	users       *UserStore
	credentials *CredentialStore
	refresh     *RefreshStore
	emailCodes  *EmailCodeStore
}

// Open connects to PostgreSQL, runs pending migrations, and returns the
// aggregated stores.
func Open(ctx context.Context, dsn string) (*Storage, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Storage{
		db:          db,
		users:       &UserStore{db: db},
		credentials: &CredentialStore{db: db},
		refresh:     &RefreshStore{db: db},
		emailCodes:  &EmailCodeStore{db: db},
	}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Users returns the user store.
func (s *Storage) Users() *UserStore { return s.users }

// Credentials returns the credential store.
func (s *Storage) Credentials() *CredentialStore { return s.credentials }

// RefreshFamilies returns the refresh-token family store.
func (s *Storage) RefreshFamilies() *RefreshStore { return s.refresh }

// EmailCodes returns the email verification code store.
func (s *Storage) EmailCodes() *EmailCodeStore { return s.emailCodes }

// Ping checks database connectivity, for health endpoints.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	return s.db.Close()
}
