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

	"github.com/mate-community/mate-auth/pkg/emailverify"
)

// EmailCodeStore implements emailverify.Store on PostgreSQL.
type EmailCodeStore struct {
	db *sql.DB
}

// Put replaces any existing code for the email.
func (s *EmailCodeStore) Put(ctx context.Context, code *emailverify.Code) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_verifications (email, code, expires_at, consumed)
		VALUES ($1, $2, $3, false)
		ON CONFLICT (email) DO UPDATE
		SET code = EXCLUDED.code, expires_at = EXCLUDED.expires_at, consumed = false`,
		code.Email, code.Value, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert verification code: %w", err)
	}
	return nil
}

// Get returns the pending code for the email.
func (s *EmailCodeStore) Get(ctx context.Context, email string) (*emailverify.Code, error) {
	code := &emailverify.Code{}
	err := s.db.QueryRowContext(ctx, `
		SELECT email, code, expires_at, consumed
		FROM email_verifications WHERE email = $1`, email).
		Scan(&code.Email, &code.Value, &code.ExpiresAt, &code.Consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, emailverify.ErrCodeMissing
		}
		return nil, fmt.Errorf("query verification code: %w", err)
	}
	return code, nil
}

// MarkConsumed flags the code as used.
func (s *EmailCodeStore) MarkConsumed(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_verifications SET consumed = true WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("consume verification code: %w", err)
	}
	return requireRow(res, emailverify.ErrCodeMissing)
}
