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
	"time"

	"github.com/mate-community/mate-auth/pkg/token"
)

// RefreshStore implements token.RefreshStore on PostgreSQL.
type RefreshStore struct {
	db *sql.DB
}

// Create stores a new token family.
func (s *RefreshStore) Create(ctx context.Context, fam *token.Family) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_families (id, user_id, current_jti, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		fam.ID, fam.UserID, fam.CurrentJTI, fam.ExpiresAt, fam.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert token family: %w", err)
	}
	return nil
}

// Get retrieves a family by ID.
func (s *RefreshStore) Get(ctx context.Context, familyID string) (*token.Family, error) {
	fam := &token.Family{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, current_jti, expires_at, created_at
		FROM refresh_families WHERE id = $1`, familyID).
		Scan(&fam.ID, &fam.UserID, &fam.CurrentJTI, &fam.ExpiresAt, &fam.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, token.ErrFamilyNotFound
		}
		return nil, fmt.Errorf("query token family: %w", err)
	}
	return fam, nil
}

// Rotate replaces the family's current jti and expiry.
func (s *RefreshStore) Rotate(ctx context.Context, familyID, newJTI string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_families SET current_jti = $2, expires_at = $3 WHERE id = $1`,
		familyID, newJTI, expiresAt)
	if err != nil {
		return fmt.Errorf("rotate token family: %w", err)
	}
	return requireRow(res, token.ErrFamilyNotFound)
}

// Delete removes a family. Idempotent.
func (s *RefreshStore) Delete(ctx context.Context, familyID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_families WHERE id = $1`, familyID)
	if err != nil {
		return fmt.Errorf("delete token family: %w", err)
	}
	return nil
}

// DeleteByUser removes all of a user's families.
func (s *RefreshStore) DeleteByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_families WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete token families: %w", err)
	}
	return nil
}
