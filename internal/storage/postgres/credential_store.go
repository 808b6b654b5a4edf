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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/mate-community/mate-auth/pkg/passkey"
)

// CredentialStore implements passkey.CredentialStore on PostgreSQL.
type CredentialStore struct {
	db *sql.DB
}

// Save stores a new credential.
func (s *CredentialStore) Save(ctx context.Context, cred *passkey.Credential) error {
	transports, err := json.Marshal(cred.Transport)
	if err != nil {
		return fmt.Errorf("marshal transports: %w", err)
	}
	var lastUsed sql.NullTime
	if !cred.LastUsedAt.IsZero() {
		lastUsed = sql.NullTime{Time: cred.LastUsedAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, user_id, public_key, attestation_type, transports, label, aaguid, sign_count, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cred.ID, cred.UserID, cred.PublicKey, cred.AttestationType,
		transports, cred.Label, cred.AAGUID, int64(cred.SignCount), cred.CreatedAt, lastUsed)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetByUserID retrieves all credentials for a user, oldest first.
func (s *CredentialStore) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*passkey.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, public_key, attestation_type, transports, label, aaguid, sign_count, created_at, last_used_at
		FROM credentials WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*passkey.Credential
	for rows.Next() {
		cred, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

// GetByCredentialID retrieves a credential by its authenticator-issued ID.
func (s *CredentialStore) GetByCredentialID(ctx context.Context, credID []byte) (*passkey.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, public_key, attestation_type, transports, label, aaguid, sign_count, created_at, last_used_at
		FROM credentials WHERE id = $1`, credID)
	cred, err := scanCredential(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, passkey.ErrCredentialNotFound
		}
		return nil, err
	}
	return cred, nil
}

// Update persists sign counter and last-used changes.
func (s *CredentialStore) Update(ctx context.Context, cred *passkey.Credential) error {
	var lastUsed sql.NullTime
	if !cred.LastUsedAt.IsZero() {
		lastUsed = sql.NullTime{Time: cred.LastUsedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET sign_count = $2, label = $3, last_used_at = $4 WHERE id = $1`,
		cred.ID, int64(cred.SignCount), cred.Label, lastUsed)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return requireRow(res, passkey.ErrCredentialNotFound)
}

// Delete removes a credential by ID.
func (s *CredentialStore) Delete(ctx context.Context, credID []byte) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, credID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return requireRow(res, passkey.ErrCredentialNotFound)
}

// DeleteByUserID removes all credentials for a user.
func (s *CredentialStore) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

func scanCredential(scan func(...any) error) (*passkey.Credential, error) {
	cred := &passkey.Credential{}
	var transports []byte
	var signCount int64
	var lastUsed sql.NullTime
	err := scan(&cred.ID, &cred.UserID, &cred.PublicKey, &cred.AttestationType,
		&transports, &cred.Label, &cred.AAGUID, &signCount, &cred.CreatedAt, &lastUsed)
	if err != nil {
		return nil, err
	}
	if len(transports) > 0 {
		var list []protocol.AuthenticatorTransport
		if err := json.Unmarshal(transports, &list); err != nil {
			return nil, fmt.Errorf("unmarshal transports: %w", err)
		}
		cred.Transport = list
	}
	cred.SignCount = uint32(signCount)
	if lastUsed.Valid {
		cred.LastUsedAt = lastUsed.Time
	}
	return cred, nil
}
