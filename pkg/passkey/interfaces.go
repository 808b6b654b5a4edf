// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"context"

	"github.com/google/uuid"
)

// UserStore is the account persistence layer.
type UserStore interface {
	// GetByID retrieves a user by their WebAuthn user handle.
	// Returns ErrUserNotFound if the user does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)

	// GetByUsername retrieves a user by login handle, case-insensitively.
	// Returns ErrUserNotFound if the user does not exist.
	GetByUsername(ctx context.Context, username string) (*User, error)

	// Create persists a new user. Returns ErrDuplicateUsername if the
	// handle is already taken (case-insensitively).
	Create(ctx context.Context, user *User) error

	// Update persists changes to an existing user (nickname, emails,
	// verification flag). Returns ErrUserNotFound if absent.
	Update(ctx context.Context, user *User) error

	// Delete removes a user. Credential cleanup is the caller's
	// responsibility. Returns ErrUserNotFound if absent.
	Delete(ctx context.Context, id uuid.UUID) error
}

// ChallengeStore is the short-lived challenge cache. Entries are keyed by
// (login handle, ceremony kind); a Put replaces any live entry for that key,
// and Take removes the entry whether or not the subsequent verification
// succeeds, so a challenge is never usable twice.
type ChallengeStore interface {
	// Put stores a challenge, superseding any prior one for the same key.
	Put(ctx context.Context, username string, kind CeremonyKind, ch *Challenge) error

	// Take retrieves and consumes the challenge for the key.
	// Returns ErrChallengeMissing if no entry exists and ErrChallengeExpired
	// if the entry's TTL elapsed (the entry is removed in both cases).
	Take(ctx context.Context, username string, kind CeremonyKind) (*Challenge, error)
}

// CredentialStore is the durable passkey registry.
type CredentialStore interface {
	// Save stores a new credential. Credential IDs are globally unique.
	Save(ctx context.Context, cred *Credential) error

	// GetByUserID retrieves all credentials for a user, oldest first.
	// Returns an empty slice if the user has none.
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Credential, error)

	// GetByCredentialID retrieves a credential by its authenticator-issued ID.
	// Returns ErrCredentialNotFound if absent.
	GetByCredentialID(ctx context.Context, credID []byte) (*Credential, error)

	// Update persists sign counter and last-used changes.
	// Returns ErrCredentialNotFound if absent.
	Update(ctx context.Context, cred *Credential) error

	// Delete removes a credential by its ID.
	// Returns ErrCredentialNotFound if absent.
	Delete(ctx context.Context, credID []byte) error

	// DeleteByUserID removes all credentials for a user.
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
}

// TokenIssuer mints and revokes session tokens. Implemented by token.Issuer.
// Optional; without one the service returns only the user.
type TokenIssuer interface {
	// Issue creates a fresh access/refresh pair for the user.
	Issue(ctx context.Context, userID string) (access, refresh string, err error)

	// RevokeUser invalidates every refresh-token family of the user.
	RevokeUser(ctx context.Context, userID string) error
}
