// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"errors"
	"fmt"
)

// Sentinel errors for passkey ceremonies. Callers branch on these with
// errors.Is, never on message text.
var (
	// ErrUserNotFound is returned when a login handle does not resolve.
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateUsername is returned when a signup ceremony is started
	// for a handle that is already taken.
	ErrDuplicateUsername = errors.New("username already taken")

	// ErrChallengeMissing is returned when no pending challenge exists for
	// the (user, ceremony kind) pair, including the case where a newer
	// challenge superseded it.
	ErrChallengeMissing = errors.New("no pending challenge")

	// ErrChallengeExpired is returned when the pending challenge exists but
	// its TTL has elapsed.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrAttestationInvalid is returned when an attestation response fails
	// verification against the expected challenge and origin.
	ErrAttestationInvalid = errors.New("invalid attestation")

	// ErrAssertionInvalid is returned when an assertion signature fails
	// verification against the stored public key.
	ErrAssertionInvalid = errors.New("invalid assertion")

	// ErrReplayDetected is returned when an assertion's signature counter is
	// not strictly greater than the stored counter. A possible cloned
	// authenticator signal.
	ErrReplayDetected = errors.New("signature counter replay detected")

	// ErrCredentialNotFound is returned when a credential does not exist or
	// does not belong to the caller.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrNoCredentials is returned when authentication is started for a
	// user with no registered credentials.
	ErrNoCredentials = errors.New("user has no registered credentials")

	// ErrLastCredential is returned when removing a user's only credential
	// without explicit confirmation. A passkey-only account with zero
	// credentials is permanently locked out.
	ErrLastCredential = errors.New("cannot remove last credential without confirmation")

	// ErrInvalidRequest is returned when a request is malformed.
	ErrInvalidRequest = errors.New("invalid request")
)

// Error wraps a ceremony error with the operation that produced it.
type Error struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// wrap wraps an error with an operation name if it is not nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// IsUserNotFound returns true if the error indicates a user was not found.
func IsUserNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

// IsCredentialNotFound returns true if the error indicates a credential was not found.
func IsCredentialNotFound(err error) bool {
	return errors.Is(err, ErrCredentialNotFound)
}

// IsChallengeMissing returns true if the error indicates no pending challenge.
func IsChallengeMissing(err error) bool {
	return errors.Is(err, ErrChallengeMissing)
}

// IsChallengeExpired returns true if the error indicates the challenge expired.
func IsChallengeExpired(err error) bool {
	return errors.Is(err, ErrChallengeExpired)
}

// IsReplayDetected returns true if the error indicates a counter regression.
func IsReplayDetected(err error) bool {
	return errors.Is(err, ErrReplayDetected)
}
