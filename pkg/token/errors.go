// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package token

import "errors"

// Sentinel errors for token operations. Callers branch on these with
// errors.Is, never on message text.
var (
	// ErrAccessInvalid is returned when an access token fails signature or
	// claim validation.
	ErrAccessInvalid = errors.New("invalid access token")

	// ErrAccessExpired is returned when an access token's expiry elapsed.
	ErrAccessExpired = errors.New("access token expired")

	// ErrRefreshInvalid is returned when a refresh token fails validation
	// or references a revoked family.
	ErrRefreshInvalid = errors.New("invalid refresh token")

	// ErrRefreshExpired is returned when a refresh token's expiry elapsed.
	ErrRefreshExpired = errors.New("refresh token expired")

	// ErrRefreshReused is returned when a superseded refresh token is
	// presented again. Treated as a compromise signal: all of the user's
	// token families are revoked before this error is returned.
	ErrRefreshReused = errors.New("refresh token reuse detected")

	// ErrFamilyNotFound is returned by stores when a token family is absent.
	ErrFamilyNotFound = errors.New("token family not found")
)

// Wire codes for the error taxonomy, shared by the REST layer and the
// session client so neither ever branches on message text.
const (
	CodeRefreshExpired = "refresh_expired"
	CodeRefreshInvalid = "refresh_invalid"
	CodeRefreshReused  = "refresh_reused"
)

// CodeFor maps a refresh error to its wire code. Unknown errors map to
// CodeRefreshInvalid.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrRefreshExpired):
		return CodeRefreshExpired
	case errors.Is(err, ErrRefreshReused):
		return CodeRefreshReused
	default:
		return CodeRefreshInvalid
	}
}

// ErrFromCode maps a wire code back to its sentinel error.
func ErrFromCode(code string) error {
	switch code {
	case CodeRefreshExpired:
		return ErrRefreshExpired
	case CodeRefreshReused:
		return ErrRefreshReused
	default:
		return ErrRefreshInvalid
	}
}
