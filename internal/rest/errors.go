// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package rest

import (
	"errors"
	"net/http"

	"github.com/mate-community/mate-auth/pkg/emailverify"
	"github.com/mate-community/mate-auth/pkg/passkey"
	"github.com/mate-community/mate-auth/pkg/token"
)

// Wire error codes. One per taxonomy entry; clients branch on these, never
// on message text.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeUserNotFound       = "user_not_found"
	CodeDuplicateUsername  = "duplicate_username"
	CodeChallengeMissing   = "challenge_missing"
	CodeChallengeExpired   = "challenge_expired"
	CodeAttestationInvalid = "attestation_invalid"
	CodeAssertionInvalid   = "assertion_invalid"
	CodeReplayDetected     = "replay_detected"
	CodeCredentialNotFound = "credential_not_found"
	CodeNoCredentials      = "no_credentials"
	CodeLastCredential     = "last_credential"
	CodeAccessInvalid      = "access_invalid"
	CodeAccessExpired      = "access_expired"
	CodeCodeMissing        = "code_missing"
	CodeCodeExpired        = "code_expired"
	CodeCodeMismatch       = "code_mismatch"
	CodeCodeConsumed       = "code_consumed"
	CodeInternalError      = "internal_error"
)

type errorMapping struct {
	status int
	code   string
}

var errorMappings = []struct {
	err error
	errorMapping
}{
	{passkey.ErrInvalidRequest, errorMapping{http.StatusBadRequest, CodeInvalidRequest}},
	{passkey.ErrUserNotFound, errorMapping{http.StatusNotFound, CodeUserNotFound}},
	{passkey.ErrDuplicateUsername, errorMapping{http.StatusConflict, CodeDuplicateUsername}},
	{passkey.ErrChallengeMissing, errorMapping{http.StatusBadRequest, CodeChallengeMissing}},
	{passkey.ErrChallengeExpired, errorMapping{http.StatusGone, CodeChallengeExpired}},
	{passkey.ErrAttestationInvalid, errorMapping{http.StatusUnauthorized, CodeAttestationInvalid}},
	{passkey.ErrAssertionInvalid, errorMapping{http.StatusUnauthorized, CodeAssertionInvalid}},
	{passkey.ErrReplayDetected, errorMapping{http.StatusUnauthorized, CodeReplayDetected}},
	{passkey.ErrCredentialNotFound, errorMapping{http.StatusNotFound, CodeCredentialNotFound}},
	{passkey.ErrNoCredentials, errorMapping{http.StatusBadRequest, CodeNoCredentials}},
	{passkey.ErrLastCredential, errorMapping{http.StatusConflict, CodeLastCredential}},
	{token.ErrRefreshExpired, errorMapping{http.StatusUnauthorized, token.CodeRefreshExpired}},
	{token.ErrRefreshReused, errorMapping{http.StatusUnauthorized, token.CodeRefreshReused}},
	{token.ErrRefreshInvalid, errorMapping{http.StatusUnauthorized, token.CodeRefreshInvalid}},
	{token.ErrAccessExpired, errorMapping{http.StatusUnauthorized, CodeAccessExpired}},
	{token.ErrAccessInvalid, errorMapping{http.StatusUnauthorized, CodeAccessInvalid}},
	{emailverify.ErrCodeMissing, errorMapping{http.StatusBadRequest, CodeCodeMissing}},
	{emailverify.ErrCodeExpired, errorMapping{http.StatusGone, CodeCodeExpired}},
	{emailverify.ErrCodeMismatch, errorMapping{http.StatusBadRequest, CodeCodeMismatch}},
	{emailverify.ErrCodeConsumed, errorMapping{http.StatusBadRequest, CodeCodeConsumed}},
}

// mapError resolves a service error to its HTTP status and wire code.
// The sentinel order matters where one error wraps another.
func mapError(err error) errorMapping {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.errorMapping
		}
	}
	return errorMapping{http.StatusInternalServerError, CodeInternalError}
}
