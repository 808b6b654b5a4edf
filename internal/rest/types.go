// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package rest

import (
	"encoding/json"
	"time"
)

// RegistrationOptionsRequest starts a registration ceremony. An
// unauthenticated request is a signup; an authenticated one adds a device to
// the caller's account.
type RegistrationOptionsRequest struct {
	Username    string `json:"username"`
	Nickname    string `json:"nickname,omitempty"`
	Email       string `json:"email,omitempty"`
	DeviceLabel string `json:"device_label,omitempty"`
}

// RegistrationVerifyRequest completes a registration ceremony. Response is
// the authenticator's attestation response, passed through verbatim.
type RegistrationVerifyRequest struct {
	Username string          `json:"username"`
	Response json.RawMessage `json:"response"`
}

// AuthenticationOptionsRequest starts an authentication ceremony.
type AuthenticationOptionsRequest struct {
	Username string `json:"username"`
}

// AuthenticationVerifyRequest completes an authentication ceremony.
type AuthenticationVerifyRequest struct {
	Username string          `json:"username"`
	Response json.RawMessage `json:"response"`
}

// RefreshRequest exchanges a refresh token for a new pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest revokes the refresh token's family.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// EmailSendRequest dispatches a verification code.
type EmailSendRequest struct {
	Email string `json:"email"`
}

// EmailVerifyRequest checks a verification code. When School is set and the
// caller is authenticated, a successful check records the address as the
// caller's verified school email.
type EmailVerifyRequest struct {
	Email  string `json:"email"`
	Code   string `json:"code"`
	School bool   `json:"school,omitempty"`
}

// UpdateProfileRequest changes mutable profile fields.
type UpdateProfileRequest struct {
	Nickname string `json:"nickname"`
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Nickname       string    `json:"nickname"`
	Email          string    `json:"email,omitempty"`
	SchoolEmail    string    `json:"school_email,omitempty"`
	SchoolVerified bool      `json:"school_verified"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuthResponse is returned by completed ceremonies and token refreshes.
type AuthResponse struct {
	User         *UserResponse `json:"user,omitempty"`
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
}

// CredentialResponse is the device-manager view of a passkey. It carries no
// key material.
type CredentialResponse struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// CredentialListResponse wraps the device list.
type CredentialListResponse struct {
	Credentials []CredentialResponse `json:"credentials"`
}

// StatusResponse acknowledges an operation with no payload.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
