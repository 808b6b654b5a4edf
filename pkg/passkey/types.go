// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// User is an account on the community platform. Accounts are created through
// the combined signup ceremony and never carry a password; their only login
// path is a registered passkey.
type User struct {
	// ID is the stable WebAuthn user handle.
	ID uuid.UUID `json:"id"`

	// Username is the login handle. Unique and immutable, compared
	// case-insensitively.
	Username string `json:"username"`

	// Nickname is the mutable display name.
	Nickname string `json:"nickname"`

	// Email is the optional contact email.
	Email string `json:"email,omitempty"`

	// SchoolEmail is the verified school email, if any.
	SchoolEmail string `json:"school_email,omitempty"`

	// SchoolVerified indicates the school email passed code verification.
	SchoolVerified bool `json:"school_verified"`

	// Active is false for soft-disabled accounts.
	Active bool `json:"active"`

	// CreatedAt is when the account was created.
	CreatedAt time.Time `json:"created_at"`

	// credentials are loaded from the CredentialStore before a ceremony.
	credentials []*Credential
}

// Profile carries the account fields supplied at signup.
type Profile struct {
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Email    string `json:"email,omitempty"`
}

// NormalizeUsername lowercases a login handle for case-insensitive matching.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// WebAuthnID returns the user's WebAuthn ID (user handle).
func (u *User) WebAuthnID() []byte {
	return u.ID[:]
}

// WebAuthnName returns the user's login handle.
func (u *User) WebAuthnName() string {
	return u.Username
}

// WebAuthnDisplayName returns the user's display name.
func (u *User) WebAuthnDisplayName() string {
	if u.Nickname == "" {
		return u.Username
	}
	return u.Nickname
}

// WebAuthnCredentials returns the user's registered credentials in the
// go-webauthn representation.
func (u *User) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.credentials))
	for i, c := range u.credentials {
		creds[i] = c.ToWebAuthn()
	}
	return creds
}

// SetCredentials replaces the in-memory credential list used by ceremonies.
func (u *User) SetCredentials(creds []*Credential) {
	u.credentials = creds
}

// Credentials returns the in-memory credential list.
func (u *User) Credentials() []*Credential {
	return u.credentials
}

// Credential is a passkey registered to a user: the public-key record the
// relying party stores, plus device metadata.
type Credential struct {
	// ID is the credential identifier assigned by the authenticator.
	// Globally unique.
	ID []byte `json:"id"`

	// UserID is the owning user's handle. A credential belongs to exactly
	// one user.
	UserID uuid.UUID `json:"user_id"`

	// PublicKey is the credential's public key in COSE format.
	PublicKey []byte `json:"public_key"`

	// AttestationType indicates the type of attestation used.
	AttestationType string `json:"attestation_type"`

	// Transport lists the transports supported by the authenticator.
	Transport []protocol.AuthenticatorTransport `json:"transport,omitempty"`

	// Label is the human device name ("MacBook Touch ID").
	Label string `json:"label"`

	// AAGUID is the authenticator's model identifier.
	AAGUID []byte `json:"aaguid"`

	// SignCount is the signature counter. Monotonic; an assertion whose
	// counter is not strictly greater is rejected as a replay.
	SignCount uint32 `json:"sign_count"`

	// CreatedAt is when the credential was registered.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the credential last completed authentication.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// ToWebAuthn converts a Credential to the go-webauthn library's type.
func (c *Credential) ToWebAuthn() webauthn.Credential {
	return webauthn.Credential{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       c.Transport,
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

// fromWebAuthnCredential builds a Credential from the library's type after a
// successful registration ceremony.
func fromWebAuthnCredential(userID uuid.UUID, label string, wc *webauthn.Credential, now time.Time) *Credential {
	return &Credential{
		ID:              wc.ID,
		UserID:          userID,
		PublicKey:       wc.PublicKey,
		AttestationType: wc.AttestationType,
		Transport:       wc.Transport,
		Label:           label,
		AAGUID:          wc.Authenticator.AAGUID,
		SignCount:       wc.Authenticator.SignCount,
		CreatedAt:       now,
	}
}

// CeremonyKind distinguishes the two challenge slots a user can hold.
type CeremonyKind string

const (
	// KindRegistration is the registration (attestation) ceremony.
	KindRegistration CeremonyKind = "registration"

	// KindAuthentication is the authentication (assertion) ceremony.
	KindAuthentication CeremonyKind = "authentication"
)

// Challenge is the ephemeral server-side state of an in-flight ceremony:
// the cryptographic challenge plus ceremony metadata. At most one Challenge
// is live per (user, kind); issuing a new one replaces it.
type Challenge struct {
	// Session is the go-webauthn session data, including the nonce.
	Session *webauthn.SessionData

	// Profile holds the pending account fields for a signup ceremony.
	// Nil for device-addition and authentication.
	Profile *Profile

	// Label is the device label hint supplied at registration begin.
	Label string

	// IssuedAt is when the challenge was generated.
	IssuedAt time.Time
}
