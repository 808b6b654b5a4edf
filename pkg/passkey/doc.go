// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package passkey implements WebAuthn passkey ceremonies for the Mate
// community platform: combined signup-and-register, additional device
// registration, and authentication, with pluggable user, challenge, and
// credential stores.
//
// The challenge model is one live challenge per (user, ceremony kind).
// Issuing a new challenge supersedes the previous one, and a completion
// attempt consumes the challenge whether or not verification succeeds, so a
// challenge can never be replayed. Authentication additionally requires the
// authenticator's signature counter to strictly increase, rejecting cloned
// authenticators with ErrReplayDetected.
package passkey
