// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"context"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// Service orchestrates WebAuthn registration and authentication ceremonies.
// It owns the challenge lifecycle: one live challenge per (user, ceremony
// kind), replaced on re-issue, consumed on any completion attempt.
type Service struct {
	webauthn   *webauthn.WebAuthn
	config     *Config
	users      UserStore
	challenges ChallengeStore
	creds      CredentialStore
	tokens     TokenIssuer // optional
	now        func() time.Time
}

// ServiceParams contains dependencies for creating a ceremony service.
type ServiceParams struct {
	// Config is the WebAuthn configuration (required).
	Config *Config

	// UserStore is the account persistence layer (required).
	UserStore UserStore

	// ChallengeStore is the challenge cache (required).
	ChallengeStore ChallengeStore

	// CredentialStore is the passkey registry (required).
	CredentialStore CredentialStore

	// TokenIssuer mints post-ceremony token pairs (optional).
	TokenIssuer TokenIssuer
}

// NewService creates a ceremony service with the provided dependencies.
func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if params.UserStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if params.ChallengeStore == nil {
		return nil, fmt.Errorf("challenge store is required")
	}
	if params.CredentialStore == nil {
		return nil, fmt.Errorf("credential store is required")
	}

	params.Config.SetDefaults()
	if err := params.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	wa, err := webauthn.New(params.Config.ToWebAuthnConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn instance: %w", err)
	}

	return &Service{
		webauthn:   wa,
		config:     params.Config,
		users:      params.UserStore,
		challenges: params.ChallengeStore,
		creds:      params.CredentialStore,
		tokens:     params.TokenIssuer,
		now:        time.Now,
	}, nil
}

// Result is the outcome of a completed ceremony. The token pair is present
// only when the service was built with a TokenIssuer.
type Result struct {
	User         *User
	Credential   *Credential
	AccessToken  string
	RefreshToken string
}

// BeginSignup starts the combined signup-and-register ceremony for a
// not-yet-existing account. Account creation is deferred to
// FinishRegistration so abandoned ceremonies leave no user row behind.
func (s *Service) BeginSignup(ctx context.Context, profile Profile, deviceLabel string) (*protocol.CredentialCreation, error) {
	if NormalizeUsername(profile.Username) == "" {
		return nil, wrap("begin signup", ErrInvalidRequest)
	}

	_, err := s.users.GetByUsername(ctx, profile.Username)
	if err == nil {
		return nil, wrap("begin signup", ErrDuplicateUsername)
	}
	if !IsUserNotFound(err) {
		return nil, wrap("begin signup", err)
	}

	// Transient user: the handle carried in the options. Persisted only if
	// the ceremony completes.
	user := &User{
		ID:       uuid.New(),
		Username: profile.Username,
		Nickname: profile.Nickname,
		Email:    profile.Email,
		Active:   true,
	}

	options, session, err := s.webauthn.BeginRegistration(user)
	if err != nil {
		return nil, wrap("begin signup", err)
	}

	ch := &Challenge{Session: session, Profile: &profile, Label: deviceLabel, IssuedAt: s.now()}
	if err := s.challenges.Put(ctx, profile.Username, KindRegistration, ch); err != nil {
		return nil, wrap("save challenge", err)
	}

	return options, nil
}

// BeginAddDevice starts a registration ceremony that binds an additional
// passkey to an existing account. The options exclude the user's registered
// credentials so an authenticator refuses to re-register itself.
func (s *Service) BeginAddDevice(ctx context.Context, username, deviceLabel string) (*protocol.CredentialCreation, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, wrap("begin add device", err)
	}

	existing, err := s.creds.GetByUserID(ctx, user.ID)
	if err != nil {
		return nil, wrap("get credentials", err)
	}
	user.SetCredentials(existing)

	excludeList := make([]protocol.CredentialDescriptor, len(existing))
	for i, cred := range existing {
		excludeList[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
			Transport:    cred.Transport,
		}
	}

	options, session, err := s.webauthn.BeginRegistration(user,
		webauthn.WithExclusions(excludeList),
	)
	if err != nil {
		return nil, wrap("begin add device", err)
	}

	ch := &Challenge{Session: session, Label: deviceLabel, IssuedAt: s.now()}
	if err := s.challenges.Put(ctx, username, KindRegistration, ch); err != nil {
		return nil, wrap("save challenge", err)
	}

	return options, nil
}

// FinishRegistration completes a registration ceremony (signup or device
// addition). The pending challenge is consumed whether or not verification
// succeeds. For signup the user row is created before the credential.
func (s *Service) FinishRegistration(ctx context.Context, username string, response *protocol.ParsedCredentialCreationData) (*Result, error) {
	ch, err := s.challenges.Take(ctx, username, KindRegistration)
	if err != nil {
		return nil, wrap("finish registration", err)
	}
	// A response built from earlier, superseded options carries a stale
	// challenge. Its ceremony no longer exists.
	if response.Response.CollectedClientData.Challenge != ch.Session.Challenge {
		return nil, wrap("finish registration", ErrChallengeMissing)
	}

	signup := ch.Profile != nil

	var user *User
	if signup {
		// Handle could have been claimed between begin and finish.
		if _, err := s.users.GetByUsername(ctx, username); err == nil {
			return nil, wrap("finish registration", ErrDuplicateUsername)
		} else if !IsUserNotFound(err) {
			return nil, wrap("finish registration", err)
		}

		id, err := uuid.FromBytes(ch.Session.UserID)
		if err != nil {
			return nil, wrap("finish registration", err)
		}
		user = &User{
			ID:        id,
			Username:  ch.Profile.Username,
			Nickname:  ch.Profile.Nickname,
			Email:     ch.Profile.Email,
			Active:    true,
			CreatedAt: s.now(),
		}
	} else {
		user, err = s.users.GetByUsername(ctx, username)
		if err != nil {
			return nil, wrap("finish registration", err)
		}
		existing, err := s.creds.GetByUserID(ctx, user.ID)
		if err != nil {
			return nil, wrap("get credentials", err)
		}
		user.SetCredentials(existing)
	}

	credential, err := s.webauthn.CreateCredential(user, *ch.Session, response)
	if err != nil {
		return nil, wrap("finish registration", &Error{Op: "verify attestation", Err: ErrAttestationInvalid})
	}

	label := ch.Label
	if label == "" {
		label = "Passkey"
	}
	cred := fromWebAuthnCredential(user.ID, label, credential, s.now())

	if signup {
		if err := s.users.Create(ctx, user); err != nil {
			return nil, wrap("create user", err)
		}
	}
	if err := s.creds.Save(ctx, cred); err != nil {
		if signup {
			// Don't leave a passkey-less account behind.
			_ = s.users.Delete(ctx, user.ID)
		}
		return nil, wrap("save credential", err)
	}
	user.SetCredentials(append(user.Credentials(), cred))

	res := &Result{User: user, Credential: cred}
	if err := s.issueTokens(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// BeginAuthentication starts an authentication ceremony for an existing
// account, restricting the allowed credentials to the user's registered ones.
func (s *Service) BeginAuthentication(ctx context.Context, username string) (*protocol.CredentialAssertion, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, wrap("begin authentication", err)
	}

	creds, err := s.creds.GetByUserID(ctx, user.ID)
	if err != nil {
		return nil, wrap("get credentials", err)
	}
	if len(creds) == 0 {
		return nil, wrap("begin authentication", ErrNoCredentials)
	}
	user.SetCredentials(creds)

	options, session, err := s.webauthn.BeginLogin(user)
	if err != nil {
		return nil, wrap("begin authentication", err)
	}

	ch := &Challenge{Session: session, IssuedAt: s.now()}
	if err := s.challenges.Put(ctx, username, KindAuthentication, ch); err != nil {
		return nil, wrap("save challenge", err)
	}

	return options, nil
}

// FinishAuthentication completes an authentication ceremony. The pending
// challenge is consumed either way. The assertion's signature counter must be
// strictly greater than the stored one; a regression is rejected as a replay
// and the stored counter is left untouched.
func (s *Service) FinishAuthentication(ctx context.Context, username string, response *protocol.ParsedCredentialAssertionData) (*Result, error) {
	ch, err := s.challenges.Take(ctx, username, KindAuthentication)
	if err != nil {
		return nil, wrap("finish authentication", err)
	}
	// A response built from earlier, superseded options carries a stale
	// challenge. Its ceremony no longer exists.
	if response.Response.CollectedClientData.Challenge != ch.Session.Challenge {
		return nil, wrap("finish authentication", ErrChallengeMissing)
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, wrap("finish authentication", err)
	}

	creds, err := s.creds.GetByUserID(ctx, user.ID)
	if err != nil {
		return nil, wrap("get credentials", err)
	}
	user.SetCredentials(creds)

	validated, err := s.webauthn.ValidateLogin(user, *ch.Session, response)
	if err != nil {
		return nil, wrap("finish authentication", &Error{Op: "verify assertion", Err: ErrAssertionInvalid})
	}

	stored, err := s.creds.GetByCredentialID(ctx, validated.ID)
	if err != nil {
		return nil, wrap("finish authentication", err)
	}
	if stored.UserID != user.ID {
		return nil, wrap("finish authentication", ErrCredentialNotFound)
	}

	if validated.Authenticator.SignCount <= stored.SignCount {
		return nil, wrap("finish authentication", ErrReplayDetected)
	}

	stored.SignCount = validated.Authenticator.SignCount
	stored.LastUsedAt = s.now()
	if err := s.creds.Update(ctx, stored); err != nil {
		return nil, wrap("update credential", err)
	}

	res := &Result{User: user, Credential: stored}
	if err := s.issueTokens(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetUser retrieves a user by their WebAuthn user handle.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

// GetUserByUsername retrieves a user by login handle.
func (s *Service) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.users.GetByUsername(ctx, username)
}

// UpdateNickname changes the user's display name.
func (s *Service) UpdateNickname(ctx context.Context, id uuid.UUID, nickname string) (*User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, wrap("update nickname", err)
	}
	user.Nickname = nickname
	if err := s.users.Update(ctx, user); err != nil {
		return nil, wrap("update nickname", err)
	}
	return user, nil
}

// MarkSchoolVerified records a verified school email on the account.
func (s *Service) MarkSchoolVerified(ctx context.Context, id uuid.UUID, schoolEmail string) (*User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, wrap("mark school verified", err)
	}
	user.SchoolEmail = schoolEmail
	user.SchoolVerified = true
	if err := s.users.Update(ctx, user); err != nil {
		return nil, wrap("mark school verified", err)
	}
	return user, nil
}

// ListCredentials returns all credentials registered to the user.
// No secret material is included; Credential carries only public data.
func (s *Service) ListCredentials(ctx context.Context, userID uuid.UUID) ([]*Credential, error) {
	return s.creds.GetByUserID(ctx, userID)
}

// RemoveCredential deletes one of the caller's credentials. Removing the last
// credential of a passkey-only account locks it out permanently, so that case
// is refused with ErrLastCredential unless confirm is set.
func (s *Service) RemoveCredential(ctx context.Context, userID uuid.UUID, credID []byte, confirm bool) error {
	cred, err := s.creds.GetByCredentialID(ctx, credID)
	if err != nil {
		return wrap("remove credential", err)
	}
	if cred.UserID != userID {
		// Ownership is not disclosed; a foreign credential is simply absent.
		return wrap("remove credential", ErrCredentialNotFound)
	}

	all, err := s.creds.GetByUserID(ctx, userID)
	if err != nil {
		return wrap("remove credential", err)
	}
	if len(all) == 1 && !confirm {
		return wrap("remove credential", ErrLastCredential)
	}

	return wrap("remove credential", s.creds.Delete(ctx, credID))
}

// DeleteUser removes an account, all of its credentials, and every live
// session the account holds. A deleted user's refresh tokens must stop
// minting access tokens immediately, not at TTL.
func (s *Service) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	if err := s.creds.DeleteByUserID(ctx, userID); err != nil {
		return wrap("delete user credentials", err)
	}
	if s.tokens != nil {
		if err := s.tokens.RevokeUser(ctx, userID.String()); err != nil {
			return wrap("revoke user sessions", err)
		}
	}
	return wrap("delete user", s.users.Delete(ctx, userID))
}

// Config returns the service configuration.
func (s *Service) Config() *Config {
	return s.config
}

func (s *Service) issueTokens(ctx context.Context, res *Result) error {
	if s.tokens == nil {
		return nil
	}
	access, refresh, err := s.tokens.Issue(ctx, res.User.ID.String())
	if err != nil {
		return wrap("issue tokens", err)
	}
	res.AccessToken = access
	res.RefreshToken = refresh
	return nil
}
