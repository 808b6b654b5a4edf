// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package session provides the client-side session for Go consumers of the
// mate-auth API: an explicit token/profile state object and an
// http.RoundTripper that attaches the access token, transparently refreshes
// it once on 401, and logs the session out when the refresh token is dead.
package session

import "sync"

// Profile is the cached identity of the signed-in user.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
}

// State holds the tokens and cached profile for one session. All access is
// mutex-guarded; there are no ambient globals. The zero value is a valid
// signed-out state.
type State struct {
	mu      sync.RWMutex
	access  string
	refresh string
	profile *Profile
}

// NewState returns an empty, signed-out state.
func NewState() *State {
	return &State{}
}

// SetTokens replaces both tokens, e.g. after login or refresh.
func (s *State) SetTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = access
	s.refresh = refresh
}

// AccessToken returns the current access token, or "" when signed out.
func (s *State) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken returns the current refresh token, or "" when signed out.
func (s *State) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// SetProfile caches the user's profile.
func (s *State) SetProfile(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		s.profile = nil
		return
	}
	cp := *p
	s.profile = &cp
}

// Profile returns the cached profile, or nil when none is cached.
func (s *State) Profile() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	cp := *s.profile
	return &cp
}

// SignedIn reports whether the state holds an access token.
func (s *State) SignedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access != ""
}

// Clear wipes tokens and profile in one atomic step.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = ""
	s.profile = nil
}
