// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryUserStore is an in-memory implementation of UserStore, used for
// development and tests.
type MemoryUserStore struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*User
	byUsername map[string]*User
}

// NewMemoryUserStore creates a new in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:       make(map[uuid.UUID]*User),
		byUsername: make(map[string]*User),
	}
}

// GetByID retrieves a user by their WebAuthn user handle.
func (s *MemoryUserStore) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// GetByUsername retrieves a user by login handle, case-insensitively.
func (s *MemoryUserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byUsername[NormalizeUsername(username)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// Create persists a new user.
func (s *MemoryUserStore) Create(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := NormalizeUsername(user.Username)
	if _, ok := s.byUsername[key]; ok {
		return ErrDuplicateUsername
	}

	s.byID[user.ID] = user
	s.byUsername[key] = user
	return nil
}

// Update persists changes to an existing user.
func (s *MemoryUserStore) Update(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[user.ID]; !ok {
		return ErrUserNotFound
	}

	s.byID[user.ID] = user
	s.byUsername[NormalizeUsername(user.Username)] = user
	return nil
}

// Delete removes a user by ID.
func (s *MemoryUserStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[id]
	if !ok {
		return ErrUserNotFound
	}

	delete(s.byID, id)
	delete(s.byUsername, NormalizeUsername(user.Username))
	return nil
}

// Count returns the number of users in the store.
func (s *MemoryUserStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// challengeKey identifies the single live challenge slot per user and kind.
type challengeKey struct {
	username string
	kind     CeremonyKind
}

// MemoryChallengeStore is an in-memory implementation of ChallengeStore.
// Concurrent ceremonies for the same (user, kind) resolve last-write-wins:
// the superseded ceremony finds its challenge gone at completion.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[challengeKey]*Challenge
	ttl        time.Duration
	now        func() time.Time
}

// NewMemoryChallengeStore creates a challenge store with the given TTL.
func NewMemoryChallengeStore(ttl time.Duration) *MemoryChallengeStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryChallengeStore{
		challenges: make(map[challengeKey]*Challenge),
		ttl:        ttl,
		now:        time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *MemoryChallengeStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores a challenge, replacing any live entry for the same key.
func (s *MemoryChallengeStore) Put(ctx context.Context, username string, kind CeremonyKind, ch *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.IssuedAt.IsZero() {
		ch.IssuedAt = s.now()
	}
	s.challenges[challengeKey{NormalizeUsername(username), kind}] = ch
	return nil
}

// Take retrieves and consumes the challenge for the key. The entry is
// removed even when expired, so a verification attempt never sees the same
// challenge twice.
func (s *MemoryChallengeStore) Take(ctx context.Context, username string, kind CeremonyKind) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := challengeKey{NormalizeUsername(username), kind}
	ch, ok := s.challenges[key]
	if !ok {
		return nil, ErrChallengeMissing
	}
	delete(s.challenges, key)

	if s.now().Sub(ch.IssuedAt) > s.ttl {
		return nil, ErrChallengeExpired
	}
	return ch, nil
}

// Cleanup removes expired entries and returns how many were removed.
func (s *MemoryChallengeStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, ch := range s.challenges {
		if now.Sub(ch.IssuedAt) > s.ttl {
			delete(s.challenges, key)
			removed++
		}
	}
	return removed
}

// Count returns the number of live challenges.
func (s *MemoryChallengeStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// MemoryCredentialStore is an in-memory implementation of CredentialStore.
type MemoryCredentialStore struct {
	mu       sync.RWMutex
	byID     map[string]*Credential
	byUserID map[uuid.UUID][]*Credential
}

// NewMemoryCredentialStore creates a new in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byID:     make(map[string]*Credential),
		byUserID: make(map[uuid.UUID][]*Credential),
	}
}

// Save stores a new credential.
func (s *MemoryCredentialStore) Save(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(cred.ID)
	if _, ok := s.byID[key]; ok {
		return ErrInvalidRequest
	}

	s.byID[key] = cred
	s.byUserID[cred.UserID] = append(s.byUserID[cred.UserID], cred)
	return nil
}

// GetByUserID retrieves all credentials for a user.
func (s *MemoryCredentialStore) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds := s.byUserID[userID]
	result := make([]*Credential, len(creds))
	copy(result, creds)
	return result, nil
}

// GetByCredentialID retrieves a credential by its ID.
func (s *MemoryCredentialStore) GetByCredentialID(ctx context.Context, credID []byte) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.byID[hex.EncodeToString(credID)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return cred, nil
}

// Update persists sign counter and last-used changes.
func (s *MemoryCredentialStore) Update(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(cred.ID)
	if _, ok := s.byID[key]; !ok {
		return ErrCredentialNotFound
	}

	s.byID[key] = cred
	creds := s.byUserID[cred.UserID]
	for i, c := range creds {
		if hex.EncodeToString(c.ID) == key {
			creds[i] = cred
			break
		}
	}
	return nil
}

// Delete removes a credential by its ID.
func (s *MemoryCredentialStore) Delete(ctx context.Context, credID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(credID)
	cred, ok := s.byID[key]
	if !ok {
		return ErrCredentialNotFound
	}
	delete(s.byID, key)

	creds := s.byUserID[cred.UserID]
	for i, c := range creds {
		if hex.EncodeToString(c.ID) == key {
			s.byUserID[cred.UserID] = append(creds[:i], creds[i+1:]...)
			break
		}
	}
	return nil
}

// DeleteByUserID removes all credentials for a user.
func (s *MemoryCredentialStore) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cred := range s.byUserID[userID] {
		delete(s.byID, hex.EncodeToString(cred.ID))
	}
	delete(s.byUserID, userID)
	return nil
}

// Count returns the total number of credentials in the store.
func (s *MemoryCredentialStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
