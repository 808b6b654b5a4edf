// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package token

import (
	"context"
	"sync"
	"time"
)

// Family is the server-side record of one refresh-token lineage. A login
// starts a family; each successful refresh rotates CurrentJTI. A presented
// refresh token whose jti is not the family's current one is a reuse.
type Family struct {
	ID         string
	UserID     string
	CurrentJTI string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// RefreshStore tracks refresh-token families.
type RefreshStore interface {
	// Create stores a new family.
	Create(ctx context.Context, fam *Family) error

	// Get retrieves a family by ID. Returns ErrFamilyNotFound if absent.
	Get(ctx context.Context, familyID string) (*Family, error)

	// Rotate replaces the family's current jti and expiry.
	// Returns ErrFamilyNotFound if absent.
	Rotate(ctx context.Context, familyID, newJTI string, expiresAt time.Time) error

	// Delete removes a family. Deleting an absent family is a no-op:
	// revocation is idempotent.
	Delete(ctx context.Context, familyID string) error

	// DeleteByUser removes all of a user's families.
	DeleteByUser(ctx context.Context, userID string) error
}

// MemoryRefreshStore is an in-memory implementation of RefreshStore, used
// for development and tests.
type MemoryRefreshStore struct {
	mu       sync.RWMutex
	families map[string]*Family
}

// NewMemoryRefreshStore creates a new in-memory refresh store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{families: make(map[string]*Family)}
}

// Create stores a new family.
func (s *MemoryRefreshStore) Create(ctx context.Context, fam *Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *fam
	s.families[fam.ID] = &cp
	return nil
}

// Get retrieves a family by ID.
func (s *MemoryRefreshStore) Get(ctx context.Context, familyID string) (*Family, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fam, ok := s.families[familyID]
	if !ok {
		return nil, ErrFamilyNotFound
	}
	cp := *fam
	return &cp, nil
}

// Rotate replaces the family's current jti and expiry.
func (s *MemoryRefreshStore) Rotate(ctx context.Context, familyID, newJTI string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fam, ok := s.families[familyID]
	if !ok {
		return ErrFamilyNotFound
	}
	fam.CurrentJTI = newJTI
	fam.ExpiresAt = expiresAt
	return nil
}

// Delete removes a family. Idempotent.
func (s *MemoryRefreshStore) Delete(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.families, familyID)
	return nil
}

// DeleteByUser removes all of a user's families.
func (s *MemoryRefreshStore) DeleteByUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, fam := range s.families {
		if fam.UserID == userID {
			delete(s.families, id)
		}
	}
	return nil
}

// Count returns the number of live families.
func (s *MemoryRefreshStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.families)
}
