// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package emailverify issues and checks one-time email verification codes,
// used for contact-email confirmation at signup and for school-email
// re-verification.
package emailverify

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Sentinel errors, matched with errors.Is.
var (
	// ErrCodeMissing is returned when no code was issued for the email.
	ErrCodeMissing = errors.New("no verification code for email")

	// ErrCodeExpired is returned when the code's validity window elapsed.
	ErrCodeExpired = errors.New("verification code expired")

	// ErrCodeMismatch is returned when the submitted code is wrong.
	ErrCodeMismatch = errors.New("verification code mismatch")

	// ErrCodeConsumed is returned when the code was already used.
	ErrCodeConsumed = errors.New("verification code already used")
)

// Code is one pending verification code.
type Code struct {
	Email     string
	Value     string
	ExpiresAt time.Time
	Consumed  bool
}

// Store persists pending codes, keyed by email. Put replaces any existing
// code for the same email.
type Store interface {
	Put(ctx context.Context, code *Code) error
	Get(ctx context.Context, email string) (*Code, error)
	MarkConsumed(ctx context.Context, email string) error
}

// Sender delivers the code to the address.
type Sender interface {
	Send(ctx context.Context, email, code string) error
}

// Verifier issues 6-digit codes and checks submissions.
type Verifier struct {
	store Store
	send  Sender
	ttl   time.Duration
	now   func() time.Time
}

// NewVerifier creates a verifier. ttl <= 0 defaults to 10 minutes.
func NewVerifier(store Store, sender Sender, ttl time.Duration) (*Verifier, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Verifier{store: store, send: sender, ttl: ttl, now: time.Now}, nil
}

// SetClock overrides the time source. Tests only.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Send generates a fresh code for the email, replacing any previous one, and
// dispatches it via the sender.
func (v *Verifier) Send(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	if err := v.store.Put(ctx, &Code{
		Email:     email,
		Value:     code,
		ExpiresAt: v.now().Add(v.ttl),
	}); err != nil {
		return fmt.Errorf("store code: %w", err)
	}
	if err := v.send.Send(ctx, email, code); err != nil {
		return fmt.Errorf("send code: %w", err)
	}
	return nil
}

// Verify checks a submitted code and consumes it on success.
func (v *Verifier) Verify(ctx context.Context, email, submitted string) error {
	email = normalizeEmail(email)
	code, err := v.store.Get(ctx, email)
	if err != nil {
		return err
	}
	if code.Consumed {
		return ErrCodeConsumed
	}
	if v.now().After(code.ExpiresAt) {
		return ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(code.Value), []byte(submitted)) != 1 {
		return ErrCodeMismatch
	}
	return v.store.MarkConsumed(ctx, email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	codes map[string]*Code
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[string]*Code)}
}

// Put replaces any existing code for the email.
func (s *MemoryStore) Put(ctx context.Context, code *Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.codes[code.Email] = &cp
	return nil
}

// Get returns the pending code, or ErrCodeMissing.
func (s *MemoryStore) Get(ctx context.Context, email string) (*Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.codes[email]
	if !ok {
		return nil, ErrCodeMissing
	}
	cp := *code
	return &cp, nil
}

// MarkConsumed flags the code as used.
func (s *MemoryStore) MarkConsumed(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[email]
	if !ok {
		return ErrCodeMissing
	}
	code.Consumed = true
	return nil
}
