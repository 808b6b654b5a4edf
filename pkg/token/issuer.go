// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package token mints and rotates the access/refresh token pairs that carry
// a session between ceremonies. Access tokens are short-lived, stateless
// JWTs. Refresh tokens are single-use under rotation: every refresh
// invalidates the presented token, and presenting a superseded token revokes
// all of the user's sessions.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// Claims are the JWT claims carried by both token types.
type Claims struct {
	jwt.RegisteredClaims

	// TokenType distinguishes access from refresh tokens so one can never
	// be presented as the other.
	TokenType string `json:"typ"`

	// Family identifies the refresh-token lineage. Refresh tokens only.
	Family string `json:"fam,omitempty"`
}

// Pair bundles a short-lived access token and a long-lived refresh token.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Config configures the token issuer.
type Config struct {
	// Secret is the HMAC signing key (required).
	Secret []byte

	// Issuer is the iss claim. Default: "mate-auth".
	Issuer string

	// AccessTTL is the access token lifetime. Default: 15 minutes.
	AccessTTL time.Duration

	// RefreshTTL is the refresh token lifetime. Default: 7 days.
	RefreshTTL time.Duration
}

// Issuer mints, refreshes, and revokes token pairs.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      RefreshStore
	now        func() time.Time
}

// NewIssuer creates a token issuer backed by the given refresh store.
func NewIssuer(cfg Config, store RefreshStore) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	if store == nil {
		return nil, fmt.Errorf("refresh store is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "mate-auth"
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Issuer{
		secret:     cfg.Secret,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		store:      store,
		now:        time.Now,
	}, nil
}

// IssuePair mints a fresh token pair and starts a new refresh-token family.
func (i *Issuer) IssuePair(ctx context.Context, userID string) (*Pair, error) {
	now := i.now()
	familyID := uuid.NewString()
	jti := uuid.NewString()
	expires := now.Add(i.refreshTTL)

	if err := i.store.Create(ctx, &Family{
		ID:         familyID,
		UserID:     userID,
		CurrentJTI: jti,
		ExpiresAt:  expires,
		CreatedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("create token family: %w", err)
	}

	return i.signPair(userID, familyID, jti, now)
}

// Issue implements passkey.TokenIssuer.
func (i *Issuer) Issue(ctx context.Context, userID string) (string, string, error) {
	pair, err := i.IssuePair(ctx, userID)
	if err != nil {
		return "", "", err
	}
	return pair.AccessToken, pair.RefreshToken, nil
}

// Refresh validates a refresh token, rotates its family, and returns a new
// pair. A superseded token revokes every family belonging to the user and
// fails with ErrRefreshReused.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, err := i.parse(refreshToken, typeRefresh)
	if err != nil {
		return nil, err
	}

	fam, err := i.store.Get(ctx, claims.Family)
	if err != nil {
		if errors.Is(err, ErrFamilyNotFound) {
			// Revoked (logout) or never existed.
			return nil, ErrRefreshInvalid
		}
		return nil, fmt.Errorf("get token family: %w", err)
	}

	now := i.now()
	if now.After(fam.ExpiresAt) {
		_ = i.store.Delete(ctx, fam.ID)
		return nil, ErrRefreshExpired
	}

	if claims.ID != fam.CurrentJTI {
		// The presented token was already rotated away: someone is holding
		// a stolen (or duplicated) refresh token. Kill every session.
		if err := i.store.DeleteByUser(ctx, fam.UserID); err != nil {
			return nil, fmt.Errorf("revoke user families: %w", err)
		}
		return nil, ErrRefreshReused
	}

	jti := uuid.NewString()
	expires := now.Add(i.refreshTTL)
	if err := i.store.Rotate(ctx, fam.ID, jti, expires); err != nil {
		return nil, fmt.Errorf("rotate token family: %w", err)
	}

	return i.signPair(fam.UserID, fam.ID, jti, now)
}

// Revoke invalidates the family of the given refresh token. Used at logout.
// Idempotent: revoking an unknown or already-revoked token succeeds. A
// malformed token is also a no-op success, since there is nothing to revoke.
func (i *Issuer) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := i.parse(refreshToken, typeRefresh)
	if err != nil {
		return nil
	}
	return i.store.Delete(ctx, claims.Family)
}

// RevokeUser invalidates all token families for a user. Used on account
// deletion. Idempotent.
func (i *Issuer) RevokeUser(ctx context.Context, userID string) error {
	return i.store.DeleteByUser(ctx, userID)
}

// Verify validates an access token and returns the user ID it carries.
func (i *Issuer) Verify(accessToken string) (string, error) {
	claims, err := i.parse(accessToken, typeAccess)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

func (i *Issuer) signPair(userID, familyID, jti string, now time.Time) (*Pair, error) {
	access, err := i.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
		TokenType: typeAccess,
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := i.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.refreshTTL)),
		},
		TokenType: typeRefresh,
		Family:    familyID,
	})
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &Pair{AccessToken: access, RefreshToken: refresh}, nil
}

func (i *Issuer) sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *Issuer) parse(tokenString, wantType string) (*Claims, error) {
	expired := func() error {
		if wantType == typeRefresh {
			return ErrRefreshExpired
		}
		return ErrAccessExpired
	}
	invalid := func() error {
		if wantType == typeRefresh {
			return ErrRefreshInvalid
		}
		return ErrAccessInvalid
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithIssuer(i.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, expired()
		}
		return nil, invalid()
	}
	if !parsed.Valid || claims.TokenType != wantType {
		return nil, invalid()
	}
	return claims, nil
}
