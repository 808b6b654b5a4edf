// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package passkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() ServiceParams {
	return ServiceParams{
		Config: &Config{
			RPID:          "mate.example.edu",
			RPDisplayName: "Mate",
			RPOrigins:     []string{"https://mate.example.edu"},
		},
		UserStore:       NewMemoryUserStore(),
		ChallengeStore:  NewMemoryChallengeStore(time.Minute),
		CredentialStore: NewMemoryCredentialStore(),
	}
}

func TestNewService_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServiceParams)
	}{
		{"missing config", func(p *ServiceParams) { p.Config = nil }},
		{"missing user store", func(p *ServiceParams) { p.UserStore = nil }},
		{"missing challenge store", func(p *ServiceParams) { p.ChallengeStore = nil }},
		{"missing credential store", func(p *ServiceParams) { p.CredentialStore = nil }},
		{"invalid config", func(p *ServiceParams) { p.Config.RPID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validParams()
			tt.mutate(&params)
			_, err := NewService(params)
			assert.Error(t, err)
		})
	}
}

func TestNewService_TokenIssuerOptional(t *testing.T) {
	svc, err := NewService(validParams())
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{
		RPID:          "mate.example.edu",
		RPDisplayName: "Mate",
		RPOrigins:     []string{"https://mate.example.edu"},
	}
	cfg.SetDefaults()

	assert.Equal(t, 5*time.Minute, cfg.ChallengeTTL)
	assert.Equal(t, "required", cfg.UserVerification)
	assert.Equal(t, "required", cfg.ResidentKeyRequirement)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing rpid", func(c *Config) { c.RPID = "" }, true},
		{"missing display name", func(c *Config) { c.RPDisplayName = "" }, true},
		{"missing origins", func(c *Config) { c.RPOrigins = nil }, true},
		{"bad user verification", func(c *Config) { c.UserVerification = "always" }, true},
		{"bad resident key", func(c *Config) { c.ResidentKeyRequirement = "maybe" }, true},
		{"bad attachment", func(c *Config) { c.AuthenticatorAttachment = "usb" }, true},
		{"platform attachment ok", func(c *Config) { c.AuthenticatorAttachment = "platform" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				RPID:          "mate.example.edu",
				RPDisplayName: "Mate",
				RPOrigins:     []string{"https://mate.example.edu"},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ToWebAuthnConfig(t *testing.T) {
	cfg := &Config{
		RPID:          "mate.example.edu",
		RPDisplayName: "Mate",
		RPOrigins:     []string{"https://mate.example.edu"},
	}
	cfg.SetDefaults()

	wc := cfg.ToWebAuthnConfig()
	assert.Equal(t, "mate.example.edu", wc.RPID)
	assert.True(t, wc.Timeouts.Login.Enforce)
	assert.Equal(t, cfg.ChallengeTTL, wc.Timeouts.Login.Timeout)
	assert.Equal(t, "required", string(wc.AuthenticatorSelection.UserVerification))
}

func TestErrorWrapping(t *testing.T) {
	err := wrap("begin signup", ErrDuplicateUsername)
	assert.ErrorIs(t, err, ErrDuplicateUsername)
	assert.Contains(t, err.Error(), "begin signup")
	assert.Nil(t, wrap("noop", nil))

	nested := wrap("outer", wrap("inner", ErrChallengeExpired))
	assert.ErrorIs(t, nested, ErrChallengeExpired)
	assert.True(t, IsChallengeExpired(nested))
}
