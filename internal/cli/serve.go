// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mate-community/mate-auth/internal/config"
	"github.com/mate-community/mate-auth/internal/rest"
	"github.com/mate-community/mate-auth/internal/storage/postgres"
	"github.com/mate-community/mate-auth/pkg/emailverify"
	"github.com/mate-community/mate-auth/pkg/passkey"
	"github.com/mate-community/mate-auth/pkg/token"
)

// serveCmd starts the HTTP server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	deps, cleanup, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	server, err := rest.NewServer(*deps)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutting down", slog.String("reason", "context canceled"))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*rest.ServerParams, func(), error) {
	cleanup := func() {}

	var (
		users       passkey.UserStore
		credentials passkey.CredentialStore
		families    token.RefreshStore
		codes       emailverify.Store
		pinger      rest.Pinger
	)

	switch cfg.Storage.Driver {
	case "postgres":
		storage, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open storage: %w", err)
		}
		cleanup = func() { storage.Close() }
		users = storage.Users()
		credentials = storage.Credentials()
		families = storage.RefreshFamilies()
		codes = storage.EmailCodes()
		pinger = storage
	default:
		users = passkey.NewMemoryUserStore()
		credentials = passkey.NewMemoryCredentialStore()
		families = token.NewMemoryRefreshStore()
		codes = emailverify.NewMemoryStore()
	}

	issuer, err := token.NewIssuer(token.Config{
		Secret:     []byte(cfg.Token.Secret),
		Issuer:     cfg.Token.Issuer,
		AccessTTL:  cfg.Token.AccessTTL.Std(),
		RefreshTTL: cfg.Token.RefreshTTL.Std(),
	}, families)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create token issuer: %w", err)
	}

	service, err := passkey.NewService(passkey.ServiceParams{
		Config: &passkey.Config{
			RPID:             cfg.WebAuthn.RPID,
			RPDisplayName:    cfg.WebAuthn.RPDisplayName,
			RPOrigins:        cfg.WebAuthn.RPOrigins,
			ChallengeTTL:     cfg.WebAuthn.ChallengeTTL.Std(),
			UserVerification: cfg.WebAuthn.UserVerification,
		},
		UserStore:       users,
		ChallengeStore:  passkey.NewMemoryChallengeStore(cfg.WebAuthn.ChallengeTTL.Std()),
		CredentialStore: credentials,
		TokenIssuer:     issuer,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create passkey service: %w", err)
	}

	verifier, err := emailverify.NewVerifier(codes, newSender(cfg.SMTP, logger), 0)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create email verifier: %w", err)
	}

	return &rest.ServerParams{
		Service:  service,
		Issuer:   issuer,
		Verifier: verifier,
		Pinger:   pinger,
		Logger:   logger,
	}, cleanup, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newSender(cfg config.SMTPConfig, logger *slog.Logger) emailverify.Sender {
	if cfg.Host == "" {
		return logSender{logger: logger}
	}
	sender, err := emailverify.NewSMTPSender(emailverify.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	})
	if err != nil {
		logger.Warn("smtp sender unavailable, logging codes instead", slog.Any("error", err))
		return logSender{logger: logger}
	}
	return sender
}

// logSender logs codes instead of mailing them. Development only.
type logSender struct {
	logger *slog.Logger
}

func (s logSender) Send(ctx context.Context, email, code string) error {
	s.logger.Info("verification code issued", slog.String("email", email), slog.String("code", code))
	return nil
}
