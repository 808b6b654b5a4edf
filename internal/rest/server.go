// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package rest exposes the authentication service over HTTP: passkey
// ceremony endpoints, token refresh and logout, device management, email
// verification, and the usual liveness and metrics endpoints.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mate-community/mate-auth/pkg/emailverify"
	"github.com/mate-community/mate-auth/pkg/passkey"
	"github.com/mate-community/mate-auth/pkg/token"
)

// Pinger reports storage connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerParams contains dependencies for creating a Server.
type ServerParams struct {
	// Service runs the passkey ceremonies (required).
	Service *passkey.Service

	// Issuer mints and rotates token pairs (required).
	Issuer *token.Issuer

	// Verifier handles email verification codes (required).
	Verifier *emailverify.Verifier

	// Pinger backs /healthz. Optional; without one the endpoint always
	// reports ok.
	Pinger Pinger

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server is the HTTP front of the authentication service.
type Server struct {
	service  *passkey.Service
	issuer   *token.Issuer
	verifier *emailverify.Verifier
	pinger   Pinger
	logger   *slog.Logger
	metrics  *Metrics
	router   chi.Router
}

// NewServer creates the server and mounts all routes.
func NewServer(params ServerParams) (*Server, error) {
	if params.Service == nil {
		return nil, fmt.Errorf("passkey service is required")
	}
	if params.Issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if params.Verifier == nil {
		return nil, fmt.Errorf("email verifier is required")
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}

	s := &Server{
		service:  params.Service,
		issuer:   params.Issuer,
		verifier: params.Verifier,
		pinger:   params.Pinger,
		logger:   params.Logger,
		metrics:  NewMetrics(),
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.Route("/auth", func(r chi.Router) {
		r.Route("/passkey", func(r chi.Router) {
			r.With(s.optionalAuth).Post("/registration/options", s.handleRegistrationOptions)
			r.Post("/registration/verify", s.handleRegistrationVerify)
			r.Post("/authentication/options", s.handleAuthenticationOptions)
			r.Post("/authentication/verify", s.handleAuthenticationVerify)
		})
		r.Post("/token/refresh", s.handleRefresh)
		r.With(s.requireAuth).Post("/logout", s.handleLogout)
		r.With(s.requireAuth).Get("/credentials", s.handleListCredentials)
		r.With(s.requireAuth).Delete("/credentials/{id}", s.handleRemoveCredential)
		r.Post("/email/send", s.handleEmailSend)
		r.With(s.optionalAuth).Post("/email/verify", s.handleEmailVerify)
	})

	r.With(s.requireAuth).Get("/users/me", s.handleMe)
	r.With(s.requireAuth).Patch("/users/me", s.handleUpdateMe)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// handleServiceError maps service errors to HTTP responses.
func (s *Server) handleServiceError(w http.ResponseWriter, err error) {
	m := mapError(err)
	if m.status >= http.StatusInternalServerError {
		s.logger.Error("internal error", slog.Any("error", err))
		s.writeError(w, m.status, m.code, "internal server error")
		return
	}
	s.writeError(w, m.status, m.code, err.Error())
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
