// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package rest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/mate-community/mate-auth/pkg/passkey"
)

// handleRegistrationOptions handles POST /auth/passkey/registration/options.
// Unauthenticated requests start a signup ceremony; authenticated ones start
// a device-addition ceremony for the caller's own account.
func (s *Server) handleRegistrationOptions(w http.ResponseWriter, r *http.Request) {
	var req RegistrationOptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	if id := userID(r.Context()); id != uuid.Nil {
		user, err := s.service.GetUser(r.Context(), id)
		if err != nil {
			s.handleServiceError(w, err)
			return
		}
		options, err := s.service.BeginAddDevice(r.Context(), user.Username, req.DeviceLabel)
		if err != nil {
			s.handleServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, options)
		return
	}

	if req.Username == "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "username is required")
		return
	}
	options, err := s.service.BeginSignup(r.Context(), passkey.Profile{
		Username: req.Username,
		Nickname: req.Nickname,
		Email:    req.Email,
	}, req.DeviceLabel)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, options)
}

// handleRegistrationVerify handles POST /auth/passkey/registration/verify.
func (s *Server) handleRegistrationVerify(w http.ResponseWriter, r *http.Request) {
	var req RegistrationVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if req.Username == "" || len(req.Response) == 0 {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "username and response are required")
		return
	}

	response, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Response))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid attestation response")
		return
	}

	result, err := s.service.FinishRegistration(r.Context(), req.Username, response)
	if err != nil {
		s.metrics.Ceremony("registration", "failure")
		s.handleServiceError(w, err)
		return
	}
	s.metrics.Ceremony("registration", "success")

	s.writeJSON(w, http.StatusOK, AuthResponse{
		User:         userResponse(result.User),
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

// handleAuthenticationOptions handles POST /auth/passkey/authentication/options.
func (s *Server) handleAuthenticationOptions(w http.ResponseWriter, r *http.Request) {
	var req AuthenticationOptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "username is required")
		return
	}

	options, err := s.service.BeginAuthentication(r.Context(), req.Username)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, options)
}

// handleAuthenticationVerify handles POST /auth/passkey/authentication/verify.
func (s *Server) handleAuthenticationVerify(w http.ResponseWriter, r *http.Request) {
	var req AuthenticationVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if req.Username == "" || len(req.Response) == 0 {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "username and response are required")
		return
	}

	response, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(req.Response))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid assertion response")
		return
	}

	result, err := s.service.FinishAuthentication(r.Context(), req.Username, response)
	if err != nil {
		s.metrics.Ceremony("authentication", "failure")
		s.handleServiceError(w, err)
		return
	}
	s.metrics.Ceremony("authentication", "success")

	s.writeJSON(w, http.StatusOK, AuthResponse{
		User:         userResponse(result.User),
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

// handleRefresh handles POST /auth/token/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "refresh_token is required")
		return
	}

	pair, err := s.issuer.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.metrics.Refresh("failure")
		s.handleServiceError(w, err)
		return
	}
	s.metrics.Refresh("success")

	s.writeJSON(w, http.StatusOK, AuthResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// handleLogout handles POST /auth/logout. Revocation is idempotent; logging
// out an already-dead session succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	if err := s.issuer.Revoke(r.Context(), req.RefreshToken); err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "logged_out"})
}

// handleListCredentials handles GET /auth/credentials.
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.service.ListCredentials(r.Context(), userID(r.Context()))
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	out := make([]CredentialResponse, len(creds))
	for i, c := range creds {
		out[i] = CredentialResponse{
			ID:        base64.RawURLEncoding.EncodeToString(c.ID),
			Label:     c.Label,
			CreatedAt: c.CreatedAt,
		}
		if !c.LastUsedAt.IsZero() {
			t := c.LastUsedAt
			out[i].LastUsedAt = &t
		}
	}
	s.writeJSON(w, http.StatusOK, CredentialListResponse{Credentials: out})
}

// handleRemoveCredential handles DELETE /auth/credentials/{id}. The id is
// the base64url credential ID; removing the caller's last credential needs
// confirm=true.
func (s *Server) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	credID, err := base64.RawURLEncoding.DecodeString(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid credential ID encoding")
		return
	}
	confirm := r.URL.Query().Get("confirm") == "true"

	if err := s.service.RemoveCredential(r.Context(), userID(r.Context()), credID, confirm); err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "removed"})
}

// handleEmailSend handles POST /auth/email/send.
func (s *Server) handleEmailSend(w http.ResponseWriter, r *http.Request) {
	var req EmailSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "email is required")
		return
	}

	if err := s.verifier.Send(r.Context(), req.Email); err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "sent"})
}

// handleEmailVerify handles POST /auth/email/verify.
func (s *Server) handleEmailVerify(w http.ResponseWriter, r *http.Request) {
	var req EmailVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Code == "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "email and code are required")
		return
	}

	if err := s.verifier.Verify(r.Context(), req.Email, req.Code); err != nil {
		s.handleServiceError(w, err)
		return
	}

	if req.School {
		id := userID(r.Context())
		if id == uuid.Nil {
			s.writeError(w, http.StatusUnauthorized, CodeAccessInvalid, "school verification requires authentication")
			return
		}
		if _, err := s.service.MarkSchoolVerified(r.Context(), id, req.Email); err != nil {
			s.handleServiceError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "verified"})
}

// handleMe handles GET /users/me.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.GetUser(r.Context(), userID(r.Context()))
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, userResponse(user))
}

// handleUpdateMe handles PATCH /users/me.
func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	user, err := s.service.UpdateNickname(r.Context(), userID(r.Context()), req.Nickname)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, userResponse(user))
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, CodeInternalError, "storage unreachable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func userResponse(u *passkey.User) *UserResponse {
	return &UserResponse{
		ID:             u.ID.String(),
		Username:       u.Username,
		Nickname:       u.Nickname,
		Email:          u.Email,
		SchoolEmail:    u.SchoolEmail,
		SchoolVerified: u.SchoolVerified,
		CreatedAt:      u.CreatedAt,
	}
}
