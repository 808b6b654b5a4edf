// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mate-community/mate-auth/pkg/emailverify"
	"github.com/mate-community/mate-auth/pkg/passkey"
	"github.com/mate-community/mate-auth/pkg/token"
)

type capturingSender struct {
	codes map[string]string
}

func (c *capturingSender) Send(ctx context.Context, email, code string) error {
	c.codes[email] = code
	return nil
}

type testServer struct {
	http   *httptest.Server
	sender *capturingSender
	issuer *token.Issuer
	rp     virtualwebauthn.RelyingParty
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &passkey.Config{
		RPID:          "mate.example.edu",
		RPDisplayName: "Mate",
		RPOrigins:     []string{"https://mate.example.edu"},
	}

	issuer, err := token.NewIssuer(token.Config{Secret: []byte("test-secret")}, token.NewMemoryRefreshStore())
	require.NoError(t, err)

	service, err := passkey.NewService(passkey.ServiceParams{
		Config:          cfg,
		UserStore:       passkey.NewMemoryUserStore(),
		ChallengeStore:  passkey.NewMemoryChallengeStore(5 * time.Minute),
		CredentialStore: passkey.NewMemoryCredentialStore(),
		TokenIssuer:     issuer,
	})
	require.NoError(t, err)

	sender := &capturingSender{codes: make(map[string]string)}
	verifier, err := emailverify.NewVerifier(emailverify.NewMemoryStore(), sender, 0)
	require.NoError(t, err)

	server, err := NewServer(ServerParams{
		Service:  service,
		Issuer:   issuer,
		Verifier: verifier,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	return &testServer{
		http:   srv,
		sender: sender,
		issuer: issuer,
		rp: virtualwebauthn.RelyingParty{
			Name:   cfg.RPDisplayName,
			ID:     cfg.RPID,
			Origin: cfg.RPOrigins[0],
		},
	}
}

func (ts *testServer) post(t *testing.T, path, bearer string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.http.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) do(t *testing.T, method, path, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decode[ErrorResponse](t, resp).Error
}

// signUp runs the full signup ceremony over HTTP.
func (ts *testServer) signUp(t *testing.T, username string) (virtualwebauthn.Authenticator, virtualwebauthn.Credential, AuthResponse) {
	t.Helper()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	resp := ts.post(t, "/auth/passkey/registration/options", "", RegistrationOptionsRequest{
		Username: username,
		Nickname: "Tester",
		Email:    username + "@example.edu",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	options := decode[protocol.CredentialCreation](t, resp)

	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	parsed, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)
	attestation := virtualwebauthn.CreateAttestationResponse(ts.rp, auth, cred, *parsed)

	resp = ts.post(t, "/auth/passkey/registration/verify", "", RegistrationVerifyRequest{
		Username: username,
		Response: json.RawMessage(attestation),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[AuthResponse](t, resp)
	auth.AddCredential(cred)
	return auth, cred, result
}

// logIn runs the full authentication ceremony over HTTP.
func (ts *testServer) logIn(t *testing.T, username string, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential) AuthResponse {
	t.Helper()

	resp := ts.post(t, "/auth/passkey/authentication/options", "", AuthenticationOptionsRequest{Username: username})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	options := decode[protocol.CredentialAssertion](t, resp)

	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	parsed, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)
	assertion := virtualwebauthn.CreateAssertionResponse(ts.rp, auth, cred, *parsed)

	resp = ts.post(t, "/auth/passkey/authentication/verify", "", AuthenticationVerifyRequest{
		Username: username,
		Response: json.RawMessage(assertion),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[AuthResponse](t, resp)
}

func TestSignupFlow(t *testing.T) {
	ts := newTestServer(t)

	_, _, result := ts.signUp(t, "alice")

	require.NotNil(t, result.User)
	assert.Equal(t, "alice", result.User.Username)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)

	// The access token works against a protected endpoint.
	resp := ts.do(t, http.MethodGet, "/users/me", result.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[UserResponse](t, resp)
	assert.Equal(t, "alice", me.Username)
}

func TestSignup_DuplicateUsername(t *testing.T) {
	ts := newTestServer(t)
	ts.signUp(t, "alice")

	resp := ts.post(t, "/auth/passkey/registration/options", "", RegistrationOptionsRequest{Username: "alice"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeDuplicateUsername, errorCode(t, resp))
}

func TestLoginFlow(t *testing.T) {
	ts := newTestServer(t)
	auth, cred, signup := ts.signUp(t, "alice")

	cred.Counter++
	login := ts.logIn(t, "alice", auth, cred)

	assert.Equal(t, signup.User.ID, login.User.ID)
	assert.NotEmpty(t, login.AccessToken)
	assert.NotEqual(t, signup.AccessToken, login.AccessToken)
}

func TestLogin_UnknownUser(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/auth/passkey/authentication/options", "", AuthenticationOptionsRequest{Username: "nobody"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeUserNotFound, errorCode(t, resp))
}

func TestLogin_ReplayRejected(t *testing.T) {
	ts := newTestServer(t)
	auth, cred, _ := ts.signUp(t, "alice")

	cred.Counter++
	ts.logIn(t, "alice", auth, cred)

	// Same counter again.
	resp := ts.post(t, "/auth/passkey/authentication/options", "", AuthenticationOptionsRequest{Username: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	options := decode[protocol.CredentialAssertion](t, resp)
	optionsJSON, _ := json.Marshal(options.Response)
	parsed, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)
	assertion := virtualwebauthn.CreateAssertionResponse(ts.rp, auth, cred, *parsed)

	resp = ts.post(t, "/auth/passkey/authentication/verify", "", AuthenticationVerifyRequest{
		Username: "alice",
		Response: json.RawMessage(assertion),
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeReplayDetected, errorCode(t, resp))
}

func TestRefreshFlow(t *testing.T) {
	ts := newTestServer(t)
	_, _, signup := ts.signUp(t, "alice")

	resp := ts.post(t, "/auth/token/refresh", "", RefreshRequest{RefreshToken: signup.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	refreshed := decode[AuthResponse](t, resp)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, signup.RefreshToken, refreshed.RefreshToken)

	// The superseded refresh token is now poison: using it revokes the
	// whole family tree.
	resp = ts.post(t, "/auth/token/refresh", "", RefreshRequest{RefreshToken: signup.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, token.CodeRefreshReused, errorCode(t, resp))

	resp = ts.post(t, "/auth/token/refresh", "", RefreshRequest{RefreshToken: refreshed.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, token.CodeRefreshInvalid, errorCode(t, resp))
}

func TestLogout(t *testing.T) {
	ts := newTestServer(t)
	_, _, signup := ts.signUp(t, "alice")

	resp := ts.post(t, "/auth/logout", signup.AccessToken, LogoutRequest{RefreshToken: signup.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Logout is idempotent.
	resp = ts.post(t, "/auth/logout", signup.AccessToken, LogoutRequest{RefreshToken: signup.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The revoked refresh token no longer refreshes.
	resp = ts.post(t, "/auth/token/refresh", "", RefreshRequest{RefreshToken: signup.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, token.CodeRefreshInvalid, errorCode(t, resp))
}

func TestCredentialManagement(t *testing.T) {
	ts := newTestServer(t)
	_, _, signup := ts.signUp(t, "alice")

	resp := ts.do(t, http.MethodGet, "/auth/credentials", signup.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[CredentialListResponse](t, resp)
	require.Len(t, list.Credentials, 1)
	credID := list.Credentials[0].ID

	// Removing the only passkey without confirmation is refused.
	resp = ts.do(t, http.MethodDelete, "/auth/credentials/"+credID, signup.AccessToken)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeLastCredential, errorCode(t, resp))

	// With explicit confirmation it goes through.
	resp = ts.do(t, http.MethodDelete, "/auth/credentials/"+credID+"?confirm=true", signup.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/auth/credentials", signup.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = decode[CredentialListResponse](t, resp)
	assert.Empty(t, list.Credentials)
}

func TestAddDeviceFlow(t *testing.T) {
	ts := newTestServer(t)
	_, _, signup := ts.signUp(t, "alice")

	// Authenticated registration options start a device-addition ceremony.
	resp := ts.post(t, "/auth/passkey/registration/options", signup.AccessToken,
		RegistrationOptionsRequest{DeviceLabel: "Backup Key"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	options := decode[protocol.CredentialCreation](t, resp)
	require.Len(t, options.Response.CredentialExcludeList, 1)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	optionsJSON, _ := json.Marshal(options.Response)
	parsed, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)
	attestation := virtualwebauthn.CreateAttestationResponse(ts.rp, auth, cred, *parsed)

	resp = ts.post(t, "/auth/passkey/registration/verify", "", RegistrationVerifyRequest{
		Username: "alice",
		Response: json.RawMessage(attestation),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/auth/credentials", signup.AccessToken)
	list := decode[CredentialListResponse](t, resp)
	assert.Len(t, list.Credentials, 2)
}

func TestEmailVerification(t *testing.T) {
	ts := newTestServer(t)
	_, _, signup := ts.signUp(t, "alice")

	resp := ts.post(t, "/auth/email/send", "", EmailSendRequest{Email: "alice@school.edu"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	code := ts.sender.codes["alice@school.edu"]
	require.NotEmpty(t, code)

	// Wrong code.
	resp = ts.post(t, "/auth/email/verify", "", EmailVerifyRequest{Email: "alice@school.edu", Code: "000000"})
	if code == "000000" {
		t.Skip("generated code collides with the test constant")
	}
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeCodeMismatch, errorCode(t, resp))

	// Right code, school flag, authenticated: records the school email.
	resp = ts.post(t, "/auth/email/verify", signup.AccessToken,
		EmailVerifyRequest{Email: "alice@school.edu", Code: code, School: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/users/me", signup.AccessToken)
	me := decode[UserResponse](t, resp)
	assert.True(t, me.SchoolVerified)
	assert.Equal(t, "alice@school.edu", me.SchoolEmail)

	// Codes are single use.
	resp = ts.post(t, "/auth/email/verify", "", EmailVerifyRequest{Email: "alice@school.edu", Code: code})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeCodeConsumed, errorCode(t, resp))
}

func TestUpdateProfile(t *testing.T) {
	ts := newTestServer(t)
	_, _, signup := ts.signUp(t, "alice")

	payload, _ := json.Marshal(UpdateProfileRequest{Nickname: "Ali"})
	req, err := http.NewRequest(http.MethodPatch, ts.http.URL+"/users/me", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signup.AccessToken)
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[UserResponse](t, resp)
	assert.Equal(t, "Ali", me.Nickname)
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		bearer string
		code   string
	}{
		{"no token", "", CodeAccessInvalid},
		{"garbage token", "not-a-jwt", CodeAccessInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodGet, "/users/me", tt.bearer)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}

	t.Run("refresh token rejected as bearer", func(t *testing.T) {
		_, _, signup := ts.signUp(t, "bearer-check")
		resp := ts.do(t, http.MethodGet, "/users/me", signup.RefreshToken)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, CodeAccessInvalid, errorCode(t, resp))
	})
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[StatusResponse](t, resp).Status)

	ts.signUp(t, "alice")

	resp = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "mate_auth_http_requests_total")
	assert.Contains(t, string(body), `mate_auth_ceremonies_total{kind="registration",outcome="success"}`)
}

func TestInvalidBodies(t *testing.T) {
	ts := newTestServer(t)

	paths := []string{
		"/auth/passkey/registration/options",
		"/auth/passkey/registration/verify",
		"/auth/passkey/authentication/options",
		"/auth/passkey/authentication/verify",
		"/auth/token/refresh",
		"/auth/email/send",
		"/auth/email/verify",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, ts.http.URL+path, bytes.NewReader([]byte("{not json")))
			require.NoError(t, err)
			resp, err := ts.http.Client().Do(req)
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, CodeInvalidRequest, errorCode(t, resp))
		})
	}

	// Empty username on options.
	resp := ts.post(t, "/auth/passkey/registration/options", "", RegistrationOptionsRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, resp))
}
