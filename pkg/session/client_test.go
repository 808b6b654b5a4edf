// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mate-community/mate-auth/pkg/token"
)

// authServer is a test API that accepts a rotating set of access tokens and
// serves the refresh endpoint.
type authServer struct {
	mu           sync.Mutex
	validAccess  map[string]bool
	validRefresh map[string]bool
	refreshCalls int32
	refreshCode  string // non-empty: refresh fails with this wire code
	refreshDelay time.Duration
	issued       int
}

func newAuthServer() *authServer {
	return &authServer{
		validAccess:  make(map[string]bool),
		validRefresh: make(map[string]bool),
	}
}

func (a *authServer) issue() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.issued++
	access := "access-" + string(rune('a'+a.issued))
	refresh := "refresh-" + string(rune('a'+a.issued))
	a.validAccess[access] = true
	a.validRefresh[refresh] = true
	return access, refresh
}

func (a *authServer) expireAccess(tok string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.validAccess, tok)
}

func (a *authServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&a.refreshCalls, 1)
		a.mu.Lock()
		code := a.refreshCode
		delay := a.refreshDelay
		a.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if code != "" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": code})
			return
		}
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !a.validToken(body.RefreshToken, false) {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": token.CodeRefreshInvalid})
			return
		}
		access, refresh := a.issue()
		json.NewEncoder(w).Encode(token.Pair{AccessToken: access, RefreshToken: refresh})
	})
	mux.HandleFunc("GET /users/me", func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !a.validToken(bearer, true) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(Profile{ID: "u1", Username: "alice"})
	})
	mux.HandleFunc("POST /notes", func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !a.validToken(bearer, true) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})
	mux.HandleFunc("POST /auth/passkey/authentication/verify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	return mux
}

func (a *authServer) validToken(tok string, access bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if access {
		return a.validAccess[tok]
	}
	return a.validRefresh[tok]
}

func newTestClient(t *testing.T) (*authServer, *Transport, *httptest.Server) {
	t.Helper()
	api := newAuthServer()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	tr := &Transport{BaseURL: srv.URL, State: NewState()}
	return api, tr, srv
}

func TestRoundTrip_AttachesBearer(t *testing.T) {
	api, tr, srv := newTestClient(t)
	access, refresh := api.issue()
	tr.State.SetTokens(access, refresh)

	resp, err := tr.Client().Get(srv.URL + "/users/me")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, atomic.LoadInt32(&api.refreshCalls))
}

func TestRoundTrip_RefreshAndRetryOn401(t *testing.T) {
	api, tr, srv := newTestClient(t)
	access, refresh := api.issue()
	tr.State.SetTokens(access, refresh)
	api.expireAccess(access)

	resp, err := tr.Client().Get(srv.URL + "/users/me")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&api.refreshCalls))
	assert.NotEqual(t, access, tr.State.AccessToken(), "tokens rotated")
	assert.NotEqual(t, refresh, tr.State.RefreshToken())
}

func TestRoundTrip_RetriesBodyRequests(t *testing.T) {
	api, tr, srv := newTestClient(t)
	access, refresh := api.issue()
	tr.State.SetTokens(access, refresh)
	api.expireAccess(access)

	resp, err := tr.Client().Post(srv.URL+"/notes", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	echoed, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(echoed), "body replayed on retry")
}

func TestRoundTrip_SingleRetryOnly(t *testing.T) {
	api, tr, srv := newTestClient(t)

	// Valid refresh token but the access tokens it mints are immediately
	// expired, so the retried request 401s again.
	access, refresh := api.issue()
	tr.State.SetTokens(access, refresh)
	api.expireAccess(access)

	// Expire every newly issued access token as soon as the refresh call
	// returns, so the retried request 401s again.
	tr.Base = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		res, err := http.DefaultTransport.RoundTrip(r)
		if err == nil && r.URL.Path == "/auth/token/refresh" && res.StatusCode == http.StatusOK {
			api.mu.Lock()
			for tok := range api.validAccess {
				delete(api.validAccess, tok)
			}
			api.mu.Unlock()
		}
		return res, err
	})

	resp, err := tr.Client().Get(srv.URL + "/users/me")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "second 401 propagates")
	assert.EqualValues(t, 1, atomic.LoadInt32(&api.refreshCalls), "no refresh loop")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestRoundTrip_ConcurrentRefreshCoalesces(t *testing.T) {
	api, tr, srv := newTestClient(t)
	access, refresh := api.issue()
	tr.State.SetTokens(access, refresh)
	api.expireAccess(access)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	codes := make([]int, n)
	client := tr.Client()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Get(srv.URL + "/users/me")
			errs[i] = err
			if err == nil {
				codes[i] = resp.StatusCode
				resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, http.StatusOK, codes[i])
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&api.refreshCalls),
		"concurrent 401s share one refresh")
}

func TestRoundTrip_RefreshFailureLogsOut(t *testing.T) {
	api, tr, srv := newTestClient(t)
	access, refresh := api.issue()
	tr.State.SetTokens(access, refresh)
	tr.State.SetProfile(&Profile{ID: "u1", Username: "alice"})
	api.expireAccess(access)
	api.refreshCode = token.CodeRefreshExpired

	var loggedOut error
	tr.OnLogout = func(reason error) { loggedOut = reason }

	_, err := tr.Client().Get(srv.URL + "/users/me")
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrRefreshExpired)

	assert.ErrorIs(t, loggedOut, token.ErrRefreshExpired)
	assert.False(t, tr.State.SignedIn())
	assert.Empty(t, tr.State.RefreshToken())
	assert.Nil(t, tr.State.Profile(), "profile cleared with the tokens")
}

func TestRoundTrip_ReuseDetectionLogsOut(t *testing.T) {
	api, tr, srv := newTestClient(t)
	access, refresh := api.issue()
	tr.State.SetTokens(access, refresh)
	api.expireAccess(access)
	api.refreshCode = token.CodeRefreshReused

	_, err := tr.Client().Get(srv.URL + "/users/me")
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrRefreshReused)
	assert.False(t, tr.State.SignedIn())
}

func TestRoundTrip_TransportRefreshFailureKeepsSession(t *testing.T) {
	api, tr, srv := newTestClient(t)
	access, refresh := api.issue()
	tr.State.SetTokens(access, refresh)
	tr.State.SetProfile(&Profile{ID: "u1", Username: "alice"})
	api.expireAccess(access)

	var loggedOut atomic.Bool
	tr.OnLogout = func(error) { loggedOut.Store(true) }

	// The refresh endpoint is unreachable at the transport while the rest of
	// the API stays healthy.
	var dropRefresh atomic.Bool
	dropRefresh.Store(true)
	tr.Base = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if dropRefresh.Load() && r.URL.Path == "/auth/token/refresh" {
			return nil, errors.New("connection reset by peer")
		}
		return http.DefaultTransport.RoundTrip(r)
	})

	_, err := tr.Client().Get(srv.URL + "/users/me")
	require.Error(t, err)
	assert.NotErrorIs(t, err, token.ErrRefreshInvalid)
	assert.NotErrorIs(t, err, token.ErrRefreshExpired)

	assert.False(t, loggedOut.Load(), "transport fault is not a logout")
	assert.True(t, tr.State.SignedIn())
	assert.Equal(t, refresh, tr.State.RefreshToken(), "refresh token retained")
	assert.NotNil(t, tr.State.Profile())

	// Once the network recovers the same session keeps working.
	dropRefresh.Store(false)
	resp, err := tr.Client().Get(srv.URL + "/users/me")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoundTrip_CanceledCallerDoesNotAbortRefresh(t *testing.T) {
	api, tr, srv := newTestClient(t)
	access, refresh := api.issue()
	tr.State.SetTokens(access, refresh)
	api.expireAccess(access)
	api.mu.Lock()
	api.refreshDelay = 300 * time.Millisecond
	api.mu.Unlock()

	client := tr.Client()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	var canceledErr, survivorErr error
	var survivorCode int
	wg.Add(2)
	go func() {
		defer wg.Done()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/users/me", nil)
		if err != nil {
			canceledErr = err
			return
		}
		resp, err := client.Do(req)
		canceledErr = err
		if err == nil {
			resp.Body.Close()
		}
	}()
	go func() {
		defer wg.Done()
		resp, err := client.Get(srv.URL + "/users/me")
		survivorErr = err
		if err == nil {
			survivorCode = resp.StatusCode
			resp.Body.Close()
		}
	}()

	// Cancel one caller mid-refresh. The shared rotation keeps going for
	// the other.
	time.Sleep(100 * time.Millisecond)
	cancel()
	wg.Wait()

	require.Error(t, canceledErr)
	require.NoError(t, survivorErr, "surviving caller rides the shared refresh")
	assert.Equal(t, http.StatusOK, survivorCode)
	assert.True(t, tr.State.SignedIn(), "cancellation does not end the session")
	assert.NotEqual(t, refresh, tr.State.RefreshToken(), "rotation completed")
	assert.EqualValues(t, 1, atomic.LoadInt32(&api.refreshCalls))
}

func TestRoundTrip_ExemptPathsNeverRefresh(t *testing.T) {
	api, tr, srv := newTestClient(t)
	access, refresh := api.issue()
	tr.State.SetTokens(access, refresh)

	resp, err := tr.Client().Post(srv.URL+"/auth/passkey/authentication/verify",
		"application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 0, atomic.LoadInt32(&api.refreshCalls))
	assert.True(t, tr.State.SignedIn(), "ceremony 401 does not end the session")
}

func TestRoundTrip_NoRefreshTokenLogsOut(t *testing.T) {
	api, tr, srv := newTestClient(t)
	tr.State.SetTokens("stale-access", "")
	_ = api

	_, err := tr.Client().Get(srv.URL + "/users/me")
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrRefreshInvalid)
	assert.False(t, tr.State.SignedIn())
}

func TestState_Accessors(t *testing.T) {
	s := NewState()
	assert.False(t, s.SignedIn())

	s.SetTokens("a", "r")
	s.SetProfile(&Profile{ID: "u1", Username: "alice"})
	assert.True(t, s.SignedIn())
	assert.Equal(t, "a", s.AccessToken())
	assert.Equal(t, "r", s.RefreshToken())

	// Profile returns a copy.
	p := s.Profile()
	p.Username = "mallory"
	assert.Equal(t, "alice", s.Profile().Username)

	s.Clear()
	assert.False(t, s.SignedIn())
	assert.Nil(t, s.Profile())
}
