// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/mate-community/mate-auth/pkg/token"
)

// Paths the interceptor never refreshes for. A 401 from a ceremony or the
// refresh endpoint itself means the credentials are wrong, not stale.
var exemptPrefixes = []string{
	"/auth/token/refresh",
	"/auth/passkey/",
}

// Transport is the http.RoundTripper that attaches the session's access
// token to outgoing requests and performs a single coalesced refresh-and-
// retry when a request comes back 401.
type Transport struct {
	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// BaseURL is the origin of the mate-auth server, e.g.
	// "https://api.example.edu". Required for the refresh call.
	BaseURL string

	// State holds the session tokens. Required.
	State *State

	// OnLogout, if set, runs after the session state is cleared because
	// refresh failed. Called at most once per failure.
	OnLogout func(reason error)

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	group singleflight.Group
}

// Client returns an *http.Client using this transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	access := t.State.AccessToken()

	resp, err := t.send(req, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || t.exempt(req.URL.Path) {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		// The body is gone and cannot be replayed.
		return resp, nil
	}

	newAccess, err := t.refreshFor(req.Context(), access)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	// One retry with the new token. A second 401 propagates as-is.
	resp.Body.Close()
	retry, err := rewind(req)
	if err != nil {
		return nil, err
	}
	return t.send(retry, newAccess)
}

// refreshFor obtains a usable access token for a caller whose request failed
// with the given token. Concurrent callers coalesce into one refresh; a
// caller whose token already changed under it skips the refresh entirely.
func (t *Transport) refreshFor(ctx context.Context, failedAccess string) (string, error) {
	if current := t.State.AccessToken(); current != failedAccess {
		return current, nil
	}

	v, err, _ := t.group.Do("refresh", func() (interface{}, error) {
		// Re-check under the flight: another caller may have refreshed
		// between our 401 and joining the group.
		if current := t.State.AccessToken(); current != failedAccess {
			return current, nil
		}
		// The shared rotation must not die with whichever caller started
		// it: other waiters consume its result, and the server may commit
		// a rotation that an aborted request never observes.
		pair, err := t.refresh(context.WithoutCancel(ctx))
		if err != nil {
			if sessionDead(err) {
				t.logout(err)
			}
			return nil, err
		}
		t.State.SetTokens(pair.AccessToken, pair.RefreshToken)
		return pair.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (t *Transport) refresh(ctx context.Context) (*token.Pair, error) {
	refresh := t.State.RefreshToken()
	if refresh == "" {
		return nil, token.ErrRefreshInvalid
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refresh})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.BaseURL, "/")+"/auth/token/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var wire struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&wire)
		return nil, token.ErrFromCode(wire.Error)
	}

	var pair token.Pair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	return &pair, nil
}

// sessionDead reports whether a refresh failure means the session itself is
// gone. Transport faults are not fatal: the refresh token is still valid and
// a later request may succeed, so the state must survive them.
func sessionDead(err error) bool {
	return errors.Is(err, token.ErrRefreshExpired) ||
		errors.Is(err, token.ErrRefreshInvalid) ||
		errors.Is(err, token.ErrRefreshReused)
}

func (t *Transport) logout(reason error) {
	t.State.Clear()
	t.logger().Info("session ended", "reason", reason)
	if t.OnLogout != nil {
		t.OnLogout(reason)
	}
}

func (t *Transport) send(req *http.Request, access string) (*http.Response, error) {
	// Per RoundTripper contract the request is not modified in place.
	r := req.Clone(req.Context())
	if access != "" {
		r.Header.Set("Authorization", "Bearer "+access)
	}
	return t.base().RoundTrip(r)
}

func (t *Transport) exempt(path string) bool {
	for _, p := range exemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}
	return r, nil
}
