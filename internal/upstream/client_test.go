package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler, creds Credentials) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "supersecret", creds, 5*time.Second, 5*time.Second, nil)
}

func TestDo_MissingCredential(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be attempted without a credential")
	}), Credentials{})

	_, err := c.Components(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCredential))
}

func TestDo_PasswordGrant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["username"] != "agent" || body["password"] != "pw" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{Access: "tok-1", Refresh: "ref-1"})
	})
	mux.HandleFunc("GET /data-sources/Internal/components/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "supersecret", r.Header.Get("X-API-Key"))
		_ = json.NewEncoder(w).Encode([]NamedID{{ID: 1, Name: "GAP Model"}})
	})

	c := newTestClient(t, mux, Credentials{Username: "agent", Password: "pw"})
	comps, err := c.Components(context.Background())
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "tok-1", c.AccessToken())
}

func TestDo_PasswordGrantFailureIsHard(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	c := newTestClient(t, mux, Credentials{Username: "agent", Password: "wrong"})

	_, err := c.Components(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password grant failed")
}

func TestDo_UnauthorizedRefreshRetry(t *testing.T) {
	var dataCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ref-0", body["refresh"])
		_ = json.NewEncoder(w).Encode(tokenResponse{Access: "tok-fresh"})
	})
	mux.HandleFunc("GET /data-sources/Internal/components/", func(w http.ResponseWriter, r *http.Request) {
		dataCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-fresh" {
			http.Error(w, "stale token", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]NamedID{{ID: 2, Name: "PI Historian"}})
	})

	c := newTestClient(t, mux, Credentials{AccessToken: "tok-stale", RefreshToken: "ref-0"})
	comps, err := c.Components(context.Background())
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, int64(2), dataCalls.Load(), "stale call plus one retry")
	assert.Equal(t, "tok-fresh", c.AccessToken())
}

func TestDo_SecondUnauthorizedIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tokenResponse{Access: "still-bad"})
	})
	var dataCalls atomic.Int64
	mux.HandleFunc("GET /data-sources/Internal/components/", func(w http.ResponseWriter, r *http.Request) {
		dataCalls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	c := newTestClient(t, mux, Credentials{AccessToken: "bad", RefreshToken: "ref"})
	_, err := c.Components(context.Background())
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, int64(2), dataCalls.Load(), "exactly one retry")
}

func TestDo_NonSuccessCarriesStatusAndBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /data-sources/Internal/components/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "it broke", http.StatusInternalServerError)
	})
	c := newTestClient(t, mux, Credentials{AccessToken: "tok"})

	_, err := c.Components(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Contains(t, se.Body, "it broke")
	assert.Contains(t, se.URL, "/data-sources/Internal/components/")
}

func TestSetTokens_LastWriterWins(t *testing.T) {
	c := NewClient("http://unused", "", Credentials{AccessToken: "a", RefreshToken: "r"}, time.Second, time.Second, nil)
	c.SetTokens("b", "")
	assert.Equal(t, "b", c.AccessToken())

	c.SetTokens("c", "r2")
	c.mu.Lock()
	assert.Equal(t, "r2", c.creds.RefreshToken)
	c.mu.Unlock()

	// A refresh-only override keeps the held access token.
	c.SetTokens("", "r3")
	assert.Equal(t, "c", c.AccessToken())
	c.mu.Lock()
	assert.Equal(t, "r3", c.creds.RefreshToken)
	c.mu.Unlock()
}
