package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igsession/pkg/config"
	"igsession/pkg/instagram"
	"igsession/pkg/logger"
	"igsession/pkg/orchestrator"
	"igsession/pkg/proxy"
	"igsession/pkg/ratelimit"
	"igsession/pkg/session"
)

// bridgeStub accepts alice/secret and counts logins
type bridgeStub struct {
	srv    *httptest.Server
	logins atomic.Int32
}

func newBridgeStub(t *testing.T) *bridgeStub {
	t.Helper()
	b := &bridgeStub{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch {
		case r.URL.Path == instagram.LoginEndpoint:
			b.logins.Add(1)
			var user, pass string
			_ = json.Unmarshal(body["username"], &user)
			_ = json.Unmarshal(body["password"], &pass)
			if user != "alice" || pass != "secret" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error_type":"bad_password"}`))
				return
			}
			w.Write([]byte(`{"settings":{"token":"tok-e2e"}}`))
		case string(body["settings"]) != `{"token":"tok-e2e"}`:
			w.WriteHeader(http.StatusUnauthorized)
		case r.URL.Path == instagram.ProbeEndpoint, r.URL.Path == instagram.LogoutEndpoint:
			w.Write([]byte(`{}`))
		case strings.HasPrefix(r.URL.Path, instagram.UsersEndpoint):
			name := strings.TrimPrefix(r.URL.Path, instagram.UsersEndpoint)
			json.NewEncoder(w).Encode(instagram.ProfileResponse{
				User:   instagram.Profile{Username: name, Posts: 42, Followers: 1000},
				Status: "ok",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// newForwardingProxy starts a plain HTTP proxy that relays absolute-form
// requests and counts them.
func newForwardingProxy(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		out, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out.Header = r.Header.Clone()
		resp, err := http.DefaultTransport.RoundTrip(out)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, v := range resp.Header {
			w.Header()[k] = v
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newStack wires a service over a file backend in dir, the way the daemon does
func newStack(t *testing.T, dir, bridgeURL, proxyAddr string) *httptest.Server {
	t.Helper()
	backend, err := session.NewFileBackend(dir, logger.NewNopLogger())
	require.NoError(t, err)
	store := session.NewStore(backend)

	pool := proxy.NewPool([]string{proxyAddr}, proxy.WithProbe(func(context.Context, string) error { return nil }))
	limiter := ratelimit.NewUserLimiter(20, time.Minute)
	factory := instagram.NewFactory(instagram.Options{BaseURL: bridgeURL, Timeout: 5 * time.Second})
	orch := orchestrator.New(store, pool, limiter, factory)

	srv := httptest.NewServer(New(config.ServerConfig{}, orch, store).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestEndToEndSessionSurvivesRestart(t *testing.T) {
	bridge := newBridgeStub(t)
	var hits atomic.Int32
	fwd := newForwardingProxy(t, &hits)
	proxyAddr := fwd.Listener.Addr().String()
	dir := t.TempDir()

	first := newStack(t, dir, bridge.srv.URL, proxyAddr)
	status, body := call(t, first, http.MethodPost, "/auth/login/alice", `{"password":"secret"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "ReloggedIn", body["state"])
	assert.EqualValues(t, 1, bridge.logins.Load())

	// a second process over the same directory reuses the stored session
	second := newStack(t, dir, bridge.srv.URL, proxyAddr)
	status, body = call(t, second, http.MethodGet, "/profiles/alice?target=natgeo", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "natgeo", body["username"])
	assert.Equal(t, float64(1000), body["followers"])
	assert.EqualValues(t, 1, bridge.logins.Load(), "restored session must not trigger a login")
	assert.Greater(t, hits.Load(), int32(0), "bridge traffic goes through the bound proxy")

	status, _ = call(t, second, http.MethodPost, "/auth/logout/alice", "")
	require.Equal(t, http.StatusOK, status)

	status, body = call(t, second, http.MethodGet, "/profiles/alice", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, body["detail"], "/auth/login")
}
