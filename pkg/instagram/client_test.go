package instagram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "igsession/pkg/errors"
	"igsession/pkg/logger"
)

// newBridge starts a bridge that accepts alice/secret and issues tok-1.
func newBridge(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch {
		case r.URL.Path == LoginEndpoint:
			var user, pass string
			_ = json.Unmarshal(body["username"], &user)
			_ = json.Unmarshal(body["password"], &pass)
			switch {
			case user == "carol":
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error_type":"challenge_required","message":"checkpoint"}`))
			case user != "alice" || pass != "secret":
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error_type":"bad_password"}`))
			default:
				w.Write([]byte(`{"settings":{"token":"tok-1"}}`))
			}
		case r.URL.Path == ProbeEndpoint:
			if string(body["settings"]) != `{"token":"tok-1"}` {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{}`))
		case r.URL.Path == LogoutEndpoint:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/users/slow":
			w.WriteHeader(http.StatusTooManyRequests)
		case r.URL.Path == "/users/broken":
			w.Write([]byte(`{not json`))
		case r.URL.Path == "/users/natgeo/highlights":
			w.Write([]byte(`{"highlights":[{"id":"highlight:1","pk":"1","items":[` +
				`{"pk":"11","video_url":"https://cdn.example/v.mp4","thumbnail_url":"https://cdn.example/v.jpg"},` +
				`{"pk":"12","thumbnail_url":"https://cdn.example/p.jpg"}]}],` +
				`"settings":{"token":"tok-2"}}`))
		case r.URL.Path == "/users/stale/highlights":
			w.Write([]byte(`{"requires_to_login":true}`))
		case strings.HasPrefix(r.URL.Path, UsersEndpoint):
			name := strings.TrimPrefix(r.URL.Path, UsersEndpoint)
			if name == "ghost" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(ProfileResponse{
				User:   Profile{Username: name, Posts: 12, Followers: 340, Following: 56},
				Status: "ok",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, baseURL string) (*HTTPClient, *logger.TestLogger) {
	t.Helper()
	log := logger.NewTestLogger()
	return NewHTTPClient(Options{BaseURL: baseURL, Timeout: 5 * time.Second, Logger: log}), log
}

func TestLoginStoresSettings(t *testing.T) {
	srv := newBridge(t)
	client, _ := newClient(t, srv.URL)

	_, err := client.GetSettings()
	assert.ErrorIs(t, err, errs.ErrLoginRequired)

	require.NoError(t, client.Login(context.Background(), "alice", "secret"))
	settings, err := client.GetSettings()
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"tok-1"}`, string(settings))
	assert.NoError(t, client.Probe(context.Background()))
}

func TestLoginErrors(t *testing.T) {
	srv := newBridge(t)

	client, _ := newClient(t, srv.URL)
	err := client.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, errs.ErrAuthenticationFailed)

	client, _ = newClient(t, srv.URL)
	err = client.Login(context.Background(), "carol", "secret")
	assert.ErrorIs(t, err, errs.ErrChallengeRequired)
}

func TestProbeStaleSession(t *testing.T) {
	srv := newBridge(t)
	client, log := newClient(t, srv.URL)

	require.NoError(t, client.SetSettings([]byte(`{"token":"old"}`)))
	err := client.Probe(context.Background())
	assert.ErrorIs(t, err, errs.ErrLoginRequired)
	assert.True(t, log.HasMessage("Upstream login required"))
}

func TestSetSettingsRejectsGarbage(t *testing.T) {
	client := NewHTTPClient(Options{BaseURL: "http://bridge.invalid"})
	err := client.SetSettings([]byte("not json"))
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestGetProfile(t *testing.T) {
	srv := newBridge(t)
	client, _ := newClient(t, srv.URL)
	require.NoError(t, client.SetSettings([]byte(`{"token":"tok-1"}`)))

	p, err := client.GetProfile(context.Background(), "natgeo")
	require.NoError(t, err)
	assert.Equal(t, "natgeo", p.Username)
	assert.Equal(t, 340, p.Followers)

	_, err = client.GetProfile(context.Background(), "ghost")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = client.GetProfile(context.Background(), "slow")
	assert.ErrorIs(t, err, errs.ErrUpstreamThrottled)

	_, err = client.GetProfile(context.Background(), "broken")
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeUnknown, errs.TypeOf(err))
}

func TestGetHighlights(t *testing.T) {
	srv := newBridge(t)
	client, log := newClient(t, srv.URL)
	require.NoError(t, client.SetSettings([]byte(`{"token":"tok-1"}`)))

	got, err := client.GetHighlights(context.Background(), "natgeo")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "highlight:1", got[0].ID)
	require.Len(t, got[0].Items, 2)
	assert.Equal(t, "https://cdn.example/v.mp4", got[0].Items[0].URL())
	assert.Equal(t, "https://cdn.example/p.jpg", got[0].Items[1].URL())

	settings, err := client.GetSettings()
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"tok-2"}`, string(settings))

	_, err = client.GetHighlights(context.Background(), "stale")
	assert.ErrorIs(t, err, errs.ErrLoginRequired)
	assert.True(t, log.HasMessage("Authentication required for highlights"))
}

func TestLogoutForgetsSettings(t *testing.T) {
	srv := newBridge(t)
	client, _ := newClient(t, srv.URL)
	require.NoError(t, client.SetSettings([]byte(`{"token":"tok-1"}`)))

	require.NoError(t, client.Logout(context.Background()))
	_, err := client.GetSettings()
	assert.ErrorIs(t, err, errs.ErrLoginRequired)
}

func TestRequestsGoThroughProxy(t *testing.T) {
	var seen string
	fwd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.String()
		w.Write([]byte(`{"settings":{"token":"via-proxy"}}`))
	}))
	defer fwd.Close()

	client, _ := newClient(t, "http://bridge.internal")
	require.NoError(t, client.SetProxy(fwd.URL))
	require.NoError(t, client.Login(context.Background(), "alice", "secret"))

	assert.Equal(t, "http://bridge.internal/login", seen)
	settings, _ := client.GetSettings()
	assert.JSONEq(t, `{"token":"via-proxy"}`, string(settings))
	assert.NoError(t, client.Close())
}

func TestDeadProxyIsProxyConnect(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	client, log := newClient(t, "http://bridge.internal")
	require.NoError(t, client.SetProxy(deadURL))

	err := client.Login(context.Background(), "alice", "secret")
	assert.ErrorIs(t, err, errs.ErrProxyConnect)
	assert.True(t, log.HasMessage("Bridge request failed"))
}

func TestBadGatewayIsProxyConnect(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer gw.Close()

	client, _ := newClient(t, gw.URL)
	err := client.Login(context.Background(), "alice", "secret")
	assert.ErrorIs(t, err, errs.ErrProxyConnect)
}

func TestCancelledContext(t *testing.T) {
	srv := newBridge(t)
	client, _ := newClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.Login(ctx, "alice", "secret")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayBetweenRequests(t *testing.T) {
	srv := newBridge(t)
	client := NewHTTPClient(Options{
		BaseURL:  srv.URL,
		Timeout:  5 * time.Second,
		DelayMin: 30 * time.Millisecond,
		DelayMax: 40 * time.Millisecond,
	})

	start := time.Now()
	require.NoError(t, client.Login(context.Background(), "alice", "secret"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestFactoryCreatesIndependentClients(t *testing.T) {
	factory := NewFactory(Options{BaseURL: "http://bridge.invalid"})
	a, b := factory(), factory()
	require.NoError(t, a.SetSettings([]byte(`{"token":"a"}`)))

	_, err := b.GetSettings()
	assert.ErrorIs(t, err, errs.ErrLoginRequired)
}

func TestConfiguredHeadersAreSent(t *testing.T) {
	var auth, agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		agent = r.Header.Get("User-Agent")
		w.Write([]byte(`{"settings":{"token":"tok-1"}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(Options{
		BaseURL: srv.URL,
		Headers: map[string]string{"Authorization": "Bearer bridge-secret"},
	})
	require.NoError(t, client.Login(context.Background(), "alice", "secret"))
	assert.Equal(t, "Bearer bridge-secret", auth)
	assert.Equal(t, "igsession/1.0", agent)
}
