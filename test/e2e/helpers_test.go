package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/fleetdash/internal/api"
	"github.com/alexjbarnes/fleetdash/internal/assetcache"
	"github.com/alexjbarnes/fleetdash/internal/authflow"
	"github.com/alexjbarnes/fleetdash/internal/authtest"
	"github.com/alexjbarnes/fleetdash/internal/server"
	"github.com/alexjbarnes/fleetdash/internal/session"
	"github.com/alexjbarnes/fleetdash/internal/state"
	"github.com/stretchr/testify/require"
)

const (
	testClientID = "fleetdash-e2e"
	testVersion  = "1"
)

// harness holds the full stack: a fake authorization server and account
// API, the local server hosting the redirect relay and the asset worker,
// and a fake browser that approves logins.
type harness struct {
	Auth    *authtest.Server
	Origin  *httptest.Server
	Local   *httptest.Server
	State   *state.State
	Session *session.Manager
	Client  *api.Client
	Busy    *api.BusyCounter
	Worker  *assetcache.Worker
	Browser *fakeBrowser

	mu     sync.Mutex
	alerts []string
}

// newHarness wires every component the way the serve command does.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	h := &harness{}

	h.Auth = authtest.NewServer(t, testClientID)
	h.Auth.HandleAPI("account", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"email":   "ops@example.com",
			"balance": 10,
			"usage":   map[string]any{"devices": 1, "storage": 4096},
		})
	})
	h.Auth.HandleAPI("device/list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"devices": []map[string]any{{
			"id":            11,
			"description":   "Lobby/Left",
			"is_online":     true,
			"last_seen_ago": 3,
			"offline":       map[string]any{"max_offline": 14},
			"maintenance":   []any{},
		}}})
	})

	h.Origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "origin "+r.URL.RequestURI())
	}))
	t.Cleanup(h.Origin.Close)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	h.State = st

	// The redirect URI must name the local server's address, so it is
	// known before the handler is built.
	h.Local = httptest.NewUnstartedServer(nil)
	redirectURI := "http://" + h.Local.Listener.Addr().String() + "/"

	relay, err := authflow.NewRelay(redirectURI, logger)
	require.NoError(t, err)

	h.Worker, err = assetcache.New(assetcache.Config{
		Store:      st,
		Origin:     h.Origin.URL,
		AppRoot:    "/",
		CacheName:  "fleetdash",
		Manifest:   &assetcache.Manifest{Assets: []assetcache.Asset{{Path: "app.js", Versioned: true}, {Path: "vue.js"}}},
		HTTPClient: h.Origin.Client(),
		Logger:     logger,
	})
	require.NoError(t, err)

	h.Local.Config.Handler = server.NewMux(server.MuxConfig{
		Relay:  relay,
		Assets: h.Worker,
		Login: func(ctx context.Context, target string) string {
			return h.Session.EnsureValidSession(ctx, target)
		},
		AppRoot: "/",
		Logger:  logger,
	})
	h.Local.Start()
	t.Cleanup(h.Local.Close)

	h.Browser = &fakeBrowser{auth: h.Auth, client: h.Local.Client()}

	oauthCfg := authflow.NewOAuthConfig(testClientID, h.Auth.AuthURL(), h.Auth.TokenURL(), redirectURI, []string{"account:read"})

	flow := authflow.New(authflow.Config{
		OAuth:   oauthCfg,
		Opener:  h.Browser,
		Relay:   relay,
		Timeout: 5 * time.Second,
		Logger:  logger,
	})

	destroyURL := h.Auth.APIRoot() + "account/session/destroy"

	h.Session = session.NewManager(session.Config{
		Store:      st,
		OAuth:      oauthCfg,
		Authorizer: flow,
		Notifier: session.NotifierFunc(func(msg string) {
			h.mu.Lock()
			h.alerts = append(h.alerts, msg)
			h.mu.Unlock()
		}),
		SessionDestroyURL: destroyURL,
		AppRoot:           "/",
		Logger:            logger,
	})

	h.Busy = &api.BusyCounter{}
	tr := api.NewTransport(nil, h.Session, h.Busy, destroyURL, logger)
	h.Client = api.NewClient(tr, h.Auth.APIRoot(), logger)

	return h
}

func (h *harness) Alerts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.alerts...)
}

func (h *harness) get(t *testing.T, path string) (int, string) {
	t.Helper()

	resp, err := h.Local.Client().Get(h.Local.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeBrowser plays the user: it approves (or denies) the login at the
// authorization server and follows the redirect to the relay.
type fakeBrowser struct {
	auth   *authtest.Server
	client *http.Client

	denyWith string

	opened      atomic.Int32
	relayStatus atomic.Int32
}

func (b *fakeBrowser) Open(_ context.Context, authURL string) (authflow.Window, error) {
	b.opened.Add(1)

	var (
		redirect string
		err      error
	)

	if b.denyWith != "" {
		redirect, err = b.auth.Deny(authURL, b.denyWith)
	} else {
		redirect, err = b.auth.Approve(authURL)
	}

	if err != nil {
		return nil, err
	}

	go func() {
		resp, err := b.client.Get(redirect)
		if err != nil {
			return
		}

		b.relayStatus.Store(int32(resp.StatusCode))
		resp.Body.Close()
	}()

	return browserWindow{}, nil
}

type browserWindow struct{}

func (browserWindow) Close() error            { return nil }
func (browserWindow) Closed() <-chan struct{} { return nil }
