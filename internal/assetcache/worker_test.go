package assetcache

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alexjbarnes/fleetdash/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// origin is a fake asset host that records every request it serves.
type origin struct {
	*httptest.Server

	hits atomic.Int32

	mu   sync.Mutex
	fail map[string]int
}

func newOrigin(t *testing.T) *origin {
	t.Helper()

	o := &origin{fail: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)

		o.mu.Lock()
		status, failing := o.fail[r.URL.Path]
		o.mu.Unlock()

		if failing {
			w.WriteHeader(status)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Origin", "yes")
		_, _ = io.WriteString(w, "asset "+r.URL.RequestURI())
	}))
	t.Cleanup(o.Close)

	return o
}

func (o *origin) failPath(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.fail[path] = status
}

var testManifest = &Manifest{
	Assets: []Asset{
		{Path: "app.js", Versioned: true},
		{Path: "vue.js"},
		{Path: "fonts/icons.woff2"},
	},
}

func newTestWorker(t *testing.T, o *origin) (*Worker, *state.State) {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	w, err := New(Config{
		Store:      st,
		Origin:     o.URL,
		AppRoot:    "/",
		CacheName:  "fleetdash",
		Manifest:   testManifest,
		HTTPClient: o.Client(),
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	return w, st
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	return rec
}

func TestRegister_InstallsAndActivates(t *testing.T) {
	o := newOrigin(t)
	w, st := newTestWorker(t, o)

	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))

	assert.Equal(t, "fleetdash-3", w.Active())
	assert.Equal(t, "3", w.Version())
	assert.Equal(t, int32(3), o.hits.Load())

	keys, err := st.CacheKeys("fleetdash-3")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/app.js?v=3", "/vue.js", "/fonts/icons.woff2"}, keys)
}

func TestServeHTTP_HitMakesNoNetworkCall(t *testing.T) {
	o := newOrigin(t)
	w, _ := newTestWorker(t, o)
	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))

	before := o.hits.Load()

	rec := get(t, w, "/app.js?v=3")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "asset /app.js?v=3", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "yes", rec.Header().Get("X-Origin"))
	assert.Equal(t, before, o.hits.Load())
}

func TestServeHTTP_HitSurvivesOriginOutage(t *testing.T) {
	o := newOrigin(t)
	w, _ := newTestWorker(t, o)
	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))

	o.Close()

	rec := get(t, w, "/vue.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "asset /vue.js", rec.Body.String())
}

func TestServeHTTP_MissGoesToNetworkUncached(t *testing.T) {
	o := newOrigin(t)
	w, st := newTestWorker(t, o)
	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))

	before := o.hits.Load()

	rec := get(t, w, "/index.html")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "asset /index.html", rec.Body.String())

	_ = get(t, w, "/index.html")
	assert.Equal(t, before+2, o.hits.Load())

	cr, err := st.CachedResponse("fleetdash-3", "/index.html")
	require.NoError(t, err)
	assert.Nil(t, cr)
}

func TestServeHTTP_QueryIsPartOfKey(t *testing.T) {
	o := newOrigin(t)
	w, _ := newTestWorker(t, o)
	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))

	before := o.hits.Load()

	rec := get(t, w, "/app.js?v=2")
	assert.Equal(t, "asset /app.js?v=2", rec.Body.String())
	assert.Equal(t, before+1, o.hits.Load())
}

func TestServeHTTP_NonGetBypassesCache(t *testing.T) {
	o := newOrigin(t)
	w, _ := newTestWorker(t, o)
	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))

	before := o.hits.Load()

	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/vue.js", nil))

	assert.Equal(t, before+1, o.hits.Load())
}

func TestServeHTTP_NoActiveCache(t *testing.T) {
	o := newOrigin(t)
	w, _ := newTestWorker(t, o)

	rec := get(t, w, "/vue.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), o.hits.Load())
}

func TestServeHTTP_OriginDown(t *testing.T) {
	o := newOrigin(t)
	w, _ := newTestWorker(t, o)
	o.Close()

	rec := get(t, w, "/vue.js")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestInstall_AllOrNothing(t *testing.T) {
	o := newOrigin(t)
	o.failPath("/fonts/icons.woff2", http.StatusNotFound)

	w, st := newTestWorker(t, o)

	err := w.Register(context.Background(), "/sw.js?v=4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")

	assert.False(t, st.HasCache("fleetdash-4"))
	assert.Empty(t, w.Active())
}

func TestInstall_FailureKeepsPreviousVersion(t *testing.T) {
	o := newOrigin(t)
	w, st := newTestWorker(t, o)
	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))

	o.failPath("/vue.js", http.StatusInternalServerError)

	require.Error(t, w.Register(context.Background(), "/sw.js?v=4"))
	assert.Equal(t, "fleetdash-3", w.Active())
	assert.True(t, st.HasCache("fleetdash-3"))
	assert.False(t, st.HasCache("fleetdash-4"))
}

func TestActivate_DeletesOldVersions(t *testing.T) {
	o := newOrigin(t)
	w, st := newTestWorker(t, o)

	require.NoError(t, st.PutCache("other-app-1", "other-app", map[string]state.CachedResponse{
		"/x": {Status: 200, Body: []byte("x")},
	}))

	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))
	require.NoError(t, w.Register(context.Background(), "/sw.js?v=4"))

	names, err := st.CacheNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"fleetdash-4", "other-app-1"}, names)

	rec := get(t, w, "/app.js?v=4")
	assert.Equal(t, "asset /app.js?v=4", rec.Body.String())
}

func TestActivate_KeepsCachesOfNameSharingPrefix(t *testing.T) {
	o := newOrigin(t)
	w, st := newTestWorker(t, o)

	require.NoError(t, st.PutCache("fleetdash-beta-7", "fleetdash-beta", map[string]state.CachedResponse{
		"/x": {Status: 200, Body: []byte("x")},
	}))

	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))
	require.NoError(t, w.Register(context.Background(), "/sw.js?v=4"))

	names, err := st.CacheNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"fleetdash-4", "fleetdash-beta-7"}, names)
}

func TestRegister_InstalledVersionSkipsFetch(t *testing.T) {
	o := newOrigin(t)
	w, _ := newTestWorker(t, o)
	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))

	before := o.hits.Load()

	require.NoError(t, w.Register(context.Background(), "/sw.js?v=3"))
	assert.Equal(t, before, o.hits.Load())
}

func TestRegister_MissingVersion(t *testing.T) {
	o := newOrigin(t)
	w, _ := newTestWorker(t, o)

	err := w.Register(context.Background(), "/sw.js")
	require.ErrorIs(t, err, ErrMissingVersion)
	assert.Zero(t, o.hits.Load())
}

func TestActivate_NotInstalled(t *testing.T) {
	o := newOrigin(t)
	w, _ := newTestWorker(t, o)

	assert.Error(t, w.Activate("9"))
	assert.Empty(t, w.Active())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Origin: "not a url", CacheName: "c"})
	assert.Error(t, err)

	_, err = New(Config{Origin: "https://cdn.example.com"})
	assert.Error(t, err)

	w, err := New(Config{Origin: "https://cdn.example.com/", CacheName: "c"})
	require.NoError(t, err)
	assert.Equal(t, "/sw.js?v=1.0", w.activation("1.0"))
	assert.Equal(t, "c-1.0", w.CacheNameFor("1.0"))
}

func TestStorableHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/css")
	h.Set("Set-Cookie", "a=b")
	h.Set("Connection", "keep-alive")
	h.Set("Content-Length", "10")

	out := storableHeader(h)
	assert.Equal(t, []string{"text/css"}, out["Content-Type"])
	assert.NotContains(t, out, "Set-Cookie")
	assert.NotContains(t, out, "Connection")
	assert.NotContains(t, out, "Content-Length")
}
