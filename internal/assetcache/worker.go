// Package assetcache serves the dashboard's app shell from a durable,
// versioned cache. A version is installed all at once from the upstream
// asset origin; requests that miss the cache go to the origin uncached.
package assetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/fleetdash/internal/state"
	"golang.org/x/sync/errgroup"
)

const (
	// maxAssetBytes caps a single cached asset.
	maxAssetBytes = 32 * 1024 * 1024

	// installConcurrency bounds parallel fetches during install.
	installConcurrency = 8

	httpClientTimeout = 60 * time.Second
)

// ErrMissingVersion is returned when an activation URL carries no version.
var ErrMissingVersion = errors.New("activation URL has no version")

// Store is the durable cache storage. *state.State implements it.
type Store interface {
	PutCache(name, owner string, entries map[string]state.CachedResponse) error
	CachedResponse(name, key string) (*state.CachedResponse, error)
	HasCache(name string) bool
	CacheNames() ([]string, error)
	CacheOwner(name string) (string, error)
	DeleteCache(name string) error
}

// Config configures a Worker.
type Config struct {
	Store Store

	// Origin is the upstream that serves the app shell, e.g.
	// "https://cdn.example.com".
	Origin string

	// AppRoot is the path prefix of the app, ending in a slash.
	AppRoot string

	// CacheName prefixes every versioned cache.
	CacheName string

	// Manifest lists the assets to install. Defaults to DefaultManifest.
	Manifest *Manifest

	// ActivationURL builds the registration URL for a version. Used by
	// the manifest watcher.
	ActivationURL func(version string) string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Worker is an http.Handler serving cached app shell assets.
type Worker struct {
	store      Store
	origin     *url.URL
	appRoot    string
	cacheName  string
	activation func(string) string
	httpClient *http.Client
	proxy      *httputil.ReverseProxy
	logger     *slog.Logger

	mu       sync.RWMutex
	manifest *Manifest
	active   string
	version  string
}

// New creates a Worker. No cache is active until Register succeeds.
func New(cfg Config) (*Worker, error) {
	origin, err := url.Parse(strings.TrimRight(cfg.Origin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid asset origin %q", cfg.Origin)
	}

	if cfg.CacheName == "" {
		return nil, errors.New("cache name is required")
	}

	appRoot := cfg.AppRoot
	if appRoot == "" {
		appRoot = "/"
	}

	manifest := cfg.Manifest
	if manifest == nil {
		manifest = DefaultManifest()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: httpClientTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	activation := cfg.ActivationURL
	if activation == nil {
		activation = func(version string) string {
			return appRoot + "sw.js?v=" + url.QueryEscape(version)
		}
	}

	w := &Worker{
		store:      cfg.Store,
		origin:     origin,
		appRoot:    appRoot,
		cacheName:  cfg.CacheName,
		activation: activation,
		httpClient: client,
		logger:     logger,
		manifest:   manifest,
	}

	w.proxy = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.Out.Host = origin.Host
		},
		Transport: client.Transport,
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			logger.Warn("asset origin unreachable",
				slog.String("path", req.URL.Path),
				slog.String("error", err.Error()),
			)
			rw.WriteHeader(http.StatusBadGateway)
		},
	}

	return w, nil
}

// CacheNameFor returns the cache that holds version.
func (w *Worker) CacheNameFor(version string) string {
	return w.cacheName + "-" + version
}

// Active returns the name of the cache currently served, or "".
func (w *Worker) Active() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.active
}

// Version returns the registered version, or "".
func (w *Worker) Version() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.version
}

// SetManifest replaces the asset list used by future installs.
func (w *Worker) SetManifest(m *Manifest) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.manifest = m
}

func (w *Worker) currentManifest() *Manifest {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.manifest
}

// Register installs and activates the version named by the v query
// parameter of activationURL. An already installed version is only
// activated.
func (w *Worker) Register(ctx context.Context, activationURL string) error {
	u, err := url.Parse(activationURL)
	if err != nil {
		return fmt.Errorf("parsing activation URL: %w", err)
	}

	version := u.Query().Get("v")
	if version == "" {
		return ErrMissingVersion
	}

	w.logger.Info("asset worker version", slog.String("version", version))

	name := w.CacheNameFor(version)

	if !w.store.HasCache(name) {
		if err := w.Install(ctx, version); err != nil {
			return err
		}
	}

	if err := w.Activate(version); err != nil {
		return err
	}

	return nil
}

// Install fetches every manifest asset for version and stores them in
// one transaction. If any fetch fails nothing is written.
func (w *Worker) Install(ctx context.Context, version string) error {
	keys := w.currentManifest().Keys(w.appRoot, version)

	var mu sync.Mutex

	entries := make(map[string]state.CachedResponse, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)

	for _, key := range keys {
		g.Go(func() error {
			cr, err := w.fetch(gctx, key)
			if err != nil {
				return err
			}

			mu.Lock()
			entries[key] = *cr
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("installing version %s: %w", version, err)
	}

	if err := w.store.PutCache(w.CacheNameFor(version), w.cacheName, entries); err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}

	w.logger.Info("asset cache installed",
		slog.String("version", version),
		slog.Int("assets", len(entries)),
	)

	return nil
}

// fetch downloads one asset from the origin. Non-2xx responses fail.
func (w *Worker) fetch(ctx context.Context, key string) (*state.CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.origin.String()+key, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", key, err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetching %s: status %d", key, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	if len(body) > maxAssetBytes {
		return nil, fmt.Errorf("asset %s exceeds %d bytes", key, maxAssetBytes)
	}

	return &state.CachedResponse{
		Status: resp.StatusCode,
		Header: storableHeader(resp.Header),
		Body:   body,
	}, nil
}

// hopHeaders are connection-scoped and never replayed from the cache.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Set-Cookie",
	"Content-Length",
}

func storableHeader(h http.Header) map[string][]string {
	out := h.Clone()
	for _, k := range hopHeaders {
		out.Del(k)
	}

	return out
}

// Activate makes version the served cache and deletes caches of every
// other version installed under the same cache name. Caches of another
// name that merely share its prefix are left alone.
func (w *Worker) Activate(version string) error {
	name := w.CacheNameFor(version)
	if !w.store.HasCache(name) {
		return fmt.Errorf("cache %s is not installed", name)
	}

	w.mu.Lock()
	w.active = name
	w.version = version
	w.mu.Unlock()

	names, err := w.store.CacheNames()
	if err != nil {
		return fmt.Errorf("listing caches: %w", err)
	}

	for _, n := range names {
		if n == name {
			continue
		}

		owner, err := w.store.CacheOwner(n)
		if err != nil {
			return fmt.Errorf("reading owner of cache %s: %w", n, err)
		}

		if owner != w.cacheName {
			continue
		}

		if err := w.store.DeleteCache(n); err != nil {
			return fmt.Errorf("deleting cache %s: %w", n, err)
		}

		w.logger.Info("deleted stale asset cache", slog.String("cache", n))
	}

	return nil
}

// Lookup returns the cached response for key in the active cache, or nil.
func (w *Worker) Lookup(key string) (*state.CachedResponse, error) {
	active := w.Active()
	if active == "" {
		return nil, nil
	}

	return w.store.CachedResponse(active, key)
}

func requestKey(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}

	return r.URL.Path + "?" + r.URL.RawQuery
}

// ServeHTTP answers from the active cache and otherwise forwards the
// request to the origin without caching the response.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		cr, err := w.Lookup(requestKey(r))
		if err != nil {
			w.logger.Warn("asset cache lookup failed",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
		}

		if cr != nil {
			replay(rw, cr)
			return
		}
	}

	w.proxy.ServeHTTP(rw, r)
}

func replay(rw http.ResponseWriter, cr *state.CachedResponse) {
	h := rw.Header()
	for k, vs := range cr.Header {
		h[k] = append([]string(nil), vs...)
	}

	rw.WriteHeader(cr.Status)
	_, _ = rw.Write(cr.Body)
}
