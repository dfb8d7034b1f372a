// Package server provides HTTP server construction for fleetdash.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/fleetdash/internal/authflow"
	"github.com/google/uuid"
)

// StatusPath serves the local health and session summary.
const StatusPath = "/_fleetdash/status"

// LoginPath starts a login and redirects to the target query parameter
// once a session is established.
const LoginPath = "/_fleetdash/login"

// RequestIDHeader carries the ID logged with each request.
const RequestIDHeader = "X-Request-Id"

// Status is the body of StatusPath.
type Status struct {
	LoggedIn     bool   `json:"logged_in"`
	LoginPending bool   `json:"login_pending"`
	InFlight     int64  `json:"in_flight"`
	AssetCache   string `json:"asset_cache,omitempty"`
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	// Relay receives the authorization redirect.
	Relay *authflow.Relay

	// Assets serves everything else, usually an *assetcache.Worker.
	Assets http.Handler

	// Status reports the current state for StatusPath. Optional.
	Status func() Status

	// Login ensures a valid session and returns the path to continue to,
	// usually session.Manager.EnsureValidSession. Optional.
	Login func(ctx context.Context, target string) string

	// AppRoot is the fallback target for LoginPath.
	AppRoot string

	Logger *slog.Logger
}

// NewMux builds the HTTP handler. Requests carrying the authorization
// redirect go to the relay even when the redirect URI is the app root;
// all other paths are served by the asset worker.
func NewMux(cfg MuxConfig) http.Handler {
	mux := http.NewServeMux()

	if cfg.Status != nil {
		mux.HandleFunc("GET "+StatusPath, handleStatus(cfg.Status))
	}

	if cfg.Login != nil {
		appRoot := cfg.AppRoot
		if appRoot == "" {
			appRoot = "/"
		}

		mux.HandleFunc("GET "+LoginPath, handleLogin(cfg.Login, appRoot))
	}

	mux.Handle("/", dispatch(cfg.Relay, cfg.Assets))

	return logRequests(cfg.Logger, mux)
}

func dispatch(relay *authflow.Relay, assets http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if relay != nil && relay.IsRedirect(r) {
			relay.ServeHTTP(w, r)
			return
		}

		if assets == nil {
			http.NotFound(w, r)
			return
		}

		assets.ServeHTTP(w, r)
	})
}

func handleStatus(status func() Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(status())
	}
}

// handleLogin blocks until the login settles, so the server's write
// deadline is lifted for this request; the login timeout bounds it.
func handleLogin(login func(ctx context.Context, target string) string, appRoot string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("target")
		if !isLocalPath(target) {
			target = appRoot
		}

		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, login(r.Context(), target), http.StatusSeeOther)
	}
}

// isLocalPath rejects anything that would redirect off this origin.
func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		logger.Debug("request",
			slog.String("id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.String("ip", ip),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}
