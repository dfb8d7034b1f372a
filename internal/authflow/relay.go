package authflow

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/fleetdash/internal/errors"
)

// Message is the authorization result carried from the redirect page back
// to the waiting login attempt.
type Message struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// redirectPage is shown in the popup after the result has been handed
// over. It closes itself.
var redirectPage = template.Must(template.New("redirect").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>fleetdash</title>
</head>
<body>
{{if .Error}}<p>{{.Error}}</p>{{else}}<p>Login complete. You can close this window.</p>
<script>window.close()</script>{{end}}
</body>
</html>`))

type redirectData struct {
	Error string
}

// Relay is the redirect target of the authorization server. It forwards
// the redirect query to the login attempt that armed it, addressed to the
// exact origin of the configured redirect URI.
type Relay struct {
	origin string
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	pending chan Message
}

// NewRelay creates a relay for the given redirect URI.
func NewRelay(redirectURI string, logger *slog.Logger) (*Relay, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect uri: %w", err)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("redirect uri %q has no host", redirectURI)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return &Relay{
		origin: strings.ToLower(u.Host),
		path:   path,
		logger: logger,
	}, nil
}

// Path is the URL path the relay expects redirects on.
func (r *Relay) Path() string {
	return r.path
}

// Origin is the host:port redirects must be addressed to.
func (r *Relay) Origin() string {
	return r.origin
}

// Listener is a one-shot subscription to the next redirect.
type Listener struct {
	relay *Relay
	ch    chan Message
}

// C delivers at most one message.
func (l *Listener) C() <-chan Message {
	return l.ch
}

// Close disarms the listener if no message was delivered yet. Safe to
// call more than once.
func (l *Listener) Close() {
	l.relay.mu.Lock()
	if l.relay.pending == l.ch {
		l.relay.pending = nil
	}
	l.relay.mu.Unlock()
}

// Arm registers the listener for the next redirect. Only one listener can
// be armed at a time.
func (r *Relay) Arm() (*Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		return nil, apperrors.ErrLoginInProgress
	}

	ch := make(chan Message, 1)
	r.pending = ch

	return &Listener{relay: r, ch: ch}, nil
}

// Armed reports whether a login attempt is waiting for a redirect.
func (r *Relay) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pending != nil
}

// IsRedirect reports whether the request looks like an authorization
// redirect for this relay.
func (r *Relay) IsRedirect(req *http.Request) bool {
	return req.URL.Path == r.path && req.URL.Query().Has("state")
}

// ServeHTTP handles the redirect inside the popup.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := req.URL.Query()
	if !q.Has("state") {
		r.render(w, http.StatusBadRequest, "missing state parameter")
		return
	}

	if strings.ToLower(req.Host) != r.origin {
		r.logger.Warn("redirect addressed to unexpected origin",
			slog.String("host", req.Host),
			slog.String("expected", r.origin),
		)
		r.render(w, http.StatusForbidden, "redirect origin mismatch")

		return
	}

	msg := Message{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	r.mu.Lock()
	ch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if ch == nil {
		r.logger.Warn("redirect received with no login waiting")
		r.render(w, http.StatusConflict, apperrors.ErrNoOpener.Error())

		return
	}

	ch <- msg

	r.logger.Debug("redirect forwarded to login attempt", slog.Bool("has_error", msg.Error != ""))
	r.render(w, http.StatusOK, "")
}

func (r *Relay) render(w http.ResponseWriter, status int, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := redirectPage.Execute(w, redirectData{Error: errMsg}); err != nil {
		r.logger.Warn("rendering redirect page", slog.String("error", err.Error()))
	}
}
