// Package session owns the persisted token state. It hands out valid
// bearer tokens, refreshing or running a fresh login when the stored
// access token has expired, and performs logout.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/fleetdash/internal/errors"
	"github.com/alexjbarnes/fleetdash/internal/state"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

//go:generate mockgen -source=manager.go -destination=mock_manager_test.go -package=session

// ExpiryHeadroom is subtracted from the server-declared token lifetime so
// a token is renewed before the server starts rejecting it.
const ExpiryHeadroom = 120 * time.Second

const refreshTimeout = 30 * time.Second

// Authorizer runs one interactive login and returns the issued tokens.
type Authorizer interface {
	Run(ctx context.Context) (*oauth2.Token, error)
}

// Notifier shows a blocking message to the user.
type Notifier interface {
	Alert(msg string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(msg string)

// Alert calls f(msg).
func (f NotifierFunc) Alert(msg string) { f(msg) }

// TokenStore persists the token state.
type TokenStore interface {
	Tokens() (state.TokenState, error)
	SaveTokens(ts state.TokenState) error
	ClearTokens() error
}

// Config holds the dependencies of a Manager.
type Config struct {
	Store      TokenStore
	OAuth      *oauth2.Config
	Authorizer Authorizer
	Notifier   Notifier
	HTTPClient *http.Client

	// SessionDestroyURL is called best-effort on logout.
	SessionDestroyURL string

	// AppRoot is returned instead of the requested path when no session
	// can be established.
	AppRoot string

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager hands out bearer tokens. It is safe for concurrent use;
// concurrent renewals are coalesced into one.
type Manager struct {
	store      TokenStore
	oauth      *oauth2.Config
	authorizer Authorizer
	notifier   Notifier
	httpClient *http.Client
	destroyURL string
	appRoot    string
	logger     *slog.Logger
	now        func() time.Time

	renewals singleflight.Group
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	appRoot := cfg.AppRoot
	if appRoot == "" {
		appRoot = "/"
	}

	return &Manager{
		store:      cfg.Store,
		oauth:      cfg.OAuth,
		authorizer: cfg.Authorizer,
		notifier:   cfg.Notifier,
		httpClient: httpClient,
		destroyURL: cfg.SessionDestroyURL,
		appRoot:    appRoot,
		logger:     cfg.Logger,
		now:        now,
	}
}

// AppRoot is the path every failed login and logout resolves to.
func (m *Manager) AppRoot() string {
	return m.appRoot
}

// LoggedIn reports whether an access token is stored, expired or not.
func (m *Manager) LoggedIn() bool {
	ts, err := m.store.Tokens()
	return err == nil && ts.AccessToken != ""
}

// Tokens returns the stored token state.
func (m *Manager) Tokens() (state.TokenState, error) {
	return m.store.Tokens()
}

// EnsureValidSession makes sure a valid access token is stored and returns
// target. When no session can be established it returns the application
// root instead; the user has already been alerted.
func (m *Manager) EnsureValidSession(ctx context.Context, target string) string {
	if _, err := m.AccessToken(ctx); err != nil {
		return m.appRoot
	}

	return target
}

// AccessToken returns a valid bearer token. A stored, unexpired token is
// returned without any network call; otherwise the token is refreshed or
// a new login runs.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	ts, err := m.store.Tokens()
	if err != nil {
		return "", fmt.Errorf("reading token state: %w", err)
	}

	if ts.Valid(m.now()) {
		return ts.AccessToken, nil
	}

	// The renewal outlives any single caller: a joined caller must not see
	// another caller's cancellation, and a request deadline must not cut
	// the login short. LOGIN_TIMEOUT bounds the wait instead.
	ch := m.renewals.DoChan("renew", func() (any, error) {
		return m.renew(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		if res.Shared {
			m.logger.Debug("joined in-flight session renewal")
		}

		return res.Val.(string), nil
	}
}

func (m *Manager) renew(ctx context.Context) (string, error) {
	// A renewal that finished just before this one started already
	// stored a valid token.
	ts, err := m.store.Tokens()
	if err != nil {
		return "", fmt.Errorf("reading token state: %w", err)
	}

	if ts.Valid(m.now()) {
		return ts.AccessToken, nil
	}

	if ts.RefreshToken != "" {
		token, err := m.refresh(ctx, ts.RefreshToken)
		if err == nil {
			m.logger.Info("refreshed access token")
			return token, nil
		}

		m.logger.Warn("refreshing access token failed, starting new login", slog.String("error", err.Error()))

		if err := m.store.ClearTokens(); err != nil {
			m.logger.Error("clearing token state", slog.String("error", err.Error()))
		}
	}

	tok, err := m.authorizer.Run(ctx)
	if err != nil {
		m.fail(err)
		return "", err
	}

	if err := m.persist(tok); err != nil {
		m.fail(err)
		return "", err
	}

	m.logger.Info("login complete")

	return tok.AccessToken, nil
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}

	if err := m.persist(tok); err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

// persist stores the tokens with an expiry of now + expires_in - 120s. A
// missing refresh token keeps the stored one.
func (m *Manager) persist(tok *oauth2.Token) error {
	if tok.AccessToken == "" {
		return fmt.Errorf("%w: token response has no access token", apperrors.ErrExchangeFailed)
	}

	expire := m.now().Unix() + tok.ExpiresIn - int64(ExpiryHeadroom/time.Second)

	err := m.store.SaveTokens(state.TokenState{
		AccessToken:       tok.AccessToken,
		AccessTokenExpire: expire,
		RefreshToken:      tok.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("saving tokens: %w", err)
	}

	return nil
}

func (m *Manager) fail(err error) {
	m.logger.Warn("login failed", slog.String("error", err.Error()))

	if m.notifier != nil {
		m.notifier.Alert(apperrors.UserMessage(err))
	}
}

// Logout destroys the server-side session on a best-effort basis, wipes
// the token state and returns the application root. The local wipe happens
// whether or not the server call succeeded.
func (m *Manager) Logout(ctx context.Context) (string, error) {
	m.logger.Info("wiping authentication state")

	ts, err := m.store.Tokens()
	if err != nil {
		m.logger.Warn("reading token state", slog.String("error", err.Error()))
	}

	if err := m.destroySession(ctx, ts.AccessToken); err != nil {
		m.logger.Warn("destroying server session", slog.String("error", err.Error()))
	}

	if err := m.store.ClearTokens(); err != nil {
		return m.appRoot, fmt.Errorf("clearing token state: %w", err)
	}

	return m.appRoot, nil
}

// ForceLogout wipes the token state without contacting the server. Used
// when the API rejects the token.
func (m *Manager) ForceLogout() error {
	m.logger.Warn("access token rejected, wiping authentication state")

	if err := m.store.ClearTokens(); err != nil {
		return fmt.Errorf("clearing token state: %w", err)
	}

	return nil
}

// destroySession kills the server session, which invalidates the access
// token used to call it.
func (m *Manager) destroySession(ctx context.Context, accessToken string) error {
	if m.destroyURL == "" || accessToken == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.destroyURL, strings.NewReader(""))
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", apperrors.ErrSessionDestroyFailed, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrSessionDestroyFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", apperrors.ErrSessionDestroyFailed, resp.StatusCode)
	}

	return nil
}
