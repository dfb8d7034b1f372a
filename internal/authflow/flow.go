// Package authflow runs the OAuth2 authorization code flow with PKCE
// through a browser window, receiving the result on a local redirect relay.
package authflow

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/alexjbarnes/fleetdash/internal/errors"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds the wait for the redirect when none is configured.
const DefaultTimeout = 5 * time.Minute

// Config holds the dependencies of a Flow.
type Config struct {
	OAuth      *oauth2.Config
	Opener     Opener
	Relay      *Relay
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Flow performs single login attempts. A Flow is safe for concurrent use,
// but the relay admits only one waiting attempt at a time.
type Flow struct {
	oauth      *oauth2.Config
	opener     Opener
	relay      *Relay
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// New creates a Flow.
func New(cfg Config) *Flow {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Flow{
		oauth:      cfg.OAuth,
		opener:     cfg.Opener,
		relay:      cfg.Relay,
		httpClient: cfg.HTTPClient,
		timeout:    timeout,
		logger:     cfg.Logger,
	}
}

// NewOAuthConfig builds the client configuration for a public client.
// Credentials always travel in the form body because there is no secret
// to send in a basic auth header.
func NewOAuthConfig(clientID, authURL, tokenURL, redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}
}

// AuthCodeURL builds the authorization URL for an exchange.
func (f *Flow) AuthCodeURL(ex Exchange) string {
	return f.oauth.AuthCodeURL(ex.State,
		oauth2.SetAuthURLParam("code_challenge", ex.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Run opens the authorization window, waits for the redirect and exchanges
// the code for tokens. Every failure aborts the attempt; the redirect's
// state must match before anything is sent to the token endpoint.
func (f *Flow) Run(ctx context.Context) (*oauth2.Token, error) {
	ex, err := NewExchange()
	if err != nil {
		return nil, err
	}

	// Armed before the window exists so a fast redirect cannot be lost.
	listener, err := f.relay.Arm()
	if err != nil {
		return nil, err
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	f.logger.Info("initiating new oauth flow")

	win, err := f.opener.Open(ctx, f.AuthCodeURL(ex))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrPopupBlocked, err)
	}

	msg, err := f.wait(ctx, listener, win)
	f.closeWindow(win)

	if err != nil {
		return nil, err
	}

	return f.complete(ctx, ex, msg)
}

func (f *Flow) wait(ctx context.Context, listener *Listener, win Window) (Message, error) {
	select {
	case msg := <-listener.C():
		return msg, nil

	case <-win.Closed():
		// The redirect page closes the window itself right after
		// delivering, so a delivered message wins over the close.
		select {
		case msg := <-listener.C():
			return msg, nil
		default:
		}

		return Message{}, fmt.Errorf("%w: window closed before login completed", apperrors.ErrUserCancelled)

	case <-ctx.Done():
		return Message{}, fmt.Errorf("%w: %w", apperrors.ErrUserCancelled, ctx.Err())
	}
}

func (f *Flow) complete(ctx context.Context, ex Exchange, msg Message) (*oauth2.Token, error) {
	if subtle.ConstantTimeCompare([]byte(msg.State), []byte(ex.State)) != 1 {
		f.logger.Warn("redirect state does not match this login attempt")
		return nil, apperrors.ErrStateMismatch
	}

	if msg.Error != "" {
		return nil, &apperrors.ProviderError{Code: msg.Error, Description: msg.ErrorDescription}
	}

	if msg.Code == "" {
		return nil, fmt.Errorf("%w: redirect carried no code", apperrors.ErrExchangeFailed)
	}

	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}

	tok, err := f.oauth.Exchange(ctx, msg.Code, oauth2.VerifierOption(ex.CodeVerifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrExchangeFailed, err)
	}

	return tok, nil
}

func (f *Flow) closeWindow(win Window) {
	if err := win.Close(); err != nil {
		f.logger.Debug("closing authorization window", slog.String("error", err.Error()))
	}
}
