package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/fleetdash/internal/api"
	"github.com/alexjbarnes/fleetdash/internal/authflow"
	"github.com/alexjbarnes/fleetdash/internal/config"
	"github.com/alexjbarnes/fleetdash/internal/server"
	"github.com/alexjbarnes/fleetdash/internal/session"
	"github.com/alexjbarnes/fleetdash/internal/state"
)

const (
	httpClientTimeout = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// app wires the components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	state     *state.State
	relay     *authflow.Relay
	session   *session.Manager
	transport *api.Transport
	client    *api.Client
	out       io.Writer
}

func newApp(cfg *config.Config, logger *slog.Logger, out, alerts io.Writer) (*app, error) {
	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	relay, err := authflow.NewRelay(cfg.RedirectURI, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating redirect relay: %w", err)
	}

	httpClient := &http.Client{Timeout: httpClientTimeout}
	oauthCfg := authflow.NewOAuthConfig(cfg.ClientID, cfg.AuthorizationEndpoint, cfg.TokenEndpoint, cfg.RedirectURI, cfg.Scopes())

	flow := authflow.New(authflow.Config{
		OAuth:      oauthCfg,
		Opener:     authflow.NewBrowserOpener(logger),
		Relay:      relay,
		HTTPClient: httpClient,
		Timeout:    cfg.LoginTimeout,
		Logger:     logger,
	})

	mgr := session.NewManager(session.Config{
		Store:      st,
		OAuth:      oauthCfg,
		Authorizer: flow,
		Notifier: session.NotifierFunc(func(msg string) {
			fmt.Fprintln(alerts, msg)
		}),
		HTTPClient:        httpClient,
		SessionDestroyURL: cfg.SessionDestroyURL(),
		AppRoot:           cfg.AppRoot,
		Logger:            logger,
	})

	tr := api.NewTransport(nil, mgr, nil, cfg.SessionDestroyURL(), logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		state:     st,
		relay:     relay,
		session:   mgr,
		transport: tr,
		client:    api.NewClient(tr, cfg.APIRoot, logger),
		out:       out,
	}, nil
}

func (a *app) Close() error {
	return a.state.Close()
}

// relayAddr is the listen address the authorization redirect arrives on.
func relayAddr(redirectURI string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URI: %w", err)
	}

	if u.Port() != "" {
		return u.Host, nil
	}

	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443"), nil
	}

	return net.JoinHostPort(u.Hostname(), "80"), nil
}

// startServer listens on addr and serves h until the returned stop is
// called or ctx is cancelled. Listening happens before it returns so a
// busy port fails the command immediately.
func (a *app) startServer(ctx context.Context, addr string, h http.Handler) (stop func(), errc <-chan error, err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ch := make(chan error, 1)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ch <- err
		}

		close(ch)
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown", slog.String("error", err.Error()))
		}
	}

	go func() {
		<-ctx.Done()
		shutdown()
	}()

	a.logger.Debug("listening", slog.String("addr", ln.Addr().String()))

	return shutdown, ch, nil
}

// startRelay serves only the redirect relay, for commands that may need
// to log in.
func (a *app) startRelay(ctx context.Context) (func(), error) {
	addr, err := relayAddr(a.cfg.RedirectURI)
	if err != nil {
		return nil, err
	}

	stop, _, err := a.startServer(ctx, addr, server.NewMux(server.MuxConfig{
		Relay:  a.relay,
		Logger: a.logger,
	}))
	if err != nil {
		return nil, err
	}

	return stop, nil
}

func (a *app) status() server.Status {
	return server.Status{
		LoggedIn:     a.session.LoggedIn(),
		LoginPending: a.relay.Armed(),
		InFlight:     a.transport.Busy().InFlight(),
	}
}
