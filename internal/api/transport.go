package api

//go:generate mockgen -source=transport.go -destination=mock_transport_test.go -package=api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/fleetdash/internal/errors"
)

// BusyCounter counts in-flight API requests to drive a busy indicator.
type BusyCounter struct {
	n atomic.Int64
}

// Acquire marks a request as in flight. The returned release must be
// called when it settles; extra calls are ignored.
func (b *BusyCounter) Acquire() (release func()) {
	b.n.Add(1)

	var once sync.Once

	return func() {
		once.Do(func() { b.n.Add(-1) })
	}
}

// InFlight returns the number of unsettled requests.
func (b *BusyCounter) InFlight() int64 {
	return b.n.Load()
}

// Busy reports whether any request is in flight.
func (b *BusyCounter) Busy() bool {
	return b.InFlight() > 0
}

// Session is the part of the credential manager the transport needs.
type Session interface {
	AccessToken(ctx context.Context) (string, error)
	ForceLogout() error
}

// Transport injects the bearer token into every API request and wipes the
// session when the API answers 401.
type Transport struct {
	base    http.RoundTripper
	session Session
	busy    *BusyCounter
	logger  *slog.Logger
	timeout time.Duration

	// exempt is the session destroy URL. A 401 from it must not trigger
	// another logout. The credential manager calls it directly; this
	// guards API clients that reach it through the transport.
	exempt string
}

// NewTransport wraps base. If base is nil, http.DefaultTransport is used.
func NewTransport(base http.RoundTripper, session Session, busy *BusyCounter, sessionDestroyURL string, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}

	if busy == nil {
		busy = &BusyCounter{}
	}

	return &Transport{
		base:    base,
		session: session,
		busy:    busy,
		logger:  logger,
		timeout: httpClientTimeout,
		exempt:  sessionDestroyURL,
	}
}

// SetTimeout bounds each request once its token is available. Waiting for
// the token, which may involve an interactive login, is not counted. Zero
// disables the bound.
func (t *Transport) SetTimeout(d time.Duration) {
	t.timeout = d
}

// Busy returns the transport's busy counter.
func (t *Transport) Busy() *BusyCounter {
	return t.busy
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	release := t.busy.Acquire()
	defer release()

	token, err := t.session.AccessToken(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}

		return nil, fmt.Errorf("%w: no session: %w", apperrors.ErrAPIRequest, err)
	}

	ctx, cancel := req.Context(), context.CancelFunc(func() {})
	if t.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
	}

	out := req.Clone(ctx)
	out.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		cancel()
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}

	if resp.StatusCode == http.StatusUnauthorized && req.URL.String() != t.exempt {
		t.logger.Warn("API rejected access token", slog.String("url", req.URL.Redacted()))

		if err := t.session.ForceLogout(); err != nil {
			t.logger.Error("forced logout failed", slog.String("error", err.Error()))
		}
	}

	return resp, nil
}

// cancelOnClose releases the request timeout once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()

	return err
}
