package authflow

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

//go:generate mockgen -source=opener.go -destination=mock_opener_test.go -package=authflow

// Opener opens a browsing context on the authorization URL. An error means
// the host refused to open it.
type Opener interface {
	Open(ctx context.Context, authURL string) (Window, error)
}

// Window is an opened authorization context.
type Window interface {
	// Close closes the window. Failures are not fatal to the caller.
	Close() error
	// Closed is closed when the user dismisses the window. A nil channel
	// means closure cannot be observed.
	Closed() <-chan struct{}
}

// BrowserOpener launches the system browser.
type BrowserOpener struct {
	logger *slog.Logger
	launch func(target string) error
}

// NewBrowserOpener returns an opener using the platform's URL handler.
func NewBrowserOpener(logger *slog.Logger) *BrowserOpener {
	return &BrowserOpener{logger: logger, launch: openBrowser}
}

// Open starts the browser. The returned window cannot be observed or
// closed; the login timeout bounds the wait instead.
func (o *BrowserOpener) Open(_ context.Context, authURL string) (Window, error) {
	o.logger.Info("opening browser for login", slog.String("url", authURL))

	if err := o.launch(authURL); err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	return browserWindow{}, nil
}

type browserWindow struct{}

func (browserWindow) Close() error            { return nil }
func (browserWindow) Closed() <-chan struct{} { return nil }

func openBrowser(target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32.exe", "url.dll,FileProtocolHandler", target)
	case "darwin":
		cmd = exec.Command("open", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	return cmd.Start()
}
