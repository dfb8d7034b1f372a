package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alexjbarnes/fleetdash/internal/api"
	"github.com/alexjbarnes/fleetdash/internal/assetcache"
	"github.com/alexjbarnes/fleetdash/internal/config"
	"github.com/alexjbarnes/fleetdash/internal/logging"
	"github.com/alexjbarnes/fleetdash/internal/server"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const usage = `usage: fleetdash <command> [args]

commands:
  login            sign in through the browser
  logout           end the session and forget stored tokens
  status           show the account summary
  devices [mode]   list devices; mode is all, online or offline
  device <id>      show one device and its latest snapshot
  serve            serve the app shell and the login redirect
`

var (
	errUsage       = errors.New("invalid usage")
	errLoginFailed = errors.New("login failed")
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}

		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"login":   runLogin,
	"logout":  runLogout,
	"status":  runStatus,
	"devices": runDevices,
	"device":  runDevice,
	"serve":   runServe,
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: no command", errUsage)
	}

	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(stdout, usage)
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("fleetdash starting",
		slog.String("version", Version),
		slog.String("command", args[0]),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	return cmd(ctx, a, args[1:])
}

// withRelay runs fn with the redirect relay listening unless the stored
// access token is still valid.
func withRelay(ctx context.Context, a *app, fn func() error) error {
	ts, err := a.session.Tokens()
	if err != nil || !ts.Valid(time.Now()) {
		stop, err := a.startRelay(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}

	return fn()
}

func runLogin(ctx context.Context, a *app, _ []string) error {
	target := a.cfg.AppRoot + "devices"

	return withRelay(ctx, a, func() error {
		if a.session.EnsureValidSession(ctx, target) != target {
			return errLoginFailed
		}

		fmt.Fprintln(a.out, "Logged in.")

		return nil
	})
}

func runLogout(ctx context.Context, a *app, _ []string) error {
	if _, err := a.session.Logout(ctx); err != nil {
		return err
	}

	fmt.Fprintln(a.out, "Logged out.")

	return nil
}

func runStatus(ctx context.Context, a *app, _ []string) error {
	return withRelay(ctx, a, func() error {
		ov, err := a.client.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("fetching account: %w", err)
		}

		renderOverview(a.out, ov)

		return nil
	})
}

func runDevices(ctx context.Context, a *app, args []string) error {
	var modeArg string
	if len(args) > 0 {
		modeArg = args[0]
	}

	mode, err := api.ParseListMode(modeArg)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	return withRelay(ctx, a, func() error {
		devices, err := a.client.Devices(ctx)
		if err != nil {
			return fmt.Errorf("fetching devices: %w", err)
		}

		renderDeviceList(a.out, api.BuildList(devices, mode, time.Now()), mode)

		return nil
	})
}

func runDevice(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: device needs an id", errUsage)
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid device id %q", errUsage, args[0])
	}

	return withRelay(ctx, a, func() error {
		detail, err := a.client.DeviceDetail(ctx, id)
		if err != nil {
			return fmt.Errorf("fetching device: %w", err)
		}

		renderDevice(a.out, detail, time.Now())

		return nil
	})
}

func runServe(ctx context.Context, a *app, _ []string) error {
	cfg := a.cfg

	if cfg.AssetOrigin == "" {
		return fmt.Errorf("ASSET_ORIGIN is required to serve")
	}

	manifest := assetcache.DefaultManifest()
	version := cfg.AppVersion

	if cfg.AssetManifest != "" {
		m, err := assetcache.LoadManifest(cfg.AssetManifest)
		if err != nil {
			return err
		}

		manifest = m
		if m.Version != "" {
			version = m.Version
		}
	}

	worker, err := assetcache.New(assetcache.Config{
		Store:         a.state,
		Origin:        cfg.AssetOrigin,
		AppRoot:       cfg.AppRoot,
		CacheName:     cfg.CacheName,
		Manifest:      manifest,
		ActivationURL: cfg.ActivationURL,
		Logger:        a.logger.With(slog.String("service", "assets")),
	})
	if err != nil {
		return fmt.Errorf("creating asset worker: %w", err)
	}

	if err := worker.Register(ctx, cfg.ActivationURL(version)); err != nil {
		// Misses go to the origin, so the app keeps working uncached.
		a.logger.Warn("asset cache not installed", slog.String("error", err.Error()))
	}

	mux := server.NewMux(server.MuxConfig{
		Relay:  a.relay,
		Assets: worker,
		Status: func() server.Status {
			s := a.status()
			s.AssetCache = worker.Active()

			return s
		},
		Login:   a.session.EnsureValidSession,
		AppRoot: cfg.AppRoot,
		Logger:  a.logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	_, errc, err := a.startServer(gctx, cfg.ListenAddr, mux)
	if err != nil {
		return err
	}

	g.Go(func() error { return <-errc })

	a.logger.Info("serving",
		slog.String("listen", cfg.ListenAddr),
		slog.String("origin", cfg.AssetOrigin),
		slog.String("version", version),
	)

	redirectAddr, err := relayAddr(cfg.RedirectURI)
	if err != nil {
		return err
	}

	if redirectAddr != cfg.ListenAddr {
		_, relayErrc, err := a.startServer(gctx, redirectAddr, server.NewMux(server.MuxConfig{
			Relay:  a.relay,
			Logger: a.logger,
		}))
		if err != nil {
			return err
		}

		g.Go(func() error { return <-relayErrc })
	}

	if cfg.AssetManifest != "" {
		g.Go(func() error {
			err := worker.WatchManifest(gctx, cfg.AssetManifest)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	return g.Wait()
}
