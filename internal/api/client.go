// Package api talks to the device management API on behalf of the logged-in
// account. All requests go through Transport, which supplies the bearer
// token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/fleetdash/internal/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// Endpoints relative to the API root.
const (
	PathAccount    = "account"
	PathDeviceList = "device/list"
)

// DevicePath returns the endpoint of a single device.
func DevicePath(id int64) string {
	return "device/" + strconv.FormatInt(id, 10)
}

// DeviceOutputPath returns the snapshot endpoint of a single device.
func DeviceOutputPath(id int64) string {
	return DevicePath(id) + "/output"
}

// Client reads account and device state.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only within the original host so
// the bearer token never leaves the API origin.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a client for the API rooted at apiRoot. The transport
// is usually a *Transport, which applies the request timeout itself so a
// login prompt is not cut short by it.
func NewClient(transport http.RoundTripper, apiRoot string, logger *slog.Logger) *Client {
	httpClient := &http.Client{
		Transport:     transport,
		CheckRedirect: sameHostRedirectPolicy,
	}

	if _, ok := transport.(*Transport); !ok {
		httpClient.Timeout = httpClientTimeout
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    trimRoot(apiRoot),
		logger:     logger,
	}
}

// sanitizeResponseBody truncates a response body for error messages and
// replaces control characters.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// get fetches endpoint and returns the raw body of a 200 response.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrAPIRequest, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", apperrors.ErrAPIRequest, endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		if msg := gjson.GetBytes(body, "error").String(); msg != "" {
			return nil, fmt.Errorf("%w: %s (%d): %s", apperrors.ErrAPIResponse, endpoint, resp.StatusCode, sanitizeResponseBody([]byte(msg)))
		}

		return nil, fmt.Errorf("%w: %s returned status %d: %s", apperrors.ErrAPIResponse, endpoint, resp.StatusCode, sanitizeResponseBody(body))
	}

	return body, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, result interface{}) error {
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", apperrors.ErrAPIResponse, endpoint, err)
	}

	return nil
}

// Account returns the account of the logged-in user.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.getJSON(ctx, PathAccount, &acct); err != nil {
		return nil, err
	}

	return &acct, nil
}

// Devices returns all devices of the account.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	body, err := c.get(ctx, PathDeviceList)
	if err != nil {
		return nil, err
	}

	list := gjson.GetBytes(body, "devices")
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: %s: missing devices", apperrors.ErrAPIResponse, PathDeviceList)
	}

	devices := make([]Device, 0, len(list.Array()))
	if err := json.Unmarshal([]byte(list.Raw), &devices); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", apperrors.ErrAPIResponse, PathDeviceList, err)
	}

	return devices, nil
}

// Device returns a single device.
func (c *Client) Device(ctx context.Context, id int64) (*Device, error) {
	var d Device
	if err := c.getJSON(ctx, DevicePath(id), &d); err != nil {
		return nil, err
	}

	return &d, nil
}

// DeviceOutput returns the latest snapshot of a device. Errors wrap
// ErrSnapshotFetchFailed.
func (c *Client) DeviceOutput(ctx context.Context, id int64) (*Output, error) {
	body, err := c.get(ctx, DeviceOutputPath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSnapshotFetchFailed, err)
	}

	src := gjson.GetBytes(body, "src")
	if !src.Exists() {
		return nil, fmt.Errorf("%w: no src in response", apperrors.ErrSnapshotFetchFailed)
	}

	return &Output{Src: src.String()}, nil
}

// DeviceDetail returns a device and its snapshot. A failed snapshot fetch
// is logged and leaves Output nil.
func (c *Client) DeviceDetail(ctx context.Context, id int64) (*DeviceDetail, error) {
	var (
		device *Device
		output *Output
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d, err := c.Device(gctx, id)
		if err != nil {
			return err
		}

		device = d

		return nil
	})

	g.Go(func() error {
		out, err := c.DeviceOutput(gctx, id)
		if err != nil {
			c.logger.Info("cannot request snapshot",
				slog.Int64("device", id),
				slog.String("error", err.Error()),
			)

			return nil
		}

		output = out

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &DeviceDetail{Device: *device, Output: output}, nil
}

// Snapshot fetches the account and the device list concurrently.
func (c *Client) Snapshot(ctx context.Context) (*Overview, error) {
	var ov Overview

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		acct, err := c.Account(gctx)
		if err != nil {
			return err
		}

		ov.Account = acct

		return nil
	})

	g.Go(func() error {
		devices, err := c.Devices(gctx)
		if err != nil {
			return err
		}

		ov.Devices = devices

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ov, nil
}

// trimRoot ensures a base URL ends with exactly one slash.
func trimRoot(root string) string {
	return strings.TrimRight(root, "/") + "/"
}
