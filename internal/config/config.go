package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for fleetdash.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// AppRoot is the path every failed login and logout resolves to.
	AppRoot string `env:"APP_ROOT" envDefault:"/"`

	// AppVersion is the asset manifest version used when the manifest file
	// does not declare one.
	AppVersion string `env:"APP_VERSION" envDefault:"dev"`

	// Account and device API. Relative API paths resolve against it.
	APIRoot string `env:"API_ROOT" envDefault:"https://info-beamer.com/api/v1/"`

	// OAuth2 client settings. The client is public, so there is no secret.
	AuthorizationEndpoint string        `env:"AUTHORIZATION_ENDPOINT" envDefault:"https://info-beamer.com/oauth/authorize"`
	TokenEndpoint         string        `env:"TOKEN_ENDPOINT" envDefault:"https://info-beamer.com/api/v1/oauth/token"`
	ClientID              string        `env:"CLIENT_ID"`
	RedirectURI           string        `env:"REDIRECT_URI" envDefault:"http://127.0.0.1:8091/"`
	RequestedScopes       string        `env:"REQUESTED_SCOPES" envDefault:"account:read device:read"`
	LoginTimeout          time.Duration `env:"LOGIN_TIMEOUT" envDefault:"5m"`

	// StatePath is the bbolt database holding tokens and asset caches.
	// Defaults to ~/.fleetdash/state.db.
	StatePath string `env:"STATE_PATH"`

	// Asset cache worker. ListenAddr serves the app shell and the OAuth
	// redirect relay.
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	AssetOrigin   string `env:"ASSET_ORIGIN"`
	AssetManifest string `env:"ASSET_MANIFEST"`
	CacheName     string `env:"CACHE_NAME" envDefault:"hosted-app"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !strings.HasSuffix(cfg.APIRoot, "/") {
		cfg.APIRoot += "/"
	}

	if !strings.HasSuffix(cfg.AppRoot, "/") {
		cfg.AppRoot += "/"
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("CLIENT_ID is required")
	}

	for name, raw := range map[string]string{
		"AUTHORIZATION_ENDPOINT": c.AuthorizationEndpoint,
		"TOKEN_ENDPOINT":         c.TokenEndpoint,
		"REDIRECT_URI":           c.RedirectURI,
		"API_ROOT":               c.APIRoot,
	} {
		if err := requireAbsoluteURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.LoginTimeout <= 0 {
		return fmt.Errorf("LOGIN_TIMEOUT must be positive")
	}

	if !strings.HasPrefix(c.AppRoot, "/") {
		return fmt.Errorf("APP_ROOT must start with /")
	}

	if c.AssetManifest != "" && c.AssetOrigin == "" {
		return fmt.Errorf("ASSET_ORIGIN is required when ASSET_MANIFEST is set")
	}

	if c.AssetOrigin != "" {
		if err := requireAbsoluteURL(c.AssetOrigin); err != nil {
			return fmt.Errorf("ASSET_ORIGIN: %w", err)
		}
	}

	return nil
}

func requireAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must be http or https", raw)
	}

	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}

	return nil
}

// DefaultStatePath returns ~/.fleetdash/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".fleetdash", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Scopes splits REQUESTED_SCOPES on whitespace.
func (c *Config) Scopes() []string {
	return strings.Fields(c.RequestedScopes)
}

// SessionDestroyURL is the absolute URL of the account session destroy
// endpoint.
func (c *Config) SessionDestroyURL() string {
	return c.APIRoot + SessionDestroyPath
}

// SessionDestroyPath is relative to API_ROOT. A 401 from it never triggers
// the forced logout path.
const SessionDestroyPath = "account/session/destroy"

// ActivationURL is the asset worker registration URL for a version.
func (c *Config) ActivationURL(version string) string {
	return c.AppRoot + "sw.js?v=" + url.QueryEscape(version)
}
