package assetcache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest lists the app shell assets installed into the cache.
type Manifest struct {
	// Version is the app version the manifest describes. It is optional;
	// the watcher only re-registers when it changes.
	Version string  `yaml:"version"`
	Assets  []Asset `yaml:"assets"`
}

// Asset is one app shell file, relative to the app root.
type Asset struct {
	Path string `yaml:"path"`

	// Versioned assets are requested with ?v=<version> so a new version
	// never reuses a stale copy.
	Versioned bool `yaml:"versioned"`
}

// DefaultManifest is the app shell served when no manifest file is
// configured.
func DefaultManifest() *Manifest {
	return &Manifest{
		Assets: []Asset{
			{Path: "app.js", Versioned: true},
			{Path: "app.css", Versioned: true},
			{Path: "sw.js", Versioned: true},
			{Path: "vue.js"},
			{Path: "vuex.js"},
			{Path: "vue-resource.js"},
			{Path: "framework7.bundle.min.js"},
			{Path: "framework7-vue.bundle.min.js"},
			{Path: "material-icons.css"},
			{Path: "framework7-icons.css"},
			{Path: "framework7.bundle.min.css"},
			{Path: "fonts/Framework7Icons-Regular.woff2"},
			{Path: "fonts/MaterialIcons-Regular.woff2"},
			{Path: "favicon.png"},
			{Path: "icon-192.png"},
			{Path: "icon-512.png"},
			{Path: "manifest.json"},
		},
	}
}

// LoadManifest reads a YAML manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	return ParseManifest(data)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Assets) == 0 {
		return errors.New("manifest lists no assets")
	}

	seen := make(map[string]bool, len(m.Assets))

	for _, a := range m.Assets {
		p := strings.TrimSpace(a.Path)
		if p == "" {
			return errors.New("manifest entry with empty path")
		}

		if strings.HasPrefix(p, "/") || strings.Contains(p, "://") || strings.Contains(p, "?") {
			return fmt.Errorf("manifest path %q must be relative to the app root", a.Path)
		}

		for _, seg := range strings.Split(p, "/") {
			if seg == ".." {
				return fmt.Errorf("manifest path %q escapes the app root", a.Path)
			}
		}

		if seen[p] {
			return fmt.Errorf("duplicate manifest path %q", a.Path)
		}

		seen[p] = true
	}

	return nil
}

// Keys returns the cache keys of every asset for version, in manifest
// order. A key is the request path plus its raw query.
func (m *Manifest) Keys(appRoot, version string) []string {
	keys := make([]string, 0, len(m.Assets))

	for _, a := range m.Assets {
		key := appRoot + strings.TrimSpace(a.Path)
		if a.Versioned {
			key += "?v=" + url.QueryEscape(version)
		}

		keys = append(keys, key)
	}

	return keys
}
