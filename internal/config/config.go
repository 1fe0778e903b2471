// Package config loads agent settings from a YAML file with environment
// overrides, and hands out immutable endpoint snapshots to the relay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCapabilities is what the agent announces in its hello frame.
var DefaultCapabilities = []string{
	"navigate",
	"screenshot",
	"getContent",
	"executeScript",
	"getUserActivityLog",
}

// Duration adds YAML support for "30s" style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the on-disk settings shape.
type Config struct {
	// ServerURL is the controller WebSocket endpoint, e.g. ws://host:8090.
	ServerURL string `yaml:"server_url"`
	// DisplayName identifies this agent to the controller.
	DisplayName string `yaml:"display_name"`
	// DataDir holds the SQLite database and screenshot history.
	DataDir string `yaml:"data_dir"`
	// ListenAddr is the local control API address.
	ListenAddr string `yaml:"listen_addr"`
	// Headless controls the Chromium launch mode.
	Headless bool `yaml:"headless"`
	// CommandTimeout bounds one command execution.
	CommandTimeout Duration `yaml:"command_timeout"`
	// Capabilities overrides the announced capability set.
	Capabilities []string `yaml:"capabilities"`
}

// Load reads path (optional), applies defaults and environment overrides.
// A missing file is not an error: the agent can run entirely from env.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DisplayName:    "browserlink-agent",
		DataDir:        defaultDataDir(),
		ListenAddr:     "127.0.0.1:8091",
		Headless:       true,
		CommandTimeout: Duration(30 * time.Second),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("BROWSERLINK_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("BROWSERLINK_NAME"); v != "" {
		cfg.DisplayName = v
	}
	if v := os.Getenv("BROWSERLINK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BROWSERLINK_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = DefaultCapabilities
	}
	return cfg, nil
}

// DatabasePath returns the SQLite file location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "browserlink.db")
}

// ScreenshotDir returns the screenshot history location under DataDir.
func (c *Config) ScreenshotDir() string {
	return filepath.Join(c.DataDir, "screenshots")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".browserlink"
	}
	return filepath.Join(home, ".browserlink")
}

// ── settings provider ─────────────────────────────────────────────────────

// Endpoint is one immutable settings snapshot for a connection attempt.
type Endpoint struct {
	URL         string
	DisplayName string
}

// Provider serves endpoint snapshots and absorbs reloads. Safe for
// concurrent use.
type Provider struct {
	path string

	mu  sync.RWMutex
	cfg *Config
}

// NewProvider wraps an already-loaded config. path is re-read on Reload.
func NewProvider(path string, cfg *Config) *Provider {
	return &Provider{path: path, cfg: cfg}
}

// Endpoint returns the current endpoint snapshot.
func (p *Provider) Endpoint() Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Endpoint{URL: p.cfg.ServerURL, DisplayName: p.cfg.DisplayName}
}

// Capabilities returns the announced capability set.
func (p *Provider) Capabilities() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.cfg.Capabilities))
	copy(out, p.cfg.Capabilities)
	return out
}

// Current returns the full config snapshot.
func (p *Provider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Reload re-reads the config file. The caller notifies the relay so the
// connection manager reconnects against the new endpoint.
func (p *Provider) Reload() error {
	cfg, err := Load(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}
