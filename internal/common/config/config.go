// Package config loads the optional argus.yaml with watcher defaults.
// Flags always override file values; a missing file yields defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/argus-tools/argus/internal/common/logger"
	"github.com/argus-tools/argus/internal/common/yamlutil"
)

// WatcherConfig are the tunables of a watcher process.
type WatcherConfig struct {
	// LogBufferSize is the LogBuffer capacity.
	LogBufferSize int `yaml:"log_buffer_size"`
	// NetBufferSize is the NetBuffer capacity.
	NetBufferSize int `yaml:"net_buffer_size"`
	// CDPTimeout bounds every CDP call unless the operator overrides it.
	CDPTimeout time.Duration `yaml:"cdp_timeout"`
	// HeartbeatInterval is the registry heartbeat period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// RegistryTTL is the staleness bound applied when pruning records.
	RegistryTTL time.Duration `yaml:"registry_ttl"`
	// CaptureNetwork enables Network.* capture into the NetBuffer.
	CaptureNetwork bool `yaml:"capture_network"`
	// IgnoreFramePatterns are regexes over frame URLs skipped during
	// stack-frame selection (bundler and framework internals).
	IgnoreFramePatterns []string `yaml:"ignore_frame_patterns"`
	// StripURLPrefixes are literal prefixes removed from file fields.
	StripURLPrefixes []string `yaml:"strip_url_prefixes"`
	// RedactPatterns are regexes blanked out of captured text and args.
	RedactPatterns []string `yaml:"redact_patterns"`
	// ResolveSourcemaps enables sibling source-map lookup for frames.
	ResolveSourcemaps bool `yaml:"resolve_sourcemaps"`
	// MaxConns caps concurrent connections on the HTTP listener.
	MaxConns int `yaml:"max_conns"`
}

// Config is the root of argus.yaml.
type Config struct {
	Watcher WatcherConfig `yaml:"watcher"`
	Log     logger.Config `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig controls the Prometheus surface on the watcher server.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Watcher: WatcherConfig{
			LogBufferSize:     50000,
			NetBufferSize:     50000,
			CDPTimeout:        30 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			RegistryTTL:       60 * time.Second,
			CaptureNetwork:    true,
			ResolveSourcemaps: true,
			MaxConns:          256,
		},
		Log:     logger.DefaultConfig(),
		Metrics: MetricsConfig{Enabled: true, Namespace: "argus"},
	}
}

// Load reads path when it exists and overlays it onto the defaults.
// An empty path means defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yamlutil.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the watcher cannot run with.
func (c *Config) Validate() error {
	if c.Watcher.LogBufferSize <= 0 {
		return fmt.Errorf("watcher.log_buffer_size must be positive")
	}
	if c.Watcher.NetBufferSize <= 0 {
		return fmt.Errorf("watcher.net_buffer_size must be positive")
	}
	if c.Watcher.CDPTimeout <= 0 {
		return fmt.Errorf("watcher.cdp_timeout must be positive")
	}
	if c.Watcher.HeartbeatInterval <= 0 {
		return fmt.Errorf("watcher.heartbeat_interval must be positive")
	}
	if c.Watcher.RegistryTTL < c.Watcher.HeartbeatInterval {
		return fmt.Errorf("watcher.registry_ttl must be at least the heartbeat interval")
	}
	if c.Watcher.MaxConns <= 0 {
		return fmt.Errorf("watcher.max_conns must be positive")
	}
	return nil
}
