// Package config loads bridge settings from TOML: built-in defaults,
// then ~/.cmdbridge/config.toml, then ./.cmdbridge/config.toml, then
// environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvProbeAddress overrides probe.address.
const EnvProbeAddress = "CMDBRIDGE_PROBE_ADDRESS"

const (
	defaultListenAddress     = "127.0.0.1:9999"
	defaultPrefer            = "auto"
	defaultProbeTimeout      = 2 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultStandardTimeout   = 5 * time.Second
	defaultExtendedTimeout   = 240 * time.Second
	defaultCeiling           = 10 * time.Minute
	defaultForwardConnect    = 2 * time.Second
	defaultForwardResponse   = 30 * time.Second
	defaultOutputMaxBytes    = 8 * 1024 * 1024
	defaultLineLimit         = 30
	defaultViewerTitle       = "cmdbridge"
	defaultViewerWidth       = 800
	defaultViewerHeight      = 600
	defaultPython            = "python3"
)

// Config stores runtime settings.
type Config struct {
	ListenAddress     string
	Prefer            string
	FallbackToLocal   bool
	ForwardingEnabled bool
	Probe             ProbeConfig
	Timeouts          TimeoutConfig
	Output            OutputConfig
	Viewer            ViewerConfig
	Exec              ExecConfig
	OTelEndpoint      string
}

// ProbeConfig controls discovery of an external peer.
type ProbeConfig struct {
	Address           string
	Timeout           time.Duration
	HeartbeatInterval time.Duration
}

// TimeoutConfig bounds caller waits and forwarding.
type TimeoutConfig struct {
	Standard        time.Duration
	Extended        time.Duration
	Ceiling         time.Duration
	ForwardConnect  time.Duration
	ForwardResponse time.Duration
}

// OutputConfig sizes the output store.
type OutputConfig struct {
	MaxBytes         int
	DefaultLineLimit int
}

// ViewerConfig holds defaults for init_viewer.
type ViewerConfig struct {
	Title  string
	Width  int
	Height int
}

// ExecConfig controls extended commands.
type ExecConfig struct {
	Python        string
	AllowCommands []string
}

type fileConfig struct {
	ListenAddress     *string       `toml:"listen_address"`
	Prefer            *string       `toml:"prefer"`
	FallbackToLocal   *bool         `toml:"fallback_to_local"`
	ForwardingEnabled *bool         `toml:"forwarding_enabled"`
	Probe             *probeFile    `toml:"probe"`
	Timeouts          *timeoutsFile `toml:"timeouts"`
	Output            *outputFile   `toml:"output"`
	Viewer            *viewerFile   `toml:"viewer"`
	Exec              *execFile     `toml:"exec"`
	OTel              *otelFile     `toml:"otel"`
}

type probeFile struct {
	Address           *string `toml:"address"`
	Timeout           *string `toml:"timeout"`
	HeartbeatInterval *string `toml:"heartbeat_interval"`
}

type timeoutsFile struct {
	Standard        *string `toml:"standard"`
	Extended        *string `toml:"extended"`
	Ceiling         *string `toml:"ceiling"`
	ForwardConnect  *string `toml:"forward_connect"`
	ForwardResponse *string `toml:"forward_response"`
}

type outputFile struct {
	MaxBytes         *int `toml:"max_bytes"`
	DefaultLineLimit *int `toml:"default_line_limit"`
}

type viewerFile struct {
	Title  *string `toml:"title"`
	Width  *int    `toml:"width"`
	Height *int    `toml:"height"`
}

type execFile struct {
	Python        *string  `toml:"python"`
	AllowCommands []string `toml:"allow_commands"`
}

type otelFile struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.cmdbridge/config.toml and overlays a
// project-local .cmdbridge/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(
		ctx,
		filepath.Join(homeDir, ".cmdbridge", "config.toml"),
		filepath.Join(workingDir, ".cmdbridge", "config.toml"),
	)
}

// LoadFiles overlays each existing file in order on the defaults and
// then applies environment overrides.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddress:     defaultListenAddress,
		Prefer:            defaultPrefer,
		FallbackToLocal:   true,
		ForwardingEnabled: true,
		Probe: ProbeConfig{
			Timeout:           defaultProbeTimeout,
			HeartbeatInterval: defaultHeartbeatInterval,
		},
		Timeouts: TimeoutConfig{
			Standard:        defaultStandardTimeout,
			Extended:        defaultExtendedTimeout,
			Ceiling:         defaultCeiling,
			ForwardConnect:  defaultForwardConnect,
			ForwardResponse: defaultForwardResponse,
		},
		Output: OutputConfig{
			MaxBytes:         defaultOutputMaxBytes,
			DefaultLineLimit: defaultLineLimit,
		},
		Viewer: ViewerConfig{
			Title:  defaultViewerTitle,
			Width:  defaultViewerWidth,
			Height: defaultViewerHeight,
		},
		Exec: ExecConfig{Python: defaultPython},
	}
}

// Validate rejects settings the bridge cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	switch c.Prefer {
	case "auto", "local", "external":
	default:
		return fmt.Errorf("prefer must be auto, local or external, got %q", c.Prefer)
	}
	if c.ForwardingEnabled && c.Probe.Address != "" && c.Probe.Address == c.ListenAddress {
		return fmt.Errorf("probe.address %s must differ from listen_address", c.Probe.Address)
	}
	if c.Timeouts.Standard <= 0 {
		return errors.New("timeouts.standard must be > 0")
	}
	if c.Timeouts.Extended < 0 {
		return errors.New("timeouts.extended must be >= 0")
	}
	if c.Timeouts.Ceiling < c.Timeouts.Standard {
		return fmt.Errorf("timeouts.ceiling %s must not be below timeouts.standard %s", c.Timeouts.Ceiling, c.Timeouts.Standard)
	}
	if c.Output.MaxBytes <= 0 {
		return errors.New("output.max_bytes must be > 0")
	}
	if c.Output.DefaultLineLimit < -1 {
		return errors.New("output.default_line_limit must be -1 or greater")
	}
	if c.Viewer.Width <= 0 || c.Viewer.Height <= 0 {
		return errors.New("viewer.width and viewer.height must be > 0")
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyProbeOverrides(cfg, decoded.Probe, path); err != nil {
		return err
	}
	if err := applyTimeoutOverrides(cfg, decoded.Timeouts, path); err != nil {
		return err
	}
	applySectionOverrides(cfg, decoded)
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("parse %s in %q: must be >= 0", key, path)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.ListenAddress != nil {
		cfg.ListenAddress = strings.TrimSpace(*decoded.ListenAddress)
	}
	if decoded.Prefer != nil {
		cfg.Prefer = normalizeKey(*decoded.Prefer)
	}
	if decoded.FallbackToLocal != nil {
		cfg.FallbackToLocal = *decoded.FallbackToLocal
	}
	if decoded.ForwardingEnabled != nil {
		cfg.ForwardingEnabled = *decoded.ForwardingEnabled
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

func applyProbeOverrides(cfg *Config, decoded *probeFile, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.Address != nil {
		cfg.Probe.Address = strings.TrimSpace(*decoded.Address)
	}
	if decoded.Timeout != nil {
		value, err := parseDuration(*decoded.Timeout, "probe.timeout", path)
		if err != nil {
			return err
		}
		cfg.Probe.Timeout = value
	}
	if decoded.HeartbeatInterval != nil {
		value, err := parseDuration(*decoded.HeartbeatInterval, "probe.heartbeat_interval", path)
		if err != nil {
			return err
		}
		cfg.Probe.HeartbeatInterval = value
	}
	return nil
}

func applyTimeoutOverrides(cfg *Config, decoded *timeoutsFile, path string) error {
	if decoded == nil {
		return nil
	}
	targets := []struct {
		value  *string
		key    string
		target *time.Duration
	}{
		{decoded.Standard, "timeouts.standard", &cfg.Timeouts.Standard},
		{decoded.Extended, "timeouts.extended", &cfg.Timeouts.Extended},
		{decoded.Ceiling, "timeouts.ceiling", &cfg.Timeouts.Ceiling},
		{decoded.ForwardConnect, "timeouts.forward_connect", &cfg.Timeouts.ForwardConnect},
		{decoded.ForwardResponse, "timeouts.forward_response", &cfg.Timeouts.ForwardResponse},
	}
	for _, entry := range targets {
		if entry.value == nil {
			continue
		}
		value, err := parseDuration(*entry.value, entry.key, path)
		if err != nil {
			return err
		}
		*entry.target = value
	}
	return nil
}

func applySectionOverrides(cfg *Config, decoded fileConfig) {
	if output := decoded.Output; output != nil {
		if output.MaxBytes != nil {
			cfg.Output.MaxBytes = *output.MaxBytes
		}
		if output.DefaultLineLimit != nil {
			cfg.Output.DefaultLineLimit = *output.DefaultLineLimit
		}
	}
	if viewer := decoded.Viewer; viewer != nil {
		if viewer.Title != nil {
			cfg.Viewer.Title = strings.TrimSpace(*viewer.Title)
		}
		if viewer.Width != nil {
			cfg.Viewer.Width = *viewer.Width
		}
		if viewer.Height != nil {
			cfg.Viewer.Height = *viewer.Height
		}
	}
	if exec := decoded.Exec; exec != nil {
		if exec.Python != nil {
			cfg.Exec.Python = strings.TrimSpace(*exec.Python)
		}
		if exec.AllowCommands != nil {
			cfg.Exec.AllowCommands = append([]string(nil), exec.AllowCommands...)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if address, ok := os.LookupEnv(EnvProbeAddress); ok {
		cfg.Probe.Address = strings.TrimSpace(address)
	}
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
