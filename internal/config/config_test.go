package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvProbeAddress, "")
	os.Unsetenv(EnvProbeAddress)
	chdir(t, t.TempDir())

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ListenAddress != defaultListenAddress {
		t.Fatalf("listen_address = %q, want %q", cfg.ListenAddress, defaultListenAddress)
	}
	if cfg.Prefer != defaultPrefer {
		t.Fatalf("prefer = %q, want %q", cfg.Prefer, defaultPrefer)
	}
	if !cfg.FallbackToLocal || !cfg.ForwardingEnabled {
		t.Fatalf("fallback_to_local = %v, forwarding_enabled = %v, want both true", cfg.FallbackToLocal, cfg.ForwardingEnabled)
	}
	if cfg.Probe.Address != "" {
		t.Fatalf("probe.address = %q, want empty", cfg.Probe.Address)
	}
	if cfg.Timeouts.Standard != defaultStandardTimeout {
		t.Fatalf("timeouts.standard = %s, want %s", cfg.Timeouts.Standard, defaultStandardTimeout)
	}
	if cfg.Timeouts.Extended != defaultExtendedTimeout {
		t.Fatalf("timeouts.extended = %s, want %s", cfg.Timeouts.Extended, defaultExtendedTimeout)
	}
	if cfg.Timeouts.Ceiling != defaultCeiling {
		t.Fatalf("timeouts.ceiling = %s, want %s", cfg.Timeouts.Ceiling, defaultCeiling)
	}
	if cfg.Output.MaxBytes != defaultOutputMaxBytes {
		t.Fatalf("output.max_bytes = %d, want %d", cfg.Output.MaxBytes, defaultOutputMaxBytes)
	}
	if cfg.Output.DefaultLineLimit != defaultLineLimit {
		t.Fatalf("output.default_line_limit = %d, want %d", cfg.Output.DefaultLineLimit, defaultLineLimit)
	}
	if cfg.Exec.Python != defaultPython {
		t.Fatalf("exec.python = %q, want %q", cfg.Exec.Python, defaultPython)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvProbeAddress, "")
	os.Unsetenv(EnvProbeAddress)

	writeFile(t, filepath.Join(home, ".cmdbridge", "config.toml"), `
prefer = "external"
fallback_to_local = false

[probe]
address = "10.0.0.5:9999"
timeout = "500ms"

[timeouts]
standard = "7s"
extended = "0s"

[exec]
allow_commands = ["echo", "ls"]
	`)

	writeFile(t, filepath.Join(work, ".cmdbridge", "config.toml"), `
forwarding_enabled = false

[probe]
heartbeat_interval = "0s"

[timeouts]
standard = "3s"

[output]
max_bytes = 1024
default_line_limit = -1

[viewer]
title = "project"

[otel]
endpoint = "http://collector:4318"
	`)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Prefer != "external" {
		t.Fatalf("prefer = %q, want external", cfg.Prefer)
	}
	if cfg.FallbackToLocal {
		t.Fatalf("fallback_to_local = true, want false")
	}
	if cfg.ForwardingEnabled {
		t.Fatalf("forwarding_enabled = true, want false")
	}
	if cfg.Probe.Address != "10.0.0.5:9999" {
		t.Fatalf("probe.address = %q, want 10.0.0.5:9999", cfg.Probe.Address)
	}
	if cfg.Probe.Timeout != 500*time.Millisecond {
		t.Fatalf("probe.timeout = %s, want 500ms", cfg.Probe.Timeout)
	}
	if cfg.Probe.HeartbeatInterval != 0 {
		t.Fatalf("probe.heartbeat_interval = %s, want 0", cfg.Probe.HeartbeatInterval)
	}
	if cfg.Timeouts.Standard != 3*time.Second {
		t.Fatalf("timeouts.standard = %s, want 3s", cfg.Timeouts.Standard)
	}
	if cfg.Timeouts.Extended != 0 {
		t.Fatalf("timeouts.extended = %s, want 0", cfg.Timeouts.Extended)
	}
	if cfg.Output.MaxBytes != 1024 || cfg.Output.DefaultLineLimit != -1 {
		t.Fatalf("output = %+v, want max_bytes 1024 and line limit -1", cfg.Output)
	}
	if cfg.Viewer.Title != "project" {
		t.Fatalf("viewer.title = %q, want project", cfg.Viewer.Title)
	}
	if strings.Join(cfg.Exec.AllowCommands, ",") != "echo,ls" {
		t.Fatalf("exec.allow_commands = %v, want [echo ls]", cfg.Exec.AllowCommands)
	}
	if cfg.OTelEndpoint != "http://collector:4318" {
		t.Fatalf("otel.endpoint = %q, want http://collector:4318", cfg.OTelEndpoint)
	}
}

func TestEnvOverridesProbeAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `
[probe]
address = "from-file:1"
`)
	t.Setenv(EnvProbeAddress, "127.0.0.1:7001")

	cfg, err := LoadFiles(context.Background(), path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Probe.Address != "127.0.0.1:7001" {
		t.Fatalf("probe.address = %q, want 127.0.0.1:7001", cfg.Probe.Address)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad duration", content: "[timeouts]\nstandard = \"soon\"\n", want: "timeouts.standard"},
		{name: "negative duration", content: "[probe]\ntimeout = \"-1s\"\n", want: "probe.timeout"},
		{name: "unknown prefer", content: "prefer = \"remote\"\n", want: "prefer"},
		{name: "ceiling below standard", content: "[timeouts]\nstandard = \"1m\"\nceiling = \"10s\"\n", want: "timeouts.ceiling"},
		{name: "zero output cap", content: "[output]\nmax_bytes = 0\n", want: "output.max_bytes"},
		{name: "bad line limit", content: "[output]\ndefault_line_limit = -5\n", want: "default_line_limit"},
		{name: "probe targets own listener", content: "listen_address = \"127.0.0.1:7000\"\n[probe]\naddress = \"127.0.0.1:7000\"\n", want: "probe.address"},
		{name: "not toml", content: "prefer = \n", want: "decode config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			writeFile(t, path, tt.content)

			_, err := LoadFiles(context.Background(), path)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestLoadFilesSkipsMissingFiles(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFiles(context.Background(), filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Viewer.Width != defaultViewerWidth {
		t.Fatalf("viewer.width = %d, want %d", cfg.Viewer.Width, defaultViewerWidth)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestValidateAllowsOwnAddressWhenForwardingDisabled(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.Probe.Address = cfg.ListenAddress
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for probe.address equal to listen_address")
	}

	cfg.ForwardingEnabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
