package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}

	expected := Default()
	if cfg.Name != expected.Name {
		t.Errorf("expected name %q, got %q", expected.Name, cfg.Name)
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
name = "tcpep-demo"
log_level = "debug"

[listener]
address = ":8080"
backlog = 256

[threads]
max_threads = 500
poller_size = 1024

[timeouts]
so_timeout = "15m"
poll_time = "1ms"

[tls]
enabled = true
cert_file = "/etc/ssl/cert.pem"
key_file = "/etc/ssl/key.pem"
protocol = "TLSv1.2+TLSv1.1"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Name != "tcpep-demo" {
		t.Errorf("name = %q, want 'tcpep-demo'", cfg.Name)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", cfg.LogLevel)
	}
	if cfg.Listener.Address != ":8080" {
		t.Errorf("listener.address = %q, want ':8080'", cfg.Listener.Address)
	}
	if cfg.Listener.Backlog != 256 {
		t.Errorf("listener.backlog = %d, want 256", cfg.Listener.Backlog)
	}
	if cfg.Threads.MaxThreads != 500 {
		t.Errorf("threads.max_threads = %d, want 500", cfg.Threads.MaxThreads)
	}
	if cfg.Threads.PollerSize != 1024 {
		t.Errorf("threads.poller_size = %d, want 1024", cfg.Threads.PollerSize)
	}
	if cfg.Timeouts.SoTimeout != "15m" {
		t.Errorf("timeouts.so_timeout = %q, want '15m'", cfg.Timeouts.SoTimeout)
	}
	if !cfg.TLS.Enabled {
		t.Error("tls.enabled = false, want true")
	}
	if cfg.TLS.CertFile != "/etc/ssl/cert.pem" {
		t.Errorf("tls.cert_file = %q, want '/etc/ssl/cert.pem'", cfg.TLS.CertFile)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	content := `
[listener
address = "broken
`

	path := createTempConfig(t, content)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML, got nil")
	}
}

func TestLoadPartialConfig(t *testing.T) {
	content := `
name = "partial"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Name != "partial" {
		t.Errorf("name = %q, want 'partial'", cfg.Name)
	}

	defaults := Default()
	if cfg.LogLevel != defaults.LogLevel {
		t.Errorf("log_level = %q, want default %q", cfg.LogLevel, defaults.LogLevel)
	}
	if cfg.Listener.Backlog != defaults.Listener.Backlog {
		t.Errorf("listener.backlog = %d, want default %d", cfg.Listener.Backlog, defaults.Listener.Backlog)
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Default()

	flags := &Flags{
		Name:       "flag-name",
		LogLevel:   "debug",
		Listen:     ":9000",
		TLSCert:    "/flag/cert.pem",
		TLSKey:     "/flag/key.pem",
		MaxThreads: 64,
		UseComet:   true,
	}

	result := ApplyFlags(cfg, flags)

	if result.Name != "flag-name" {
		t.Errorf("name = %q, want 'flag-name'", result.Name)
	}
	if result.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", result.LogLevel)
	}
	if result.Listener.Address != ":9000" {
		t.Errorf("listener.address = %q, want ':9000'", result.Listener.Address)
	}
	if !result.TLS.Enabled {
		t.Error("tls.enabled = false, want true (set by -tls-cert)")
	}
	if result.TLS.CertFile != "/flag/cert.pem" {
		t.Errorf("tls.cert_file = %q, want '/flag/cert.pem'", result.TLS.CertFile)
	}
	if result.Threads.MaxThreads != 64 {
		t.Errorf("threads.max_threads = %d, want 64", result.Threads.MaxThreads)
	}
	if !result.Listener.UseComet {
		t.Error("listener.use_comet = false, want true")
	}
}

func TestApplyFlagsEmptyValuesDoNotOverride(t *testing.T) {
	cfg := Default()
	cfg.Name = "original"
	cfg.LogLevel = "warn"
	cfg.Threads.MaxThreads = 50

	flags := &Flags{}

	result := ApplyFlags(cfg, flags)

	if result.Name != "original" {
		t.Errorf("name = %q, want 'original' (should not be overridden)", result.Name)
	}
	if result.LogLevel != "warn" {
		t.Errorf("log_level = %q, want 'warn' (should not be overridden)", result.LogLevel)
	}
	if result.Threads.MaxThreads != 50 {
		t.Errorf("threads.max_threads = %d, want 50 (should not be overridden)", result.Threads.MaxThreads)
	}
}

func TestFlagPriorityOverConfig(t *testing.T) {
	content := `
name = "config-name"
log_level = "info"

[threads]
max_threads = 100
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	flags := &Flags{
		Name:       "flag-name",
		MaxThreads: 50,
	}

	result := ApplyFlags(cfg, flags)

	if result.Name != "flag-name" {
		t.Errorf("name = %q, want 'flag-name' (flag should override)", result.Name)
	}
	if result.Threads.MaxThreads != 50 {
		t.Errorf("threads.max_threads = %d, want 50 (flag should override)", result.Threads.MaxThreads)
	}
	if result.LogLevel != "info" {
		t.Errorf("log_level = %q, want 'info' (config value should remain)", result.LogLevel)
	}
}

func TestLoadMetricsConfig(t *testing.T) {
	content := `
name = "mail.example.com"

[metrics]
enabled = true
address = ":9200"
path = "/custom-metrics"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Metrics.Enabled {
		t.Errorf("metrics.enabled = %v, want true", cfg.Metrics.Enabled)
	}
	if cfg.Metrics.Address != ":9200" {
		t.Errorf("metrics.address = %q, want ':9200'", cfg.Metrics.Address)
	}
	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("metrics.path = %q, want '/custom-metrics'", cfg.Metrics.Path)
	}
}

func TestLoadMetricsConfigPartial(t *testing.T) {
	content := `
[metrics]
enabled = true
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Metrics.Enabled {
		t.Errorf("metrics.enabled = %v, want true", cfg.Metrics.Enabled)
	}

	defaults := Default()
	if cfg.Metrics.Address != defaults.Metrics.Address {
		t.Errorf("metrics.address = %q, want default %q", cfg.Metrics.Address, defaults.Metrics.Address)
	}
	if cfg.Metrics.Path != defaults.Metrics.Path {
		t.Errorf("metrics.path = %q, want default %q", cfg.Metrics.Path, defaults.Metrics.Path)
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	return path
}
