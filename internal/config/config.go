// Package config provides configuration management for the endpoint: TOML
// file binding plus CLI flag overrides, following the same
// Default/Validate/Load/ApplyFlags split the original POP3 daemon used.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/infodancer/tcpep/internal/tlscapability"
)

// VerifyClientMode enumerates the client-certificate verification modes
// from spec.md §6.
type VerifyClientMode string

const (
	VerifyNone         VerifyClientMode = "none"
	VerifyOptional     VerifyClientMode = "optional"
	VerifyRequire      VerifyClientMode = "require"
	VerifyOptionalNoCA VerifyClientMode = "optionalNoCA"
)

// Config is the top-level tcpep configuration.
type Config struct {
	Name     string `toml:"name"`
	LogLevel string `toml:"log_level"`

	Listener ListenerConfig `toml:"listener"`
	Threads  ThreadsConfig  `toml:"threads"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	TLS      TLSConfig      `toml:"tls"`
	Sendfile SendfileConfig `toml:"sendfile"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// ListenerConfig defines the bind parameters and accept-path knobs.
type ListenerConfig struct {
	Address     string `toml:"address"`
	Backlog     int    `toml:"backlog"`
	DeferAccept bool   `toml:"defer_accept"`
	UseComet    bool   `toml:"use_comet"`
}

// ThreadsConfig sizes the stage goroutine pools. Zero means auto-derive
// per spec.md §4.1 step 6.
type ThreadsConfig struct {
	AcceptorThreadCount int `toml:"acceptor_thread_count"`
	PollerThreadCount   int `toml:"poller_thread_count"`
	SendfileThreadCount int `toml:"sendfile_thread_count"`
	PollerSize          int `toml:"poller_size"`
	SendfileSize        int `toml:"sendfile_size"`
	MaxThreads          int `toml:"max_threads"` // <0 unbounded, 0 disables, >0 bounded
}

// TimeoutsConfig defines timeout durations, expressed as parseable
// duration strings in the file (e.g. "30s"), mirroring the teacher's
// string-typed TOML timeout fields.
type TimeoutsConfig struct {
	SoTimeout        string `toml:"so_timeout"`
	KeepAliveTimeout string `toml:"keep_alive_timeout"` // falls back to SoTimeout
	PollTime         string `toml:"poll_time"`          // poll quantum, default 2ms
	UnlockTimeout    string `toml:"unlock_timeout"`
	SoLinger         int    `toml:"so_linger"` // <0 skip
	TCPNoDelay       bool   `toml:"tcp_no_delay"`
}

// TLSConfig holds TLS certificate and protocol settings, mapped onto
// tlscapability.Options by the endpoint at Init.
type TLSConfig struct {
	Enabled            bool             `toml:"enabled"`
	Protocol           string           `toml:"protocol"` // "+"-joined tokens
	CipherSuites       []string         `toml:"cipher_suites"`
	CertFile           string           `toml:"cert_file"`
	KeyFile            string           `toml:"key_file"`
	ChainFile          string           `toml:"chain_file"`
	Password           string           `toml:"password"`
	CACertFile         string           `toml:"ca_cert_file"`
	CAPath             string           `toml:"ca_path"`
	CARevocationFile   string           `toml:"ca_revocation_file"`
	CARevocationPath   string           `toml:"ca_revocation_path"`
	VerifyClient       VerifyClientMode `toml:"verify_client"`
	VerifyDepth        int              `toml:"verify_depth"`
	HonorCipherOrder   bool             `toml:"honor_cipher_order"`
	DisableCompression bool             `toml:"disable_compression"`
}

// SendfileConfig controls whether static-range serving via kernel sendfile
// is attempted.
type SendfileConfig struct {
	Enabled bool `toml:"enabled"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Name:     "tcpep",
		LogLevel: "info",
		Listener: ListenerConfig{
			Address: ":0",
			Backlog: 100,
		},
		Threads: ThreadsConfig{
			MaxThreads: 200,
		},
		Timeouts: TimeoutsConfig{
			SoTimeout:     "20m",
			PollTime:      "2ms",
			UnlockTimeout: "250ms",
			SoLinger:      -1,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Listener.Backlog <= 0 {
		return errors.New("listener.backlog must be positive")
	}

	if _, err := c.Timeouts.SoTimeoutDuration(); err != nil {
		return fmt.Errorf("invalid timeouts.so_timeout: %w", err)
	}
	if d, err := c.Timeouts.PollTimeDuration(); err != nil {
		return fmt.Errorf("invalid timeouts.poll_time: %w", err)
	} else if d <= 0 {
		return errors.New("timeouts.poll_time must be positive")
	}
	if _, err := c.Timeouts.UnlockTimeoutDuration(); err != nil {
		return fmt.Errorf("invalid timeouts.unlock_timeout: %w", err)
	}
	if c.Timeouts.KeepAliveTimeout != "" {
		if _, err := time.ParseDuration(c.Timeouts.KeepAliveTimeout); err != nil {
			return fmt.Errorf("invalid timeouts.keep_alive_timeout: %w", err)
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return errors.New("tls.cert_file and tls.key_file are required when tls.enabled")
		}
		switch c.TLS.VerifyClient {
		case "", VerifyNone, VerifyOptional, VerifyRequire, VerifyOptionalNoCA:
		default:
			return fmt.Errorf("invalid tls.verify_client %q", c.TLS.VerifyClient)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics.address is required when metrics.enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics.path is required when metrics.enabled")
		}
	}

	return nil
}

// SoTimeoutDuration parses Timeouts.SoTimeout. Empty yields 0 (no timeout),
// matching soTimeout<=0 meaning "disabled"; an unparseable value returns
// the parse error.
func (t *TimeoutsConfig) SoTimeoutDuration() (time.Duration, error) {
	if t.SoTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(t.SoTimeout)
}

// KeepAliveTimeoutDuration returns the configured keep-alive timeout,
// falling back to SoTimeout when unset, per spec.md §5.
func (t *TimeoutsConfig) KeepAliveTimeoutDuration() (time.Duration, error) {
	if t.KeepAliveTimeout == "" {
		return t.SoTimeoutDuration()
	}
	return time.ParseDuration(t.KeepAliveTimeout)
}

// PollTimeDuration parses Timeouts.PollTime, defaulting to 2ms.
func (t *TimeoutsConfig) PollTimeDuration() (time.Duration, error) {
	if t.PollTime == "" {
		return 2 * time.Millisecond, nil
	}
	return time.ParseDuration(t.PollTime)
}

// UnlockTimeoutDuration parses Timeouts.UnlockTimeout, defaulting to
// 250ms.
func (t *TimeoutsConfig) UnlockTimeoutDuration() (time.Duration, error) {
	if t.UnlockTimeout == "" {
		return 250 * time.Millisecond, nil
	}
	return time.ParseDuration(t.UnlockTimeout)
}

// TLSOptions converts the configured TLS section into tlscapability.Options
// for tlscapability.Build.
func (c *TLSConfig) TLSOptions() tlscapability.Options {
	return tlscapability.Options{
		Enabled:            c.Enabled,
		Protocol:           c.Protocol,
		CipherSuites:       c.CipherSuites,
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		ChainFile:          c.ChainFile,
		Password:           c.Password,
		CACertFile:         c.CACertFile,
		CAPath:             c.CAPath,
		CARevocationFile:   c.CARevocationFile,
		CARevocationPath:   c.CARevocationPath,
		VerifyClient:       string(c.VerifyClient),
		VerifyDepth:        c.VerifyDepth,
		HonorCipherOrder:   c.HonorCipherOrder,
		DisableCompression: c.DisableCompression,
	}
}
