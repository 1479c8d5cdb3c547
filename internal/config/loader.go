package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath string
	Name       string
	LogLevel   string
	Listen     string
	TLSCert    string
	TLSKey     string
	MaxThreads int
	UseComet   bool
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./tcpep.toml", "Path to configuration file")
	flag.StringVar(&f.Name, "name", "", "Endpoint name")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address (replaces the config listener)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxThreads, "max-threads", 0, "Maximum worker thread count")
	flag.BoolVar(&f.UseComet, "comet", false, "Use the comet (event-driven) poller fleet")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config. If the
// file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig Config
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeConfig(cfg, fileConfig), nil
}

// ApplyFlags merges command-line flag values into the config. Non-zero/
// non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Name != "" {
		cfg.Name = f.Name
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Listen != "" {
		cfg.Listener.Address = f.Listen
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
		cfg.TLS.Enabled = true
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.MaxThreads != 0 {
		cfg.Threads.MaxThreads = f.MaxThreads
	}

	if f.UseComet {
		cfg.Listener.UseComet = true
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.Listener.Address != "" {
		dst.Listener.Address = src.Listener.Address
	}
	if src.Listener.Backlog > 0 {
		dst.Listener.Backlog = src.Listener.Backlog
	}
	if src.Listener.DeferAccept {
		dst.Listener.DeferAccept = src.Listener.DeferAccept
	}
	if src.Listener.UseComet {
		dst.Listener.UseComet = src.Listener.UseComet
	}

	if src.Threads.AcceptorThreadCount > 0 {
		dst.Threads.AcceptorThreadCount = src.Threads.AcceptorThreadCount
	}
	if src.Threads.PollerThreadCount > 0 {
		dst.Threads.PollerThreadCount = src.Threads.PollerThreadCount
	}
	if src.Threads.SendfileThreadCount > 0 {
		dst.Threads.SendfileThreadCount = src.Threads.SendfileThreadCount
	}
	if src.Threads.PollerSize > 0 {
		dst.Threads.PollerSize = src.Threads.PollerSize
	}
	if src.Threads.SendfileSize > 0 {
		dst.Threads.SendfileSize = src.Threads.SendfileSize
	}
	if src.Threads.MaxThreads != 0 {
		dst.Threads.MaxThreads = src.Threads.MaxThreads
	}

	if src.Timeouts.SoTimeout != "" {
		dst.Timeouts.SoTimeout = src.Timeouts.SoTimeout
	}
	if src.Timeouts.KeepAliveTimeout != "" {
		dst.Timeouts.KeepAliveTimeout = src.Timeouts.KeepAliveTimeout
	}
	if src.Timeouts.PollTime != "" {
		dst.Timeouts.PollTime = src.Timeouts.PollTime
	}
	if src.Timeouts.UnlockTimeout != "" {
		dst.Timeouts.UnlockTimeout = src.Timeouts.UnlockTimeout
	}
	if src.Timeouts.SoLinger != 0 {
		dst.Timeouts.SoLinger = src.Timeouts.SoLinger
	}
	if src.Timeouts.TCPNoDelay {
		dst.Timeouts.TCPNoDelay = src.Timeouts.TCPNoDelay
	}

	if src.TLS.Enabled {
		dst.TLS.Enabled = src.TLS.Enabled
	}
	if src.TLS.Protocol != "" {
		dst.TLS.Protocol = src.TLS.Protocol
	}
	if len(src.TLS.CipherSuites) > 0 {
		dst.TLS.CipherSuites = src.TLS.CipherSuites
	}
	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.ChainFile != "" {
		dst.TLS.ChainFile = src.TLS.ChainFile
	}
	if src.TLS.Password != "" {
		dst.TLS.Password = src.TLS.Password
	}
	if src.TLS.CACertFile != "" {
		dst.TLS.CACertFile = src.TLS.CACertFile
	}
	if src.TLS.CAPath != "" {
		dst.TLS.CAPath = src.TLS.CAPath
	}
	if src.TLS.CARevocationFile != "" {
		dst.TLS.CARevocationFile = src.TLS.CARevocationFile
	}
	if src.TLS.CARevocationPath != "" {
		dst.TLS.CARevocationPath = src.TLS.CARevocationPath
	}
	if src.TLS.VerifyClient != "" {
		dst.TLS.VerifyClient = src.TLS.VerifyClient
	}
	if src.TLS.VerifyDepth != 0 {
		dst.TLS.VerifyDepth = src.TLS.VerifyDepth
	}
	if src.TLS.HonorCipherOrder {
		dst.TLS.HonorCipherOrder = src.TLS.HonorCipherOrder
	}
	if src.TLS.DisableCompression {
		dst.TLS.DisableCompression = src.TLS.DisableCompression
	}

	if src.Sendfile.Enabled {
		dst.Sendfile.Enabled = src.Sendfile.Enabled
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	return dst
}
