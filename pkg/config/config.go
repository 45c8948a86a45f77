// Package config loads and validates the tunsocks configuration from files,
// environment variables and command line flags.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/tunsocks/pkg/core"
	"github.com/irctrakz/tunsocks/pkg/logging"
	"github.com/irctrakz/tunsocks/pkg/relay"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TUNSOCKS_"

// Config represents the complete relay configuration.
type Config struct {
	// Proxy is the upstream SOCKS5 or HTTP CONNECT proxy.
	Proxy core.ProxyConfig `json:"proxy" yaml:"proxy"`

	// Tun describes the tun device.
	Tun core.TunConfig `json:"tun" yaml:"tun"`

	// Bypass selects how proxy sockets avoid the tun.
	Bypass core.BypassConfig `json:"bypass" yaml:"bypass"`

	// Relay tunes the engine.
	Relay relay.Config `json:"relay" yaml:"relay"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Status is the listen address of the health and metrics endpoint.
	// Empty disables it.
	Status string `json:"status,omitempty" yaml:"status,omitempty"`

	// MetricsInterval is how often counters are logged. Zero disables it.
	MetricsInterval time.Duration `json:"metricsInterval" yaml:"metricsInterval"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// JSON switches to JSON formatted log lines.
	JSON bool `json:"json" yaml:"json"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Proxy: core.ProxyConfig{
			Kind: core.ProxySOCKS5,
			Host: "127.0.0.1",
			Port: 1080,
		},
		Tun: core.TunConfig{
			MTU:     1500,
			Backend: "wireguard",
		},
		Bypass: core.BypassConfig{
			Discover: true,
		},
		Relay: relay.DefaultConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		MetricsInterval: time.Minute,
	}
}

// LoadFromFile loads configuration from a .json, .yaml or .yml file.
func LoadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}
	return nil
}

// LoadFromEnv overrides config with TUNSOCKS_* variables. Malformed numbers
// are reported rather than silently ignored.
func LoadFromEnv(config *Config) error {
	env := func(name string) string { return os.Getenv(EnvPrefix + name) }
	var errs []string
	atoi := func(name string, dst *int) {
		if val := env(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q", EnvPrefix, name, val))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val := env(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q", EnvPrefix, name, val))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if val := env(name); val != "" {
			*dst = val == "true" || val == "1"
		}
	}

	// Proxy
	if val := env("PROXY"); val != "" {
		p, err := ParseProxyURL(val)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			p.DNS1, p.DNS2 = config.Proxy.DNS1, config.Proxy.DNS2
			config.Proxy = p
		}
	}
	if val := env("PROXY_USERNAME"); val != "" {
		config.Proxy.Username = val
	}
	if val := env("PROXY_PASSWORD"); val != "" {
		config.Proxy.Password = val
	}
	if val := env("DNS1"); val != "" {
		config.Proxy.DNS1 = val
	}
	if val := env("DNS2"); val != "" {
		config.Proxy.DNS2 = val
	}
	if val := env("DNS"); val != "" {
		servers := splitList(val)
		config.Proxy.DNS1, config.Proxy.DNS2 = "", ""
		if len(servers) > 0 {
			config.Proxy.DNS1 = servers[0]
		}
		if len(servers) > 1 {
			config.Proxy.DNS2 = servers[1]
		}
		if len(servers) > 2 {
			config.Relay.DNSServers = servers[2:]
		}
	}

	// Tun
	if val := env("TUN_NAME"); val != "" {
		config.Tun.Name = val
	}
	atoi("TUN_FD", &config.Tun.FD)
	atoi("TUN_MTU", &config.Tun.MTU)
	if val := env("TUN_BACKEND"); val != "" {
		config.Tun.Backend = val
	}
	if val := env("PCAP"); val != "" {
		config.Tun.PCAP = val
	}

	// Bypass
	if val := env("BYPASS_INTERFACES"); val != "" {
		config.Bypass.Interfaces = splitList(val)
	}
	boolean("BYPASS_DISCOVER", &config.Bypass.Discover)
	atoi("BYPASS_MARK", &config.Bypass.Mark)

	// Relay
	duration("CONNECT_TIMEOUT", &config.Relay.ConnectTimeout)
	duration("HANDSHAKE_TIMEOUT", &config.Relay.HandshakeTimeout)
	duration("DNS_TIMEOUT", &config.Relay.DNSTimeout)
	duration("IDLE_TIMEOUT", &config.Relay.IdleTimeout)
	atoi("MAX_FLOWS", &config.Relay.MaxFlows)
	atoi("DNS_WORKERS", &config.Relay.DNSWorkers)

	// Logging
	if val := env("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	var debug bool
	boolean("DEBUG", &debug)
	if debug {
		config.Logging.Level = "debug"
	}
	boolean("LOG_JSON", &config.Logging.JSON)
	if val := env("LOG_FILE"); val != "" {
		config.Logging.File = val
	}
	atoi("LOG_MAX_SIZE", &config.Logging.MaxSize)
	atoi("LOG_MAX_BACKUPS", &config.Logging.MaxBackups)
	atoi("LOG_MAX_AGE", &config.Logging.MaxAge)

	if val := env("STATUS"); val != "" {
		config.Status = val
	}
	duration("METRICS_INTERVAL", &config.MetricsInterval)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, ", "))
	}
	return nil
}

// ParseProxyURL parses socks5://[user:pass@]host:port or
// http://[user:pass@]host:port. A bare host:port means SOCKS5.
func ParseProxyURL(raw string) (core.ProxyConfig, error) {
	if !strings.Contains(raw, "://") {
		raw = "socks5://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return core.ProxyConfig{}, fmt.Errorf("invalid proxy URL: %w", err)
	}

	var p core.ProxyConfig
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h", "socks":
		p.Kind = core.ProxySOCKS5
	case "http":
		p.Kind = core.ProxyHTTP
	default:
		return core.ProxyConfig{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	p.Host = u.Hostname()
	if p.Host == "" {
		return core.ProxyConfig{}, fmt.Errorf("proxy URL %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		port = "1080"
		if p.Kind == core.ProxyHTTP {
			port = "8080"
		}
	}
	if p.Port, err = strconv.Atoi(port); err != nil {
		return core.ProxyConfig{}, fmt.Errorf("invalid proxy port %q", port)
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Proxy.Kind {
	case core.ProxySOCKS5, core.ProxyHTTP:
	default:
		return fmt.Errorf("invalid proxy kind: %q", c.Proxy.Kind)
	}
	if c.Proxy.Host == "" {
		return fmt.Errorf("proxy host cannot be empty")
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", c.Proxy.Port)
	}
	if len(c.Proxy.Username) > 255 || len(c.Proxy.Password) > 255 {
		return fmt.Errorf("proxy credentials longer than 255 bytes")
	}
	for _, s := range c.Proxy.DNSServers() {
		host := s
		if h, _, err := net.SplitHostPort(s); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("invalid DNS server address: %s", s)
		}
	}

	if c.Tun.MTU < 576 || c.Tun.MTU > 65535 {
		return fmt.Errorf("invalid TUN MTU: %d", c.Tun.MTU)
	}
	switch c.Tun.Backend {
	case "", "wireguard", "water":
	default:
		return fmt.Errorf("invalid TUN backend: %s", c.Tun.Backend)
	}
	if c.Bypass.Mark < 0 {
		return fmt.Errorf("invalid bypass mark: %d", c.Bypass.Mark)
	}

	if c.Relay.MaxFlows < 0 {
		return fmt.Errorf("invalid max flows: %d", c.Relay.MaxFlows)
	}
	if c.MetricsInterval < 0 {
		return fmt.Errorf("invalid metrics interval: %v", c.MetricsInterval)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}

// RelayConfig returns the engine configuration with the tun MTU and the
// proxy's DNS fallbacks folded in.
func (c *Config) RelayConfig() relay.Config {
	rc := c.Relay
	rc.MTU = c.Tun.MTU
	servers := append([]string(nil), c.Proxy.DNSServers()...)
	rc.DNSServers = append(servers, rc.DNSServers...)
	return rc
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	logging.SetJSON(c.Logging.JSON)

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			filepath.Dir(c.Logging.File),
			filepath.Base(c.Logging.File),
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}
	return nil
}

// SaveToFile saves the configuration to a file. Credentials are written as
// they are; callers decide where the file lives.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
