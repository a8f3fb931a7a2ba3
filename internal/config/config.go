// Package config provides configuration parsing and validation for zia.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Mode selects which half of the tunnel this process runs.
const (
	ModeClient = "client"
	ModeServer = "server"
)

// Listener modes for the server.
const (
	ListenerWS  = "ws"
	ListenerRaw = "raw"
)

// Config represents the complete zia configuration.
type Config struct {
	Mode    string        `yaml:"mode"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig defines the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ClientConfig defines the UDP-ingress side of the tunnel.
type ClientConfig struct {
	Listen     string    `yaml:"listen"`      // UDP bind address
	Upstream   string    `yaml:"upstream"`    // ws:// or wss:// locator
	Proxy      string    `yaml:"proxy"`       // optional http://, https:// or socks5:// locator
	ProxyAuth  ProxyAuth `yaml:"proxy_auth"`  // proxy credentials
	PoolSize   int       `yaml:"pool_size"`   // number of upstream connections
	Masking    *bool     `yaml:"masking"`     // frame masking toggle, defaults true
	MaxPayload string    `yaml:"max_payload"` // humanized size, e.g. "64 KiB"
	RateLimit  string    `yaml:"rate_limit"`  // humanized bytes/second, empty = unlimited
}

// ServerConfig defines the stream-ingress side of the tunnel.
type ServerConfig struct {
	Listen     string `yaml:"listen"`      // TCP bind address
	Upstream   string `yaml:"upstream"`    // UDP destination host:port
	Listener   string `yaml:"listener"`    // ws or raw
	MaxPayload string `yaml:"max_payload"` // humanized size
	RateLimit  string `yaml:"rate_limit"`  // humanized bytes/second
}

// ProxyAuth defines proxy authentication.
type ProxyAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MaxDatagramSize is the largest UDP payload a single frame can carry.
const MaxDatagramSize = 65535

// Default returns a Config with default values.
func Default() *Config {
	masking := true
	return &Config{
		Mode: ModeClient,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9185",
		},
		Client: ClientConfig{
			Listen:     "127.0.0.1:5353",
			PoolSize:   4,
			Masking:    &masking,
			MaxPayload: "64 KiB",
		},
		Server: ServerConfig{
			Listen:     "0.0.0.0:8080",
			Listener:   ListenerWS,
			MaxPayload: "64 KiB",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Mode != ModeClient && c.Mode != ModeServer {
		errs = append(errs, fmt.Sprintf("invalid mode: %s (must be client or server)", c.Mode))
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	switch c.Mode {
	case ModeClient:
		errs = append(errs, c.validateClient()...)
	case ModeServer:
		errs = append(errs, c.validateServer()...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (c *Config) validateClient() []string {
	var errs []string

	if !isValidHostPort(c.Client.Listen) {
		errs = append(errs, fmt.Sprintf("client.listen: invalid address: %s", c.Client.Listen))
	}
	if c.Client.Upstream == "" {
		errs = append(errs, "client.upstream is required")
	} else if err := validateUpstreamURL(c.Client.Upstream); err != nil {
		errs = append(errs, fmt.Sprintf("client.upstream: %v", err))
	}
	if c.Client.Proxy != "" {
		if err := validateProxyURL(c.Client.Proxy); err != nil {
			errs = append(errs, fmt.Sprintf("client.proxy: %v", err))
		}
	}
	if c.Client.PoolSize < 1 {
		errs = append(errs, "client.pool_size must be positive")
	}
	if _, err := c.parseSize(c.Client.MaxPayload); err != nil {
		errs = append(errs, fmt.Sprintf("client.max_payload: %v", err))
	}
	if c.Client.RateLimit != "" {
		if _, err := c.parseSize(c.Client.RateLimit); err != nil {
			errs = append(errs, fmt.Sprintf("client.rate_limit: %v", err))
		}
	}

	return errs
}

func (c *Config) validateServer() []string {
	var errs []string

	if !isValidHostPort(c.Server.Listen) {
		errs = append(errs, fmt.Sprintf("server.listen: invalid address: %s", c.Server.Listen))
	}
	if c.Server.Upstream == "" {
		errs = append(errs, "server.upstream is required")
	} else if !isValidHostPort(c.Server.Upstream) {
		errs = append(errs, fmt.Sprintf("server.upstream: invalid address: %s", c.Server.Upstream))
	}
	if c.Server.Listener != ListenerWS && c.Server.Listener != ListenerRaw {
		errs = append(errs, fmt.Sprintf("invalid server.listener: %s (must be ws or raw)", c.Server.Listener))
	}
	if _, err := c.parseSize(c.Server.MaxPayload); err != nil {
		errs = append(errs, fmt.Sprintf("server.max_payload: %v", err))
	}
	if c.Server.RateLimit != "" {
		if _, err := c.parseSize(c.Server.RateLimit); err != nil {
			errs = append(errs, fmt.Sprintf("server.rate_limit: %v", err))
		}
	}

	return errs
}

// parseSize parses a humanized size string like "64 KiB" or "1MB".
func (c *Config) parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("size is required")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// ClientMaxPayload returns the client frame payload bound in bytes.
func (c *Config) ClientMaxPayload() uint64 {
	n, _ := c.parseSize(c.Client.MaxPayload)
	return n
}

// ServerMaxPayload returns the server frame payload bound in bytes.
func (c *Config) ServerMaxPayload() uint64 {
	n, _ := c.parseSize(c.Server.MaxPayload)
	return n
}

// ClientRateLimit returns the egress limit in bytes/second, 0 for unlimited.
func (c *Config) ClientRateLimit() uint64 {
	if c.Client.RateLimit == "" {
		return 0
	}
	n, _ := c.parseSize(c.Client.RateLimit)
	return n
}

// ServerRateLimit returns the egress limit in bytes/second, 0 for unlimited.
func (c *Config) ServerRateLimit() uint64 {
	if c.Server.RateLimit == "" {
		return 0
	}
	n, _ := c.parseSize(c.Server.RateLimit)
	return n
}

// ClientMasking reports whether the client masks outbound frames.
func (c *Config) ClientMasking() bool {
	if c.Client.Masking == nil {
		return true
	}
	return *c.Client.Masking
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidHostPort(addr string) bool {
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

func validateUpstreamURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid scheme: %s (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func validateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("invalid scheme: %s (must be http, https, or socks5)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Client.ProxyAuth.Password != "" {
		redacted.Client.ProxyAuth.Password = redactedValue
	}
	if redacted.Client.Proxy != "" {
		redacted.Client.Proxy = redactProxyURL(redacted.Client.Proxy)
	}

	return redacted
}

// redactProxyURL strips userinfo credentials embedded in a proxy locator.
func redactProxyURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User(redactedValue)
	return u.String()
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.Client.ProxyAuth.Password != "" {
		return true
	}
	if u, err := url.Parse(c.Client.Proxy); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			return true
		}
	}
	return false
}
