// Package config loads the inletd runtime configuration. Values here are
// deployment policy (ports, ceilings, timeouts, file paths); none of them is
// baked into the data-path packages.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for "10s"-style strings.
type Duration time.Duration

// UnmarshalYAML parses either a duration string or a bare number of
// nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration in string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SniffConfig bounds protocol detection.
type SniffConfig struct {
	MaxPeek int      `yaml:"max_peek"`
	Timeout Duration `yaml:"timeout"`
}

// TLSConfig locates the local credential. All three files empty disables
// termination; detected-TLS connections are then treated as opaque.
type TLSConfig struct {
	CertFile         string   `yaml:"cert_file"`
	KeyFile          string   `yaml:"key_file"`
	CAFile           string   `yaml:"ca_file"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// Enabled reports whether termination is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// RateLimitConfig bounds accepts per source.
type RateLimitConfig struct {
	MaxAccepts int      `yaml:"max_accepts"`
	Window     Duration `yaml:"window"`
}

// Config is the full runtime configuration.
type Config struct {
	// Bind is the listen address for all inbound ports.
	Bind string `yaml:"bind"`
	// Ports are the destination ports accepted for the local workload.
	Ports []uint16 `yaml:"ports"`
	// Target overrides the local application address. Empty forwards to
	// 127.0.0.1 on the connection's destination port.
	Target string `yaml:"target"`

	Sniff     SniffConfig     `yaml:"sniff"`
	TLS       TLSConfig       `yaml:"tls"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// PolicyPath is the policy snapshot file, hot-reloaded on change.
	PolicyPath string `yaml:"policy"`
	// AuditLog enables the hash-chained event log when non-empty.
	AuditLog string `yaml:"audit_log"`

	DialTimeout Duration `yaml:"dial_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bind: "0.0.0.0",
		Sniff: SniffConfig{
			MaxPeek: 1024,
			Timeout: Duration(10 * time.Second),
		},
		TLS: TLSConfig{
			HandshakeTimeout: Duration(10 * time.Second),
		},
		DialTimeout: Duration(5 * time.Second),
	}
}

// Load reads configuration from a YAML file. A missing file returns
// defaults; YAML overwrites only the fields it specifies.
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
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the parts serve cannot run without.
func (c *Config) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("at least one inbound port is required")
	}
	seen := make(map[uint16]bool, len(c.Ports))
	for _, p := range c.Ports {
		if p == 0 {
			return fmt.Errorf("port 0 is not a valid inbound port")
		}
		if seen[p] {
			return fmt.Errorf("duplicate inbound port %d", p)
		}
		seen[p] = true
	}
	if c.Sniff.MaxPeek < 0 {
		return fmt.Errorf("sniff.max_peek must not be negative")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	return nil
}
