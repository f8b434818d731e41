// Package config defines the runtime configuration structs, parsing
// helpers, and hot-reload wiring the resolver loads at startup. Grounded
// on the teacher's pkg/config/config.go (YAML-backed Config struct,
// Load/applyDefaults/Validate pipeline), trimmed from a full ad-blocking
// server's configuration surface down to what the resolver data plane and
// its rule-dispatch layer need.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the resolver's configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Upstreams []UpstreamEntry `yaml:"upstreams"`
	Rules     RulesConfig     `yaml:"rules"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// UpstreamDNSServers is a bare-address shorthand for Upstreams; if
	// Upstreams is empty, each address here becomes an UpstreamEntry with
	// the package defaults for timeout and max_in_flight.
	UpstreamDNSServers []string `yaml:"upstream_dns_servers"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TCPEnabled    bool   `yaml:"tcp_enabled"`
	UDPEnabled    bool   `yaml:"udp_enabled"`
}

// CacheConfig mirrors pkg/cache.Config in YAML-friendly duration form.
type CacheConfig struct {
	Capacity                 int           `yaml:"capacity"`
	MaxTTL                   time.Duration `yaml:"max_ttl"`
	MinPositiveTTL           time.Duration `yaml:"min_positive_ttl"`
	MinNegativeTransientTTL  time.Duration `yaml:"min_negative_transient_ttl"`
	MinNegativePersistentTTL time.Duration `yaml:"min_negative_persistent_ttl"`
	MaxStaleness             time.Duration `yaml:"max_staleness"`
	StaleTTL                 time.Duration `yaml:"stale_ttl"`
}

// UpstreamEntry is one server in the upstream pool, in priority order.
type UpstreamEntry struct {
	Addr        string        `yaml:"addr"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxInFlight int           `yaml:"max_in_flight"`
}

// RulesConfig holds the operator-configured rule lists the processor
// dispatches through before the query reaches the forwarder.
type RulesConfig struct {
	Lists map[string][]RuleEntry `yaml:"lists"`
}

// RuleEntry is one rule in a rule list: a matcher expression and the
// action to take when it matches.
type RuleEntry struct {
	Match  string `yaml:"match"`  // expr-lang expression over a MatchContext
	Action string `yaml:"action"` // "forward", "return:<rcode>", or "jump:<list>"
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry/Prometheus settings.
type TelemetryConfig struct {
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	Enabled           bool   `yaml:"enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
}

// Load reads, parses, defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	// #nosec G304 - config file path is provided by the operator via CLI flag
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults returns a Config with package defaults and no rules;
// its upstreams are the default pair (1.1.1.1:53 and 8.8.8.8:53) —
// useful for tests that only exercise one subsystem.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

const (
	defaultMaxInFlight = 16
	defaultTimeout     = 2 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		c.Server.UDPEnabled = true
	}

	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 10000
	}
	if c.Cache.MaxTTL == 0 {
		c.Cache.MaxTTL = 24 * time.Hour
	}
	if c.Cache.MinPositiveTTL == 0 {
		c.Cache.MinPositiveTTL = 1 * time.Second
	}
	if c.Cache.MinNegativeTransientTTL == 0 {
		c.Cache.MinNegativeTransientTTL = 1 * time.Second
	}
	if c.Cache.MinNegativePersistentTTL == 0 {
		c.Cache.MinNegativePersistentTTL = 10 * time.Second
	}
	if c.Cache.MaxStaleness == 0 {
		c.Cache.MaxStaleness = 1 * time.Hour
	}
	if c.Cache.StaleTTL == 0 {
		c.Cache.StaleTTL = 30 * time.Second
	}

	if len(c.Upstreams) == 0 {
		addrs := c.UpstreamDNSServers
		if len(addrs) == 0 {
			addrs = []string{"1.1.1.1:53", "8.8.8.8:53"}
		}
		for _, addr := range addrs {
			c.Upstreams = append(c.Upstreams, UpstreamEntry{
				Addr:        addr,
				Timeout:     defaultTimeout,
				MaxInFlight: defaultMaxInFlight,
			})
		}
	}
	for i := range c.Upstreams {
		if c.Upstreams[i].Timeout == 0 {
			c.Upstreams[i].Timeout = defaultTimeout
		}
		if c.Upstreams[i].MaxInFlight == 0 {
			c.Upstreams[i].MaxInFlight = defaultMaxInFlight
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dnscache"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks the configuration's invariants.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of tcp_enabled or udp_enabled must be true")
	}

	if len(c.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream must be configured")
	}
	for _, u := range c.Upstreams {
		if strings.TrimSpace(u.Addr) == "" {
			return fmt.Errorf("upstreams: addr cannot be empty")
		}
		if u.MaxInFlight <= 0 {
			return fmt.Errorf("upstreams[%s]: max_in_flight must be positive", u.Addr)
		}
	}

	if c.Cache.MinPositiveTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache.min_positive_ttl exceeds cache.max_ttl")
	}
	if c.Cache.MinNegativeTransientTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache.min_negative_transient_ttl exceeds cache.max_ttl")
	}
	if c.Cache.MinNegativePersistentTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache.min_negative_persistent_ttl exceeds cache.max_ttl")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
