package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/zanewnch/aiot-gateway-lb/internal/domain"
)

// Duration wraps time.Duration so YAML values can be written in the
// human-readable "30s" form
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration for the gateway balancer process
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Probe     ProbeConfig     `yaml:"probe"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Services  []ServiceConfig `yaml:"services"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the admin HTTP server configuration
type ServerConfig struct {
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// BalancerConfig contains the process-wide balancer defaults. Callers may
// still override per call.
type BalancerConfig struct {
	Algorithm           string   `yaml:"algorithm"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  Duration `yaml:"health_check_timeout"`
	MaxRetries          int      `yaml:"max_retries"`
	FailureThreshold    int      `yaml:"failure_threshold"`
	StickySession       bool     `yaml:"sticky_session"`
}

// ProbeConfig selects the liveness probe strategy
type ProbeConfig struct {
	// Type is one of http, tcp, grpc
	Type string `yaml:"type"`
	// Path is the health endpoint for http probes
	Path string `yaml:"path"`
	// EnableHTTP2 lets the http probe negotiate h2 with backends
	EnableHTTP2 bool `yaml:"enable_http2"`
	// GRPCService is the service name queried by grpc probes, empty for
	// overall server health
	GRPCService string `yaml:"grpc_service"`
}

// RateLimitConfig throttles the admin API per client
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// ServiceConfig declares a statically known service with its instances and
// per-instance weights
type ServiceConfig struct {
	Name      string                   `yaml:"name"`
	Weights   map[string]int           `yaml:"weights,omitempty"`
	Instances []domain.ServiceInstance `yaml:"instances"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         9100,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Balancer: BalancerConfig{
			Algorithm:           string(domain.AlgorithmHealthAware),
			HealthCheckInterval: Duration(domain.DefaultHealthCheckInterval),
			HealthCheckTimeout:  Duration(domain.DefaultHealthCheckTimeout),
			MaxRetries:          domain.DefaultMaxRetries,
			FailureThreshold:    domain.DefaultFailureThreshold,
		},
		Probe: ProbeConfig{
			Type: "http",
			Path: "/health",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			BurstSize:         100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, layered over defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Load resolves configuration from CONFIG_FILE when set, otherwise from
// defaults, and applies environment overrides either way
func Load() (*Config, error) {
	config := DefaultConfig()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		loaded, err := LoadFromFile(file)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// applyEnv overrides individual fields from LB_* environment variables
func (c *Config) applyEnv() {
	if algorithm := os.Getenv("LB_ALGORITHM"); algorithm != "" {
		c.Balancer.Algorithm = algorithm
	}
	if level := os.Getenv("LB_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if port := os.Getenv("LB_ADMIN_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			c.Server.Port = parsed
		}
	}
	if probeType := os.Getenv("LB_PROBE_TYPE"); probeType != "" {
		c.Probe.Type = probeType
	}
}

// Validate checks the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Server.Port)
	}

	if !domain.Algorithm(c.Balancer.Algorithm).IsValid() {
		return fmt.Errorf("unsupported algorithm: %s", c.Balancer.Algorithm)
	}
	if c.Balancer.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive: %v", c.Balancer.HealthCheckInterval)
	}
	if c.Balancer.HealthCheckTimeout <= 0 {
		return fmt.Errorf("health_check_timeout must be positive: %v", c.Balancer.HealthCheckTimeout)
	}
	if c.Balancer.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive: %d", c.Balancer.FailureThreshold)
	}
	if c.Balancer.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative: %d", c.Balancer.MaxRetries)
	}

	switch c.Probe.Type {
	case "http", "tcp", "grpc":
	default:
		return fmt.Errorf("unsupported probe type: %s", c.Probe.Type)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if c.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
	}

	seen := make(map[string]bool)
	for i, service := range c.Services {
		if service.Name == "" {
			return fmt.Errorf("services[%d]: name cannot be empty", i)
		}
		if seen[service.Name] {
			return fmt.Errorf("services[%d]: duplicate service name '%s'", i, service.Name)
		}
		seen[service.Name] = true

		ids := make(map[string]bool)
		for j, instance := range service.Instances {
			if instance.ID == "" {
				return fmt.Errorf("services[%d].instances[%d]: id cannot be empty", i, j)
			}
			if ids[instance.ID] {
				return fmt.Errorf("services[%d].instances[%d]: duplicate instance id '%s'", i, j, instance.ID)
			}
			ids[instance.ID] = true
			if instance.Host == "" {
				return fmt.Errorf("services[%d].instances[%d]: host cannot be empty", i, j)
			}
			if instance.Port <= 0 || instance.Port > 65535 {
				return fmt.Errorf("services[%d].instances[%d]: invalid port %d", i, j, instance.Port)
			}
		}
		for id, weight := range service.Weights {
			if weight <= 0 {
				return fmt.Errorf("services[%d]: weight for instance '%s' must be positive", i, id)
			}
		}
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	return nil
}

// ToBalancerConfig converts the process defaults to the domain configuration
func (c *Config) ToBalancerConfig() domain.BalancerConfig {
	return domain.BalancerConfig{
		Algorithm:           domain.Algorithm(c.Balancer.Algorithm),
		HealthCheckInterval: c.Balancer.HealthCheckInterval.Std(),
		HealthCheckTimeout:  c.Balancer.HealthCheckTimeout.Std(),
		MaxRetries:          c.Balancer.MaxRetries,
		FailureThreshold:    c.Balancer.FailureThreshold,
		StickySession:       c.Balancer.StickySession,
	}
}

// ServiceBalancerConfig returns the balancer configuration for one declared
// service, layering its weight map over the process defaults
func (c *Config) ServiceBalancerConfig(service ServiceConfig) domain.BalancerConfig {
	cfg := c.ToBalancerConfig()
	cfg.Weights = service.Weights
	return cfg
}
