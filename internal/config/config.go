// Package config loads and validates swarmsql's node-level configuration:
// admission limits, catalog refresh cadence, the columnar RPC listener
// (including optional TLS), and telemetry/resilience knobs. Values start
// from compiled-in defaults; a YAML file overrides the defaults, and
// environment variables override the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete configuration for one swarmsql node.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Shuffle    ShuffleConfig    `yaml:"shuffle"`
	Security   SecurityConfig   `yaml:"security"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// GlobalConfig holds node identity and the columnar RPC listener address.
type GlobalConfig struct {
	NodeID        string `yaml:"node_id"`
	LogLevel      string `yaml:"log_level"`
	FlightAddress string `yaml:"flight_address"`
}

// AdmissionConfig mirrors the host extension's admission_controller
// settings (spec.md §4.5): per-user concurrency, queue depth, memory
// headroom, and the running time after which internal/admission's
// CheckTimeouts reports a query as timed out.
type AdmissionConfig struct {
	DefaultMaxConcurrent    int `yaml:"default_max_concurrent"`
	MaxMemoryUtilizationPct int `yaml:"max_memory_utilization_pct"`
	MaxQueueSize            int `yaml:"max_queue_size"`
	TimeoutSecs             int `yaml:"timeout_secs"`
}

// Timeout returns the admission timeout as a time.Duration.
func (a AdmissionConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSecs) * time.Second
}

// CatalogConfig controls how often the distributed catalog re-advertises
// this node's local tables into gossip.
type CatalogConfig struct {
	RefreshIntervalSecs int `yaml:"refresh_interval_secs"`
}

// RefreshInterval returns the catalog re-advertise interval as a time.Duration.
func (c CatalogConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSecs) * time.Second
}

// ShuffleConfig bounds how long a shuffle partition waits for its
// producer before take_partition gives up.
type ShuffleConfig struct {
	TakeTimeoutSecs int `yaml:"take_timeout_secs"`
}

// TakeTimeout returns the shuffle take timeout as a time.Duration.
func (s ShuffleConfig) TakeTimeout() time.Duration {
	return time.Duration(s.TakeTimeoutSecs) * time.Second
}

// SecurityConfig controls whether the Flight server requires TLS, mirroring
// the teacher's SecurityConfig/TLSConfig split between transport security
// and at-rest/in-transit posture.
type SecurityConfig struct {
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig names the PEM files used to start a TLS-enabled Flight server.
// CACertFile is optional; when set, the server requires and verifies a
// client certificate signed by it (spec.md §4.7's "TLS-with-client-auth
// is optional").
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CACertFile string `yaml:"ca_cert_file"`
}

// TelemetryConfig controls the Prometheus metrics endpoint.
type TelemetryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// ResilienceConfig controls the circuit breaker and retry policy wrapping
// calls to peer nodes.
type ResilienceConfig struct {
	BreakerMaxRequests      uint32        `yaml:"breaker_max_requests"`
	BreakerIntervalSecs     int           `yaml:"breaker_interval_secs"`
	BreakerTimeoutSecs      int           `yaml:"breaker_timeout_secs"`
	RetryMaxAttempts        int           `yaml:"retry_max_attempts"`
	RetryInitialDelayMillis int           `yaml:"retry_initial_delay_millis"`
	RetryMaxDelaySecs       int           `yaml:"retry_max_delay_secs"`
}

// NewDefault returns a Configuration with the engine's default settings:
// ten concurrent queries per user, catalog refresh every 30 seconds, no
// TLS, and metrics exposed on localhost.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			NodeID:        "",
			LogLevel:      "INFO",
			FlightAddress: "0.0.0.0:9443",
		},
		Admission: AdmissionConfig{
			DefaultMaxConcurrent:    10,
			MaxMemoryUtilizationPct: 85,
			MaxQueueSize:            100,
			TimeoutSecs:             300,
		},
		Catalog: CatalogConfig{
			RefreshIntervalSecs: 30,
		},
		Shuffle: ShuffleConfig{
			TakeTimeoutSecs: 60,
		},
		Security: SecurityConfig{
			TLS: TLSConfig{Enabled: false},
		},
		Telemetry: TelemetryConfig{
			Enabled:   true,
			Address:   "localhost:9090",
			Path:      "/metrics",
			Namespace: "swarmsql",
		},
		Resilience: ResilienceConfig{
			BreakerMaxRequests:      1,
			BreakerIntervalSecs:     60,
			BreakerTimeoutSecs:      30,
			RetryMaxAttempts:        3,
			RetryInitialDelayMillis: 100,
			RetryMaxDelaySecs:       5,
		},
	}
}

// LoadFromFile loads configuration from a YAML file, overwriting any field
// present in the file and leaving the rest at their current value.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies SWARMSQL_* environment variable overrides.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("SWARMSQL_NODE_ID"); val != "" {
		c.Global.NodeID = val
	}
	if val := os.Getenv("SWARMSQL_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("SWARMSQL_FLIGHT_ADDRESS"); val != "" {
		c.Global.FlightAddress = val
	}
	if val := os.Getenv("SWARMSQL_DEFAULT_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Admission.DefaultMaxConcurrent = n
		}
	}
	if val := os.Getenv("SWARMSQL_MAX_QUEUE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Admission.MaxQueueSize = n
		}
	}
	if val := os.Getenv("SWARMSQL_ADMISSION_TIMEOUT_SECS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Admission.TimeoutSecs = n
		}
	}
	if val := os.Getenv("SWARMSQL_CATALOG_REFRESH_INTERVAL_SECS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Catalog.RefreshIntervalSecs = n
		}
	}
	if val := os.Getenv("SWARMSQL_TLS_ENABLED"); val != "" {
		c.Security.TLS.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SWARMSQL_TLS_CERT_FILE"); val != "" {
		c.Security.TLS.CertFile = val
	}
	if val := os.Getenv("SWARMSQL_TLS_KEY_FILE"); val != "" {
		c.Security.TLS.KeyFile = val
	}
	if val := os.Getenv("SWARMSQL_TLS_CA_CERT_FILE"); val != "" {
		c.Security.TLS.CACertFile = val
	}
	if val := os.Getenv("SWARMSQL_METRICS_ADDRESS"); val != "" {
		c.Telemetry.Address = val
	}
	return nil
}

// SaveToFile writes the configuration as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the rest of the engine
// cannot safely operate with.
func (c *Configuration) Validate() error {
	if c.Admission.DefaultMaxConcurrent <= 0 {
		return fmt.Errorf("admission.default_max_concurrent must be greater than 0")
	}
	if c.Admission.MaxQueueSize <= 0 {
		return fmt.Errorf("admission.max_queue_size must be greater than 0")
	}
	if c.Admission.MaxMemoryUtilizationPct <= 0 || c.Admission.MaxMemoryUtilizationPct > 100 {
		return fmt.Errorf("admission.max_memory_utilization_pct must be in (0, 100]")
	}
	if c.Catalog.RefreshIntervalSecs <= 0 {
		return fmt.Errorf("catalog.refresh_interval_secs must be greater than 0")
	}
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" || c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.cert_file and key_file are required when tls.enabled is true")
		}
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	ok := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid global.log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
