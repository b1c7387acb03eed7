package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Native Sync.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sync     SyncConfig     `yaml:"sync"`
}

// PlatformConfig contains connection settings for the host platform's
// WebSocket API (registries, event bus, service calls).
type PlatformConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// ConnectTimeout is the maximum time to wait for the initial
	// connection and authentication handshake (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`
}

// DatabaseConfig contains SQLite database settings for persisted sync state.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// The broker is the transport for the Zigbee2MQTT protocol handler.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	BaseTopic string              `yaml:"base_topic"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings for sync telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SyncConfig controls which protocols and grouping types are synchronized,
// and the timing of the background loops.
type SyncConfig struct {
	// EnabledProtocols lists protocol identifiers to activate.
	// Valid values: "zwave_js", "zigbee2mqtt", "zha".
	EnabledProtocols []string `yaml:"enabled_protocols"`

	EnableGroups bool `yaml:"enable_groups"`
	EnableScenes bool `yaml:"enable_scenes"`
	EnableAreas  bool `yaml:"enable_areas"`
	EnableFloors bool `yaml:"enable_floors"`
	EnableLabels bool `yaml:"enable_labels"`

	// ReconcileInterval is the period between drift-reconciliation passes (seconds).
	ReconcileInterval int `yaml:"reconcile_interval"`

	// SyncDebounce is the quiet period before a registry-change re-sync fires (seconds).
	SyncDebounce float64 `yaml:"sync_debounce"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: NATIVESYNC_SECTION_KEY
// For example: NATIVESYNC_DATABASE_PATH, NATIVESYNC_PLATFORM_TOKEN
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Platform: PlatformConfig{
			URL:            "ws://localhost:8123/api/websocket",
			ConnectTimeout: 10,
		},
		Database: DatabaseConfig{
			Path:        "./data/nativesync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "nativesync",
			},
			QoS:       1,
			BaseTopic: "zigbee2mqtt",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Sync: SyncConfig{
			EnabledProtocols:  []string{"zwave_js", "zigbee2mqtt", "zha"},
			EnableGroups:      true,
			EnableScenes:      true,
			EnableAreas:       true,
			EnableFloors:      true,
			EnableLabels:      true,
			ReconcileInterval: 300,
			SyncDebounce:      1.0,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: NATIVESYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Platform
	if v := os.Getenv("NATIVESYNC_PLATFORM_URL"); v != "" {
		cfg.Platform.URL = v
	}
	if v := os.Getenv("NATIVESYNC_PLATFORM_TOKEN"); v != "" {
		cfg.Platform.Token = v
	}

	// Database
	if v := os.Getenv("NATIVESYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("NATIVESYNC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("NATIVESYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("NATIVESYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("NATIVESYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if c.Platform.URL == "" {
		return fmt.Errorf("platform.url is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1, or 2 (got %d)", c.MQTT.QoS)
	}
	if c.MQTT.BaseTopic == "" {
		return fmt.Errorf("mqtt.base_topic is required")
	}
	if c.Sync.ReconcileInterval <= 0 {
		return fmt.Errorf("sync.reconcile_interval must be positive (got %d)", c.Sync.ReconcileInterval)
	}
	if c.Sync.SyncDebounce < 0 {
		return fmt.Errorf("sync.sync_debounce must not be negative (got %f)", c.Sync.SyncDebounce)
	}

	valid := map[string]bool{"zwave_js": true, "zigbee2mqtt": true, "zha": true}
	for _, p := range c.Sync.EnabledProtocols {
		if !valid[p] {
			return fmt.Errorf("sync.enabled_protocols: unknown protocol %q", p)
		}
	}

	return nil
}

// GetConnectTimeout returns the platform connect timeout as a duration.
func (c *Config) GetConnectTimeout() time.Duration {
	if c.Platform.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Platform.ConnectTimeout) * time.Second
}

// GetReconcileInterval returns the reconciliation interval as a duration.
func (c *Config) GetReconcileInterval() time.Duration {
	return time.Duration(c.Sync.ReconcileInterval) * time.Second
}

// GetSyncDebounce returns the sync debounce cooldown as a duration.
func (c *Config) GetSyncDebounce() time.Duration {
	return time.Duration(c.Sync.SyncDebounce * float64(time.Second))
}
