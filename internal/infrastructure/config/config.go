package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for RadioWatch Core.
// All configuration is loaded from YAML; a fixed set of values can be
// overridden by environment variables (see applyEnvOverrides).
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains instance-level identification.
type ServerConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// TrackerConfig contains the device tracker tuning options.
//
// These map directly onto the tracker's runtime behaviour: eviction,
// persistence, view families, and memory-saving toggles.
type TrackerConfig struct {
	// DeviceTimeout is the idle eviction threshold in seconds.
	// Devices not seen for longer than this are removed. 0 disables
	// idle eviction.
	DeviceTimeout int `yaml:"device_timeout"`

	// DevicePackets is the minimum packet count a device must have
	// accumulated before it is eligible for idle eviction. Devices with
	// fewer packets are never removed by the idle sweep.
	DevicePackets int `yaml:"device_packets"`

	// MaxDevices caps the tracked population. Above the cap, the devices
	// with the oldest last-seen time are evicted. 0 disables the cap.
	MaxDevices int `yaml:"max_devices"`

	// Persistent contains the durable state store options.
	Persistent PersistentConfig `yaml:"persistent"`

	// TrackHistoryCloud enables the per-device location history cloud.
	TrackHistoryCloud bool `yaml:"track_history_cloud"`

	// TrackPersourceHistory enables per-source frequency histograms in
	// seenby records.
	TrackPersourceHistory bool `yaml:"track_persource_history"`

	// RAMNoRRD disables rolling-rate records to conserve memory.
	RAMNoRRD bool `yaml:"ram_no_rrd"`

	// MapPhyViews enables the automatically-created per-PHY view family.
	MapPhyViews bool `yaml:"map_phy_views"`

	// MapSeenbyViews enables the automatically-created per-datasource
	// view family.
	MapSeenbyViews bool `yaml:"map_seenby_views"`

	// StorageRate is the interval in seconds between background flushes
	// of dirty devices to the state store.
	StorageRate int `yaml:"storage_rate"`
}

// PersistentConfig contains durable device storage options.
type PersistentConfig struct {
	// Enabled turns the state store on or off entirely.
	Enabled bool `yaml:"enabled"`

	// Mode selects when stored devices are rehydrated:
	// "onstart" loads everything at boot, "ondemand" loads per lookup miss.
	Mode string `yaml:"mode"`

	// Timeout is the age in seconds beyond which stored rows are purged
	// during load.
	Timeout int `yaml:"timeout"`

	// Compression enables gzip compression of serialized device blobs.
	Compression bool `yaml:"compression"`
}

// Persistence mode values for PersistentConfig.Mode.
const (
	PersistentModeOnStart  = "onstart"
	PersistentModeOnDemand = "ondemand"
)

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// MQTTConfig contains the optional MQTT event mirror settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
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

// InfluxDBConfig contains the optional telemetry sink settings.
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: RADIOWATCH_SECTION_KEY
// For example: RADIOWATCH_DATABASE_PATH, RADIOWATCH_API_HOST
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
		Server: ServerConfig{
			ID:   "radiowatch-001",
			Name: "RadioWatch",
		},
		Database: DatabaseConfig{
			Path:        "./data/radiowatch.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Tracker: TrackerConfig{
			DeviceTimeout: 0,
			DevicePackets: 2,
			MaxDevices:    0,
			Persistent: PersistentConfig{
				Enabled:     true,
				Mode:        PersistentModeOnStart,
				Timeout:     86400,
				Compression: true,
			},
			TrackHistoryCloud:     true,
			TrackPersourceHistory: true,
			MapPhyViews:           true,
			MapSeenbyViews:        true,
			StorageRate:           60,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 2501,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "radiowatch-core",
			},
			QoS: 1,
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
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: RADIOWATCH_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("RADIOWATCH_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("RADIOWATCH_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// MQTT
	if v := os.Getenv("RADIOWATCH_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("RADIOWATCH_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("RADIOWATCH_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("RADIOWATCH_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ID == "" {
		errs = append(errs, "server.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Tracker.DeviceTimeout < 0 {
		errs = append(errs, "tracker.device_timeout must not be negative")
	}
	if c.Tracker.MaxDevices < 0 {
		errs = append(errs, "tracker.max_devices must not be negative")
	}
	if c.Tracker.StorageRate < 1 {
		errs = append(errs, "tracker.storage_rate must be at least 1 second")
	}

	switch c.Tracker.Persistent.Mode {
	case PersistentModeOnStart, PersistentModeOnDemand:
	default:
		errs = append(errs, fmt.Sprintf("tracker.persistent.mode must be %q or %q",
			PersistentModeOnStart, PersistentModeOnDemand))
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DeviceTimeoutDuration returns the idle eviction threshold as a Duration.
func (c *TrackerConfig) DeviceTimeoutDuration() time.Duration {
	return time.Duration(c.DeviceTimeout) * time.Second
}

// StorageInterval returns the background flush interval as a Duration.
func (c *TrackerConfig) StorageInterval() time.Duration {
	return time.Duration(c.StorageRate) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
