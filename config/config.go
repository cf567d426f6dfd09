package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"heatersync/internal/core"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Defaults
const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8080
	DefaultDatabasePath      = "./heatersync.db"
	DefaultMinTemperature    = 40.0
	DefaultMaxTemperature    = 75.0
	DefaultCacheTTL          = Duration(time.Minute)
	DefaultRefreshPeriod     = Duration(5 * time.Minute)
	DefaultDebounceQuiet     = Duration(5 * time.Second)
	DefaultTokenLifetime     = Duration(time.Hour)
	DefaultRequestTimeout    = Duration(15 * time.Second)
	DefaultMaxAttempts       = 3
	DefaultBackoff           = Duration(time.Second)
	DefaultBackoffMultiplier = 1.0
	DefaultMaxBackoff        = Duration(30 * time.Second)
	DefaultMQTTTopicPrefix   = "heatersync"
	DefaultDiscoveryPrefix   = "homeassistant"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Security SecurityConfig `json:"security" yaml:"security"`
	Remote   RemoteConfig   `json:"remote" yaml:"remote"`
	Heater   HeaterConfig   `json:"heater" yaml:"heater"`
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	InfluxDB InfluxDBConfig `json:"influxdb" yaml:"influxdb"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
}

// RemoteConfig contains the heater cloud API settings and retry policy
type RemoteConfig struct {
	BaseURL           string   `json:"base_url" yaml:"base_url"`
	Username          string   `json:"username" yaml:"username"`
	Password          string   `json:"password" yaml:"password"`
	PlantID           string   `json:"plant_id" yaml:"plant_id"`
	TokenLifetime     Duration `json:"token_lifetime" yaml:"token_lifetime"`
	RequestTimeout    Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxAttempts       int      `json:"max_attempts" yaml:"max_attempts"`
	Backoff           Duration `json:"backoff" yaml:"backoff"`
	BackoffMultiplier float64  `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoff        Duration `json:"max_backoff" yaml:"max_backoff"`
}

// HeaterConfig contains temperature limits and sync timing
type HeaterConfig struct {
	Name           string   `json:"name" yaml:"name"`
	MinTemperature float64  `json:"min_temperature" yaml:"min_temperature"`
	MaxTemperature float64  `json:"max_temperature" yaml:"max_temperature"`
	CacheTTL       Duration `json:"cache_ttl" yaml:"cache_ttl"`
	RefreshPeriod  Duration `json:"refresh_period" yaml:"refresh_period"`
	DebounceQuiet  Duration `json:"debounce_quiet" yaml:"debounce_quiet"`
}

// Limits returns the configured target temperature bounds
func (h HeaterConfig) Limits() core.TemperatureLimits {
	return core.TemperatureLimits{Min: h.MinTemperature, Max: h.MaxTemperature}
}

// MQTTConfig contains the optional Home Assistant bridge settings
type MQTTConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Broker          string `json:"broker" yaml:"broker"`
	ClientID        string `json:"client_id" yaml:"client_id"`
	Username        string `json:"username" yaml:"username"`
	Password        string `json:"password" yaml:"password"`
	TopicPrefix     string `json:"topic_prefix" yaml:"topic_prefix"`
	DiscoveryPrefix string `json:"discovery_prefix" yaml:"discovery_prefix"`
}

// InfluxDBConfig contains the optional state history settings
type InfluxDBConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	URL           string   `json:"url" yaml:"url"`
	Token         string   `json:"token" yaml:"token"`
	Org           string   `json:"org" yaml:"org"`
	Bucket        string   `json:"bucket" yaml:"bucket"`
	BatchSize     int      `json:"batch_size" yaml:"batch_size"`
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval"`
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

// Validate applies defaults and validates the configuration
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port", ErrInvalidConfig)
	}

	if c.Security.APIKey == "" {
		return fmt.Errorf("%w: API key is required", ErrInvalidConfig)
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("%w: remote base URL is required", ErrInvalidConfig)
	}

	if c.Remote.Username == "" || c.Remote.Password == "" {
		return fmt.Errorf("%w: remote credentials are required", ErrInvalidConfig)
	}

	if c.Remote.PlantID == "" {
		return fmt.Errorf("%w: plant id is required", ErrInvalidConfig)
	}

	if err := c.Heater.Limits().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.Remote.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be at least 1", ErrInvalidConfig)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: MQTT broker is required when MQTT is enabled", ErrInvalidConfig)
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("%w: InfluxDB url and bucket are required when InfluxDB is enabled", ErrInvalidConfig)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}

	r := &c.Remote
	if r.TokenLifetime <= 0 {
		r.TokenLifetime = DefaultTokenLifetime
	}
	if r.RequestTimeout <= 0 {
		r.RequestTimeout = DefaultRequestTimeout
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.Backoff <= 0 {
		r.Backoff = DefaultBackoff
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = DefaultMaxBackoff
	}

	h := &c.Heater
	if h.MinTemperature == 0 {
		h.MinTemperature = DefaultMinTemperature
	}
	if h.MaxTemperature == 0 {
		h.MaxTemperature = DefaultMaxTemperature
	}
	if h.CacheTTL <= 0 {
		h.CacheTTL = DefaultCacheTTL
	}
	if h.RefreshPeriod <= 0 {
		h.RefreshPeriod = DefaultRefreshPeriod
	}
	if h.DebounceQuiet <= 0 {
		h.DebounceQuiet = DefaultDebounceQuiet
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "heatersync-" + c.Remote.PlantID
	}
}

// Load loads configuration from a JSON or YAML file, chosen by extension
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFromEnv loads configuration from environment variables
// This is useful for containerized deployments
func LoadFromEnv() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host: getEnv("HEATERSYNC_HOST", DefaultHost),
			Port: getEnvInt("HEATERSYNC_PORT", DefaultPort),
		},
		Database: DatabaseConfig{
			Path: getEnv("HEATERSYNC_DB_PATH", DefaultDatabasePath),
		},
		Security: SecurityConfig{
			APIKey: getEnv("HEATERSYNC_API_KEY", ""),
		},
		Remote: RemoteConfig{
			BaseURL:           getEnv("HEATERSYNC_REMOTE_BASE_URL", ""),
			Username:          getEnv("HEATERSYNC_REMOTE_USERNAME", ""),
			Password:          getEnv("HEATERSYNC_REMOTE_PASSWORD", ""),
			PlantID:           getEnv("HEATERSYNC_PLANT_ID", ""),
			TokenLifetime:     getEnvDuration("HEATERSYNC_TOKEN_LIFETIME", DefaultTokenLifetime),
			RequestTimeout:    getEnvDuration("HEATERSYNC_REQUEST_TIMEOUT", DefaultRequestTimeout),
			MaxAttempts:       getEnvInt("HEATERSYNC_MAX_ATTEMPTS", DefaultMaxAttempts),
			Backoff:           getEnvDuration("HEATERSYNC_BACKOFF", DefaultBackoff),
			BackoffMultiplier: getEnvFloat("HEATERSYNC_BACKOFF_MULTIPLIER", DefaultBackoffMultiplier),
			MaxBackoff:        getEnvDuration("HEATERSYNC_MAX_BACKOFF", DefaultMaxBackoff),
		},
		Heater: HeaterConfig{
			Name:           getEnv("HEATERSYNC_HEATER_NAME", ""),
			MinTemperature: getEnvFloat("HEATERSYNC_MIN_TEMPERATURE", DefaultMinTemperature),
			MaxTemperature: getEnvFloat("HEATERSYNC_MAX_TEMPERATURE", DefaultMaxTemperature),
			CacheTTL:       getEnvDuration("HEATERSYNC_CACHE_TTL", DefaultCacheTTL),
			RefreshPeriod:  getEnvDuration("HEATERSYNC_REFRESH_PERIOD", DefaultRefreshPeriod),
			DebounceQuiet:  getEnvDuration("HEATERSYNC_DEBOUNCE_QUIET", DefaultDebounceQuiet),
		},
		MQTT: MQTTConfig{
			Enabled:         getEnvBool("HEATERSYNC_MQTT_ENABLED", false),
			Broker:          getEnv("HEATERSYNC_MQTT_BROKER", ""),
			ClientID:        getEnv("HEATERSYNC_MQTT_CLIENT_ID", ""),
			Username:        getEnv("HEATERSYNC_MQTT_USERNAME", ""),
			Password:        getEnv("HEATERSYNC_MQTT_PASSWORD", ""),
			TopicPrefix:     getEnv("HEATERSYNC_MQTT_TOPIC_PREFIX", DefaultMQTTTopicPrefix),
			DiscoveryPrefix: getEnv("HEATERSYNC_MQTT_DISCOVERY_PREFIX", DefaultDiscoveryPrefix),
		},
		InfluxDB: InfluxDBConfig{
			Enabled:       getEnvBool("HEATERSYNC_INFLUXDB_ENABLED", false),
			URL:           getEnv("HEATERSYNC_INFLUXDB_URL", ""),
			Token:         getEnv("HEATERSYNC_INFLUXDB_TOKEN", ""),
			Org:           getEnv("HEATERSYNC_INFLUXDB_ORG", ""),
			Bucket:        getEnv("HEATERSYNC_INFLUXDB_BUCKET", ""),
			BatchSize:     getEnvInt("HEATERSYNC_INFLUXDB_BATCH_SIZE", 0),
			FlushInterval: getEnvDuration("HEATERSYNC_INFLUXDB_FLUSH_INTERVAL", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("HEATERSYNC_LOG_LEVEL", "info"),
			Format: getEnv("HEATERSYNC_LOG_FORMAT", "json"),
			Output: getEnv("HEATERSYNC_LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		var d Duration
		if err := d.parse(value); err == nil {
			return d
		}
	}
	return defaultValue
}
