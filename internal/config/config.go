// Package config loads the pipeline's configuration via viper,
// following the teacher's Load(path)/setDefaults pattern: defaults
// first, then an on-disk TOML file, then IOTMW_-prefixed environment
// variables as the final override layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config holds every recognized option from spec.md §6.
type Config struct {
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Dedupe   DedupeConfig   `mapstructure:"dedupe"`
	Influx   InfluxConfig   `mapstructure:"influx"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Command  CommandConfig  `mapstructure:"command"`
}

// MQTTConfig configures the Ingress and Command Service broker
// connections.
type MQTTConfig struct {
	BrokerURL           string            `mapstructure:"brokerUrl"`
	Options             MQTTOptions       `mapstructure:"options"`
	Topics              MQTTTopics        `mapstructure:"topics"`
	DownloadTopicPrefix string            `mapstructure:"downloadTopicPrefix"`
}

// MQTTOptions are the paho client-level knobs.
type MQTTOptions struct {
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	Keepalive      time.Duration `mapstructure:"keepalive"`
	ClientID       string        `mapstructure:"clientId"`
}

// MQTTTopics are the subscribe patterns per protocol family.
type MQTTTopics struct {
	V5008 string `mapstructure:"v5008"`
	V6800 string `mapstructure:"v6800"`
}

// DatabaseConfig configures the Storage Writer's relational backend.
type DatabaseConfig struct {
	Client     string     `mapstructure:"client"` // mysql | sqlite3
	Connection string     `mapstructure:"connection"`
	Pool       PoolConfig `mapstructure:"pool"`
}

// PoolConfig bounds the shared database/sql connection pool (spec §5).
type PoolConfig struct {
	Min                int `mapstructure:"min"`
	Max                int `mapstructure:"max"`
	AcquireTimeoutMs   int `mapstructure:"acquireTimeoutMillis"`
	IdleTimeoutMs      int `mapstructure:"idleTimeoutMillis"`
}

// StorageConfig configures the Storage Writer's batching behavior.
type StorageConfig struct {
	BatchSize          int           `mapstructure:"batchSize"`
	FlushInterval      time.Duration `mapstructure:"flushInterval"`
	Filters            []string      `mapstructure:"filters"`
	MaxBufferedPerTable int          `mapstructure:"maxBufferedPerTable"`
}

// CacheConfig configures the Cache Watchdog.
type CacheConfig struct {
	OfflineThreshold time.Duration `mapstructure:"offlineThreshold"`
	WatchdogInterval time.Duration `mapstructure:"watchdogInterval"`
}

// LoggingConfig mirrors internal/logger.Config's fields for viper
// binding; cmd/iotmw's loggerConfig translates it into a logger.Config.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
	File    bool   `mapstructure:"file"`
	MaxSize int    `mapstructure:"maxSize"`
	MaxFiles int   `mapstructure:"maxFiles"`
}

// DebugConfig toggles developer-only behavior.
type DebugConfig struct {
	LogRawMessage bool `mapstructure:"logRawMessage"`
}

// DedupeConfig configures the optional redis-backed re-delivery guard.
// Addr left empty disables the guard (the Normalizer runs with a nil
// *dedupe.Guard, which is a no-op).
type DedupeConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"keyPrefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// InfluxConfig configures the Storage Writer's optional secondary
// time-series sink. URL left empty disables it.
type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// HTTPConfig configures the ambient HTTP surface (health, metrics,
// canonical feed upgrade).
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// CommandConfig configures the Command Service's own broker client,
// distinct from the Ingress connection.
type CommandConfig struct {
	ClientID string `mapstructure:"clientId"`
}

// Load reads configuration from an explicit path (if given), or the
// conventional locations, then environment variables, in that order
// of increasing precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("iotmw")
		v.SetConfigType("toml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if used := v.ConfigFileUsed(); strings.HasSuffix(used, ".toml") {
		// viper's own toml codec (pelletier/go-toml) accepts a few
		// constructs BurntSushi's stricter decoder rejects (e.g.
		// heterogeneous arrays); re-parse with it here so a malformed
		// seed config fails with a precise line/column error instead
		// of a confusing downstream Unmarshal mismatch.
		var discard map[string]interface{}
		if _, err := toml.DecodeFile(used, &discard); err != nil {
			return nil, fmt.Errorf("invalid toml in %s: %w", used, err)
		}
	}

	v.SetEnvPrefix("IOTMW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.brokerUrl", "tcp://localhost:1883")
	v.SetDefault("mqtt.options.connectTimeout", 10*time.Second)
	v.SetDefault("mqtt.options.keepalive", 30*time.Second)
	v.SetDefault("mqtt.options.clientId", "iotmw-ingress")
	v.SetDefault("mqtt.topics.v5008", "V5008Upload/+/+")
	v.SetDefault("mqtt.topics.v6800", "V6800Upload/+/+")
	v.SetDefault("mqtt.downloadTopicPrefix", "download")

	v.SetDefault("database.client", "mysql")
	v.SetDefault("database.connection", "")
	v.SetDefault("database.pool.min", 2)
	v.SetDefault("database.pool.max", 10)
	v.SetDefault("database.pool.acquireTimeoutMillis", 30000)
	v.SetDefault("database.pool.idleTimeoutMillis", 300000)

	v.SetDefault("storage.batchSize", 100)
	v.SetDefault("storage.flushInterval", 1*time.Second)
	v.SetDefault("storage.filters", []string{})
	v.SetDefault("storage.maxBufferedPerTable", 5000)

	v.SetDefault("cache.offlineThreshold", 60*time.Second)
	v.SetDefault("cache.watchdogInterval", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dir", "./logs")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.maxSize", 50)
	v.SetDefault("logging.maxFiles", 5)

	v.SetDefault("debug.logRawMessage", false)

	v.SetDefault("dedupe.addr", "")
	v.SetDefault("dedupe.db", 0)
	v.SetDefault("dedupe.keyPrefix", "iotmw:seen:")
	v.SetDefault("dedupe.ttl", 10*time.Minute)

	v.SetDefault("influx.url", "")

	v.SetDefault("http.addr", "0.0.0.0:8080")

	v.SetDefault("command.clientId", "iotmw-command")
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".iotmw")
}
