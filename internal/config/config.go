package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Hub      HubConfig      `yaml:"hub"`
	Storage  StorageConfig  `yaml:"storage"`
	Presence PresenceConfig `yaml:"presence"`
	Commands CommandsConfig `yaml:"commands"`
	Feed     FeedConfig     `yaml:"feed"`
	Redis    RedisConfig    `yaml:"redis"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Spool    SpoolConfig    `yaml:"spool"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type HubConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	// CommandsBackend selects where ledger entries are persisted: sqlite or dynamodb.
	CommandsBackend string `yaml:"commands_backend"`
	DynamoDBTable   string `yaml:"dynamodb_table"`
	DynamoDBRegion  string `yaml:"dynamodb_region"`
}

type PresenceConfig struct {
	AwayAfter    time.Duration `yaml:"away_after"`
	OfflineAfter time.Duration `yaml:"offline_after"`
	ClockSkew    time.Duration `yaml:"clock_skew"`
}

type CommandsConfig struct {
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

type FeedConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type SpoolConfig struct {
	Dir string `yaml:"dir"`
}

type TracingConfig struct {
	// Exporter is one of none, stdout, otlpgrpc, otlphttp.
	Exporter    string            `yaml:"exporter"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Environment string            `yaml:"environment"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		HTTP:    HTTPConfig{Addr: ":8080"},
		Hub:     HubConfig{Enabled: true, Addr: ":9527"},
		Storage: StorageConfig{SQLitePath: "fleet.db", CommandsBackend: "sqlite", DynamoDBTable: "fleet_commands"},
		Presence: PresenceConfig{
			AwayAfter:    5 * time.Minute,
			OfflineAfter: 30 * time.Minute,
			ClockSkew:    2 * time.Minute,
		},
		Commands: CommandsConfig{AckTimeout: 30 * time.Second},
		Feed:     FeedConfig{DefaultLimit: 50, MaxLimit: 100},
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "fleet"},
		MinIO:    MinIOConfig{Bucket: "fleet-commands"},
		Tracing:  TracingConfig{Exporter: "none", Insecure: true, SampleRatio: 1},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults, then applies FLEET_*
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.HTTP.Addr = getenv("FLEET_HTTP_ADDR", c.HTTP.Addr)
	c.Hub.Enabled = getenvBool("FLEET_HUB_ENABLED", c.Hub.Enabled)
	c.Hub.Addr = getenv("FLEET_HUB_ADDR", c.Hub.Addr)
	c.Storage.SQLitePath = getenv("FLEET_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.CommandsBackend = getenv("FLEET_COMMANDS_BACKEND", c.Storage.CommandsBackend)
	c.Storage.DynamoDBTable = getenv("FLEET_DYNAMODB_TABLE", c.Storage.DynamoDBTable)
	c.Storage.DynamoDBRegion = getenv("FLEET_DYNAMODB_REGION", c.Storage.DynamoDBRegion)
	c.Presence.AwayAfter = getenvDuration("FLEET_PRESENCE_AWAY_AFTER", c.Presence.AwayAfter)
	c.Presence.OfflineAfter = getenvDuration("FLEET_PRESENCE_OFFLINE_AFTER", c.Presence.OfflineAfter)
	c.Presence.ClockSkew = getenvDuration("FLEET_PRESENCE_CLOCK_SKEW", c.Presence.ClockSkew)
	c.Commands.AckTimeout = getenvDuration("FLEET_ACK_TIMEOUT", c.Commands.AckTimeout)
	c.Feed.DefaultLimit = getenvInt("FLEET_FEED_DEFAULT_LIMIT", c.Feed.DefaultLimit)
	c.Feed.MaxLimit = getenvInt("FLEET_FEED_MAX_LIMIT", c.Feed.MaxLimit)
	c.Redis.Enabled = getenvBool("FLEET_REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getenv("FLEET_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenv("FLEET_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Prefix = getenv("FLEET_REDIS_PREFIX", c.Redis.Prefix)
	c.MinIO.Enabled = getenvBool("FLEET_MINIO_ENABLED", c.MinIO.Enabled)
	c.MinIO.Endpoint = getenv("FLEET_MINIO_ENDPOINT", c.MinIO.Endpoint)
	c.MinIO.AccessKey = getenv("FLEET_MINIO_ACCESS_KEY", c.MinIO.AccessKey)
	c.MinIO.SecretKey = getenv("FLEET_MINIO_SECRET_KEY", c.MinIO.SecretKey)
	c.MinIO.Bucket = getenv("FLEET_MINIO_BUCKET", c.MinIO.Bucket)
	c.Spool.Dir = getenv("FLEET_SPOOL_DIR", c.Spool.Dir)
	c.Tracing.Exporter = getenv("FLEET_OTEL_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = getenv("FLEET_OTEL_ENDPOINT", c.Tracing.Endpoint)
	c.Log.Level = getenv("FLEET_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("FLEET_LOG_FORMAT", c.Log.Format)
}

func (c Config) Validate() error {
	var errs []error
	if c.Presence.AwayAfter <= 0 || c.Presence.OfflineAfter <= 0 {
		errs = append(errs, errors.New("presence thresholds must be positive"))
	}
	if c.Presence.AwayAfter >= c.Presence.OfflineAfter {
		errs = append(errs, errors.New("presence.away_after must be below presence.offline_after"))
	}
	if c.Presence.ClockSkew < 0 {
		errs = append(errs, errors.New("presence.clock_skew must not be negative"))
	}
	if c.Commands.AckTimeout <= 0 {
		errs = append(errs, errors.New("commands.ack_timeout must be positive"))
	}
	if c.Feed.DefaultLimit <= 0 || c.Feed.MaxLimit < c.Feed.DefaultLimit {
		errs = append(errs, errors.New("feed limits must satisfy 0 < default_limit <= max_limit"))
	}
	switch c.Storage.CommandsBackend {
	case "sqlite", "dynamodb":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.commands_backend %q", c.Storage.CommandsBackend))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
