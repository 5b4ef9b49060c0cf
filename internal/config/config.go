// Package config loads recast's settings into an immutable Snapshot.
//
// Sources, lowest precedence first: built-in defaults, recast.yaml, a .env
// file, RECAST_* environment variables, explicit overrides (CLI flags).
// Every snapshot is validated against an embedded CUE schema before use.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/roach88/recast/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. RECAST_LOG_LEVEL.
const EnvPrefix = "RECAST"

// Config is the full set of recast settings.
type Config struct {
	Database     DatabaseConfig            `mapstructure:"database" json:"database" yaml:"database"`
	Timezone     string                    `mapstructure:"timezone" json:"timezone" yaml:"timezone"`
	CooldownDays int                       `mapstructure:"cooldown_days" json:"cooldown_days" yaml:"cooldown_days"`
	Ranking      RankingConfig             `mapstructure:"ranking" json:"ranking" yaml:"ranking"`
	Executor     ExecutorConfig            `mapstructure:"executor" json:"executor" yaml:"executor"`
	Limits       LimitsConfig              `mapstructure:"limits" json:"limits" yaml:"limits"`
	Platforms    map[string]PlatformConfig `mapstructure:"platforms" json:"platforms" yaml:"platforms"`
	Dedup        DedupConfig               `mapstructure:"dedup" json:"dedup" yaml:"dedup"`
	Fingerprint  FingerprintConfig         `mapstructure:"fingerprint" json:"fingerprint" yaml:"fingerprint"`
	Retry        RetryConfig               `mapstructure:"retry" json:"retry" yaml:"retry"`
	Lease        LeaseConfig               `mapstructure:"lease" json:"lease" yaml:"lease"`
	Redis        RedisConfig               `mapstructure:"redis" json:"redis" yaml:"redis"`
	Kafka        KafkaConfig               `mapstructure:"kafka" json:"kafka" yaml:"kafka"`
	Server       ServerConfig              `mapstructure:"server" json:"server" yaml:"server"`
	Log          LogConfig                 `mapstructure:"log" json:"log" yaml:"log"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

type RankingConfig struct {
	Enabled bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	TopK    int           `mapstructure:"top_k" json:"top_k" yaml:"top_k"`
	Spacing time.Duration `mapstructure:"spacing" json:"spacing" yaml:"spacing"`
}

type ExecutorConfig struct {
	BatchSize      int           `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency" json:"concurrency" yaml:"concurrency"`
	TickInterval   time.Duration `mapstructure:"tick_interval" json:"tick_interval" yaml:"tick_interval"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" json:"publish_timeout" yaml:"publish_timeout"`
}

// LimitsConfig caps completed posts per calendar day. Zero means unlimited.
type LimitsConfig struct {
	MaxPostsPerDay      int `mapstructure:"max_posts_per_day" json:"max_posts_per_day" yaml:"max_posts_per_day"`
	MaxPostsPerPlatform int `mapstructure:"max_posts_per_platform" json:"max_posts_per_platform" yaml:"max_posts_per_platform"`
}

// PlatformConfig configures the relay publisher of one platform.
type PlatformConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"`
	Token    string `mapstructure:"token" json:"token" yaml:"token"`
}

type DedupConfig struct {
	SizeTolerance       float64 `mapstructure:"size_tolerance" json:"size_tolerance" yaml:"size_tolerance"`
	DurationTolerance   float64 `mapstructure:"duration_tolerance" json:"duration_tolerance" yaml:"duration_tolerance"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" json:"confidence_threshold" yaml:"confidence_threshold"`
}

type FingerprintConfig struct {
	ChunkSize int `mapstructure:"chunk_size" json:"chunk_size" yaml:"chunk_size"`
}

type RetryConfig struct {
	Enabled     bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" json:"max_delay" yaml:"max_delay"`
	Interval    time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
}

type LeaseConfig struct {
	Backend string        `mapstructure:"backend" json:"backend" yaml:"backend"`
	TTL     time.Duration `mapstructure:"ttl" json:"ttl" yaml:"ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr" yaml:"addr"`
	Password string `mapstructure:"password" json:"password" yaml:"password"`
	DB       int    `mapstructure:"db" json:"db" yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" json:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" json:"topic" yaml:"topic"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" json:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"`
}

// Lease backends.
const (
	LeaseSQLite = "sqlite"
	LeaseRedis  = "redis"
)

// SetDefaults registers every key with its default on v. Registering all
// keys also lets AutomaticEnv find overrides for keys absent from the file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "recast.db")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("cooldown_days", 7)

	v.SetDefault("ranking.enabled", true)
	v.SetDefault("ranking.top_k", 50)
	v.SetDefault("ranking.spacing", "0s")

	v.SetDefault("executor.batch_size", 5)
	v.SetDefault("executor.concurrency", 1)
	v.SetDefault("executor.tick_interval", "60s")
	v.SetDefault("executor.publish_timeout", "5m")

	v.SetDefault("limits.max_posts_per_day", 10)
	v.SetDefault("limits.max_posts_per_platform", 0)

	for _, p := range model.KnownPlatforms {
		prefix := "platforms." + string(p)
		v.SetDefault(prefix+".enabled", false)
		v.SetDefault(prefix+".endpoint", "")
		v.SetDefault(prefix+".token", "")
	}

	v.SetDefault("dedup.size_tolerance", 0.02)
	v.SetDefault("dedup.duration_tolerance", 0.20)
	v.SetDefault("dedup.confidence_threshold", 70.0)

	v.SetDefault("fingerprint.chunk_size", 1<<20)

	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "5m")
	v.SetDefault("retry.max_delay", "2h")
	v.SetDefault("retry.interval", "15m")

	v.SetDefault("lease.backend", LeaseSQLite)
	v.SetDefault("lease.ttl", "10m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "recast.queue.transitions")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// ConfigFile is an explicit config path. When empty, recast.yaml is
	// searched in the working directory and $HOME/.config/recast.
	ConfigFile string
	// EnvFile is loaded into the environment if it exists. Defaults to .env.
	EnvFile string
	// Overrides are applied last, keyed by dotted config key.
	Overrides map[string]any
	// Now stamps LoadedAt. Defaults to time.Now.
	Now func() time.Time
}

// Load reads, decodes and validates the configuration.
func Load(opts LoadOptions) (Snapshot, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// A missing .env file is normal.
	_ = godotenv.Load(envFile)

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	source := ""
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("recast")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/recast")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Snapshot{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		source = v.ConfigFileUsed()
	}

	keys := make([]string, 0, len(opts.Overrides))
	for k := range opts.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Set(k, opts.Overrides[k])
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Snapshot{}, fmt.Errorf("decode config: %w", err)
	}

	if errs := Validate(cfg); len(errs) > 0 {
		return Snapshot{}, errs
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	return NewSnapshot(cfg, source, now())
}

// Default returns the configuration with every default applied.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Location resolves the configured timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// EnabledPlatforms returns the enabled platforms in sorted order.
func (c Config) EnabledPlatforms() []model.Platform {
	var out []model.Platform
	for name, pc := range c.Platforms {
		if pc.Enabled {
			out = append(out, model.Platform(name))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
