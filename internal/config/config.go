// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatgate/internal/models"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverFile     = "file"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	RedisURL       string `mapstructure:"REDIS_URL"`

	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`

	StoreDriver   string        `mapstructure:"STORE_DRIVER"`
	SQLitePath    string        `mapstructure:"SQLITE_PATH"`
	StoreFilePath string        `mapstructure:"STORE_FILE_PATH"`
	StoreTimeout  time.Duration `mapstructure:"STORE_TIMEOUT"`

	// Moderation
	ChatCharLimit         int           `mapstructure:"CHAT_CHAR_LIMIT"`
	RateLimitWindow       time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	RateLimitMax          int           `mapstructure:"RATE_LIMIT_MAX"`
	RateMuteDuration      time.Duration `mapstructure:"RATE_MUTE_DURATION"`
	LinkMuteDuration      time.Duration `mapstructure:"LINK_MUTE_DURATION"`
	ProfanityMuteDuration time.Duration `mapstructure:"PROFANITY_MUTE_DURATION"`
	ProfanityCooldown     time.Duration `mapstructure:"PROFANITY_COOLDOWN"`
	ProfanityCustomWords  string        `mapstructure:"PROFANITY_CUSTOM_WORDS"`
	ProfanityWordsFile    string        `mapstructure:"PROFANITY_WORDS_FILE"`
	BlockDurations        string        `mapstructure:"BLOCK_DURATIONS"`
	BlockStep             time.Duration `mapstructure:"BLOCK_STEP"`
	RateAbuseThreshold    int           `mapstructure:"RATE_ABUSE_THRESHOLD"`
	RateAbuseReset        time.Duration `mapstructure:"RATE_ABUSE_RESET"`
	TrackerMaxSenders     int           `mapstructure:"TRACKER_MAX_SENDERS"`
	AdminAddresses        string        `mapstructure:"ADMIN_ADDRESSES"`

	// History
	MessageRetention       time.Duration `mapstructure:"MESSAGE_RETENTION"`
	RetentionSweepInterval time.Duration `mapstructure:"RETENTION_SWEEP_INTERVAL"`
	HistoryReplaySize      int           `mapstructure:"HISTORY_REPLAY_SIZE"`
	ExportLimit            int           `mapstructure:"EXPORT_LIMIT"`
	AdminHistoryRateLimit  int           `mapstructure:"ADMIN_HISTORY_RATE_LIMIT"`

	// WebSocket
	WSMaxConnsPerAddress int     `mapstructure:"WS_MAX_CONNS_PER_ADDRESS"`
	WSMaxConns           int     `mapstructure:"WS_MAX_CONNS"`
	WSEventsPerSecond    float64 `mapstructure:"WS_EVENTS_PER_SECOND"`
	WSEventBurst         int     `mapstructure:"WS_EVENT_BURST"`

	// Observability
	LogLevel           string  `mapstructure:"LOG_LEVEL"`
	LogFile            string  `mapstructure:"LOG_FILE"`
	LogMaxSizeMB       int     `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups      int     `mapstructure:"LOG_MAX_BACKUPS"`
	TracingEnabled     bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter    string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint       string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRatio float64 `mapstructure:"TRACING_SAMPLE_RATIO"`
}

// LoadConfig loads application configuration from .env, config files and environment variables.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base config file is optional.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		slog.Info("loaded profile-specific configuration", slog.String("file", "config."+env+".yml"))
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("JWT_SECRET", defaultJWTSecret)
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173")
	viper.SetDefault("REDIS_URL", "localhost:6379")

	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "chatgate")
	viper.SetDefault("DB_SSLMODE", "disable")

	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("SQLITE_PATH", "chatgate.db")
	viper.SetDefault("STORE_FILE_PATH", "chat-messages.json")
	viper.SetDefault("STORE_TIMEOUT", 3*time.Second)

	viper.SetDefault("CHAT_CHAR_LIMIT", 42)
	viper.SetDefault("RATE_LIMIT_WINDOW", 60*time.Second)
	viper.SetDefault("RATE_LIMIT_MAX", 10)
	viper.SetDefault("RATE_MUTE_DURATION", 30*time.Second)
	viper.SetDefault("LINK_MUTE_DURATION", 30*time.Second)
	viper.SetDefault("PROFANITY_MUTE_DURATION", 10*time.Second)
	viper.SetDefault("PROFANITY_COOLDOWN", 7*24*time.Hour)
	viper.SetDefault("PROFANITY_CUSTOM_WORDS", "")
	viper.SetDefault("PROFANITY_WORDS_FILE", "")
	viper.SetDefault("BLOCK_DURATIONS", "2h,4h,6h")
	viper.SetDefault("BLOCK_STEP", 2*time.Hour)
	viper.SetDefault("RATE_ABUSE_THRESHOLD", 3)
	viper.SetDefault("RATE_ABUSE_RESET", 10*time.Minute)
	viper.SetDefault("TRACKER_MAX_SENDERS", 100000)
	viper.SetDefault("ADMIN_ADDRESSES", "")

	viper.SetDefault("MESSAGE_RETENTION", 7*24*time.Hour)
	viper.SetDefault("RETENTION_SWEEP_INTERVAL", time.Hour)
	viper.SetDefault("HISTORY_REPLAY_SIZE", 50)
	viper.SetDefault("EXPORT_LIMIT", 1000)
	viper.SetDefault("ADMIN_HISTORY_RATE_LIMIT", 30)

	viper.SetDefault("WS_MAX_CONNS_PER_ADDRESS", 12)
	viper.SetDefault("WS_MAX_CONNS", 10000)
	viper.SetDefault("WS_EVENTS_PER_SECOND", 5.0)
	viper.SetDefault("WS_EVENT_BURST", 30)

	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FILE", "")
	viper.SetDefault("LOG_MAX_SIZE_MB", 100)
	viper.SetDefault("LOG_MAX_BACKUPS", 5)
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLE_RATIO", 1.0)
}

func (c *Config) normalize() {
	c.DBSSLMode = strings.ToLower(strings.TrimSpace(c.DBSSLMode))
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// IsProduction reports whether the service runs with production strictness.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverSQLite, StoreDriverFile:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite, file (got %q)", c.StoreDriver)
	}
	if c.StoreDriver == StoreDriverFile && c.StoreFilePath == "" {
		return errors.New("STORE_FILE_PATH is required for the file store")
	}
	if c.StoreDriver == StoreDriverSQLite && c.SQLitePath == "" {
		return errors.New("SQLITE_PATH is required for the sqlite store")
	}

	if c.ChatCharLimit <= 0 {
		return errors.New("CHAT_CHAR_LIMIT must be positive")
	}
	if c.RateLimitMax <= 0 || c.RateLimitWindow <= 0 {
		return errors.New("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}
	if c.HistoryReplaySize < 0 || c.ExportLimit <= 0 {
		return errors.New("HISTORY_REPLAY_SIZE must not be negative and EXPORT_LIMIT must be positive")
	}
	if c.WSEventsPerSecond > 0 && c.WSEventBurst <= c.RateLimitMax {
		return fmt.Errorf("WS_EVENT_BURST (%d) must exceed RATE_LIMIT_MAX (%d)", c.WSEventBurst, c.RateLimitMax)
	}
	if _, err := c.BlockSchedule(); err != nil {
		return err
	}
	if _, err := c.Admins(); err != nil {
		return err
	}

	isProduction := c.IsProduction()

	// Strict checks for production
	if isProduction {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.StoreDriver == StoreDriverPostgres {
			if c.DBPassword == "password" || c.DBPassword == "" {
				return errors.New("a strong DB_PASSWORD is required in production")
			}
			if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
				return errors.New("DB_SSLMODE must not be 'disable' in production")
			}
		}
		if c.AllowedOrigins == "*" {
			slog.Warn("ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		slog.Warn("JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}

// BlockSchedule parses BLOCK_DURATIONS into the escalation table.
func (c *Config) BlockSchedule() ([]time.Duration, error) {
	var schedule []time.Duration
	for _, part := range splitList(c.BlockDurations) {
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("BLOCK_DURATIONS entry %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("BLOCK_DURATIONS entry %q must be positive", part)
		}
		if n := len(schedule); n > 0 && d < schedule[n-1] {
			return nil, errors.New("BLOCK_DURATIONS must be non-decreasing")
		}
		schedule = append(schedule, d)
	}
	if len(schedule) == 0 {
		return nil, errors.New("BLOCK_DURATIONS must contain at least one duration")
	}
	return schedule, nil
}

// Admins returns the canonical admin address set.
func (c *Config) Admins() (map[string]struct{}, error) {
	admins := make(map[string]struct{})
	for _, raw := range splitList(c.AdminAddresses) {
		addr, err := models.CanonicalAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_ADDRESSES entry %q: %w", raw, err)
		}
		admins[addr] = struct{}{}
	}
	return admins, nil
}

// CustomWords returns the extra profanity terms from PROFANITY_CUSTOM_WORDS.
func (c *Config) CustomWords() []string {
	return splitList(c.ProfanityCustomWords)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
