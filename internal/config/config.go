package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the magickapi server and CLI.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	KeyStore  KeyStoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Signature SignatureConfig
	Magick    MagickConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	CORSOrigins    []string
	MaxUploadBytes int64
}

type LogConfig struct {
	Level       slog.Level
	LogRequests bool
}

type KeyStoreConfig struct {
	Backend        string
	File           string
	HashIterations int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	// Required puts the health endpoint behind the health permission.
	Required bool
	// Disabled skips API key checks entirely. Development only.
	Disabled bool
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type SignatureConfig struct {
	Required  bool
	Secret    string
	Tolerance time.Duration
}

type MagickConfig struct {
	Commands []string
	Timeout  time.Duration
}

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"

	minHashIterations = 1000
)

var validBackends = map[string]bool{
	BackendFile:     true,
	BackendPostgres: true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	level, err := parseLevel(envString("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("MAGICKAPI_PORT", 8080),
			Env:            envString("MAGICKAPI_ENV", "development"),
			CORSOrigins:    envList("CORS_ORIGINS", []string{"*"}),
			MaxUploadBytes: int64(envInt("MAX_UPLOAD_BYTES", 16<<20)),
		},
		Log: LogConfig{
			Level:       level,
			LogRequests: envBool("LOG_API_REQUESTS", true),
		},
		KeyStore: KeyStoreConfig{
			Backend:        envString("KEYSTORE_BACKEND", BackendFile),
			File:           envString("API_KEYS_FILE", "api_keys.json"),
			HashIterations: envInt("KEY_HASH_ITERATIONS", 100000),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			Required: envBool("API_KEY_REQUIRED", false),
			Disabled: envBool("DISABLE_API_AUTH", false),
		},
		RateLimit: RateLimitConfig{
			Requests: envInt("RATE_LIMIT_REQUESTS", 1000),
			Window:   envDurationSecs("RATE_LIMIT_WINDOW_SECS", time.Hour),
		},
		Signature: SignatureConfig{
			Required:  envBool("REQUIRE_SIGNATURE", false),
			Secret:    os.Getenv("SIGNATURE_SECRET"),
			Tolerance: envDurationSecs("SIGNATURE_TOLERANCE_SECS", 5*time.Minute),
		},
		Magick: MagickConfig{
			Commands: envList("IMAGEMAGICK_COMMANDS", []string{"magick", "convert"}),
			Timeout:  envDurationSecs("IMAGEMAGICK_TIMEOUT_SECS", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RateLimitEnabled reports whether a Redis backend for rate limiting is configured.
func (c *Config) RateLimitEnabled() bool {
	return c.Redis.URL != "" && c.RateLimit.Requests > 0
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("MAGICKAPI_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	if !validBackends[c.KeyStore.Backend] {
		return fmt.Errorf("KEYSTORE_BACKEND must be one of file, postgres; got %q", c.KeyStore.Backend)
	}
	if c.KeyStore.Backend == BackendFile && c.KeyStore.File == "" {
		return fmt.Errorf("API_KEYS_FILE is required when KEYSTORE_BACKEND is file")
	}
	if c.KeyStore.Backend == BackendPostgres && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when KEYSTORE_BACKEND is postgres")
	}
	if c.KeyStore.HashIterations < minHashIterations {
		return fmt.Errorf("KEY_HASH_ITERATIONS must be at least %d, got %d", minHashIterations, c.KeyStore.HashIterations)
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECS must be positive")
	}

	if c.Signature.Required && c.Signature.Secret == "" {
		return fmt.Errorf("SIGNATURE_SECRET is required when REQUIRE_SIGNATURE is true")
	}

	if len(c.Magick.Commands) == 0 {
		return fmt.Errorf("IMAGEMAGICK_COMMANDS must name at least one command")
	}
	if c.Magick.Timeout <= 0 {
		return fmt.Errorf("IMAGEMAGICK_TIMEOUT_SECS must be positive")
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", s)
	}
	return level, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
