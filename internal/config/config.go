// Package config loads the hefield CLI configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// validate caches struct info across calls.
var validate = validator.New()

// Config holds the CLI settings.
type Config struct {
	Dialect     string `validate:"required,oneof=postgres mysql sqlite"`
	DatabaseURL string `validate:"required"`
	FieldsFile  string `validate:"required"`

	// Key material lives in KeyDir unless RedisAddr is set.
	KeyDir        string `validate:"required_without=RedisAddr"`
	RedisAddr     string `validate:"omitempty,hostname_port"`
	RedisPassword string
	RedisDB       int `validate:"gte=0,lte=15"`

	LogLevel        string `validate:"oneof=debug info warn error"`
	RetainPlaintext bool
	BatchSize       int `validate:"gte=1,lte=100000"`
	Shards          int `validate:"gte=1,lte=64"`
}

// Load reads the given .env files (default ".env"), then the environment.
// Missing .env files are ignored; variables already set in the environment
// take precedence over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Dialect:         strings.ToLower(getEnv("HEFIELD_DIALECT", "sqlite")),
		DatabaseURL:     getEnv("HEFIELD_DATABASE_URL", ""),
		FieldsFile:      getEnv("HEFIELD_FIELDS", "fields.yaml"),
		KeyDir:          getEnv("HEFIELD_KEY_DIR", "keys"),
		RedisAddr:       getEnv("HEFIELD_REDIS_ADDR", ""),
		RedisPassword:   getEnv("HEFIELD_REDIS_PASSWORD", ""),
		LogLevel:        strings.ToLower(getEnv("HEFIELD_LOG_LEVEL", "info")),
	}

	var err error
	if cfg.RedisDB, err = getInt("HEFIELD_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getInt("HEFIELD_BATCH_SIZE", 500); err != nil {
		return nil, err
	}
	if cfg.Shards, err = getInt("HEFIELD_SHARDS", 1); err != nil {
		return nil, err
	}
	if v := getEnv("HEFIELD_RETAIN_PLAINTEXT", ""); v != "" {
		if cfg.RetainPlaintext, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("HEFIELD_RETAIN_PLAINTEXT: %w", err)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SlogLevel maps LogLevel to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv retrieves an environment variable or returns a fallback value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
