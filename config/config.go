/*
Package config loads reconciler settings.

SOURCES (later wins):
  1. Built-in defaults (SetDefaults)
  2. reconciler.yaml in $HOME/.config/reconciler or the working directory,
     or the file passed with --config
  3. .env in the working directory (loaded into the process environment)
  4. RECON_* environment variables, e.g. RECON_DATABASE_PATH,
     RECON_MATCHING_TOLERANCE

The matching section is turned into a recon.Config and passed explicitly to
the engine; nothing reads viper after startup.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/revenue-reconciler/recon"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Matching MatchingConfig `mapstructure:"matching"`
	Lock     LockConfig     `mapstructure:"lock"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type MatchingConfig struct {
	Tolerance           string        `mapstructure:"tolerance"`
	AutoMatchThreshold  float64       `mapstructure:"auto_match_threshold"`
	AmountScale         int32         `mapstructure:"amount_scale"`
	DateWindowDays      int           `mapstructure:"date_window_days"`
	AmountPartialWindow float64       `mapstructure:"amount_partial_window"`
	Weights             recon.Weights `mapstructure:"weights"`
	MaxRetries          int           `mapstructure:"max_retries"`
	PreviewConcurrency  int           `mapstructure:"preview_concurrency"`
}

// Lock drivers.
const (
	LockLocal = "local"
	LockRedis = "redis"
	LockNone  = "none"
)

type LockConfig struct {
	Driver    string        `mapstructure:"driver"`
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key so env overrides work without a file.
func SetDefaults(v *viper.Viper) {
	def := recon.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})

	v.SetDefault("database.path", "reconciler.db")

	v.SetDefault("matching.tolerance", def.Tolerance.String())
	v.SetDefault("matching.auto_match_threshold", def.AutoMatchThreshold)
	v.SetDefault("matching.amount_scale", def.AmountScale)
	v.SetDefault("matching.date_window_days", def.DateWindowDays)
	v.SetDefault("matching.amount_partial_window", def.AmountPartialWindow)
	v.SetDefault("matching.weights.usage", def.Weights.Usage)
	v.SetDefault("matching.weights.commission", def.Weights.Commission)
	v.SetDefault("matching.weights.account", def.Weights.Account)
	v.SetDefault("matching.weights.vendor", def.Weights.Vendor)
	v.SetDefault("matching.weights.product", def.Weights.Product)
	v.SetDefault("matching.weights.date", def.Weights.Date)
	v.SetDefault("matching.max_retries", def.MaxRetries)
	v.SetDefault("matching.preview_concurrency", def.PreviewConcurrency)

	v.SetDefault("lock.driver", LockLocal)
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.ttl", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration into v. cfgFile may be empty.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "reconciler"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("reconciler")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if _, err := cfg.Matching.Engine(); err != nil {
		return Config{}, err
	}
	switch cfg.Lock.Driver {
	case LockLocal, LockRedis, LockNone:
	default:
		return Config{}, fmt.Errorf("invalid lock driver: %s", cfg.Lock.Driver)
	}
	return cfg, nil
}

// Engine converts the matching section into the engine's configuration.
func (m MatchingConfig) Engine() (recon.Config, error) {
	tol, err := decimal.NewFromString(m.Tolerance)
	if err != nil {
		return recon.Config{}, fmt.Errorf("invalid matching.tolerance %q: %w", m.Tolerance, err)
	}
	cfg := recon.Config{
		Tolerance:           tol,
		AutoMatchThreshold:  m.AutoMatchThreshold,
		AmountScale:         m.AmountScale,
		DateWindowDays:      m.DateWindowDays,
		AmountPartialWindow: m.AmountPartialWindow,
		Weights:             m.Weights,
		MaxRetries:          m.MaxRetries,
		PreviewConcurrency:  m.PreviewConcurrency,
	}
	if err := cfg.Validate(); err != nil {
		return recon.Config{}, fmt.Errorf("invalid matching config: %w", err)
	}
	return cfg, nil
}
