package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all hookflow configuration.
// Priority: flags > HOOKFLOW_* env vars > settings file > defaults.
type Config struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	DBDriver          string        `mapstructure:"db_driver"`
	DBPath            string        `mapstructure:"db_path"`
	PostgresDSN       string        `mapstructure:"postgres_dsn"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisPrefix       string        `mapstructure:"redis_prefix"`
	PlatformURL       string        `mapstructure:"platform_url"`
	PlatformID        string        `mapstructure:"platform_id"`
	PlatformEnv       string        `mapstructure:"platform_env"`
	SystemToken       string        `mapstructure:"system_token"`
	ObjectPath        string        `mapstructure:"object_path"`
	EvalTimeout       time.Duration `mapstructure:"eval_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
	PoolSize          int           `mapstructure:"pool_size"`
	LogLevel          string        `mapstructure:"log_level"`
	VaultPassphrase   string        `mapstructure:"vault_passphrase"`
	VaultSalt         string        `mapstructure:"vault_salt"`
}

const (
	driverLibSQL   = "libsql"
	driverPostgres = "postgres"
)

func hookflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hookflow"
	}
	return filepath.Join(home, ".hookflow")
}

func settingsPath() string {
	return filepath.Join(hookflowDir(), "settings.json")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("db_driver", driverLibSQL)
	v.SetDefault("db_path", filepath.Join(hookflowDir(), "hookflow.db"))
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_prefix", "hookflow:")
	v.SetDefault("platform_url", "")
	v.SetDefault("platform_id", "")
	v.SetDefault("platform_env", "")
	v.SetDefault("system_token", "")
	v.SetDefault("object_path", "")
	v.SetDefault("eval_timeout", time.Second)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("run_timeout", 30*time.Second)
	v.SetDefault("scheduler_interval", time.Minute)
	v.SetDefault("pool_size", 16)
	v.SetDefault("log_level", "info")
	v.SetDefault("vault_passphrase", "")
	v.SetDefault("vault_salt", "hookflow")
}

// loadConfig layers defaults, the settings file and the environment into v
// and decodes the result. A missing settings file is not an error unless
// configFile names it explicitly.
func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("HOOKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path := configFile
	if path == "" {
		path = settingsPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if configFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DBDriver {
	case driverLibSQL:
		if c.DBPath == "" {
			return errors.New("db_path is required for the libsql driver")
		}
	case driverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db_driver %q (want %s or %s)", c.DBDriver, driverLibSQL, driverPostgres)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	for name, d := range map[string]time.Duration{
		"eval_timeout":       c.EvalTimeout,
		"request_timeout":    c.RequestTimeout,
		"run_timeout":        c.RunTimeout,
		"scheduler_interval": c.SchedulerInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// libsqlDSN turns a plain path into the file URI the libsql driver expects.
func (c Config) libsqlDSN() string {
	if strings.Contains(c.DBPath, ":") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
