package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"Droidfleet/pkg/adb"
	"Droidfleet/pkg/challenge"
	"Droidfleet/pkg/store"
	"Droidfleet/pkg/types"
)

const (
	configName = "droidfleet"
	envPrefix  = "DROIDFLEET"
)

// AdbConfig 设备控制相关配置
type AdbConfig struct {
	Path              string  `mapstructure:"path"`
	LDConsolePath     string  `mapstructure:"ldconsole_path"`
	CommandsPerSecond float64 `mapstructure:"commands_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type LogSettings struct {
	Level      string `mapstructure:"level"`
	File       bool   `mapstructure:"file"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type InboxConfig struct {
	Dir string `mapstructure:"dir"`
}

type EngineSettings struct {
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type CaptchaConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	PricePerSolve float64       `mapstructure:"price_per_solve"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Config 应用配置 (droidfleet.yaml + DROIDFLEET_* 环境变量)
type Config struct {
	Adb     AdbConfig      `mapstructure:"adb"`
	Storage StorageConfig  `mapstructure:"storage"`
	Log     LogSettings    `mapstructure:"log"`
	Server  ServerConfig   `mapstructure:"server"`
	Inbox   InboxConfig    `mapstructure:"inbox"`
	Engine  EngineSettings `mapstructure:"engine"`
	Captcha CaptchaConfig  `mapstructure:"captcha"`
}

// dataDir 默认数据目录 ~/.droidfleet
func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "." + configName
	}
	return filepath.Join(home, "."+configName)
}

// SetDefaults registers the default value of every config key
func SetDefaults(v *viper.Viper) {
	base := dataDir()

	// -- ADB --
	v.SetDefault("adb.path", "adb")
	v.SetDefault("adb.ldconsole_path", "ldconsole")
	v.SetDefault("adb.commands_per_second", 20.0)
	v.SetDefault("adb.burst", 5)

	// -- Storage --
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", filepath.Join(base, "profiles.db"))

	// -- Logging --
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", true)
	v.SetDefault("log.dir", filepath.Join(base, "logs"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.max_backups", 5)

	// -- Surfaces --
	v.SetDefault("server.addr", "127.0.0.1:8765")
	v.SetDefault("inbox.dir", filepath.Join(base, "inbox"))

	// -- Engine --
	v.SetDefault("engine.ready_timeout", 60*time.Second)
	v.SetDefault("engine.history_limit", types.HistoryLimit)
	v.SetDefault("engine.default_timeout", 0)

	// -- Captcha --
	v.SetDefault("captcha.api_key", "")
	v.SetDefault("captcha.base_url", challenge.DefaultBaseURL)
	v.SetDefault("captcha.price_per_solve", challenge.DefaultPricePerSolve)
	v.SetDefault("captcha.poll_interval", challenge.DefaultPollInterval)
	v.SetDefault("captcha.timeout", challenge.DefaultSolveTimeout)
}

// NewViper creates a viper instance with defaults, env binding and the
// config file search path. cfgFile overrides the search.
func NewViper(cfgFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(dataDir())
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the config file if present and decodes the result.
// A missing file is not an error when no explicit path was given.
func LoadConfig(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "sqlite3", "memory", "json":
	default:
		return fmt.Errorf("storage.driver must be sqlite or memory, got %q", c.Storage.Driver)
	}
	if c.Adb.CommandsPerSecond < 0 {
		return fmt.Errorf("adb.commands_per_second must not be negative")
	}
	if c.Engine.HistoryLimit <= 0 {
		return fmt.Errorf("engine.history_limit must be a positive integer")
	}
	if c.Engine.ReadyTimeout <= 0 {
		return fmt.Errorf("engine.ready_timeout must be positive")
	}
	if c.Engine.DefaultTimeout < 0 {
		return fmt.Errorf("engine.default_timeout must not be negative")
	}
	return nil
}

// LogConfig converts the log section into the logger's config
func (c *Config) LogConfig() LogConfig {
	lc := DefaultLogConfig()
	lc.Level = ParseLogLevel(c.Log.Level)
	if c.Log.File && c.Log.Dir != "" {
		lc = PersistentLogConfig(c.Log.Dir)
		lc.Level = ParseLogLevel(c.Log.Level)
	}
	if c.Log.MaxSizeMB > 0 {
		lc.MaxSizeMB = c.Log.MaxSizeMB
	}
	if c.Log.MaxAgeDays > 0 {
		lc.MaxAgeDays = c.Log.MaxAgeDays
	}
	if c.Log.MaxBackups > 0 {
		lc.MaxBackups = c.Log.MaxBackups
	}
	return lc
}

func (c *Config) AdbClientConfig() adb.Config {
	return adb.Config{
		AdbPath:           c.Adb.Path,
		LDConsolePath:     c.Adb.LDConsolePath,
		CommandsPerSecond: c.Adb.CommandsPerSecond,
		Burst:             c.Adb.Burst,
	}
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{Driver: c.Storage.Driver, Path: c.Storage.Path}
}

func (c *Config) SolverConfig() challenge.SolverConfig {
	return challenge.SolverConfig{
		APIKey:        c.Captcha.APIKey,
		BaseURL:       c.Captcha.BaseURL,
		PricePerSolve: c.Captcha.PricePerSolve,
		PollInterval:  c.Captcha.PollInterval,
		Timeout:       c.Captcha.Timeout,
	}
}
