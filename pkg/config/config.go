// Package config provides YAML-based configuration loading for the provider.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
    // AppName optional logical name of the process
    AppName string `mapstructure:"app_name" yaml:"app_name"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log" yaml:"log"`

    // Provider holds socket provider tuning
    Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level" yaml:"level"`
    // Format: console or json
    Format string `mapstructure:"format" yaml:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs" yaml:"outputs"`
    // Subsystems overrides the level per subsystem (core, fabric, domain,
    // ep_ctrl, ep_data, av, cq, eq, mr)
    Subsystems map[string]string `mapstructure:"subsystems" yaml:"subsystems,omitempty"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable" yaml:"enable"`
    Filename   string `mapstructure:"filename" yaml:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
    Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "sockfab",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stderr"},
            Development: false,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/sockfab.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Provider: ProviderConfig{
            Transport:        "tcp",
            SourceAddr:       "127.0.0.1:0",
            Progress:         "auto",
            ProgressWorkers:  1,
            PollIntervalMS:   5,
            ConnectTimeoutMS: 30000,
            TxSize:           256,
            RxSize:           256,
            InjectSize:       64,
            MaxMsgSize:       1 << 20,
            MinMultiRecv:     64,
            MaxContexts:      1024,
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix SOCKFAB and `.`/`-` are replaced with `_`.
// Example: SOCKFAB_PROVIDER_TRANSPORT=quic
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("SOCKFAB")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    // Provider defaults
    v.SetDefault("provider.transport", cfg.Provider.Transport)
    v.SetDefault("provider.source_addr", cfg.Provider.SourceAddr)
    v.SetDefault("provider.progress", cfg.Provider.Progress)
    v.SetDefault("provider.progress_workers", cfg.Provider.ProgressWorkers)
    v.SetDefault("provider.poll_interval_ms", cfg.Provider.PollIntervalMS)
    v.SetDefault("provider.connect_timeout_ms", cfg.Provider.ConnectTimeoutMS)
    v.SetDefault("provider.tx_size", cfg.Provider.TxSize)
    v.SetDefault("provider.rx_size", cfg.Provider.RxSize)
    v.SetDefault("provider.inject_size", cfg.Provider.InjectSize)
    v.SetDefault("provider.max_msg_size", cfg.Provider.MaxMsgSize)
    v.SetDefault("provider.min_multi_recv", cfg.Provider.MinMultiRecv)
    v.SetDefault("provider.max_contexts", cfg.Provider.MaxContexts)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("SOCKFAB_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `sockfab`
        v.SetConfigName("sockfab")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".sockfab"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    if err := validLevel(c.Log.Level); err != nil {
        return fmt.Errorf("invalid log.level: %w", err)
    }
    for name, lvl := range c.Log.Subsystems {
        if err := validLevel(lvl); err != nil {
            return fmt.Errorf("invalid log.subsystems.%s: %w", name, err)
        }
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stderr"}
    }

    p := &c.Provider
    p.Transport = strings.ToLower(strings.TrimSpace(p.Transport))
    switch p.Transport {
    case "tcp", "quic", "mem":
    default:
        return fmt.Errorf("invalid provider.transport: %q", p.Transport)
    }
    p.Progress = strings.ToLower(strings.TrimSpace(p.Progress))
    if p.Progress != "auto" && p.Progress != "manual" {
        return fmt.Errorf("invalid provider.progress: %q", p.Progress)
    }
    if p.ProgressWorkers <= 0 { p.ProgressWorkers = 1 }
    if p.PollIntervalMS <= 0 { p.PollIntervalMS = 5 }
    if p.ConnectTimeoutMS <= 0 { p.ConnectTimeoutMS = 30000 }
    if p.MinMultiRecv < 0 {
        return fmt.Errorf("invalid provider.min_multi_recv: %d", p.MinMultiRecv)
    }
    if p.MaxContexts <= 0 { p.MaxContexts = 1024 }
    return nil
}

func validLevel(s string) error {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "debug", "info", "warn", "warning", "error":
        return nil
    }
    return fmt.Errorf("unknown level %q", s)
}

// ConnectTimeout returns the configured handshake bound.
func (p ProviderConfig) ConnectTimeout() time.Duration {
    return time.Duration(p.ConnectTimeoutMS) * time.Millisecond
}

// PollInterval returns the progress polling period.
func (p ProviderConfig) PollInterval() time.Duration {
    return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
