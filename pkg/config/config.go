// Package config provides YAML-based configuration loading for msgnet.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the endpoint/application
    AppName string `mapstructure:"app_name"`

    // Codec selects the payload encoding: cbor, json or proto
    Codec string `mapstructure:"codec"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Server holds the listening endpoint settings
    Server ServerConfig `mapstructure:"server"`

    // Client holds the dialing endpoint settings
    Client ClientConfig `mapstructure:"client"`

    // Channel tunes the reliability machinery shared by both endpoints
    Channel ChannelConfig `mapstructure:"channel"`

    // Status configures the HTTP status surface
    Status StatusConfig `mapstructure:"status"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "msgnet",
        Codec:   "cbor",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/msgnet.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Server:  DefaultServer(),
        Client:  DefaultClient(),
        Channel: DefaultChannel(),
        Status:  StatusConfig{Enable: false, Listen: ":8780"},
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MSGNET and `.`/`-` are replaced with `_`.
// Example: MSGNET_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("MSGNET")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("codec", cfg.Codec)
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
    // Server defaults
    v.SetDefault("server.transport", cfg.Server.Transport)
    v.SetDefault("server.listen", cfg.Server.Listen)
    v.SetDefault("server.name", cfg.Server.Name)
    v.SetDefault("server.max_conns", cfg.Server.MaxConns)
    v.SetDefault("server.handshake_timeout_ms", cfg.Server.HandshakeTimeoutMS)
    v.SetDefault("server.idle_timeout_ms", cfg.Server.IdleTimeoutMS)
    v.SetDefault("server.grace_flush_ms", cfg.Server.GraceFlushMS)
    v.SetDefault("server.strict_registry", cfg.Server.StrictRegistry)
    // Client defaults
    v.SetDefault("client.transport", cfg.Client.Transport)
    v.SetDefault("client.name", cfg.Client.Name)
    v.SetDefault("client.connect_timeout_ms", cfg.Client.ConnectTimeoutMS)
    v.SetDefault("client.connect_retry_ms", cfg.Client.ConnectRetryMS)
    v.SetDefault("client.grace_flush_ms", cfg.Client.GraceFlushMS)
    v.SetDefault("client.ping_interval_ms", cfg.Client.PingIntervalMS)
    // Channel defaults
    v.SetDefault("channel.retry_limit", cfg.Channel.RetryLimit)
    v.SetDefault("channel.retry_base_ms", cfg.Channel.RetryBaseMS)
    v.SetDefault("channel.retry_max_ms", cfg.Channel.RetryMaxMS)
    v.SetDefault("channel.dedup_ttl_ms", cfg.Channel.DedupTTLMS)
    v.SetDefault("channel.event_buf", cfg.Channel.EventBuf)
    v.SetDefault("channel.ingress_pps", cfg.Channel.IngressPPS)
    v.SetDefault("channel.egress_bps", cfg.Channel.EgressBps)
    // Status defaults
    v.SetDefault("status.enable", cfg.Status.Enable)
    v.SetDefault("status.listen", cfg.Status.Listen)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("MSGNET_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `msgnet`
        v.SetConfigName("msgnet")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".msgnet"))
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
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }

    c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
    switch c.Codec {
    case "", "cbor":
        c.Codec = "cbor"
    case "json", "proto", "protobuf":
        // ok
    default:
        return fmt.Errorf("invalid codec: %q", c.Codec)
    }

    c.Server.Transport = strings.ToLower(strings.TrimSpace(c.Server.Transport))
    c.Client.Transport = strings.ToLower(strings.TrimSpace(c.Client.Transport))
    if c.Server.Listen == "" {
        c.Server.Listen = DefaultServer().Listen
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
