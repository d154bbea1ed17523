// Package config loads node settings from a config file and TOXTRANSFER_*
// environment variables using viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/toxtransfer"
	"github.com/opd-ai/toxtransfer/file"
	"github.com/opd-ai/toxtransfer/wire"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TOXTRANSFER_START_PORT.
const EnvPrefix = "TOXTRANSFER"

// Config holds the node configuration.
type Config struct {
	ListenHost          string        `mapstructure:"listen_host"`
	StartPort           uint16        `mapstructure:"start_port"`
	EndPort             uint16        `mapstructure:"end_port"`
	ChunkSize           int           `mapstructure:"chunk_size"`
	Window              int           `mapstructure:"window"`
	TransferTimeout     time.Duration `mapstructure:"transfer_timeout"`
	IterationInterval   time.Duration `mapstructure:"iteration_interval"`
	SweepEvery          int           `mapstructure:"sweep_every"`
	MaxTransfersPerPeer int           `mapstructure:"max_transfers_per_peer"`
	MaxFileSize         uint64        `mapstructure:"max_file_size"`
	JournalPath         string        `mapstructure:"journal_path"`
	DownloadDir         string        `mapstructure:"download_dir"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFormat           string        `mapstructure:"log_format"`
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_host", "0.0.0.0")
	v.SetDefault("start_port", 33445)
	v.SetDefault("end_port", 33545)
	v.SetDefault("chunk_size", wire.DefaultChunkSize)
	v.SetDefault("window", wire.DefaultWindow)
	v.SetDefault("transfer_timeout", file.DefaultTimeout)
	v.SetDefault("iteration_interval", 50*time.Millisecond)
	v.SetDefault("sweep_every", 20)
	v.SetDefault("max_transfers_per_peer", wire.MaxTransfersPerPeer)
	v.SetDefault("max_file_size", 0)
	v.SetDefault("journal_path", "")
	v.SetDefault("download_dir", ".")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads the configuration into a Config. When path is empty a
// config.yaml in the working directory is used if present. A nil v uses a
// fresh viper instance.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			logrus.WithFields(logrus.Fields{
				"function": "Load",
			}).Debug("No config file found, using defaults")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that viper cannot express.
func (c *Config) Validate() error {
	if c.EndPort < c.StartPort {
		return fmt.Errorf("end_port %d is below start_port %d", c.EndPort, c.StartPort)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > wire.MaxChunkData {
		return fmt.Errorf("chunk_size must be in 1-%d, got %d", wire.MaxChunkData, c.ChunkSize)
	}
	if c.TransferTimeout <= 0 {
		return fmt.Errorf("transfer_timeout must be positive, got %s", c.TransferTimeout)
	}
	if c.MaxTransfersPerPeer <= 0 || c.MaxTransfersPerPeer > wire.MaxTransfersPerPeer {
		return fmt.Errorf("max_transfers_per_peer must be in 1-%d, got %d", wire.MaxTransfersPerPeer, c.MaxTransfersPerPeer)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Options converts the configuration into node options.
func (c *Config) Options() *toxtransfer.Options {
	options := toxtransfer.NewOptions()
	options.ListenHost = c.ListenHost
	options.StartPort = c.StartPort
	options.EndPort = c.EndPort
	options.ChunkSize = c.ChunkSize
	options.Window = c.Window
	options.TransferTimeout = c.TransferTimeout
	options.IterationInterval = c.IterationInterval
	options.SweepEvery = c.SweepEvery
	options.MaxTransfersPerPeer = c.MaxTransfersPerPeer
	options.MaxFileSize = c.MaxFileSize
	options.JournalPath = c.JournalPath
	return options
}

// ConfigureLogging applies the log level and format to the standard logrus
// logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(level)

	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return nil
}
