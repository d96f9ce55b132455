package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fly-io/diskimage/pkg/transfer"
	"github.com/spf13/viper"
)

// Transfer modes
const (
	TransferDirect = "direct"
	TransferDD     = "dd"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// S3 configuration
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Working directory for downloads
	WorkDir string `mapstructure:"work-dir"`

	// Transfer
	BlockSize         int           `mapstructure:"block-size"`
	TransferMode      string        `mapstructure:"transfer-mode"`
	CancelGracePeriod time.Duration `mapstructure:"cancel-grace-period"`

	// Progress throttling
	ProgressInterval   time.Duration `mapstructure:"progress-interval"`
	ProgressMinPercent float64       `mapstructure:"progress-min-percent"`

	// Drive catalog
	EnumerationTimeout     time.Duration `mapstructure:"enumeration-timeout"`
	DeviceQueryConcurrency int           `mapstructure:"device-query-concurrency"`
	WatchInterval          time.Duration `mapstructure:"watch-interval"`

	// Safety rails
	AllowInternal      bool `mapstructure:"allow-internal"`
	RequireBlockDevice bool `mapstructure:"require-block-device"`

	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("sqlite-path", ".artifacts/diskimage.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("work-dir", "/tmp/diskimage")
	viper.SetDefault("block-size", transfer.DefaultBlockSize)
	viper.SetDefault("transfer-mode", TransferDirect)
	viper.SetDefault("cancel-grace-period", transfer.DefaultGracePeriod)
	viper.SetDefault("progress-interval", 100*time.Millisecond)
	viper.SetDefault("progress-min-percent", 1.0)
	viper.SetDefault("enumeration-timeout", 5*time.Second)
	viper.SetDefault("device-query-concurrency", 4)
	viper.SetDefault("watch-interval", 2*time.Second)
	viper.SetDefault("allow-internal", false)
	viper.SetDefault("require-block-device", true)
	viper.SetDefault("log-level", "warn")

	// Environment variables (DISKIMAGE_BLOCK_SIZE, etc.)
	viper.SetEnvPrefix("DISKIMAGE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.diskimage")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if err := transfer.ValidateBlockSize(c.BlockSize); err != nil {
		return fmt.Errorf("block-size: %w", err)
	}
	if c.TransferMode != TransferDirect && c.TransferMode != TransferDD {
		return fmt.Errorf("transfer-mode must be %q or %q, got %q", TransferDirect, TransferDD, c.TransferMode)
	}
	if c.CancelGracePeriod <= 0 {
		return fmt.Errorf("cancel-grace-period must be positive")
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("progress-interval must be positive")
	}
	if c.ProgressMinPercent <= 0 || c.ProgressMinPercent > 100 {
		return fmt.Errorf("progress-min-percent must be in (0, 100]")
	}
	if c.EnumerationTimeout <= 0 {
		return fmt.Errorf("enumeration-timeout must be positive")
	}
	if c.DeviceQueryConcurrency < 1 {
		return fmt.Errorf("device-query-concurrency must be at least 1")
	}
	if c.WatchInterval <= 0 {
		return fmt.Errorf("watch-interval must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// RequireS3 checks the settings needed by commands that talk to S3.
func (c *Config) RequireS3() error {
	if c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket cannot be empty")
	}
	if c.S3Region == "" {
		return fmt.Errorf("s3-region cannot be empty")
	}
	return nil
}

// Level parses log-level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return level, nil
}
