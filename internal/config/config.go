package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir     string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	DownloadTimeout time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"60s"`
	PeerAddresses   []string      `envconfig:"PEER_ADDRESSES"`
	PeerRPCTimeout  time.Duration `envconfig:"PEER_RPC_TIMEOUT" default:"10s"`
	MaxParallel     int           `envconfig:"MAX_PARALLEL" default:"5"`
	MaxPushSize     string        `envconfig:"MAX_PUSH_SIZE" default:"1GB"`
	DBPath          string        `envconfig:"DB_PATH" default:"filedistribution.db"`
	ResumePending   bool          `envconfig:"RESUME_PENDING" default:"true"`
	StaleTempAge    time.Duration `envconfig:"STALE_TEMP_AGE" default:"1h"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"filedistribution"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:19092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"90s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	maxPushBytes int64
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DownloadDir) == "" {
		return errors.New("DOWNLOAD_DIR must not be empty")
	}

	size, err := humanize.ParseBytes(c.MaxPushSize)
	if err != nil {
		return fmt.Errorf("invalid MAX_PUSH_SIZE %q: %w", c.MaxPushSize, err)
	}

	if size == 0 {
		return fmt.Errorf("invalid MAX_PUSH_SIZE %q: must be positive", c.MaxPushSize)
	}

	c.maxPushBytes = int64(size)

	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("invalid DOWNLOAD_TIMEOUT %s: must be positive", c.DownloadTimeout)
	}

	if c.MaxParallel < 1 {
		return fmt.Errorf("invalid MAX_PARALLEL %d: must be at least 1", c.MaxParallel)
	}

	return nil
}

// MaxPushBytes is MAX_PUSH_SIZE in bytes.
func (c *Config) MaxPushBytes() int64 {
	return c.maxPushBytes
}

// RPCTimeout is the serveFile budget: the download timeout, capped by PEER_RPC_TIMEOUT.
func (c *Config) RPCTimeout() time.Duration {
	if c.PeerRPCTimeout > 0 && c.PeerRPCTimeout < c.DownloadTimeout {
		return c.PeerRPCTimeout
	}

	return c.DownloadTimeout
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
