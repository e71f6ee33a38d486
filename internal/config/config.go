package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	BaseDir string `envconfig:"BASE_DIR" default:"output"`

	ProxyBindAddress string `envconfig:"PROXY_BIND_ADDRESS" default:"0.0.0.0:8888"`

	FFmpegPath   string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	FFprobePath  string        `envconfig:"FFPROBE_PATH" default:"ffprobe"`
	ProbeTimeout time.Duration `envconfig:"PROBE_TIMEOUT" default:"10s"`

	MaxAttempts         int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	RetryBackoff        time.Duration `envconfig:"RETRY_BACKOFF" default:"2s"`
	FetchConnectTimeout time.Duration `envconfig:"FETCH_CONNECT_TIMEOUT" default:"15s"`
	FetchReadTimeout    time.Duration `envconfig:"FETCH_READ_TIMEOUT" default:"60s"`

	PartRetention   time.Duration `envconfig:"PART_RETENTION" default:"24h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"mediacap"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
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
