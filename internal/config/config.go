package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DataDir     string `envconfig:"DATA_DIR" default:"data"`
	TmpDir      string `envconfig:"TMP_DIR"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"downloads"`

	CatalogURL     string `envconfig:"CATALOG_URL" required:"true"`
	MarketplaceURL string `envconfig:"MARKETPLACE_URL" required:"true"`
	AuthToken      string `envconfig:"AUTH_TOKEN"`
	SigningKey     string `envconfig:"SIGNING_KEY" required:"true"`
	ProfileID      uint64 `envconfig:"PROFILE_ID" default:"1"`

	MaxDownloadRate         int64         `envconfig:"MAX_DOWNLOAD_RATE" default:"0"`
	MaxPieces               int           `envconfig:"MAX_PIECES" default:"10"`
	MaxExcessBandwidth      int64         `envconfig:"MAX_EXCESS_BANDWIDTH" default:"20480"`
	SellerPoolTimeout       time.Duration `envconfig:"SELLER_POOL_TIMEOUT" default:"2m"`
	CheckCompletionInterval time.Duration `envconfig:"CHECK_COMPLETION_INTERVAL" default:"5s"`
	BlacklistWindow         time.Duration `envconfig:"BLACKLIST_WINDOW" default:"10m"`
	DeleteWaitTimeout       time.Duration `envconfig:"DELETE_WAIT_TIMEOUT" default:"15s"`

	EventBuffer       int    `envconfig:"EVENT_BUFFER" default:"64"`
	AMQPURL           string `envconfig:"AMQP_URL"`
	AMQPExchange      string `envconfig:"AMQP_EXCHANGE" default:"peerbuy.events"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	LogLevel         string `envconfig:"LOG_LEVEL" default:"INFO"`
	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`

	// API guards the purchase API with basic auth when Username is set.
	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:19100"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig loads .env and .env.local when present, then reads environment
// variables and populates the Config struct. Variables already set in the
// environment win over the files.
func LoadConfig() (*Config, error) {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", file, err)
		}
	}

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
