package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()

	t.Setenv("CATALOG_URL", "http://catalog.test")
	t.Setenv("MARKETPLACE_URL", "http://marketplace.test")
	t.Setenv("SIGNING_KEY", "secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "downloads", cfg.DownloadDir)
	assert.Equal(t, 2*time.Minute, cfg.SellerPoolTimeout)
	assert.Equal(t, 5*time.Second, cfg.CheckCompletionInterval)
	assert.Equal(t, 15*time.Second, cfg.DeleteWaitTimeout)
	assert.Equal(t, 10, cfg.MaxPieces)
	assert.Equal(t, 64, cfg.EventBuffer)
	assert.Equal(t, "0.0.0.0:19100", cfg.Web.BindAddress)
	assert.True(t, cfg.TelemetryEnabled)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	setRequired(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MAX_PIECES=3\nAMQP_EXCHANGE=from-env-file\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("MAX_PIECES=7\n"), 0o600))

	// godotenv sets real environment variables; drop them for other tests.
	t.Cleanup(func() {
		os.Unsetenv("MAX_PIECES")
		os.Unsetenv("AMQP_EXCHANGE")
	})

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxPieces, ".env.local is loaded first and wins")
	assert.Equal(t, "from-env-file", cfg.AMQPExchange)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CATALOG_URL", "")
	t.Setenv("MARKETPLACE_URL", "")
	t.Setenv("SIGNING_KEY", "")
	os.Unsetenv("CATALOG_URL")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}

func TestLoadConfig_APIAuth(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequired(t)
	t.Setenv("API_USERNAME", "buyer")
	t.Setenv("API_PASSWORD", "hunter2")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "buyer", cfg.API.Username)
	assert.Equal(t, "hunter2", cfg.API.Password)
}
