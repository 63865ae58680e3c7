package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/s7/internal/config"
)

func TestNewLogger(t *testing.T) {
	ctx := context.Background()

	l := newLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	assert.True(t, l.Enabled(ctx, slog.LevelDebug))
	_, isJSON := l.Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)

	l = newLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	assert.False(t, l.Enabled(ctx, slog.LevelInfo))
	_, isText := l.Handler().(*slog.TextHandler)
	assert.True(t, isText)
}

func TestLoadConfig_ListenOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - name: plc
    address: 127.0.0.1
channels:
  - name: speed
    locator: DB1.DBW0
`), 0o600))

	cfgFile = path
	viper.Set("listen", "127.0.0.1:9999")
	defer func() {
		cfgFile = ""
		viper.Set("listen", "")
	}()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Listen)
	assert.Equal(t, "plc", cfg.Channels[0].Device)
}
