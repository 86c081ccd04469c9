package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/var/lib/filedistribution")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/filedistribution", cfg.DownloadDir)
	assert.Equal(t, 60*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, 10*time.Second, cfg.RPCTimeout())
	assert.Equal(t, 5, cfg.MaxParallel)
	assert.Equal(t, int64(1000*1000*1000), cfg.MaxPushBytes())
	assert.Equal(t, "filedistribution.db", cfg.DBPath)
	assert.True(t, cfg.ResumePending)
	assert.Equal(t, time.Hour, cfg.StaleTempAge)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "filedistribution", cfg.Telemetry.ServiceName)
	assert.Equal(t, "0.0.0.0:19092", cfg.Web.BindAddress)
	assert.Empty(t, cfg.PeerAddresses)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/data")
	t.Setenv("DOWNLOAD_TIMEOUT", "5s")
	t.Setenv("PEER_ADDRESSES", "http://cfg1:19092,http://cfg2:19092")
	t.Setenv("MAX_PUSH_SIZE", "64MiB")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:8080")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"http://cfg1:19092", "http://cfg2:19092"}, cfg.PeerAddresses)
	assert.Equal(t, int64(64*1024*1024), cfg.MaxPushBytes())
	assert.Equal(t, 5*time.Second, cfg.RPCTimeout(), "the rpc budget never exceeds the download timeout")
	assert.Equal(t, "otel:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing download dir", map[string]string{}},
		{"bad push size", map[string]string{"DOWNLOAD_DIR": "/d", "MAX_PUSH_SIZE": "lots"}},
		{"zero push size", map[string]string{"DOWNLOAD_DIR": "/d", "MAX_PUSH_SIZE": "0"}},
		{"zero parallel", map[string]string{"DOWNLOAD_DIR": "/d", "MAX_PARALLEL": "0"}},
		{"negative timeout", map[string]string{"DOWNLOAD_DIR": "/d", "DOWNLOAD_TIMEOUT": "-1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DOWNLOAD_DIR", "")

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"noise": slog.LevelInfo,
	} {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
