package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, "10M", cfg.RequestLog.MaxSizePerFile)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"data_dir": "/srv/proxy",
			"request_log": {
				"dir": "/srv/proxy/requests",
				"retention_days": 3,
				"max_size_per_file": "5MiB",
				"archive": {"enabled": true, "max_total_size": "2G"},
				"truncation": {"max_messages": 4}
			}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "/srv/proxy", cfg.DataDir)
		assert.Equal(t, "/srv/proxy/requests", cfg.LogRoot())
		assert.Equal(t, 3, cfg.RequestLog.RetentionDays)
		assert.True(t, cfg.RequestLog.Archive.Enabled)
		assert.Equal(t, "2G", cfg.RequestLog.Archive.MaxTotalSize)
		assert.Equal(t, 4, cfg.RequestLog.Truncation.MaxMessages)
		// Unset keys keep their defaults
		assert.Equal(t, 2000, cfg.RequestLog.Truncation.MaxMessageLength)
		assert.Equal(t, 10, cfg.RequestLog.MaxFilesPerSession)

		size, err := cfg.RequestLog.MaxFileSize()
		require.NoError(t, err)
		assert.Equal(t, int64(5*1024*1024), size)
	})

	t.Run("load yaml", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("request_log:\n  max_files_per_session: 4\n"), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.RequestLog.MaxFilesPerSession)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("LOG_TRUNCATE_SYSTEM", "false")
		t.Setenv("LOG_SYSTEM_MAX_LENGTH", "50")
		t.Setenv("LOG_MAX_MESSAGES", "5")
		t.Setenv("LOG_MAX_MESSAGE_LENGTH", "300")
		t.Setenv("LOG_TRUNCATE_MESSAGES", "true")
		t.Setenv("PROXYLOG_REQUEST_LOG_RETENTION_DAYS", "2")
		t.Setenv("PROXYLOG_REQUEST_LOG_MAX_SIZE_PER_FILE", "1M")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "none.json")).Load()
		require.NoError(t, err)

		tc := cfg.RequestLog.Truncation
		assert.False(t, tc.TruncateSystem)
		assert.Equal(t, 50, tc.SystemMaxLength)
		assert.True(t, tc.TruncateMessages)
		assert.Equal(t, 5, tc.MaxMessages)
		assert.Equal(t, 300, tc.MaxMessageLength)
		assert.Equal(t, 2, cfg.RequestLog.RetentionDays)
		assert.Equal(t, "1M", cfg.RequestLog.MaxSizePerFile)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})

	t.Run("invalid size fails load", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"request_log": {"max_size_per_file": "roomy"}}`), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("save config to file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")

		cfg := DefaultConfig()
		cfg.DataDir = "/srv/proxy"
		cfg.RequestLog.RetentionDays = 14
		cfg.RequestLog.Truncation.MaxMessages = 8

		require.NoError(t, NewLoader(configPath).Save(cfg))

		_, err := os.Stat(configPath)
		assert.NoError(t, err)

		loaded, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "/srv/proxy", loaded.DataDir)
		assert.Equal(t, 14, loaded.RequestLog.RetentionDays)
		assert.Equal(t, 8, loaded.RequestLog.Truncation.MaxMessages)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "subdir", "config.json")

		require.NoError(t, NewLoader(configPath).Save(DefaultConfig()))

		_, err := os.Stat(filepath.Dir(configPath))
		assert.NoError(t, err)
	})
}

func TestLoaderWatch(t *testing.T) {
	t.Run("requires a loaded file", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "none.json"))
		_, err := loader.Load()
		require.NoError(t, err)
		assert.Error(t, loader.Watch(func(*Config) {}))
	})

	t.Run("delivers reloaded config", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"request_log": {"truncation": {"max_messages": 4}}}`), 0644))

		loader := NewLoader(configPath)
		_, err := loader.Load()
		require.NoError(t, err)

		var maxMessages atomic.Int64
		require.NoError(t, loader.Watch(func(cfg *Config) {
			maxMessages.Store(int64(cfg.RequestLog.Truncation.MaxMessages))
		}))

		require.NoError(t, os.WriteFile(configPath, []byte(`{"request_log": {"truncation": {"max_messages": 9}}}`), 0644))

		assert.Eventually(t, func() bool { return maxMessages.Load() == 9 }, 5*time.Second, 50*time.Millisecond)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/config.json")
		assert.Equal(t, "/custom/path/config.json", loader.GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		path := NewLoader("").GetConfigPath()
		assert.NotEmpty(t, path)
		assert.Contains(t, path, ".proxylog")
	})
}
