package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/proxylog/internal/config"
	"github.com/harun/proxylog/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDaemon creates a daemon rooted in a temp data dir
func createTestDaemon(t *testing.T, mutate func(*config.Config)) (*Daemon, *logger.Logger) {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	if mutate != nil {
		mutate(cfg)
	}

	logCfg := logger.Config{
		Level:   "info",
		Console: false,
	}
	log, err := logger.New(logCfg)
	require.NoError(t, err)

	daemon, err := New(cfg, log)
	require.NoError(t, err)

	return daemon, log
}

func TestNew(t *testing.T) {
	daemon, log := createTestDaemon(t, nil)
	defer log.Close()

	assert.NotNil(t, daemon.service)
	assert.NotNil(t, daemon.eventLoop)
	assert.NotNil(t, daemon.lifecycle)

	_, err := os.Stat(filepath.Join(daemon.config.DataDir, AuditFileName))
	assert.NoError(t, err)
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RequestLog.SweepSchedule = "whenever"

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestDaemonStartStop(t *testing.T) {
	daemon, log := createTestDaemon(t, nil)
	defer log.Close()

	err := daemon.Start()
	require.NoError(t, err)
	assert.Error(t, daemon.Start())

	status := daemon.Status()
	assert.True(t, status.Running)

	pid, err := daemon.lifecycle.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	err = daemon.Stop()
	require.NoError(t, err)
	assert.Error(t, daemon.Stop())

	status = daemon.Status()
	assert.False(t, status.Running)

	_, err = os.Stat(PIDFilePath(daemon.config.DataDir))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonStatus(t *testing.T) {
	daemon, log := createTestDaemon(t, nil)
	defer log.Close()

	status := daemon.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	err := daemon.Start()
	require.NoError(t, err)
	defer daemon.Stop()

	body := []byte(`{"metadata":{"user_id":"u_session_st1"},"messages":[{"role":"user","content":"hi"}]}`)
	daemon.GetService().Recorder().RecordRaw(context.Background(), body)

	time.Sleep(10 * time.Millisecond)
	status = daemon.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.Equal(t, 1, status.ActiveSessions)
}

func TestDaemonMetricsServer(t *testing.T) {
	daemon, log := createTestDaemon(t, func(c *config.Config) {
		c.Telemetry.MetricsAddr = "127.0.0.1:0"
	})
	defer log.Close()

	require.NoError(t, daemon.Start())
	defer daemon.Stop()
	require.NotEmpty(t, daemon.MetricsAddr())

	for path, want := range map[string]string{
		"/healthz": `"status":"ok"`,
		"/metrics": "request_log_active_sessions",
	} {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", daemon.MetricsAddr(), path))
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, string(data), want, path)
	}
}

func TestDaemonGetters(t *testing.T) {
	daemon, log := createTestDaemon(t, nil)
	defer log.Close()

	assert.NotNil(t, daemon.GetConfig())
	assert.NotNil(t, daemon.GetLogger())
	assert.NotNil(t, daemon.GetService())
	assert.Empty(t, daemon.MetricsAddr())
}
