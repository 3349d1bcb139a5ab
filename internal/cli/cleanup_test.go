package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/proxylog/internal/daemon"
	"github.com/harun/proxylog/pkg/retention"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupCommand(t *testing.T) {
	setup := func(t *testing.T) (string, string, string) {
		configPath, dataDir := writeConfig(t)
		sessions := filepath.Join(dataDir, "logs", "sessions")

		old := filepath.Join(sessions, "old", "session-000001.jsonl")
		writeLogFile(t, old, 50)
		stamp := time.Now().Add(-30 * 24 * time.Hour)
		require.NoError(t, os.Chtimes(old, stamp, stamp))

		writeLogFile(t, filepath.Join(sessions, "new", "session-000001.jsonl"), 50)
		return configPath, dataDir, old
	}

	t.Run("removes expired files", func(t *testing.T) {
		configPath, dataDir, old := setup(t)

		output, err := execute(t, "--config", configPath, "cleanup", "--format", "json")
		require.NoError(t, err)

		var report retention.Report
		require.NoError(t, json.Unmarshal([]byte(output), &report))
		assert.Equal(t, 1, report.Sessions.Deleted)
		assert.Equal(t, int64(50), report.Sessions.BytesReclaimed)
		assert.Empty(t, report.Failures)

		_, err = os.Stat(old)
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(filepath.Join(dataDir, "logs", "sessions", "new", "session-000001.jsonl"))
		assert.NoError(t, err)
	})

	t.Run("table output", func(t *testing.T) {
		configPath, _, _ := setup(t)

		output, err := execute(t, "--config", configPath, "cleanup")
		require.NoError(t, err)
		assert.Contains(t, output, "DELETED")
		assert.Contains(t, output, "50 B")
	})

	t.Run("refuses while daemon runs", func(t *testing.T) {
		configPath, dataDir, old := setup(t)
		require.NoError(t, os.WriteFile(daemon.PIDFilePath(dataDir), []byte(strconv.Itoa(os.Getpid())), 0644))

		_, err := execute(t, "--config", configPath, "cleanup")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "daemon is running")
		_, err = os.Stat(old)
		assert.NoError(t, err)

		_, err = execute(t, "--config", configPath, "cleanup", "--force")
		require.NoError(t, err)
		_, err = os.Stat(old)
		assert.True(t, os.IsNotExist(err))
	})
}
