package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "proxylog version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "proxylog")
		assert.Contains(t, output, "retention")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		for _, name := range []string{"start", "stop", "status", "usage", "cleanup", "replay", "config"} {
			assert.True(t, hasCommand(name), "%s command should exist", name)
		}
	})
}

func TestLoadConfigLogLevel(t *testing.T) {
	configPath, _ := writeConfig(t)

	output, err := execute(t, "--config", configPath, "--log-level", "debug", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, output, `"level": "debug"`)

	output, err = execute(t, "--config", configPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, output, `"level": "info"`)
}

func TestLoadConfigErrors(t *testing.T) {
	configPath, dataDir := writeConfig(t)

	_, err := execute(t, "--config", configPath, "--log-level", "loud", "config", "show")
	assert.Error(t, err)

	bad := filepath.Join(dataDir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"request_log": {"max_size_per_file": "huge"}}`), 0644))
	_, err = execute(t, "--config", bad, "status")
	assert.Error(t, err)
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
