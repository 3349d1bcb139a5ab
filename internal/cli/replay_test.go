package cli

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const replayInput = `{"metadata":{"user_id":"u_session_r1"},"messages":[{"role":"user","content":"hi"}]}

{"metadata":{"user_id":"u_session_r1"},"messages":[{"role":"user","content":"again"}]}
{"model":"claude-test","messages":[{"role":"user","content":"no session"}]}
`

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestReplayCommand(t *testing.T) {
	t.Run("records file", func(t *testing.T) {
		configPath, dataDir := writeConfig(t)
		input := filepath.Join(dataDir, "requests.jsonl")
		require.NoError(t, os.WriteFile(input, []byte(replayInput), 0644))

		output, err := execute(t, "--config", configPath, "replay", input)
		require.NoError(t, err)
		assert.Contains(t, output, "Recorded 3 requests")

		logs := filepath.Join(dataDir, "logs")
		assert.Equal(t, 2, countLines(t, filepath.Join(logs, "sessions", "r1", "session-000001.jsonl")))
		assert.Equal(t, 1, countLines(t, filepath.Join(logs, "legacy", "requests.log")))
	})

	t.Run("reads stdin", func(t *testing.T) {
		configPath, dataDir := writeConfig(t)
		GetRootCmd().SetIn(strings.NewReader(replayInput))
		t.Cleanup(func() { GetRootCmd().SetIn(nil) })

		output, err := execute(t, "--config", configPath, "replay", "-")
		require.NoError(t, err)
		assert.Contains(t, output, "Recorded 3 requests")

		_, err = os.Stat(filepath.Join(dataDir, "logs", "sessions", "r1", "session-000001.jsonl"))
		assert.NoError(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		configPath, dataDir := writeConfig(t)
		_, err := execute(t, "--config", configPath, "replay", filepath.Join(dataDir, "none.jsonl"))
		assert.Error(t, err)
	})

	t.Run("requires an argument", func(t *testing.T) {
		configPath, _ := writeConfig(t)
		_, err := execute(t, "--config", configPath, "replay")
		assert.Error(t, err)
	})
}
