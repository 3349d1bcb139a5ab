package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns everything it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)
	t.Cleanup(func() { resetFlags(cmd) })

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags restores every flag so tests sharing rootCmd do not leak state.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeConfig creates a config file rooted in a temp data dir.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dataDir := t.TempDir()
	configPath := filepath.Join(dataDir, "proxylog.json")
	content := fmt.Sprintf(`{
		"data_dir": %q,
		"request_log": {"retention_days": 7, "legacy": {"max_age_days": 7}}
	}`, dataDir)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath, dataDir
}

func hasCommand(name string) bool {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}
