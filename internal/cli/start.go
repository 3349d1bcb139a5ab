package cli

import (
	"fmt"

	"github.com/harun/proxylog/internal/daemon"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxylog daemon",
	Long: `Start the proxylog daemon in the foreground.
The daemon runs idle session reaping and retention sweeps on their schedules,
reloads truncation and retention settings when the config file changes, and
serves Prometheus metrics when telemetry.metrics_addr is set.
Stop it with Ctrl-C or "proxylog stop".`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if daemon.IsRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	if err := d.WatchConfig(loader); err != nil {
		log.Info().Err(err).Msg("Config hot reload unavailable")
	}

	if err := d.Start(); err != nil {
		_ = d.Stop()
		return err
	}

	d.Wait()
	return nil
}
