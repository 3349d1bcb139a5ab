package cli

import (
	"fmt"

	"github.com/harun/proxylog/internal/config"
	"github.com/harun/proxylog/internal/daemon"
	"github.com/harun/proxylog/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "proxylog",
	Short: "proxylog - session scoped request logs for an LLM proxy",
	Long: `proxylog records the requests an LLM proxy forwards, one log per
conversation session, and keeps the log directory within its retention
limits. Run the daemon with "proxylog start" or work with the log
directory directly using the usage, cleanup and replay commands.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.proxylog/proxylog.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file and applies the --log-level flag when it
// was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		if err := config.NewValidator().ValidateLogLevel(logLevel); err != nil {
			return nil, nil, err
		}
		cfg.Logging.Level = logLevel
	}
	return cfg, loader, nil
}

// newLogger builds the process logger. One-shot commands keep the console free
// for their own output.
func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		Compress:  cfg.Logging.Compress,
	})
}

// ensureDaemonStopped fails when a daemon owns the log directory, unless force.
func ensureDaemonStopped(cfg *config.Config, force bool) error {
	if force {
		return nil
	}
	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is running (PID %d); stop it first or pass --force", pid)
	}
	return nil
}
