package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/harun/proxylog/pkg/retention"
	"github.com/harun/proxylog/pkg/truncation"
)

// Config represents the main proxylog configuration
type Config struct {
	// Data directory; request logs default to <data_dir>/logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging of proxylog itself
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Request logging
	RequestLog RequestLogConfig `json:"request_log" mapstructure:"request_log"`

	// Telemetry
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// RequestLogConfig holds per-session request log settings
type RequestLogConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Dir                string `json:"dir" mapstructure:"dir"`
	RetentionDays      int    `json:"retention_days" mapstructure:"retention_days"`
	MaxFilesPerSession int    `json:"max_files_per_session" mapstructure:"max_files_per_session"`
	MaxSizePerFile     string `json:"max_size_per_file" mapstructure:"max_size_per_file"` // e.g. "10M"
	IncludeCommandName bool   `json:"include_command_name" mapstructure:"include_command_name"`
	IdleTimeout        string `json:"idle_timeout" mapstructure:"idle_timeout"` // e.g. "30m"
	IdleCheckSchedule  string `json:"idle_check_schedule" mapstructure:"idle_check_schedule"`
	SweepSchedule      string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	Redaction          bool   `json:"redaction" mapstructure:"redaction"`

	Legacy     LegacyLogConfig   `json:"legacy" mapstructure:"legacy"`
	Archive    ArchiveConfig     `json:"archive" mapstructure:"archive"`
	Truncation truncation.Config `json:"truncation" mapstructure:"truncation"`
}

// LegacyLogConfig holds settings for the flat log of requests without a session
type LegacyLogConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	MaxFiles       int    `json:"max_files" mapstructure:"max_files"`
	MaxAgeDays     int    `json:"max_age_days" mapstructure:"max_age_days"`
	MaxSizePerFile string `json:"max_size_per_file" mapstructure:"max_size_per_file"`
	Compress       bool   `json:"compress" mapstructure:"compress"`
}

// ArchiveConfig holds archive settings
type ArchiveConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	MaxAgeDays   int    `json:"max_age_days" mapstructure:"max_age_days"`
	MaxTotalSize string `json:"max_total_size" mapstructure:"max_total_size"` // e.g. "1G", empty for no limit
	Compress     bool   `json:"compress" mapstructure:"compress"`
}

// TelemetryConfig holds tracing and metrics settings
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"` // empty disables /metrics
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			Compress:  true,
			Redaction: true,
			Pretty:    true,
		},
		RequestLog: RequestLogConfig{
			Enabled:            true,
			RetentionDays:      7,
			MaxFilesPerSession: 10,
			MaxSizePerFile:     "10M",
			IncludeCommandName: true,
			IdleTimeout:        "30m",
			IdleCheckSchedule:  "@every 1m",
			SweepSchedule:      "@hourly",
			Redaction:          true,
			Legacy: LegacyLogConfig{
				Enabled:        true,
				MaxFiles:       10,
				MaxAgeDays:     7,
				MaxSizePerFile: "10M",
				Compress:       true,
			},
			Archive: ArchiveConfig{
				Enabled:    false,
				MaxAgeDays: 30,
				Compress:   true,
			},
			Truncation: truncation.DefaultConfig(),
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "proxylog",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// LogRoot returns the directory holding the legacy, sessions and archive areas.
func (c *Config) LogRoot() string {
	if c.RequestLog.Dir != "" {
		return c.RequestLog.Dir
	}
	return filepath.Join(c.DataDir, "logs")
}

// ParseSize parses a size string. Units are decimal unless spelled as binary:
// "10M" and "10MB" are 10,000,000 bytes, "10MiB" is 10,485,760. An empty string
// is zero.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

// MaxFileSize returns the per-session file cap in bytes.
func (r RequestLogConfig) MaxFileSize() (int64, error) {
	return ParseSize(r.MaxSizePerFile)
}

// IdleTimeoutDuration returns the idle timeout; empty means zero.
func (r RequestLogConfig) IdleTimeoutDuration() (time.Duration, error) {
	if r.IdleTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid idle timeout %q: %w", r.IdleTimeout, err)
	}
	return d, nil
}

// RetentionPolicy converts the request log settings into a retention policy.
func (r RequestLogConfig) RetentionPolicy() (retention.Policy, error) {
	maxTotal, err := ParseSize(r.Archive.MaxTotalSize)
	if err != nil {
		return retention.Policy{}, err
	}
	policy := retention.Policy{
		Sessions: retention.SessionPolicy{
			MaxAgeDays:         r.RetentionDays,
			MaxFilesPerSession: r.MaxFilesPerSession,
		},
		Archive: retention.ArchivePolicy{
			Enabled:       r.Archive.Enabled,
			MaxAgeDays:    r.Archive.MaxAgeDays,
			MaxTotalBytes: maxTotal,
			Compress:      r.Archive.Compress,
		},
	}
	if r.Legacy.Enabled {
		policy.Legacy = retention.LegacyPolicy{
			MaxFiles:   r.Legacy.MaxFiles,
			MaxAgeDays: r.Legacy.MaxAgeDays,
		}
	}
	return policy, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	r := c.RequestLog
	if !r.Enabled {
		return nil
	}

	if err := v.ValidateSize("request_log.max_size_per_file", r.MaxSizePerFile, true); err != nil {
		return err
	}
	if err := v.ValidateSize("request_log.legacy.max_size_per_file", r.Legacy.MaxSizePerFile, false); err != nil {
		return err
	}
	if err := v.ValidateSize("request_log.archive.max_total_size", r.Archive.MaxTotalSize, false); err != nil {
		return err
	}
	if _, err := r.IdleTimeoutDuration(); err != nil {
		return err
	}
	if err := v.ValidateSchedule("request_log.idle_check_schedule", r.IdleCheckSchedule); err != nil {
		return err
	}
	if err := v.ValidateSchedule("request_log.sweep_schedule", r.SweepSchedule); err != nil {
		return err
	}

	for name, n := range map[string]int{
		"request_log.retention_days":          r.RetentionDays,
		"request_log.max_files_per_session":   r.MaxFilesPerSession,
		"request_log.legacy.max_files":        r.Legacy.MaxFiles,
		"request_log.legacy.max_age_days":     r.Legacy.MaxAgeDays,
		"request_log.archive.max_age_days":    r.Archive.MaxAgeDays,
		"request_log.truncation.max_messages": r.Truncation.MaxMessages,
	} {
		if err := v.ValidateNonNegative(name, n); err != nil {
			return err
		}
	}

	return v.ValidateTruncation(r.Truncation)
}
