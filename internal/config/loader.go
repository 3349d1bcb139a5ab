package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PROXYLOG_REQUEST_LOG_DIR.
const EnvPrefix = "PROXYLOG"

// truncationEnv maps truncation keys to their unprefixed environment names.
var truncationEnv = map[string]string{
	"request_log.truncation.truncate_system":    "LOG_TRUNCATE_SYSTEM",
	"request_log.truncation.system_max_length":  "LOG_SYSTEM_MAX_LENGTH",
	"request_log.truncation.truncate_messages":  "LOG_TRUNCATE_MESSAGES",
	"request_log.truncation.max_messages":       "LOG_MAX_MESSAGES",
	"request_log.truncation.max_message_length": "LOG_MAX_MESSAGE_LENGTH",
}

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, when present, and applies environment overrides
// on top of the defaults. The result is validated.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	for key, env := range truncationEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType(configType(configPath))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()

	return cfg, nil
}

// Watch calls onChange with the reloaded config each time the config file
// changes. Load must have succeeded with an existing file first. A change that
// fails to decode or validate is logged and not delivered.
func (l *Loader) Watch(onChange func(*Config)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()

	if v == nil || v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file loaded to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.Set("data_dir", cfg.DataDir)
	v.Set("logging", cfg.Logging)
	v.Set("request_log", cfg.RequestLog)
	v.Set("telemetry", cfg.Telemetry)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".proxylog", "proxylog.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".proxylog")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that are
// absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	r := cfg.RequestLog
	defaults := map[string]interface{}{
		"data_dir":               cfg.DataDir,
		"logging.level":          cfg.Logging.Level,
		"logging.file":           cfg.Logging.File,
		"logging.max_size":       cfg.Logging.MaxSize,
		"logging.compress":       cfg.Logging.Compress,
		"logging.redaction":      cfg.Logging.Redaction,
		"logging.pretty":         cfg.Logging.Pretty,
		"telemetry.enabled":      cfg.Telemetry.Enabled,
		"telemetry.service_name": cfg.Telemetry.ServiceName,
		"telemetry.metrics_addr": cfg.Telemetry.MetricsAddr,

		"request_log.enabled":               r.Enabled,
		"request_log.dir":                   r.Dir,
		"request_log.retention_days":        r.RetentionDays,
		"request_log.max_files_per_session": r.MaxFilesPerSession,
		"request_log.max_size_per_file":     r.MaxSizePerFile,
		"request_log.include_command_name":  r.IncludeCommandName,
		"request_log.idle_timeout":          r.IdleTimeout,
		"request_log.idle_check_schedule":   r.IdleCheckSchedule,
		"request_log.sweep_schedule":        r.SweepSchedule,
		"request_log.redaction":             r.Redaction,

		"request_log.legacy.enabled":           r.Legacy.Enabled,
		"request_log.legacy.max_files":         r.Legacy.MaxFiles,
		"request_log.legacy.max_age_days":      r.Legacy.MaxAgeDays,
		"request_log.legacy.max_size_per_file": r.Legacy.MaxSizePerFile,
		"request_log.legacy.compress":          r.Legacy.Compress,

		"request_log.archive.enabled":        r.Archive.Enabled,
		"request_log.archive.max_age_days":   r.Archive.MaxAgeDays,
		"request_log.archive.max_total_size": r.Archive.MaxTotalSize,
		"request_log.archive.compress":       r.Archive.Compress,

		"request_log.truncation.truncate_system":    r.Truncation.TruncateSystem,
		"request_log.truncation.system_max_length":  r.Truncation.SystemMaxLength,
		"request_log.truncation.truncate_messages":  r.Truncation.TruncateMessages,
		"request_log.truncation.max_messages":       r.Truncation.MaxMessages,
		"request_log.truncation.max_message_length": r.Truncation.MaxMessageLength,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}
