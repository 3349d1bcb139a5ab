package config

import (
	"fmt"
	"strings"

	"github.com/harun/proxylog/pkg/cron"
	"github.com/harun/proxylog/pkg/truncation"
	"github.com/rs/zerolog"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates a zerolog level name. Empty means the default.
func (v *Validator) ValidateLogLevel(level string) error {
	if level == "" {
		return nil
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(level)); err != nil {
		return fmt.Errorf("invalid log level: %s", level)
	}
	return nil
}

// ValidateSize validates a size string such as "10M". When required, the size
// must be positive.
func (v *Validator) ValidateSize(field, value string, required bool) error {
	n, err := ParseSize(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if required && n <= 0 {
		return fmt.Errorf("%s must be a positive size", field)
	}
	return nil
}

// ValidateSchedule validates a cron expression or descriptor.
func (v *Validator) ValidateSchedule(field, expr string) error {
	if _, err := cron.ParseSchedule(cron.Schedule{Expr: expr}); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// ValidateNonNegative rejects negative counts. Zero means no limit.
func (v *Validator) ValidateNonNegative(field string, n int) error {
	if n < 0 {
		return fmt.Errorf("%s cannot be negative", field)
	}
	return nil
}

// ValidateTruncation checks that enabled truncation has usable lengths.
func (v *Validator) ValidateTruncation(cfg truncation.Config) error {
	if cfg.TruncateSystem && cfg.SystemMaxLength <= 0 {
		return fmt.Errorf("request_log.truncation.system_max_length must be positive when truncate_system is set")
	}
	if cfg.TruncateMessages && cfg.MaxMessageLength <= 0 {
		return fmt.Errorf("request_log.truncation.max_message_length must be positive when truncate_messages is set")
	}
	return nil
}
