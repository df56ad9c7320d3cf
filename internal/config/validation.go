package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"overtone/internal/pitch"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidateConfig validates the configuration and returns the fatal problems,
// or nil. Warnings are reported by CheckConfig.
func ValidateConfig(c *Config) error {
	errs := CheckConfig(c)
	if errs.HasErrors() {
		return errs.Errors()
	}
	return nil
}

// CheckConfig returns every problem, warnings included.
func CheckConfig(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if c.Kit.Path == "" {
		errs = append(errs, *RequiredFieldError("kit.path"))
	} else if _, err := os.Stat(c.Kit.Path); err != nil {
		errs = append(errs, ValidationError{
			Field:   "kit.path",
			Message: fmt.Sprintf("kit file not readable: %v", err),
		})
	}

	errs = append(errs, validateTuning(&c.Tuning)...)

	if err := c.Target.Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "target", Message: err.Error()})
	}
	if err := c.Conditioner.Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "conditioner", Message: err.Error()})
	}

	errs = append(errs, validateAudio(&c.Audio)...)
	errs = append(errs, validateStorage(&c.Storage)...)

	if c.Journal.Enabled && c.Journal.Dir == "" {
		errs = append(errs, ValidationError{
			Field:   "journal.dir",
			Message: "directory is required when the journal is enabled",
		})
	}

	errs = append(errs, validateLogging(&c.Logging)...)

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, *RequiredFieldError("metrics.addr"))
	}

	return errs
}

func validateTuning(t *TuningConfig) ValidationErrors {
	var errs ValidationErrors

	if t.LockCents <= 0 || t.LockCents > 100 {
		errs = append(errs, *RangeError("tuning.lock_cents", "0 (exclusive)", 100))
	}
	if t.LockMarginCents < 0 || t.LockMarginCents > 100 {
		errs = append(errs, *RangeError("tuning.lock_margin_cents", 0, 100))
	}
	if t.HoldMs <= 0 || t.HoldMs > 10000 {
		errs = append(errs, *RangeError("tuning.hold_ms", 1, 10000))
	}
	if t.RMSThreshold <= 0 || t.RMSThreshold >= 1 {
		errs = append(errs, *RangeError("tuning.rms_threshold", "0 (exclusive)", "1 (exclusive)"))
	}
	if !t.CoupledGates {
		if t.RearmCooldownMs < 0 || t.RearmCooldownMs > 30000 {
			errs = append(errs, *RangeError("tuning.rearm_cooldown_ms", 0, 30000))
		}
		if t.RequireSilenceMs < 0 || t.RequireSilenceMs > 30000 {
			errs = append(errs, *RangeError("tuning.require_silence_ms", 0, 30000))
		}
	}
	if t.PointSettleMs < 0 || t.PointSettleMs > 2000 {
		errs = append(errs, *RangeError("tuning.point_settle_ms", 0, 2000))
	}
	if t.HeadSettleMs < 0 || t.HeadSettleMs > 2000 {
		errs = append(errs, *RangeError("tuning.head_settle_ms", 0, 2000))
	}

	return errs
}

func validateAudio(a *AudioConfig) ValidationErrors {
	var errs ValidationErrors

	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		errs = append(errs, *RangeError("audio.sample_rate", 8000, 192000))
	}
	if a.FrameSize < 256 || a.FrameSize > 65536 {
		errs = append(errs, *RangeError("audio.frame_size", 256, 65536))
	}
	if a.HopSize < 1 || a.HopSize > a.FrameSize {
		errs = append(errs, ValidationError{
			Field:   "audio.hop_size",
			Message: fmt.Sprintf("hop %d must be between 1 and frame_size", a.HopSize),
		})
	}
	if !(a.MinHz > 0) || !(a.MaxHz > a.MinHz) {
		errs = append(errs, ValidationError{
			Field:   "audio.min_hz",
			Message: fmt.Sprintf("invalid range %v-%v Hz", a.MinHz, a.MaxHz),
		})
	} else if a.SampleRate > 0 && a.MaxHz >= a.SampleRate/2 {
		errs = append(errs, ValidationError{
			Field:   "audio.max_hz",
			Message: fmt.Sprintf("%v Hz is at or above Nyquist", a.MaxHz),
		})
	} else if a.SampleRate > 0 && float64(a.FrameSize) < 2*a.SampleRate/a.MinHz {
		errs = append(errs, ValidationError{
			Field:   "audio.frame_size",
			Message: fmt.Sprintf("%d samples hold fewer than two periods of %v Hz", a.FrameSize, a.MinHz),
		})
	}
	if _, err := pitch.ParseMethod(a.Method); err != nil {
		errs = append(errs, ValidationError{
			Field:   "audio.method",
			Message: fmt.Sprintf("invalid method: %s (valid: direct, fft)", a.Method),
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.FlushMs < 0 || s.FlushMs > 60000 {
		errs = append(errs, *RangeError("storage.flush_ms", 0, 60000))
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeKB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_kb",
			Message: "max size must be at least 1 KB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// The kit file may be created after the config.
	warningFields := []string{
		"kit.path",
		"audio.frame_size",
	}
	for _, f := range warningFields {
		if e.Field == f && e.Message != "required field is missing" {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
