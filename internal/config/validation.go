package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"tailview/internal/event"
	"tailview/internal/filebuffer"
	"tailview/internal/logging"
)

// ErrInvalidConfig is wrapped by ValidationErrors.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the issue is non-fatal. A data directory that
// does not exist yet is created on first use.
func (e *ValidationError) IsWarning() bool {
	return e.Field == "storage.data_dir" && strings.HasPrefix(e.Message, "does not exist")
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error { return ErrInvalidConfig }

// Warnings returns only warning-level entries.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level entries.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors reports whether any entry is an error.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig checks every section. It returns ValidationErrors when
// any entry is an error; warnings alone pass.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateTasks(&c.Tasks)...)
	errs = append(errs, validateFilter(&c.Filter)...)
	errs = append(errs, positive("find.batch_size", c.Find.BatchSize)...)
	errs = append(errs, validateTail(&c.Tail)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.DataDir == "" {
		errs = append(errs, ValidationError{Field: "storage.data_dir", Message: "path cannot be empty"})
	} else if info, err := os.Stat(expandPath(s.DataDir)); err != nil {
		errs = append(errs, ValidationError{Field: "storage.data_dir", Message: "does not exist yet"})
	} else if !info.IsDir() {
		errs = append(errs, ValidationError{Field: "storage.data_dir", Message: "not a directory"})
	}

	if s.CatalogPath == "" {
		errs = append(errs, ValidationError{Field: "storage.catalog_path", Message: "path cannot be empty"})
	}

	if _, err := event.CodecByName(s.Codec); err != nil {
		errs = append(errs, ValidationError{
			Field:   "storage.codec",
			Message: fmt.Sprintf("unknown codec: %s (valid: %s, %s)", s.Codec, event.CodecJSON, event.CodecCBOR),
		})
	}

	switch s.Compression {
	case filebuffer.CompressionNone, filebuffer.CompressionGzip, filebuffer.CompressionZstd:
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.compression",
			Message: fmt.Sprintf("unknown compression: %s (valid: none, gzip, zstd)", s.Compression),
		})
	}

	return errs
}

func validateTasks(t *TasksConfig) ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, positive("tasks.workers", t.Workers)...)
	if t.QueueSize < 1 || t.QueueSize > 1<<16 {
		errs = append(errs, ValidationError{
			Field:   "tasks.queue_size",
			Message: "value must be between 1 and 65536",
		})
	}
	if t.HistoryRetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "tasks.history_retention_days",
			Message: "cannot be negative",
		})
	}
	return errs
}

func validateFilter(f *FilterConfig) ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, positive("filter.batch_size", f.BatchSize)...)
	if f.PollIntervalMs < 10 {
		errs = append(errs, ValidationError{
			Field:   "filter.poll_interval_ms",
			Message: "poll interval must be at least 10ms",
		})
	}
	return errs
}

func validateTail(t *TailConfig) ValidationErrors {
	var errs ValidationErrors
	if t.DebounceMs < 0 {
		errs = append(errs, ValidationError{Field: "tail.debounce_ms", Message: "cannot be negative"})
	}
	if t.IntervalMs != 0 && t.IntervalMs < 10 {
		errs = append(errs, ValidationError{
			Field:   "tail.interval_ms",
			Message: "interval must be 0 (disabled) or at least 10ms",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case logging.OutputStdout, logging.OutputStderr:
	case logging.OutputFile, logging.OutputBoth:
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stderr, stdout, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "cannot be negative"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "cannot be negative"})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_age_days", Message: "cannot be negative"})
	}
	for i, p := range l.RedactPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("logging.redact_patterns[%d]", i),
				Message: err.Error(),
			})
		}
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.ListenAddr == "" {
		return nil
	}
	var errs ValidationErrors
	if !m.Enabled {
		errs = append(errs, ValidationError{
			Field:   "metrics.listen_addr",
			Message: "set while metrics are disabled",
		})
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		errs = append(errs, ValidationError{Field: "metrics.listen_addr", Message: err.Error()})
	}
	return errs
}

func positive(field string, v int) ValidationErrors {
	if v > 0 {
		return nil
	}
	return ValidationErrors{{Field: field, Message: "must be positive"}}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
