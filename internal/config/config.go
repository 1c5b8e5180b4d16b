// Package config handles configuration loading, validation, and management for tailview.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"tailview/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete tailview configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configures file buffers and the catalog.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Tasks configures the background task manager.
	Tasks TasksConfig `toml:"tasks" json:"tasks" yaml:"tasks"`

	// Filter configures filtering passes.
	Filter FilterConfig `toml:"filter" json:"filter" yaml:"filter"`

	// Find configures searches.
	Find FindConfig `toml:"find" json:"find" yaml:"find"`

	// Tail configures following files written by another process.
	Tail TailConfig `toml:"tail" json:"tail" yaml:"tail"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds file buffer and catalog settings.
type StorageConfig struct {
	// DataDir is where relative buffer paths and the catalog live.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// CatalogPath is the SQLite catalog database.
	CatalogPath string `toml:"catalog_path" json:"catalog_path" yaml:"catalog_path"`

	// Codec is the record codec for new buffers: "json" or "cbor".
	Codec string `toml:"codec" json:"codec" yaml:"codec"`

	// Compression for new buffers: "none", "gzip" or "zstd".
	Compression string `toml:"compression" json:"compression" yaml:"compression"`

	// SyncWrites fsyncs after every append.
	SyncWrites bool `toml:"sync_writes" json:"sync_writes" yaml:"sync_writes"`
}

// TasksConfig holds task manager settings.
type TasksConfig struct {
	// Workers bounds concurrently running tasks.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// QueueSize is the notification channel capacity.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`

	// HistoryRetentionDays prunes catalog task history older than this.
	// Zero keeps everything.
	HistoryRetentionDays int `toml:"history_retention_days" json:"history_retention_days" yaml:"history_retention_days"`
}

// FilterConfig holds filtering settings.
type FilterConfig struct {
	// BatchSize is the number of rows evaluated between cancellation checks.
	BatchSize int `toml:"batch_size" json:"batch_size" yaml:"batch_size"`

	// PollIntervalMs is how often a following filter re-checks a source
	// that does not signal changes.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// Follow keeps filtering a growing source.
	Follow bool `toml:"follow" json:"follow" yaml:"follow"`
}

// FindConfig holds search settings.
type FindConfig struct {
	BatchSize int `toml:"batch_size" json:"batch_size" yaml:"batch_size"`
}

// TailConfig holds file-follow settings.
type TailConfig struct {
	// DebounceMs coalesces bursts of file events into one refresh.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// IntervalMs refreshes on a timer as well. Zero disables it.
	IntervalMs int `toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stderr", "stdout", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output writes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// RedactPatterns are regular expressions scrubbed from string values.
	RedactPatterns []string `toml:"redact_patterns" json:"redact_patterns" yaml:"redact_patterns"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`

	// ListenAddr serves /metrics while long-running commands run, for
	// example "127.0.0.1:9464". Empty disables the endpoint.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			DataDir:     dir,
			CatalogPath: filepath.Join(dir, "catalog.db"),
			Codec:       "json",
			Compression: "none",
		},
		Tasks: TasksConfig{
			Workers:              4,
			QueueSize:            256,
			HistoryRetentionDays: 30,
		},
		Filter: FilterConfig{
			BatchSize:      500,
			PollIntervalMs: 250,
			Follow:         true,
		},
		Find: FindConfig{
			BatchSize: 500,
		},
		Tail: TailConfig{
			DebounceMs: 50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     logging.OutputStderr,
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "tailview",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if found := FindConfigFile(); found != "" {
		return found
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the data directory and the parents of the
// catalog and log file.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir, filepath.Dir(c.Storage.CatalogPath)}
	if c.Logging.Output == logging.OutputFile || c.Logging.Output == logging.OutputBoth {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the base tailview data directory, honoring
// TAILVIEW_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("TAILVIEW_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies TAILVIEW_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("TAILVIEW_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
		c.Storage.CatalogPath = filepath.Join(v, "catalog.db")
	}
	if v := os.Getenv("TAILVIEW_CATALOG_PATH"); v != "" {
		c.Storage.CatalogPath = v
	}
	if v := os.Getenv("TAILVIEW_CODEC"); v != "" {
		c.Storage.Codec = v
	}
	if v := os.Getenv("TAILVIEW_COMPRESSION"); v != "" {
		c.Storage.Compression = v
	}
	if v := envInt("TAILVIEW_WORKERS"); v > 0 {
		c.Tasks.Workers = v
	}
	if v := envInt("TAILVIEW_FILTER_BATCH_SIZE"); v > 0 {
		c.Filter.BatchSize = v
	}
	if v := os.Getenv("TAILVIEW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TAILVIEW_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("TAILVIEW_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("TAILVIEW_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
}

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version: c.Version,
		Storage: c.Storage,
		Tasks:   c.Tasks,
		Filter:  c.Filter,
		Find:    c.Find,
		Tail:    c.Tail,
		Logging: c.Logging,
		Metrics: c.Metrics,
	}
	clone.Logging.RedactPatterns = append([]string(nil), c.Logging.RedactPatterns...)
	return clone
}

// ResolvePath joins a relative buffer path onto the data directory.
func (c *Config) ResolvePath(path string) string {
	path = expandPath(path)
	if filepath.IsAbs(path) || c.Storage.DataDir == "" {
		return path
	}
	return filepath.Join(c.Storage.DataDir, path)
}

// PollInterval returns Filter.PollIntervalMs as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Filter.PollIntervalMs) * time.Millisecond
}

// TailDebounce returns Tail.DebounceMs as a duration.
func (c *Config) TailDebounce() time.Duration {
	return time.Duration(c.Tail.DebounceMs) * time.Millisecond
}

// TailInterval returns Tail.IntervalMs as a duration.
func (c *Config) TailInterval() time.Duration {
	return time.Duration(c.Tail.IntervalMs) * time.Millisecond
}

// HistoryCutoff returns the oldest task history time to keep, or the zero
// time when history is kept forever.
func (c *Config) HistoryCutoff(now time.Time) time.Time {
	if c.Tasks.HistoryRetentionDays <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -c.Tasks.HistoryRetentionDays)
}

// LoggerConfig converts the logging section into a logging.Config.
func (l LoggingConfig) LoggerConfig() (*logging.Config, error) {
	cfg := logging.DefaultConfig()

	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}
	cfg.Level = level
	cfg.Format = format
	if l.Output != "" {
		cfg.Output = l.Output
	}
	if l.FilePath != "" {
		cfg.FilePath = expandPath(l.FilePath)
	}
	cfg.MaxSize = int64(l.MaxSizeMB)
	cfg.MaxBackups = l.MaxBackups
	cfg.MaxAge = l.MaxAgeDays
	cfg.Compress = l.Compress
	cfg.RedactPatterns = l.RedactPatterns
	return cfg, nil
}
