package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tailview/internal/logging"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TAILVIEW_DATA_DIR", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	for _, key := range []string{
		"TAILVIEW_CATALOG_PATH", "TAILVIEW_CODEC", "TAILVIEW_COMPRESSION",
		"TAILVIEW_WORKERS", "TAILVIEW_FILTER_BATCH_SIZE", "TAILVIEW_LOG_LEVEL",
		"TAILVIEW_LOG_FORMAT", "TAILVIEW_LOG_PATH", "TAILVIEW_METRICS_ADDR",
	} {
		t.Setenv(key, "")
	}
	return dir
}

// =============================================================================
// Defaults
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()

	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, dir, cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join(dir, "catalog.db"), cfg.Storage.CatalogPath)
	assert.Equal(t, "json", cfg.Storage.Codec)
	assert.Equal(t, "none", cfg.Storage.Compression)
	assert.Equal(t, 4, cfg.Tasks.Workers)
	assert.Equal(t, 256, cfg.Tasks.QueueSize)
	assert.Equal(t, 500, cfg.Filter.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.True(t, cfg.Filter.Follow)
	assert.Equal(t, 500, cfg.Find.BatchSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Filter, cfg.Filter)
}

// =============================================================================
// Decoding
// =============================================================================

func TestLoadFormats(t *testing.T) {
	isolate(t)

	tests := []struct {
		name string
		file string
		body string
	}{
		{"toml", "config.toml", "[filter]\nbatch_size = 64\nfollow = false\n[storage]\ncompression = \"zstd\"\n"},
		{"json", "config.json", `{"filter": {"batch_size": 64, "follow": false}, "storage": {"compression": "zstd"}}`},
		{"yaml", "config.yaml", "filter:\n  batch_size: 64\n  follow: false\nstorage:\n  compression: zstd\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.file)
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 64, cfg.Filter.BatchSize)
			assert.False(t, cfg.Filter.Follow)
			assert.Equal(t, "zstd", cfg.Storage.Compression)
			assert.Equal(t, 500, cfg.Find.BatchSize, "unset fields keep defaults")
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage]\ncodec = \"xml\"\n[tasks]\nworkers = 0\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	assert.True(t, fields["storage.codec"])
	assert.True(t, fields["tasks.workers"])
}

func TestLoadMalformed(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "decode JSON")
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("TAILVIEW_CODEC", "cbor")
	t.Setenv("TAILVIEW_WORKERS", "9")
	t.Setenv("TAILVIEW_FILTER_BATCH_SIZE", "bogus")
	t.Setenv("TAILVIEW_LOG_LEVEL", "debug")
	t.Setenv("TAILVIEW_METRICS_ADDR", "127.0.0.1:9464")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	assert.Equal(t, "cbor", cfg.Storage.Codec)
	assert.Equal(t, 9, cfg.Tasks.Workers)
	assert.Equal(t, 500, cfg.Filter.BatchSize, "unparsable values are ignored")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.ListenAddr)
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 7 }, "version"},
		{"compression", func(c *Config) { c.Storage.Compression = "lz4" }, "storage.compression"},
		{"queue", func(c *Config) { c.Tasks.QueueSize = 0 }, "tasks.queue_size"},
		{"poll", func(c *Config) { c.Filter.PollIntervalMs = 1 }, "filter.poll_interval_ms"},
		{"find", func(c *Config) { c.Find.BatchSize = -1 }, "find.batch_size"},
		{"tail", func(c *Config) { c.Tail.IntervalMs = 5 }, "tail.interval_ms"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"file", func(c *Config) { c.Logging.Output = logging.OutputFile; c.Logging.FilePath = "" }, "logging.file_path"},
		{"redact", func(c *Config) { c.Logging.RedactPatterns = []string{"["} }, "logging.redact_patterns[0]"},
		{"addr", func(c *Config) { c.Metrics.ListenAddr = "nope" }, "metrics.listen_addr"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			require.NotEmpty(t, verrs)
			assert.Equal(t, tc.field, verrs.Errors()[0].Field)
		})
	}
}

func TestMissingDataDirIsWarning(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "later")
	assert.NoError(t, cfg.Validate())

	errs := validateStorage(&cfg.Storage)
	require.Len(t, errs, 1)
	assert.True(t, errs[0].IsWarning())
	assert.False(t, errs.HasErrors())

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.Storage.DataDir)
}

// =============================================================================
// Helpers
// =============================================================================

func TestResolvePath(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()

	assert.Equal(t, filepath.Join(dir, "app.tveb"), cfg.ResolvePath("app.tveb"))
	assert.Equal(t, "/abs/app.tveb", cfg.ResolvePath("/abs/app.tveb"))
}

func TestHistoryCutoff(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	now := time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), cfg.HistoryCutoff(now))
	cfg.Tasks.HistoryRetentionDays = 0
	assert.True(t, cfg.HistoryCutoff(now).IsZero())
}

func TestLoggerConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 7

	lc, err := cfg.Logging.LoggerConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, int64(7), lc.MaxSize)

	cfg.Logging.Format = "xml"
	_, err = cfg.Logging.LoggerConfig()
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Logging.RedactPatterns = []string{"a"}

	clone := cfg.Clone()
	clone.Logging.RedactPatterns[0] = "b"
	clone.Filter.BatchSize = 1

	assert.Equal(t, "a", cfg.Logging.RedactPatterns[0])
	assert.Equal(t, 500, cfg.Filter.BatchSize)
}

// =============================================================================
// Save and reload
// =============================================================================

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)

	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sub", "config."+ext)
			cfg := DefaultConfig()
			cfg.Find.BatchSize = 123
			cfg.Logging.RedactPatterns = []string{`\d+`}
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 123, loaded.Find.BatchSize)
			assert.Equal(t, []string{`\d+`}, loaded.Logging.RedactPatterns)
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	_, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	_, created, err = LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoaderWatchReloads(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	l := NewLoader(path, nil)
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan int, 4)
	l.OnChange(func(old, updated *Config) {
		changed <- updated.Filter.BatchSize
	})
	require.NoError(t, l.Watch())
	t.Cleanup(func() { l.Close() })

	cfg := DefaultConfig()
	cfg.Filter.BatchSize = 42
	require.NoError(t, SaveConfig(cfg, path))

	select {
	case n := <-changed:
		assert.Equal(t, 42, n)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
	assert.Equal(t, 42, l.Config().Filter.BatchSize)
}

func TestLoaderReportsBadReload(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	l := NewLoader(path, nil)
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	t.Cleanup(func() { l.Close() })

	require.NoError(t, os.WriteFile(path, []byte("[tasks]\nworkers = -1\n"), 0600))

	select {
	case err := <-l.Errors():
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(5 * time.Second):
		t.Fatal("no error after invalid config")
	}
	assert.Equal(t, 4, l.Config().Tasks.Workers, "previous config kept")
}
