package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg.Writer = &buf
	l, err := New(cfg)
	require.NoError(t, err)
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

// =============================================================================
// Parsing tests
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"verbose", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			level, err := ParseLevel(tc.input)
			if tc.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, level)
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	assert.Equal(t, "json", f.String())

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, OutputStderr, cfg.Output)
	assert.Equal(t, "tailview", cfg.Component)
	assert.Contains(t, cfg.FilePath, "tailview")
}

// =============================================================================
// Logger tests
// =============================================================================

func TestJSONOutput(t *testing.T) {
	l, buf := bufferLogger(t, &Config{Level: LevelDebug, Format: FormatJSON, Component: "test"})

	l.Debug("scanned", "rows", 42)
	l.WithComponent("filter").Info("done")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "scanned", lines[0]["msg"])
	assert.Equal(t, float64(42), lines[0]["rows"])
	assert.Equal(t, "test", lines[0]["component"])
	assert.Equal(t, "filter", lines[1]["component"])
}

func TestLevelFilters(t *testing.T) {
	l, buf := bufferLogger(t, &Config{Level: LevelWarn, Format: FormatText})

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestRedaction(t *testing.T) {
	l, buf := bufferLogger(t, &Config{
		Level:          LevelInfo,
		Format:         FormatJSON,
		RedactPatterns: []string{`\d{3}-\d{2}-\d{4}`},
	})

	l.Info("open", "api_key", "abc123", "path", "/logs/app", "note", "ssn 123-45-6789 seen")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "[REDACTED]", lines[0]["api_key"])
	assert.Equal(t, "/logs/app", lines[0]["path"])
	assert.Equal(t, "ssn [REDACTED] seen", lines[0]["note"])
}

func TestBadRedactPattern(t *testing.T) {
	_, err := New(&Config{RedactPatterns: []string{"("}})
	assert.Error(t, err)
}

func TestShouldRedact(t *testing.T) {
	for _, key := range []string{"password", "DB_SECRET", "authToken", "cookie"} {
		assert.True(t, shouldRedact(key), key)
	}
	for _, key := range []string{"path", "rows", "session", "key"} {
		assert.False(t, shouldRedact(key), key)
	}
}

func TestRunIDs(t *testing.T) {
	l, buf := bufferLogger(t, &Config{Format: FormatJSON, Component: "tv"})

	a, b := NewRunID(), NewRunID()
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b)

	run := l.WithRun(a)
	run.WithComponent("view").Info("tagged")
	l.Info("plain")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, a, lines[0]["run"])
	assert.Equal(t, "view", lines[0]["component"])
	assert.NotContains(t, lines[1], "run")
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	l, buf := bufferLogger(t, &Config{Format: FormatText})
	SetDefault(l)
	assert.Same(t, l, Default())

	Default().Info("through default")
	assert.Contains(t, buf.String(), "through default")
}

// =============================================================================
// File output tests
// =============================================================================

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tailview.log")
	var console bytes.Buffer
	l, err := New(&Config{Output: OutputBoth, Writer: &console, FilePath: path, Format: FormatText})
	require.NoError(t, err)

	l.Info("both sinks")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "both sinks")
	assert.Contains(t, console.String(), "both sinks")
}

func TestFileRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxBackups: 2, Compress: true})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := r.Write([]byte("line\n"))
		require.NoError(t, err)
		require.NoError(t, r.Rotate())
	}
	_, err = r.Write([]byte("current\n"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	files, err := r.LogFiles()
	require.NoError(t, err)
	assert.Equal(t, path, files[0])
	rotated := files[1:]
	assert.Len(t, rotated, 2, "MaxBackups applies")
	for _, f := range rotated {
		assert.True(t, strings.HasSuffix(f, ".gz"), f)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "current\n", string(data))
}

func TestRotatorSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "size.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1})
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	_, err = r.Write(chunk)
	require.NoError(t, err)
	_, err = r.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	files, err := r.LogFiles()
	require.NoError(t, err)
	assert.Len(t, files, 2)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}
