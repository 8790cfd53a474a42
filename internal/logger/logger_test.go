package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriterDefaults(t *testing.T) {
	assert.Nil(t, FileConfig{}.Writer())

	path := filepath.Join(t.TempDir(), "syncq.log")
	w := FileConfig{Path: path}.Writer()
	require.NotNil(t, w)
	l, ok := w.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
	_ = w.Close()

	w = FileConfig{Path: path, MaxSizeMB: 50, MaxBackups: 9, MaxAgeDays: 30, Compress: true}.Writer()
	l = w.(*lj.Logger)
	assert.Equal(t, 50, l.MaxSize)
	assert.Equal(t, 9, l.MaxBackups)
	assert.Equal(t, 30, l.MaxAge)
	assert.True(t, l.Compress)
	_ = w.Close()
}

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, closer, err := New(Config{Level: "debug", Format: "json", File: FileConfig{Path: path}})
	require.NoError(t, err)
	log.Debug("hello", "id", 7)
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, float64(7), line["id"])
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := NewWithWriter(Config{Format: "json", RedactKeys: []string{"api_key"}}, &buf)
	require.NoError(t, err)
	log.Info("remote configured", "token", "abc123", "Credential", "s3cret", "api_key", "k", "owner", "alice")

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, `"api_key":"k"`)
	assert.Contains(t, out, Redacted)
	assert.Contains(t, out, "alice")
}

func TestLevelsAndFormats(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := NewWithWriter(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	log.Info("quiet")
	log.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")

	_, _, err = NewWithWriter(Config{Level: "verbose"}, &buf)
	assert.Error(t, err)
	_, _, err = NewWithWriter(Config{Format: "xml"}, &buf)
	assert.Error(t, err)
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h).With("component", "orchestrator")
	log.Error("boom")

	out := buf.String()
	// text handler quotes messages carrying control characters
	assert.Contains(t, out, `\x1b[31mERROR\x1b[0m  boom`)
	assert.Contains(t, out, "component=orchestrator")
	assert.False(t, strings.Contains(out, "time="), "time dropped when showTime is false")

	buf.Reset()
	slog.New(NewColorTextHandler(&buf, nil, true)).Info("hi")
	assert.Contains(t, buf.String(), "time=")
	assert.Contains(t, buf.String(), `\x1b[32mINFO`)
}
