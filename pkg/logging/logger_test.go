package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, "penf-capture", cfg.ServiceName)
	assert.False(t, cfg.JSONFormat)
	assert.Nil(t, cfg.File)
}

func TestNewLogger_NilConfig(t *testing.T) {
	assert.NotNil(t, NewLogger(nil))
}

func TestLogger_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelDebug, ServiceName: "capture-test", JSONFormat: true, Output: buf})

	log.Info("meeting created", F("meeting_id", "meeting-1"), F("turns", 3))

	out := decodeLine(t, buf)
	assert.Equal(t, "meeting created", out["message"])
	assert.Equal(t, "capture-test", out["service_name"])
	assert.Equal(t, "meeting-1", out["meeting_id"])
	assert.Equal(t, float64(3), out["turns"])
	assert.Equal(t, "info", out["level"])
	assert.Contains(t, out, "time")
}

func TestLogger_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelWarn, JSONFormat: true, Output: buf})

	log.Debug("dropped")
	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLogger_With(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelDebug, JSONFormat: true, Output: buf}).
		With(F("component", "extraction_scheduler"))

	log.Debug("scheduled")

	out := decodeLine(t, buf)
	assert.Equal(t, "extraction_scheduler", out["component"])
}

func TestLogger_WithContext(t *testing.T) {
	buf := &bytes.Buffer{}
	base := NewLogger(&Config{Level: LevelDebug, JSONFormat: true, Output: buf})

	ctx := ContextWithMeeting(context.Background(), "meeting-42", "window-7")
	base.WithContext(ctx).Info("bound")

	out := decodeLine(t, buf)
	assert.Equal(t, "meeting-42", out["meeting_id"])
	assert.Equal(t, "window-7", out["session_id"])

	buf.Reset()
	base.WithContext(context.Background()).Info("unbound")
	out = decodeLine(t, buf)
	assert.NotContains(t, out, "meeting_id")
}

func TestLogger_FieldTypes(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelDebug, JSONFormat: true, Output: buf})

	log.Error("upload failed",
		Err(errors.New("connection reset")),
		F("retryable", true),
		F("size", int64(2048)),
		F("elapsed", 1500*time.Millisecond),
		F("ratio", 0.5),
	)

	out := decodeLine(t, buf)
	assert.Equal(t, "connection reset", out["error"])
	assert.Equal(t, true, out["retryable"])
	assert.Equal(t, float64(2048), out["size"])
	assert.Equal(t, 0.5, out["ratio"])
	assert.Contains(t, out, "elapsed")
}

func TestLogger_ConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelInfo, Output: buf})

	log.Info("recording started", F("platform", "zoom"))

	line := buf.String()
	assert.Contains(t, line, "recording started")
	assert.Contains(t, line, "platform")
	assert.Contains(t, line, "zoom")
	assert.False(t, strings.HasPrefix(line, "{"))
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelInfo, JSONFormat: true, Output: buf, File: &FileConfig{Path: path}})

	log.Info("to both")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	log.Info("ignored")
	assert.Equal(t, log, log.With(F("k", "v")))
	assert.Equal(t, log, log.WithContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   Level
		want string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{Level("bogus"), "info"},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in).String())
		})
	}
}
