package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_LogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, Config{Level: tt.level}.LogLevel())
		})
	}
}

func TestNew_JSONCarriesBaseAttributes(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.Environment = "test"

	New(cfg, &buf).Info("hello", AttrKeyComponent, "game")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "crash", rec[AttrKeyService])
	assert.Equal(t, "test", rec[AttrKeyEnvironment])
	assert.Equal(t, "game", rec[AttrKeyComponent])
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Level = "warn"

	l := New(cfg, &buf)
	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	_, ok := RequestIDFromContext(ctx)
	assert.False(t, ok)

	id := GenerateRequestID()
	assert.Len(t, id, 36)

	got, ok := RequestIDFromContext(WithRequestID(ctx, id))
	assert.True(t, ok)
	assert.Equal(t, id, got)
}
