package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStandardLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelDebug))

	levels := []struct {
		log  func(string, ...interface{})
		mark string
	}{
		{logger.Debug, "[DEBUG]"},
		{logger.Info, "[INFO]"},
		{logger.Warn, "[WARN]"},
		{logger.Error, "[ERROR]"},
	}
	for _, l := range levels {
		l.log("arena grew to %d segments", 3)
		assert.Contains(t, buf.String(), l.mark)
		assert.Contains(t, buf.String(), "arena grew to 3 segments")
		buf.Reset()
	}

	logger.WithFields(map[string]interface{}{"arena": "index", "version": 42}).Info("committed")
	assert.Contains(t, buf.String(), "arena=index")
	assert.Contains(t, buf.String(), "version=42")
	buf.Reset()

	logger.WithField("path", "/tmp/db").Info("opened")
	assert.Contains(t, buf.String(), "path=/tmp/db")
	buf.Reset()

	logger.SetLevel(LevelError)
	logger.Info("hidden")
	logger.Warn("hidden")
	logger.Error("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, LevelError, logger.GetLevel())
}

func TestFatalUsesExitFunc(t *testing.T) {
	var buf bytes.Buffer
	code := -1
	logger := NewStandardLogger(WithOutput(&buf), WithExitFunc(func(c int) { code = c }))

	logger.Fatal("cannot continue")
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "[FATAL]")
}

func TestDefaultLogger(t *testing.T) {
	original := GetDefaultLogger()
	defer SetDefaultLogger(original)

	var buf bytes.Buffer
	SetDefaultLogger(NewStandardLogger(WithOutput(&buf), WithLevel(LevelInfo)))

	Info("global info")
	assert.Contains(t, buf.String(), "global info")
	buf.Reset()

	WithField("recovered", true).Info("opened")
	assert.Contains(t, buf.String(), "recovered=true")
	buf.Reset()

	Debug("suppressed")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"":        LevelInfo,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"Error":   LevelError,
		"fatal":   LevelFatal,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, "LEVEL(9)", Level(9).String())
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLoggerFrom(zap.New(core), LevelInfo)

	logger.Debug("dropped")
	logger.Info("opened %s", "index.db")
	logger.WithFields(map[string]interface{}{"version": 7, "arena": "data"}).Warn("recovered")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "opened index.db", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	fields := entries[1].ContextMap()
	assert.Equal(t, "data", fields["arena"])
	assert.EqualValues(t, 7, fields["version"])

	// derived loggers share the level
	child := logger.WithField("component", "writer")
	logger.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, child.GetLevel())
	child.Debug("now visible")
	assert.Equal(t, 1, logs.FilterMessage("now visible").Len())
}
