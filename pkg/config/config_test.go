package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Equal(t, SyncBatch, cfg.SyncMode)
	assert.Equal(t, uint64(4), cfg.GraceGenerations)
	assert.Equal(t, int64(4*1024*1024), cfg.IndexSegmentSize)
	assert.Equal(t, "none", cfg.ValueCompression)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid version", func(c *Config) { c.Version = 0 }},
		{"segment too small", func(c *Config) { c.IndexSegmentSize = 1024 }},
		{"segment not a multiple", func(c *Config) { c.DataSegmentSize = 64*1024 + 8 }},
		{"max index below one segment", func(c *Config) { c.MaxIndexSize = 1024 }},
		{"max data below one segment", func(c *Config) { c.MaxDataSize = 1024 }},
		{"zero key size", func(c *Config) { c.MaxKeySize = 0 }},
		{"key size above limit", func(c *Config) { c.MaxKeySize = MaxKeyLimit + 1 }},
		{"key does not fit segment", func(c *Config) {
			c.IndexSegmentSize = 64 * 1024
			c.MaxKeySize = 64 * 1024
		}},
		{"zero value size", func(c *Config) { c.MaxValueSize = 0 }},
		{"zero grace", func(c *Config) { c.GraceGenerations = 0 }},
		{"zero queue", func(c *Config) { c.AsyncQueueSize = 0 }},
		{"zero batch", func(c *Config) { c.AsyncBatchSize = 0 }},
		{"unknown sync mode", func(c *Config) { c.SyncMode = SyncMode(9) }},
		{"batch sync without interval", func(c *Config) { c.SyncEveryCommits = 0 }},
		{"negative lock timeout", func(c *Config) { c.WriterLockTimeout = -1 }},
		{"unknown codec", func(c *Config) { c.ValueCompression = "lz4" }},
		{"negative compress threshold", func(c *Config) { c.MinCompressSize = -1 }},
		{"unknown advice", func(c *Config) { c.PageAdvice = "huge" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestConfigUpdateAndClone(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Update(func(c *Config) {
		c.AsyncQueueSize = 8
		c.WriterLockTimeout = 250
	})

	clone := cfg.Clone()
	assert.Equal(t, 8, clone.AsyncQueueSize)
	assert.Equal(t, 250*time.Millisecond, clone.LockTimeout())

	clone.AsyncQueueSize = 16
	assert.Equal(t, 8, cfg.AsyncQueueSize)
}

func TestSyncModeText(t *testing.T) {
	for _, m := range []SyncMode{SyncNone, SyncBatch, SyncImmediate} {
		text, err := m.MarshalText()
		require.NoError(t, err)

		var got SyncMode
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, m, got)
	}

	var m SyncMode
	assert.Error(t, m.UnmarshalText([]byte("sometimes")))
}

func TestConfigFileFormats(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"triekv.json", "triekv.toml", "triekv.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Update(func(c *Config) {
				c.SyncMode = SyncImmediate
				c.ValueCompression = "zstd"
				c.GraceGenerations = 6
			})

			path := filepath.Join(dir, name)
			require.NoError(t, cfg.SaveFile(path))

			loaded, err := LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, SyncImmediate, loaded.SyncMode)
			assert.Equal(t, "zstd", loaded.ValueCompression)
			assert.Equal(t, uint64(6), loaded.GraceGenerations)
			assert.Equal(t, cfg.DataSegmentSize, loaded.DataSegmentSize)
		})
	}
}

func TestDecodePartialKeepsDefaults(t *testing.T) {
	cfg, err := Decode([]byte("async_queue_size: 32\nsync_mode: none\n"), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.AsyncQueueSize)
	assert.Equal(t, SyncNone, cfg.SyncMode)
	assert.Equal(t, 4096, cfg.MaxKeySize)
}

func TestDecodeRejectsInvalid(t *testing.T) {
	_, err := Decode([]byte(`{"grace_generations": 0}`), FormatJSON)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Decode([]byte(`{`), FormatJSON)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)

	ini := filepath.Join(dir, "triekv.ini")
	require.NoError(t, os.WriteFile(ini, []byte("x=1"), 0644))
	_, err = LoadFile(ini)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
