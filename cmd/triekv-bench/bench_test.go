package main

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunner(t *testing.T, mode engine.Mode) *runner {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.IndexSegmentSize = 256 * 1024
	cfg.DataSegmentSize = 256 * 1024
	cfg.SyncMode = config.SyncNone

	r, err := newRunner(t.TempDir(), mode, Options{
		Duration:  5 * time.Second,
		NumKeys:   200,
		ValueSize: 32,
		Readers:   2,
		Config:    cfg,
		Logger:    log.NewStandardLogger(log.WithOutput(io.Discard)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRunner_AllBenchmarks(t *testing.T) {
	for _, mode := range []engine.Mode{engine.ModeWriterSync, engine.ModeWriterAsync} {
		t.Run(mode.String(), func(t *testing.T) {
			r := testRunner(t, mode)
			for _, name := range allBenchmarks {
				res, err := r.Run(name)
				require.NoError(t, err, name)
				assert.Equal(t, name, res.BenchmarkType)
				assert.Equal(t, mode.String(), res.Mode)
				assert.Positive(t, res.Operations, name)
				assert.Contains(t, res.String(), "Throughput")
			}

			count, err := r.db.Count()
			require.NoError(t, err)
			assert.Equal(t, uint64(200), count)
		})
	}
}

func TestRunner_ConcurrentReadsOnFreshDatabase(t *testing.T) {
	for _, mode := range []engine.Mode{engine.ModeWriterSync, engine.ModeWriterAsync} {
		t.Run(mode.String(), func(t *testing.T) {
			r := testRunner(t, mode)
			res, err := r.Run("concurrent-read")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, res.Operations, 2)

			count, err := r.db.Count()
			require.NoError(t, err)
			assert.Positive(t, count)
		})
	}
}

func TestRunner_ReadsHitWrittenKeys(t *testing.T) {
	r := testRunner(t, engine.ModeWriterSync)
	_, err := r.Run("write")
	require.NoError(t, err)

	res, err := r.Run("read")
	require.NoError(t, err)
	assert.Equal(t, 200, res.Operations)
	assert.InDelta(t, 100, res.HitRate, 0.001)

	res, err = r.Run("prefix-scan")
	require.NoError(t, err)
	assert.Positive(t, res.EntriesPerSec)
}

func TestRunner_UnknownBenchmark(t *testing.T) {
	r := testRunner(t, engine.ModeWriterSync)
	_, err := r.Run("teleport")
	assert.Error(t, err)
}

func TestResultCSV(t *testing.T) {
	file := filepath.Join(t.TempDir(), "out", "results.csv")
	results := []BenchmarkResult{{
		BenchmarkType: "read",
		NumKeys:       10,
		ValueSize:     100,
		Mode:          "writer-sync",
		Operations:    10,
		Duration:      1.5,
		Throughput:    6.67,
		P99:           12.5,
		HitRate:       90,
		Timestamp:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	require.NoError(t, SaveResultCSV(results, file))

	loaded, err := LoadResultCSV(file)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, results[0], loaded[0])

	var buf bytes.Buffer
	PrintResultTable(&buf, loaded)
	assert.Contains(t, buf.String(), "90.00%")

	buf.Reset()
	PrintResultTable(&buf, nil)
	assert.Equal(t, "No results to display\n", buf.String())
}
