package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/KevoDB/triekv/pkg/codec"
	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/engine"
	"github.com/KevoDB/triekv/pkg/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.IndexSegmentSize = 64 * 1024
	cfg.DataSegmentSize = 64 * 1024
	cfg.MaxValueSize = 16 * 1024
	cfg.SyncMode = config.SyncNone
	return cfg
}

func quiet() log.Logger {
	return log.NewStandardLogger(log.WithOutput(io.Discard))
}

func openDB(t *testing.T, dir string, mode engine.Mode) *engine.DB {
	t.Helper()
	db, err := engine.Open(dir, mode, engine.WithConfig(testConfig()), engine.WithLogger(quiet()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func fill(t *testing.T, db *engine.DB, n int) map[string]string {
	t.Helper()
	want := map[string]string{"": "empty key"}
	require.NoError(t, db.Add(nil, []byte("empty key")))
	for i := 0; i < n; i++ {
		k, v := fmt.Sprintf("user/%04d", i), fmt.Sprintf("value-%04d", i)
		if i%10 == 0 {
			k = fmt.Sprintf("group/%04d", i)
		}
		require.NoError(t, db.Add([]byte(k), []byte(v)))
		want[k] = v
	}
	return want
}

func contents(t *testing.T, db *engine.DB) map[string]string {
	t.Helper()
	got := map[string]string{}
	require.NoError(t, db.Scan(nil, func(k, v []byte) bool {
		got[string(k)] = string(v)
		return true
	}))
	return got
}

func TestBackupRestore(t *testing.T) {
	for _, c := range []codec.Codec{codec.None, codec.Snappy, codec.Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			src := openDB(t, t.TempDir(), engine.ModeWriterSync)
			want := fill(t, src, 300)

			var buf bytes.Buffer
			res, err := Backup(context.Background(), src, &buf, Options{Codec: c, Logger: quiet()})
			require.NoError(t, err)
			assert.Equal(t, uint64(len(want)), res.Entries)
			assert.Equal(t, src.ID().String(), res.Header.ID)
			assert.Equal(t, src.Version(), res.Header.Version)
			assert.Equal(t, uint64(1), src.StatsCollector().Count(stats.OpBackup))

			dst := openDB(t, t.TempDir(), engine.ModeWriterAsync)
			restored, err := Restore(context.Background(), &buf, dst, Options{Logger: quiet()})
			require.NoError(t, err)
			assert.Equal(t, res.Entries, restored.Entries)
			assert.Equal(t, res.Bytes, restored.Bytes)
			assert.Equal(t, c.String(), restored.Header.Codec)
			assert.Equal(t, want, contents(t, dst))
		})
	}
}

func TestBackupPrefix(t *testing.T) {
	src := openDB(t, t.TempDir(), engine.ModeWriterSync)
	fill(t, src, 100)

	var buf bytes.Buffer
	res, err := Backup(context.Background(), src, &buf, Options{Prefix: []byte("group/"), Logger: quiet()})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), res.Entries)

	dst := openDB(t, t.TempDir(), engine.ModeWriterSync)
	_, err = Restore(context.Background(), &buf, dst, Options{Logger: quiet()})
	require.NoError(t, err)
	got := contents(t, dst)
	assert.Len(t, got, 10)
	assert.Equal(t, "value-0050", got["group/0050"])
}

func TestRestoreClear(t *testing.T) {
	src := openDB(t, t.TempDir(), engine.ModeWriterSync)
	want := fill(t, src, 20)
	var buf bytes.Buffer
	_, err := Backup(context.Background(), src, &buf, Options{Logger: quiet()})
	require.NoError(t, err)
	backup := buf.Bytes()

	dst := openDB(t, t.TempDir(), engine.ModeWriterSync)
	require.NoError(t, dst.Add([]byte("stale"), []byte("x")))

	_, err = Restore(context.Background(), bytes.NewReader(backup), dst, Options{Logger: quiet()})
	require.NoError(t, err)
	assert.Contains(t, contents(t, dst), "stale")

	_, err = Restore(context.Background(), bytes.NewReader(backup), dst, Options{Clear: true, Logger: quiet()})
	require.NoError(t, err)
	assert.Equal(t, want, contents(t, dst))
}

func TestRestoreRejectsDamage(t *testing.T) {
	src := openDB(t, t.TempDir(), engine.ModeWriterSync)
	fill(t, src, 50)
	var buf bytes.Buffer
	_, err := Backup(context.Background(), src, &buf, Options{Logger: quiet()})
	require.NoError(t, err)
	good := buf.Bytes()

	restore := func(stream []byte) error {
		dst := openDB(t, t.TempDir(), engine.ModeWriterSync)
		_, err := Restore(context.Background(), bytes.NewReader(stream), dst, Options{Logger: quiet()})
		return err
	}

	t.Run("bad magic", func(t *testing.T) {
		assert.ErrorIs(t, restore([]byte("not a backup at all")), ErrBadMagic)
		assert.ErrorIs(t, restore(nil), ErrBadMagic)
	})

	t.Run("altered value", func(t *testing.T) {
		altered := bytes.Clone(good)
		i := bytes.Index(altered, []byte("value-0007"))
		require.Positive(t, i)
		altered[i+len("value-000")] = '8'
		assert.ErrorIs(t, restore(altered), ErrChecksumMismatch)
	})

	t.Run("truncated", func(t *testing.T) {
		assert.ErrorIs(t, restore(good[:len(good)-3]), ErrTruncated)
		i := bytes.Index(good, []byte("value-0020"))
		assert.ErrorIs(t, restore(good[:i]), ErrTruncated)
	})
}

func TestBackupContextCancelled(t *testing.T) {
	src := openDB(t, t.TempDir(), engine.ModeWriterSync)
	fill(t, src, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Backup(ctx, src, io.Discard, Options{Logger: quiet()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompact(t *testing.T) {
	src := openDB(t, t.TempDir(), engine.ModeWriterSync)
	want := fill(t, src, 200)
	// churn leaves free space behind in the source
	for round := 0; round < 5; round++ {
		for i := 0; i < 200; i += 2 {
			k := fmt.Sprintf("user/%04d", i)
			if _, ok := want[k]; !ok {
				continue
			}
			v := fmt.Sprintf("round-%d-%s", round, bytes.Repeat([]byte("x"), 64))
			require.NoError(t, src.Add([]byte(k), []byte(v)))
			want[k] = v
		}
	}

	dstDir := filepath.Join(t.TempDir(), "compacted")
	res, err := Compact(context.Background(), src, dstDir, CompactOptions{Options: Options{Logger: quiet()}})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(want)), res.Entries)

	dst, err := engine.Open(dstDir, engine.ModeReader, engine.WithLogger(quiet()))
	require.NoError(t, err)
	defer dst.Close()
	assert.Equal(t, want, contents(t, dst))

	srcData := src.Stats()["data"].(map[string]interface{})
	dstData := dst.Stats()["data"].(map[string]interface{})
	assert.Less(t, dstData["tail_bytes"].(uint64), srcData["tail_bytes"].(uint64))

	_, err = Compact(context.Background(), src, dstDir, CompactOptions{Options: Options{Logger: quiet()}})
	assert.Error(t, err)
}
