package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsync_CloseDrainsQueue(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, ModeWriterAsync)
	for i := 0; i < 500; i++ {
		require.NoError(t, db.Add([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%03d", i))))
	}
	require.NoError(t, db.Close())

	db = openDB(t, dir, ModeReader)
	defer db.Close()
	count, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(500), count)
	for i := 0; i < 500; i += 50 {
		value, err := db.Find([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("val-%03d", i), string(value))
	}
}

func TestAsync_FlushMakesVisible(t *testing.T) {
	db := openDB(t, t.TempDir(), ModeWriterAsync)
	defer db.Close()

	require.NoError(t, db.Add([]byte("a"), []byte("1")))
	require.NoError(t, db.Add([]byte("b"), []byte("2")))
	require.NoError(t, db.Remove([]byte("a")))
	require.NoError(t, db.Flush())

	_, err := db.Find([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)
	value, err := db.Find([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(value))

	require.NoError(t, db.RemoveAll())
	require.NoError(t, db.Flush())
	count, err := db.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAsync_MissingRemoveIsCounted(t *testing.T) {
	db := openDB(t, t.TempDir(), ModeWriterAsync)
	defer db.Close()

	require.NoError(t, db.Remove([]byte("missing")))
	require.NoError(t, db.Flush())

	errs := db.Stats()["errors"].(map[string]uint64)
	assert.Equal(t, uint64(1), errs["not_found"])
}

func TestAsync_InsertExistingIsCounted(t *testing.T) {
	db := openDB(t, t.TempDir(), ModeWriterAsync)
	defer db.Close()

	require.NoError(t, db.Insert([]byte("k"), []byte("first")))
	require.NoError(t, db.Insert([]byte("k"), []byte("second")))
	require.NoError(t, db.Flush())

	value, err := db.Find([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(value))

	errs := db.Stats()["errors"].(map[string]uint64)
	assert.Equal(t, uint64(1), errs["key_exists"])
}

func TestAsync_BatchesShareVersions(t *testing.T) {
	db := openDB(t, t.TempDir(), ModeWriterAsync)
	defer db.Close()

	before := db.Version()
	for i := 0; i < 200; i++ {
		require.NoError(t, db.Add([]byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}
	require.NoError(t, db.Flush())

	assert.LessOrEqual(t, db.Version()-before, uint64(200))
	assert.NotZero(t, db.Stats()["commit_ops"])
}

func TestAsync_TryAddQueueFull(t *testing.T) {
	db := openDB(t, t.TempDir(), ModeWriterAsync)
	defer db.Close()

	// hold the writer so the committer stalls on its next batch
	db.writer.mu.Lock()
	var full bool
	for i := 0; i < 10*db.cfg.AsyncQueueSize && !full; i++ {
		err := db.TryAdd([]byte(fmt.Sprintf("k%04d", i)), []byte("v"))
		if err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			full = true
		}
	}
	db.writer.mu.Unlock()

	assert.True(t, full)
	require.NoError(t, db.Flush())
	assert.NotZero(t, db.Stats()["max_queue_depth"])
}

func TestAsync_AddContextCancelled(t *testing.T) {
	db := openDB(t, t.TempDir(), ModeWriterAsync)
	defer db.Close()

	db.writer.mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 10*db.cfg.AsyncQueueSize && err == nil; i++ {
		err = db.AddContext(ctx, []byte(fmt.Sprintf("k%04d", i)), []byte("v"))
	}
	db.writer.mu.Unlock()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsync_ErrorReportedOnce(t *testing.T) {
	db := openDB(t, t.TempDir(), ModeWriterAsync)
	defer db.Close()

	db.async.setErr(ErrOutOfSpace)
	assert.ErrorIs(t, db.Flush(), ErrOutOfSpace)
	assert.NoError(t, db.Flush())
}
