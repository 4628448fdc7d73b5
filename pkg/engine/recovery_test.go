package engine

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevoDB/triekv/pkg/trie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recoveryStats(db *DB) map[string]interface{} {
	return db.stats.GetStats()["recovery"].(map[string]interface{})
}

func TestRecovery_InterruptedBatch(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, ModeWriterSync)
	for i := 0; i < 10; i++ {
		require.NoError(t, db.Add([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("val-%d", i))))
	}
	committed := db.Version()

	// a batch that never reaches its commit slot
	db.writer.mu.Lock()
	b := db.writer.begin()
	require.NoError(t, db.writer.add(b, []byte("uncommitted"), []byte("lost"), true))
	require.NoError(t, db.writer.remove(b, []byte("key-3")))
	db.writer.mu.Unlock()
	crash(t, db)

	db = openDB(t, dir, ModeWriterSync)
	defer db.Close()

	assert.True(t, db.hdr.CommitComplete())
	assert.Greater(t, db.Version(), committed+db.grace-1)
	assert.Equal(t, uint64(1), recoveryStats(db)["count"])
	assert.Equal(t, uint64(1), recoveryStats(db)["rolled_back_versions"])

	_, err := db.Find([]byte("uncommitted"))
	assert.ErrorIs(t, err, ErrNotFound)
	for i := 0; i < 10; i++ {
		value, err := db.Find([]byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("val-%d", i), string(value))
	}
	count, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), count)

	// every node reachable from the recovered root is intact
	st, err := trie.Collect(db.index, db.hdr.Root())
	require.NoError(t, err)
	assert.Equal(t, 10, st.Leaves)

	// the space of the lost batch is reused
	assert.NotZero(t, db.writer.indexAlloc.Stats().ReadyBytes)
	require.NoError(t, db.Add([]byte("after"), []byte("recovery")))
}

func TestRecovery_WriterMarkerLeftBehind(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, ModeWriterSync)
	require.NoError(t, db.Add([]byte("a"), []byte("1")))
	require.NoError(t, db.Add([]byte("a"), []byte("2")))
	crash(t, db)

	db = openDB(t, dir, ModeWriterSync)
	defer db.Close()

	assert.Equal(t, uint64(1), recoveryStats(db)["count"])
	assert.Zero(t, recoveryStats(db)["rolled_back_versions"])

	value, err := db.Find([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(value))

	// the superseded value was not reachable and is free again
	assert.NotZero(t, db.writer.dataAlloc.Stats().ReadyBytes)
}

func TestRecovery_RepeatedCrashes(t *testing.T) {
	dir := t.TempDir()
	for round := 0; round < 3; round++ {
		db := openDB(t, dir, ModeWriterSync)
		for i := 0; i < 20; i++ {
			key := []byte(fmt.Sprintf("r%d-%02d", round, i))
			require.NoError(t, db.Add(key, key))
		}
		crash(t, db)
	}

	db := openDB(t, dir, ModeReader)
	defer db.Close()
	count, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(60), count)
}

func TestRecovery_CleanCloseSkipsRecovery(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, ModeWriterSync)
	require.NoError(t, db.Add([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	db = openDB(t, dir, ModeWriterSync)
	defer db.Close()
	assert.Zero(t, recoveryStats(db)["count"])
	assert.NotZero(t, db.hdr.WriterMarker())
}

// Header file offsets used to simulate damage
const (
	hdrLiveVersion = 128
	hdrCommitFlag  = 144
	hdrSlotBase    = 256
	hdrSlotSize    = 128
)

func slotAt(version uint64) int64 {
	return hdrSlotBase + int64(version%2)*hdrSlotSize
}

// patchHeader writes b into the header file of a closed database
func patchHeader(t *testing.T, dir string, off int64, b []byte) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, HeaderFile), os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func flipHeaderByte(t *testing.T, dir string, off int64) {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, HeaderFile))
	require.NoError(t, err)
	patchHeader(t, dir, off, []byte{raw[off] ^ 0xff})
}

func putHeaderWord(t *testing.T, dir string, off int64, v uint64) {
	t.Helper()
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	patchHeader(t, dir, off, b)
}

func TestRecovery_TornSlotStaysAheadOfReaders(t *testing.T) {
	for _, grace := range []uint64{1, 2, 3, 4} {
		t.Run(fmt.Sprintf("grace=%d", grace), func(t *testing.T) {
			dir := t.TempDir()
			cfg := testConfig()
			cfg.GraceGenerations = grace

			db := openDB(t, dir, ModeWriterSync, WithConfig(cfg))
			require.NoError(t, db.Add([]byte("first"), []byte("1")))
			require.NoError(t, db.Add([]byte("second"), []byte("2")))
			live := db.Version()

			reader := openDB(t, dir, ModeReader, WithConfig(cfg))
			defer reader.Close()
			snapshot := reader.Version()
			require.Equal(t, live, snapshot)

			crash(t, db)
			flipHeaderByte(t, dir, slotAt(live)+8)
			putHeaderWord(t, dir, hdrCommitFlag, 0)

			db = openDB(t, dir, ModeWriterSync, WithConfig(cfg))
			defer db.Close()

			assert.GreaterOrEqual(t, db.Version()-snapshot, grace)
			assert.True(t, reader.stale(snapshot))
			assert.NotEqual(t, db.Version()%2, (live-1)%2)
			assert.Equal(t, uint64(1), recoveryStats(db)["rolled_back_versions"])

			value, err := db.Find([]byte("first"))
			require.NoError(t, err)
			assert.Equal(t, "1", string(value))
			_, err = db.Find([]byte("second"))
			assert.ErrorIs(t, err, ErrNotFound)

			value, err = reader.Find([]byte("first"))
			require.NoError(t, err)
			assert.Equal(t, "1", string(value))
		})
	}
}

func TestRecovery_UnpublishedSlotRollsForward(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, ModeWriterSync)
	require.NoError(t, db.Add([]byte("a"), []byte("1")))
	require.NoError(t, db.Add([]byte("b"), []byte("2")))
	committed := db.Version()
	crash(t, db)

	// the slot reached disk but the live version did not move
	putHeaderWord(t, dir, hdrLiveVersion, committed-1)
	putHeaderWord(t, dir, hdrCommitFlag, 0)

	db = openDB(t, dir, ModeWriterSync)
	defer db.Close()

	assert.Equal(t, uint64(1), recoveryStats(db)["count"])
	assert.Zero(t, recoveryStats(db)["rolled_back_versions"])
	assert.GreaterOrEqual(t, db.Version(), committed+db.grace)
	for k, v := range map[string]string{"a": "1", "b": "2"} {
		value, err := db.Find([]byte(k))
		require.NoError(t, err)
		assert.Equal(t, v, string(value))
	}
}

func TestRecovery_DamagedPreamble(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, ModeWriterSync)
	require.NoError(t, db.Add([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	flipHeaderByte(t, dir, 20)

	for _, mode := range []Mode{ModeReader, ModeWriterSync} {
		_, err := Open(dir, mode, WithConfig(testConfig()), WithLogger(quietLogger()))
		assert.ErrorIs(t, err, ErrCorruptDatabase, mode.String())
	}
}

func TestRecovery_NoValidSlot(t *testing.T) {
	for _, crashed := range []bool{false, true} {
		t.Run(fmt.Sprintf("crashed=%t", crashed), func(t *testing.T) {
			dir := t.TempDir()
			db := openDB(t, dir, ModeWriterSync)
			require.NoError(t, db.Add([]byte("k"), []byte("v")))
			if crashed {
				crash(t, db)
			} else {
				require.NoError(t, db.Close())
			}

			flipHeaderByte(t, dir, hdrSlotBase+8)
			flipHeaderByte(t, dir, hdrSlotBase+hdrSlotSize+8)

			for _, mode := range []Mode{ModeReader, ModeWriterSync} {
				_, err := Open(dir, mode, WithConfig(testConfig()), WithLogger(quietLogger()))
				assert.ErrorIs(t, err, ErrCorruptDatabase, mode.String())
			}
		})
	}
}

func TestRecovery_LiveStateDisagreesWithCleanCommit(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, ModeWriterSync)
	require.NoError(t, db.Add([]byte("k"), []byte("v")))
	version := db.Version()
	require.NoError(t, db.Close())

	putHeaderWord(t, dir, hdrLiveVersion, version+5)

	_, err := Open(dir, ModeWriterSync, WithConfig(testConfig()), WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrCorruptDatabase)
}
