package header

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeometry() Geometry {
	return Geometry{
		ID:               uuid.New(),
		IndexSegmentSize: 1 << 20,
		DataSegmentSize:  4 << 20,
		Created:          time.Unix(0, time.Now().UnixNano()),
		Grace:            4,
	}
}

func createHeader(t *testing.T) (*Header, string, Geometry) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "header.db")
	geo := testGeometry()
	h, err := Create(path, geo, Slot{Version: 1, Root: 64, IndexTail: 128, DataTail: 64})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h, path, geo
}

func TestCreateOpen(t *testing.T) {
	h, path, geo := createHeader(t)

	assert.Equal(t, uint64(1), h.Version())
	assert.Equal(t, uint64(64), h.Root())
	assert.True(t, h.CommitComplete())
	assert.Zero(t, h.WriterMarker())
	require.NoError(t, h.Close())

	ro, err := Open(path, true)
	require.NoError(t, err)
	defer ro.Close()

	got := ro.Geometry()
	assert.Equal(t, geo.ID, got.ID)
	assert.Equal(t, geo.IndexSegmentSize, got.IndexSegmentSize)
	assert.Equal(t, geo.DataSegmentSize, got.DataSegmentSize)
	assert.Equal(t, geo.Grace, got.Grace)
	assert.True(t, geo.Created.Equal(got.Created))

	assert.ErrorIs(t, ro.WriteSlot(Slot{Version: 2}), ErrReadOnly)
	assert.NoError(t, ro.Sync())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestCreateValidates(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(filepath.Join(dir, "a"), testGeometry(), Slot{})
	assert.Error(t, err)

	geo := testGeometry()
	geo.Grace = 0
	_, err = Create(filepath.Join(dir, "b"), geo, Slot{Version: 1})
	assert.Error(t, err)
}

func TestSlotsAlternate(t *testing.T) {
	h, _, _ := createHeader(t)

	for v := uint64(2); v <= 5; v++ {
		require.NoError(t, h.WriteSlot(Slot{Version: v, Root: v * 100, Count: v}))
		h.Publish(v*100, v)

		latest, err := h.LatestSlot()
		require.NoError(t, err)
		assert.Equal(t, v, latest.Version)
		assert.Equal(t, v*100, latest.Root)

		// the previous state is still intact in the other slot
		prev, ok := h.Slot(int((v - 1) % 2))
		require.True(t, ok)
		assert.Equal(t, v-1, prev.Version)
	}
	assert.Equal(t, uint64(5), h.Version())
	assert.Equal(t, uint64(500), h.Root())
}

func TestTornSlotFallsBack(t *testing.T) {
	h, _, _ := createHeader(t)
	require.NoError(t, h.WriteSlot(Slot{Version: 2, Root: 200}))

	// damage the newest slot
	h.mm[slotOffset(2)+8] ^= 0xff

	_, ok := h.Slot(0)
	assert.False(t, ok)
	latest, err := h.LatestSlot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.Version)

	h.mm[slotOffset(1)] ^= 0xff
	_, err = h.LatestSlot()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFlagsAndMarker(t *testing.T) {
	h, path, _ := createHeader(t)

	h.SetCommitComplete(false)
	h.SetWriterMarker(0xabc)
	require.NoError(t, h.Sync())
	require.NoError(t, h.Close())

	h, err := Open(path, false)
	require.NoError(t, err)
	defer h.Close()
	assert.False(t, h.CommitComplete())
	assert.Equal(t, uint64(0xabc), h.WriterMarker())
}

func TestOpenRejectsDamage(t *testing.T) {
	h, path, _ := createHeader(t)
	require.NoError(t, h.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	damaged := append([]byte(nil), raw...)
	damaged[20] ^= 1
	require.NoError(t, os.WriteFile(path, damaged, 0644))
	_, err = Open(path, true)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(path, raw[:100], 0644))
	_, err = Open(path, true)
	assert.ErrorIs(t, err, ErrCorrupt)

	copy(damaged, raw)
	damaged[0] = 'X'
	require.NoError(t, os.WriteFile(path, damaged, 0644))
	_, err = Open(path, true)
	assert.ErrorIs(t, err, ErrCorrupt)
}
