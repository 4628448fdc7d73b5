package arena

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSegment = MinSegmentSize

func newTestArena(t *testing.T, opts Options) (*Arena, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arena.db")
	if opts.SegmentSize == 0 {
		opts.SegmentSize = testSegment
	}
	if opts.Tag == 0 {
		opts.Tag = 'I'
	}
	a, err := Create(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, path
}

func TestArena_CreateAndReopen(t *testing.T) {
	id := uuid.New()
	a, path := newTestArena(t, Options{ID: id})

	assert.Equal(t, uint64(PreambleSize), a.Tail())
	assert.Equal(t, uint64(testSegment), a.MappedSize())
	assert.Equal(t, id, a.ID())

	off, skipped, err := a.Reserve(100)
	require.NoError(t, err)
	assert.Equal(t, uint64(PreambleSize), off)
	assert.Zero(t, skipped.Size)
	require.NoError(t, a.Write(off, []byte("hello")))
	tail := a.Tail()
	require.NoError(t, a.Sync())
	require.NoError(t, a.Close())

	b, err := Open(path, Options{SegmentSize: testSegment, Tag: 'I', ID: id})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.SetTail(tail))

	buf := make([]byte, 5)
	require.NoError(t, b.Read(off, buf))
	assert.Equal(t, "hello", string(buf))
}

func TestArena_OpenRejectsMismatch(t *testing.T) {
	a, path := newTestArena(t, Options{ID: uuid.New()})
	require.NoError(t, a.Close())

	_, err := Open(path, Options{SegmentSize: testSegment, Tag: 'D'})
	assert.ErrorIs(t, err, ErrBadPreamble)

	_, err = Open(path, Options{SegmentSize: testSegment, Tag: 'I', ID: uuid.New()})
	assert.ErrorIs(t, err, ErrBadPreamble)

	_, err = Open(path, Options{SegmentSize: 2 * testSegment, Tag: 'I'})
	assert.ErrorIs(t, err, ErrBadPreamble)

	require.NoError(t, os.WriteFile(path, make([]byte, testSegment), 0644))
	_, err = Open(path, Options{SegmentSize: testSegment, Tag: 'I'})
	assert.ErrorIs(t, err, ErrBadPreamble)
}

func TestArena_ReserveSkipsSegmentEnd(t *testing.T) {
	a, _ := newTestArena(t, Options{})

	first, _, err := a.Reserve(testSegment - PreambleSize - 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(PreambleSize), first)

	off, skipped, err := a.Reserve(128)
	require.NoError(t, err)
	assert.Equal(t, uint64(testSegment), off)
	assert.Equal(t, Extent{Off: testSegment - 64, Size: 64}, skipped)
	assert.Equal(t, uint64(2*testSegment), a.MappedSize())

	h, err := a.ReadHeader(skipped.Off)
	require.NoError(t, err)
	assert.Equal(t, KindFiller, h.Kind)

	_, _, err = a.Reserve(testSegment + 8)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestArena_MaxSize(t *testing.T) {
	a, _ := newTestArena(t, Options{MaxSize: 2 * testSegment})

	for i := 0; i < 2; i++ {
		_, _, err := a.Reserve(testSegment / 2)
		require.NoError(t, err)
	}
	_, _, err := a.Reserve(testSegment / 2)
	require.NoError(t, err)
	_, _, err = a.Reserve(testSegment)
	assert.ErrorIs(t, err, ErrOutOfSpace)
}

func TestArena_ReadOnlyFollowsGrowth(t *testing.T) {
	id := uuid.New()
	w, path := newTestArena(t, Options{ID: id})

	r, err := Open(path, Options{SegmentSize: testSegment, Tag: 'I', ID: id, ReadOnly: true})
	require.NoError(t, err)
	defer r.Close()

	assert.ErrorIs(t, r.Write(PreambleSize, []byte("x")), ErrReadOnly)
	_, _, err = r.Reserve(8)
	assert.ErrorIs(t, err, ErrReadOnly)

	for i := 0; i < 4; i++ {
		_, _, err := w.Reserve(testSegment - 8)
		require.NoError(t, err)
	}
	off := uint64(3 * testSegment)
	require.NoError(t, w.Write(off, []byte("grown")))

	buf := make([]byte, 5)
	require.NoError(t, r.Read(off, buf))
	assert.Equal(t, "grown", string(buf))
	assert.Equal(t, w.MappedSize(), r.MappedSize())

	_, err = r.Slice(uint64(10*testSegment), 8)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestArena_SliceBounds(t *testing.T) {
	a, _ := newTestArena(t, Options{})

	_, err := a.Slice(0, 8)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = a.Slice(testSegment-4, 8)
	assert.ErrorIs(t, err, ErrOutOfRange)

	assert.Error(t, a.SetTail(PreambleSize+3))
	assert.Error(t, a.SetTail(0))
}

func TestValidateOptions(t *testing.T) {
	assert.Error(t, validateOptions(Options{SegmentSize: 1024}))
	assert.Error(t, validateOptions(Options{SegmentSize: MinSegmentSize + 8}))
	assert.Error(t, validateOptions(Options{SegmentSize: MinSegmentSize, MaxSize: 8}))
	assert.NoError(t, validateOptions(Options{SegmentSize: MinSegmentSize}))
}

func TestAdvice(t *testing.T) {
	for _, adv := range []Advice{AdviceNormal, AdviceRandom, AdviceSequential, AdviceWillNeed} {
		parsed, err := ParseAdvice(adv.String())
		require.NoError(t, err)
		assert.Equal(t, adv, parsed)
	}
	_, err := ParseAdvice("sideways")
	assert.Error(t, err)
}

func TestArena_TailReadDuringReserve(t *testing.T) {
	a, _ := newTestArena(t, Options{})

	done := make(chan struct{})
	last := make(chan uint64)
	go func() {
		var seen uint64
		for {
			select {
			case <-done:
				last <- seen
				return
			default:
				tail := a.Tail()
				if tail < seen {
					panic("tail moved backwards")
				}
				seen = tail
			}
		}
	}()

	for i := 0; i < 200; i++ {
		_, _, err := a.Reserve(64)
		require.NoError(t, err)
	}
	close(done)
	assert.LessOrEqual(t, <-last, a.Tail())
}
