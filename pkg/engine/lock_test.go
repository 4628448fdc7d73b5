package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLock(t *testing.T) {
	dir := t.TempDir()

	first, err := acquireWriterLock(dir, 0)
	require.NoError(t, err)

	_, err = acquireWriterLock(dir, 0)
	assert.ErrorIs(t, err, ErrWriterBusy)

	start := time.Now()
	_, err = acquireWriterLock(dir, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrWriterBusy)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, first.release())

	second, err := acquireWriterLock(dir, 0)
	require.NoError(t, err)
	require.NoError(t, second.release())
}

func TestWriterLock_WaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	first, err := acquireWriterLock(dir, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		first.release()
	}()

	second, err := acquireWriterLock(dir, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, second.release())
}

func TestWriterLock_WaitsFullTimeout(t *testing.T) {
	dir := t.TempDir()
	first, err := acquireWriterLock(dir, 0)
	require.NoError(t, err)
	defer first.release()

	for _, timeout := range []time.Duration{10 * time.Millisecond, 35 * time.Millisecond, 120 * time.Millisecond} {
		start := time.Now()
		_, err := acquireWriterLock(dir, timeout)
		assert.ErrorIs(t, err, ErrWriterBusy)
		assert.GreaterOrEqual(t, time.Since(start), timeout)
	}
}
