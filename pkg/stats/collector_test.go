package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpAdd)
	collector.TrackOperation(OpAdd)
	collector.TrackOperation(OpFind)

	stats := collector.GetStats()
	assert.Equal(t, uint64(2), stats["add_ops"])
	assert.Equal(t, uint64(1), stats["find_ops"])
	assert.Contains(t, stats, "last_add_time")
	assert.Contains(t, stats, "last_find_time")
	assert.Equal(t, uint64(2), collector.Count(OpAdd))
	assert.Zero(t, collector.Count(OpRemove))
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpFind, 100)
	collector.TrackOperationWithLatency(OpFind, 200)
	collector.TrackOperationWithLatency(OpFind, 300)

	latency, ok := collector.GetStats()["find_latency"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, uint64(3), latency["count"])
	assert.Equal(t, uint64(200), latency["avg_ns"])
	assert.Equal(t, uint64(100), latency["min_ns"])
	assert.Equal(t, uint64(300), latency["max_ns"])
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()
	const numGoroutines = 10
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			op := OpAdd
			if id%2 == 1 {
				op = OpFind
			}
			for j := 0; j < opsPerGoroutine; j++ {
				collector.TrackOperationWithLatency(op, uint64(j+1))
				collector.TrackBytes(op == OpAdd, 10)
				collector.TrackReadRetry()
			}
		}(i)
	}
	wg.Wait()

	stats := collector.GetStats()
	total := uint64(numGoroutines * opsPerGoroutine)
	assert.Equal(t, total/2, stats["add_ops"])
	assert.Equal(t, total/2, stats["find_ops"])
	assert.Equal(t, total*5, stats["total_bytes_written"])
	assert.Equal(t, total*5, stats["total_bytes_read"])
	assert.Equal(t, total, collector.ReadRetries())
}

func TestCollector_Errors(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackError("writer_busy")
	collector.TrackError("writer_busy")
	collector.TrackError("queue_full")

	errors, ok := collector.GetStats()["errors"].(map[string]uint64)
	require.True(t, ok)
	assert.Equal(t, uint64(2), errors["writer_busy"])
	assert.Equal(t, uint64(1), errors["queue_full"])
}

func TestCollector_QueueDepth(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackQueueDepth(3)
	collector.TrackQueueDepth(12)
	collector.TrackQueueDepth(1)

	stats := collector.GetStats()
	assert.Equal(t, int64(1), stats["queue_depth"])
	assert.Equal(t, int64(12), stats["max_queue_depth"])
}

func TestCollector_Recovery(t *testing.T) {
	collector := NewAtomicCollector()

	start := collector.StartRecovery()
	time.Sleep(2 * time.Millisecond)
	collector.FinishRecovery(start, 1, 4096, 8192)

	recovery, ok := collector.GetStats()["recovery"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, uint64(1), recovery["count"])
	assert.Equal(t, uint64(1), recovery["rolled_back_versions"])
	assert.Equal(t, uint64(4096), recovery["reclaimed_index_bytes"])
	assert.Equal(t, uint64(8192), recovery["reclaimed_data_bytes"])
	assert.Contains(t, recovery, "duration_ms")
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpAdd)
	collector.TrackOperation(OpRemove)
	collector.TrackOperation(OpRemoveAll)

	filtered := collector.GetStatsFiltered("remove")
	assert.Contains(t, filtered, "remove_ops")
	assert.Contains(t, filtered, "remove_all_ops")
	assert.NotContains(t, filtered, "add_ops")
}
