package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

const (
	OpAdd           OperationType = "add"
	OpFind          OperationType = "find"
	OpRemove        OperationType = "remove"
	OpRemoveAll     OperationType = "remove_all"
	OpLongestPrefix OperationType = "longest_prefix"
	OpScan          OperationType = "scan"
	OpCommit        OperationType = "commit"
	OpFlush         OperationType = "flush"
	OpBackup        OperationType = "backup"
	OpRestore       OperationType = "restore"
)

// AtomicCollector collects statistics with atomic counters. Maps are only
// locked when a new operation or error type shows up.
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex

	lastOpTime sync.Map // OperationType -> int64 unix nanos

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64
	readRetries       atomic.Uint64
	queueDepth        atomic.Int64
	maxQueueDepth     atomic.Int64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	recoveryStats RecoveryStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// RecoveryStats describes the last recovery performed on open
type RecoveryStats struct {
	Recoveries          atomic.Uint64
	RolledBackVersions  atomic.Uint64
	ReclaimedIndexBytes atomic.Uint64
	ReclaimedDataBytes  atomic.Uint64
	Duration            atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64
	max   atomic.Uint64
	min   atomic.Uint64 // 0 until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:    make(map[OperationType]*atomic.Uint64),
		errors:    make(map[string]*atomic.Uint64),
		latencies: make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)
	c.lastOpTime.Store(op, time.Now().UnixNano())
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}
	for {
		current := tracker.min.Load()
		if (current != 0 && latencyNs >= current) || tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackReadRetry counts a lookup restarted because its snapshot went stale
func (c *AtomicCollector) TrackReadRetry() {
	c.readRetries.Add(1)
}

// TrackQueueDepth records the current asynchronous queue depth
func (c *AtomicCollector) TrackQueueDepth(depth int) {
	d := int64(depth)
	c.queueDepth.Store(d)
	for {
		current := c.maxQueueDepth.Load()
		if d <= current || c.maxQueueDepth.CompareAndSwap(current, d) {
			break
		}
	}
}

// StartRecovery marks the beginning of a recovery
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recoveryStats.Recoveries.Add(1)
	return time.Now()
}

// FinishRecovery records the outcome of a recovery
func (c *AtomicCollector) FinishRecovery(startTime time.Time, rolledBackVersions, reclaimedIndexBytes, reclaimedDataBytes uint64) {
	c.recoveryStats.RolledBackVersions.Store(rolledBackVersions)
	c.recoveryStats.ReclaimedIndexBytes.Store(reclaimedIndexBytes)
	c.recoveryStats.ReclaimedDataBytes.Store(reclaimedDataBytes)
	c.recoveryStats.Duration.Store(time.Since(startTime).Nanoseconds())
}

// Count returns the number of times op was tracked
func (c *AtomicCollector) Count(op OperationType) uint64 {
	c.countsMu.RLock()
	defer c.countsMu.RUnlock()
	if counter, ok := c.counts[op]; ok {
		return counter.Load()
	}
	return 0
}

// ReadRetries returns the number of restarted lookups
func (c *AtomicCollector) ReadRetries() uint64 {
	return c.readRetries.Load()
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTime.Range(func(k, v interface{}) bool {
		stats["last_"+string(k.(OperationType))+"_time"] = v.(int64)
		return true
	})

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["read_retries"] = c.readRetries.Load()
	stats["queue_depth"] = c.queueDepth.Load()
	stats["max_queue_depth"] = c.maxQueueDepth.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64, len(c.errors))
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	recovery := map[string]interface{}{
		"count":                 c.recoveryStats.Recoveries.Load(),
		"rolled_back_versions":  c.recoveryStats.RolledBackVersions.Load(),
		"reclaimed_index_bytes": c.recoveryStats.ReclaimedIndexBytes.Load(),
		"reclaimed_data_bytes":  c.recoveryStats.ReclaimedDataBytes.Load(),
	}
	if d := c.recoveryStats.Duration.Load(); d > 0 {
		recovery["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recovery

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}
		latency := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if v := tracker.min.Load(); v != 0 {
			latency["min_ns"] = v
		}
		if v := tracker.max.Load(); v != 0 {
			latency["max_ns"] = v
		}
		stats[string(op)+"_latency"] = latency
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
