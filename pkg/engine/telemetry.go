// ABOUTME: Engine-level telemetry for operation latency, commits, read retries and arena growth
// ABOUTME: Wraps the telemetry interface so the engine never depends on a concrete exporter

package engine

import (
	"context"
	"time"

	"github.com/KevoDB/triekv/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// EngineMetrics defines the interface for engine-level telemetry
type EngineMetrics interface {
	// Operation tracing
	RecordOperation(ctx context.Context, operation string, duration time.Duration, err error)
	RecordCommit(ctx context.Context, duration time.Duration, synced bool)
	RecordReadRetry(ctx context.Context, operation string)

	// Recovery
	RecordRecovery(ctx context.Context, duration time.Duration, rolledBack uint64)

	// Resource monitoring, sampled on collection
	RegisterArenaGauges(db *DB) error

	// Resource cleanup
	Close() error
}

// engineMetrics implements EngineMetrics using the telemetry interface
type engineMetrics struct {
	tel  telemetry.Telemetry
	mode string
}

// NewEngineMetrics creates a new EngineMetrics instance
func NewEngineMetrics(tel telemetry.Telemetry, mode Mode) EngineMetrics {
	if tel == nil {
		return NewNoopEngineMetrics()
	}
	return &engineMetrics{tel: tel, mode: mode.String()}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for testing or when telemetry is disabled
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

// RecordOperation records the duration and outcome of a public operation
func (m *engineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			// Silently handle telemetry panics
		}
	}()

	status := telemetry.StatusSuccess
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperation, operation),
		attribute.String(telemetry.AttrMode, m.mode),
	}
	if err != nil && err != ErrNotFound {
		status = telemetry.StatusError
		attrs = append(attrs, attribute.String(telemetry.AttrErrorType, errorType(err)))
	}
	attrs = append(attrs, attribute.String(telemetry.AttrStatus, status))

	m.tel.RecordHistogram(ctx, "triekv.engine.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "triekv.engine.operation.count", 1, attrs...)
}

// RecordCommit records a published version
func (m *engineMetrics) RecordCommit(ctx context.Context, duration time.Duration, synced bool) {
	defer func() {
		if r := recover(); r != nil {
			// Silently handle telemetry panics
		}
	}()

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperation, telemetry.OpTypeCommit),
		attribute.Bool("synced", synced),
	}
	m.tel.RecordHistogram(ctx, "triekv.engine.commit.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "triekv.engine.commit.count", 1, attrs...)
}

// RecordReadRetry records a read that raced with reclamation and restarted
func (m *engineMetrics) RecordReadRetry(ctx context.Context, operation string) {
	defer func() {
		if r := recover(); r != nil {
			// Silently handle telemetry panics
		}
	}()

	m.tel.RecordCounter(ctx, "triekv.engine.read.retries", 1,
		attribute.String(telemetry.AttrOperation, operation))
}

// RecordRecovery records a rollback performed at open
func (m *engineMetrics) RecordRecovery(ctx context.Context, duration time.Duration, rolledBack uint64) {
	defer func() {
		if r := recover(); r != nil {
			// Silently handle telemetry panics
		}
	}()

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
	}
	m.tel.RecordHistogram(ctx, "triekv.engine.recovery.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "triekv.engine.recovery.rolled_back", int64(rolledBack), attrs...)
}

// RegisterArenaGauges exposes the arena sizes and committed version of db.
// The gauges report zero once db is closed.
func (m *engineMetrics) RegisterArenaGauges(db *DB) error {
	gauges := []struct {
		name  string
		arena string
		fn    func() int64
	}{
		{"triekv.arena.tail.bytes", "index", func() int64 { return int64(db.index.Tail()) }},
		{"triekv.arena.tail.bytes", "data", func() int64 { return int64(db.data.Tail()) }},
		{"triekv.arena.mapped.bytes", "index", func() int64 { return int64(db.index.MappedSize()) }},
		{"triekv.arena.mapped.bytes", "data", func() int64 { return int64(db.data.MappedSize()) }},
	}
	for _, g := range gauges {
		if err := m.tel.RegisterGauge(g.name, db.gauge(g.fn), attribute.String(telemetry.AttrArena, g.arena)); err != nil {
			return err
		}
	}
	return m.tel.RegisterGauge("triekv.engine.version", db.gauge(func() int64 { return int64(db.hdr.Version()) }))
}

// Close closes the metrics and cleans up resources
func (m *engineMetrics) Close() error {
	// Engine metrics doesn't own the telemetry instance, so we don't close it
	return nil
}

// noopEngineMetrics provides a no-op implementation for testing or disabled telemetry
type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, err error) {
}
func (n *noopEngineMetrics) RecordCommit(ctx context.Context, duration time.Duration, synced bool) {}
func (n *noopEngineMetrics) RecordReadRetry(ctx context.Context, operation string)                {}
func (n *noopEngineMetrics) RecordRecovery(ctx context.Context, duration time.Duration, rolledBack uint64) {
}
func (n *noopEngineMetrics) RegisterArenaGauges(db *DB) error { return nil }
func (n *noopEngineMetrics) Close() error                     { return nil }
