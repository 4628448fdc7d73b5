// Package engine implements a database session over the mapped trie index and
// value heap. A session is either a reader, which never blocks and never
// writes, or the single writer, which commits synchronously or through a
// background queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/triekv/pkg/arena"
	"github.com/KevoDB/triekv/pkg/codec"
	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/engine/interfaces"
	"github.com/KevoDB/triekv/pkg/header"
	"github.com/KevoDB/triekv/pkg/heap"
	"github.com/KevoDB/triekv/pkg/stats"
	"github.com/KevoDB/triekv/pkg/telemetry"
	"github.com/KevoDB/triekv/pkg/trie"
	"github.com/google/uuid"
)

// File names inside the database directory
const (
	IndexFile  = "index.db"
	DataFile   = "data.db"
	HeaderFile = "header.db"
)

var _ interfaces.Engine = (*DB)(nil)

// DB is an open database session
type DB struct {
	path string
	mode Mode

	cfg     *config.Config
	logger  log.Logger
	tel     telemetry.Telemetry
	stats   *stats.AtomicCollector
	metrics EngineMetrics

	hdr    *header.Header
	index  *arena.Arena
	data   *arena.Arena
	heap   *heap.Heap
	codecs *codec.Manager

	// grace is the reclamation delay recorded in the header
	grace  uint64
	maxKey int

	lock   *writerLock
	writer *writer
	async  *asyncWriter

	// mu is held shared by every operation and exclusively by Close, so the
	// mappings are never released under a running operation
	mu      sync.RWMutex
	closed  bool
	closing atomic.Bool
}

// Exists reports whether a database has been created at path
func Exists(path string) bool {
	_, err := os.Stat(filepath.Join(path, HeaderFile))
	return err == nil
}

// Open opens the database at path in the given mode
func Open(path string, mode Mode, opts ...Option) (*DB, error) {
	if mode != ModeReader && !mode.writer() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	d := &DB{
		path:    path,
		mode:    mode,
		cfg:     o.cfg,
		logger:  o.logger.WithFields(map[string]interface{}{"path": path, "mode": mode.String()}),
		tel:     o.tel,
		stats:   o.collector,
		metrics: NewEngineMetrics(o.tel, mode),
	}

	start := time.Now()
	if mode.writer() {
		err = d.openWriter(o.createIfMissing)
	} else {
		err = d.openReader()
	}
	if err != nil {
		d.release()
		return nil, err
	}

	if err := d.metrics.RegisterArenaGauges(d); err != nil {
		d.logger.Warn("failed to register arena gauges: %v", err)
	}
	d.logger.Info("database opened at version %d in %s", d.hdr.Version(), time.Since(start))
	return d, nil
}

func (d *DB) file(name string) string {
	return filepath.Join(d.path, name)
}

func (d *DB) openCodecs(geo header.Geometry) error {
	codecs, err := codec.NewManager(int(geo.DataSegmentSize))
	if err != nil {
		return err
	}
	d.codecs = codecs
	return nil
}

// openArenas maps both arenas described by geo
func (d *DB) openArenas(geo header.Geometry, readOnly bool) error {
	advice, err := arena.ParseAdvice(d.cfg.PageAdvice)
	if err != nil {
		return err
	}

	d.index, err = arena.Open(d.file(IndexFile), arena.Options{
		SegmentSize: int64(geo.IndexSegmentSize),
		MaxSize:     d.cfg.MaxIndexSize,
		ReadOnly:    readOnly,
		Tag:         'I',
		ID:          geo.ID,
		Advice:      advice,
	})
	if err != nil {
		return translate(err)
	}
	d.data, err = arena.Open(d.file(DataFile), arena.Options{
		SegmentSize: int64(geo.DataSegmentSize),
		MaxSize:     d.cfg.MaxDataSize,
		ReadOnly:    readOnly,
		Tag:         'D',
		ID:          geo.ID,
		Advice:      advice,
	})
	if err != nil {
		return translate(err)
	}
	return nil
}

// setLimits derives the key limit and value limit from the geometry
func (d *DB) setLimits(geo header.Geometry) {
	d.grace = geo.Grace
	d.maxKey = min(d.cfg.MaxKeySize, int(geo.IndexSegmentSize)-config.NodeOverhead, trie.MaxLabel)
}

func (d *DB) openReader() error {
	if !Exists(d.path) {
		return fmt.Errorf("%w: no database at %s", ErrNotFound, d.path)
	}

	hdr, err := header.Open(d.file(HeaderFile), true)
	if err != nil {
		return translate(err)
	}
	d.hdr = hdr
	if _, err := hdr.LatestSlot(); err != nil {
		return translate(err)
	}
	geo := hdr.Geometry()

	if err := d.openArenas(geo, true); err != nil {
		return err
	}
	if err := d.openCodecs(geo); err != nil {
		return err
	}
	d.setLimits(geo)
	d.heap = heap.New(d.data, nil, d.codecs, heap.Options{MaxValueSize: d.cfg.MaxValueSize})
	return nil
}

func (d *DB) openWriter(createIfMissing bool) error {
	if err := os.MkdirAll(d.path, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	lock, err := acquireWriterLock(d.path, d.cfg.LockTimeout())
	if err != nil {
		return err
	}
	d.lock = lock

	created := false
	if !Exists(d.path) {
		if !createIfMissing {
			return fmt.Errorf("%w: no database at %s", ErrNotFound, d.path)
		}
		if err := d.create(); err != nil {
			return err
		}
		created = true
	} else {
		hdr, err := header.Open(d.file(HeaderFile), false)
		if err != nil {
			return translate(err)
		}
		d.hdr = hdr
		if err := d.openArenas(hdr.Geometry(), false); err != nil {
			return err
		}
	}

	geo := d.hdr.Geometry()
	if err := d.openCodecs(geo); err != nil {
		return err
	}
	d.setLimits(geo)

	valueCodec, err := codec.Parse(d.cfg.ValueCompression)
	if err != nil {
		return err
	}

	w := &writer{
		hdr:        d.hdr,
		index:      d.index,
		data:       d.data,
		indexAlloc: arena.NewAllocator(d.index, d.grace),
		dataAlloc:  arena.NewAllocator(d.data, d.grace),
		cfg:        d.cfg,
		maxKey:     d.maxKey,
		logger:     d.logger,
		stats:      d.stats,
		metrics:    d.metrics,
	}
	w.heap = heap.New(d.data, w.dataAlloc, d.codecs, heap.Options{
		Codec:           valueCodec,
		MinCompressSize: d.cfg.MinCompressSize,
		MaxValueSize:    d.cfg.MaxValueSize,
	})
	d.heap = w.heap
	d.writer = w

	if !created {
		if err := d.load(w); err != nil {
			return err
		}
	}

	d.hdr.SetWriterMarker(uint64(time.Now().UnixNano()) | 1)
	if err := d.hdr.Sync(); err != nil {
		return err
	}

	if d.mode == ModeWriterAsync {
		d.async = newAsyncWriter(w, d.cfg, d.logger, d.stats)
	}
	return nil
}

// create initializes a new database in d.path
func (d *DB) create() error {
	// arena files without a header are left over from an interrupted create
	for _, name := range []string{IndexFile, DataFile} {
		if err := os.Remove(d.file(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale %s: %w", name, err)
		}
	}

	advice, err := arena.ParseAdvice(d.cfg.PageAdvice)
	if err != nil {
		return err
	}
	geo := header.Geometry{
		ID:               uuid.New(),
		IndexSegmentSize: uint64(d.cfg.IndexSegmentSize),
		DataSegmentSize:  uint64(d.cfg.DataSegmentSize),
		Created:          time.Now(),
		Grace:            d.cfg.GraceGenerations,
	}

	d.index, err = arena.Create(d.file(IndexFile), arena.Options{
		SegmentSize: d.cfg.IndexSegmentSize,
		MaxSize:     d.cfg.MaxIndexSize,
		Tag:         'I',
		ID:          geo.ID,
		Advice:      advice,
	})
	if err != nil {
		return translate(err)
	}
	d.data, err = arena.Create(d.file(DataFile), arena.Options{
		SegmentSize: d.cfg.DataSegmentSize,
		MaxSize:     d.cfg.MaxDataSize,
		Tag:         'D',
		ID:          geo.ID,
		Advice:      advice,
	})
	if err != nil {
		return translate(err)
	}

	root, err := trie.NewRoot(d.index, arena.NewAllocator(d.index, geo.Grace), 1)
	if err != nil {
		return translate(err)
	}
	if err := d.index.Sync(); err != nil {
		return err
	}
	if err := d.data.Sync(); err != nil {
		return err
	}

	d.hdr, err = header.Create(d.file(HeaderFile), geo, header.Slot{
		Version:   1,
		Root:      root,
		IndexTail: d.index.Tail(),
		DataTail:  d.data.Tail(),
		Timestamp: time.Now().UnixNano(),
	})
	if err != nil {
		return translate(err)
	}

	d.logger.Info("created database %s", geo.ID)
	return nil
}

// load restores the writer state from the header, rolling back to the last
// complete commit when the previous writer did not close cleanly
func (d *DB) load(w *writer) error {
	if !d.hdr.CommitComplete() || d.hdr.WriterMarker() != 0 {
		d.logger.Warn("previous writer did not close cleanly (commit complete: %t, marker: %#x)",
			d.hdr.CommitComplete(), d.hdr.WriterMarker())
		return d.recover(w)
	}

	slot, err := d.hdr.LatestSlot()
	if err != nil {
		return translate(err)
	}
	if slot.Version != d.hdr.Version() || slot.Root != d.hdr.Root() {
		return fmt.Errorf("%w: live version %d does not match last commit %d",
			ErrCorruptDatabase, d.hdr.Version(), slot.Version)
	}
	if err := d.index.SetTail(slot.IndexTail); err != nil {
		return translate(err)
	}
	if err := d.data.SetTail(slot.DataTail); err != nil {
		return translate(err)
	}

	indexErr := w.indexAlloc.Load(slot.IndexFree, slot.Version)
	dataErr := w.dataAlloc.Load(slot.DataFree, slot.Version)
	if err := errors.Join(indexErr, dataErr); err != nil {
		d.logger.Warn("saved free-lists are unusable, rebuilding: %v", err)
		return d.recover(w)
	}

	w.count = slot.Count
	return nil
}

// enter starts an operation, holding d.mu shared until the returned function
// is called
func (d *DB) enter() (func(), error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrClosed
	}
	return d.mu.RUnlock, nil
}

// gauge wraps fn so that it reports zero once the session is closed
func (d *DB) gauge(fn func() int64) func() int64 {
	return func() int64 {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return 0
		}
		return fn()
	}
}

// Path returns the database directory
func (d *DB) Path() string {
	return d.path
}

// Mode returns the mode the session was opened in
func (d *DB) Mode() Mode {
	return d.mode
}

// ID returns the identifier recorded when the database was created
func (d *DB) ID() uuid.UUID {
	return d.hdr.Geometry().ID
}

// Config returns a copy of the session configuration
func (d *DB) Config() *config.Config {
	return d.cfg.Clone()
}

// StatsCollector returns the collector the session reports to
func (d *DB) StatsCollector() *stats.AtomicCollector {
	return d.stats
}

// ReadOnly reports whether the session rejects mutations
func (d *DB) ReadOnly() bool {
	return !d.mode.writer()
}

// Version returns the committed version
func (d *DB) Version() uint64 {
	done, err := d.enter()
	if err != nil {
		return 0
	}
	defer done()
	return d.hdr.Version()
}

// Close ends the session. A writer drains its queue, saves the free-lists,
// clears its marker and releases the lock. Closing twice is a no-op.
func (d *DB) Close() error {
	if !d.closing.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if d.async != nil {
		errs = append(errs, d.async.close())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true

	if d.writer != nil {
		d.writer.mu.Lock()
		errs = append(errs, d.writer.close())
		d.writer.mu.Unlock()
	}
	errs = append(errs, d.release())
	errs = append(errs, d.metrics.Close())

	if err := errors.Join(errs...); err != nil {
		d.logger.Error("database closed with errors: %v", err)
		return err
	}
	d.logger.Info("database closed")
	return nil
}

// release unmaps the files and drops the writer lock
func (d *DB) release() error {
	var errs []error
	if d.index != nil {
		errs = append(errs, d.index.Close())
	}
	if d.data != nil {
		errs = append(errs, d.data.Close())
	}
	if d.hdr != nil {
		errs = append(errs, d.hdr.Close())
	}
	if d.codecs != nil {
		errs = append(errs, d.codecs.Close())
	}
	if d.lock != nil {
		errs = append(errs, d.lock.release())
		d.lock = nil
	}
	return errors.Join(errs...)
}

// track records an operation in the statistics and metrics
func (d *DB) track(op stats.OperationType, start time.Time, err error) {
	elapsed := time.Since(start)
	d.stats.TrackOperationWithLatency(op, uint64(elapsed.Nanoseconds()))
	if err != nil && !errors.Is(err, ErrNotFound) {
		d.stats.TrackError(errorType(err))
	}
	d.metrics.RecordOperation(context.Background(), string(op), elapsed, err)
}
