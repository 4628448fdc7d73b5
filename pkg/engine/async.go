package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/stats"
)

type opKind int

const (
	opAdd opKind = iota
	opInsert
	opRemove
	opRemoveAll
	opFlush
)

// asyncOp is a mutation waiting in the queue
type asyncOp struct {
	kind  opKind
	key   []byte
	value []byte
	// done receives the result of a flush
	done chan error
}

// asyncWriter feeds queued mutations to the writer from a single goroutine.
// Mutations that arrive together are committed as one version.
type asyncWriter struct {
	w      *writer
	queue  chan asyncOp
	batch  int
	logger log.Logger
	stats  *stats.AtomicCollector

	// mu is held shared while enqueueing and exclusively to close the queue
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	errMu sync.Mutex
	// err is the first failure not yet reported to the caller
	err error
}

func newAsyncWriter(w *writer, cfg *config.Config, logger log.Logger, collector *stats.AtomicCollector) *asyncWriter {
	a := &asyncWriter{
		w:      w,
		queue:  make(chan asyncOp, cfg.AsyncQueueSize),
		batch:  cfg.AsyncBatchSize,
		logger: logger.WithField("component", "async"),
		stats:  collector,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// setErr keeps the first failure until it is reported
func (a *asyncWriter) setErr(err error) {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	if a.err == nil {
		a.err = err
	}
}

// takeErr returns the pending failure and clears it
func (a *asyncWriter) takeErr() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	err := a.err
	a.err = nil
	return err
}

// enqueue hands op to the committer. With try set it fails with ErrQueueFull
// instead of waiting for room.
func (a *asyncWriter) enqueue(ctx context.Context, op asyncOp, try bool) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	if err := a.takeErr(); err != nil {
		return err
	}

	if try {
		select {
		case a.queue <- op:
		default:
			return ErrQueueFull
		}
	} else {
		select {
		case a.queue <- op:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.stats.TrackQueueDepth(len(a.queue))
	return nil
}

func (a *asyncWriter) add(ctx context.Context, key, value []byte, try, overwrite bool) error {
	kind := opAdd
	if !overwrite {
		kind = opInsert
	}
	return a.enqueue(ctx, asyncOp{
		kind:  kind,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	}, try)
}

func (a *asyncWriter) remove(key []byte) error {
	return a.enqueue(context.Background(), asyncOp{kind: opRemove, key: append([]byte(nil), key...)}, false)
}

func (a *asyncWriter) removeAll() error {
	return a.enqueue(context.Background(), asyncOp{kind: opRemoveAll}, false)
}

// flush waits until every mutation queued before it is committed and on disk
func (a *asyncWriter) flush(ctx context.Context) error {
	done := make(chan error, 1)
	if err := a.enqueue(ctx, asyncOp{kind: opFlush, done: done}, false); err != nil {
		return err
	}
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return a.takeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting mutations and waits for the queue to drain
func (a *asyncWriter) close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	return a.takeErr()
}

func (a *asyncWriter) run() {
	defer a.wg.Done()

	ops := make([]asyncOp, 0, a.batch)
	for op := range a.queue {
		ops = append(ops[:0], op)
	gather:
		for len(ops) < a.batch {
			select {
			case next, ok := <-a.queue:
				if !ok {
					break gather
				}
				ops = append(ops, next)
			default:
				break gather
			}
		}
		a.stats.TrackQueueDepth(len(a.queue))
		a.process(ops)
	}
}

// process commits ops as few versions as possible. A flush ends the current
// batch so that its reply covers everything queued before it.
func (a *asyncWriter) process(ops []asyncOp) {
	a.w.mu.Lock()
	defer a.w.mu.Unlock()

	var b *batch
	commit := func() {
		if b == nil {
			return
		}
		if err := a.w.commit(b); err != nil {
			a.logger.Error("async commit failed: %v", err)
			a.setErr(err)
		}
		b = nil
	}

	for _, op := range ops {
		if op.kind == opFlush {
			commit()
			op.done <- a.w.flush()
			continue
		}

		if b == nil {
			b = a.w.begin()
		}
		var err error
		switch op.kind {
		case opAdd:
			err = a.w.add(b, op.key, op.value, true)
		case opInsert:
			err = a.w.add(b, op.key, op.value, false)
		case opRemove:
			err = a.w.remove(b, op.key)
		case opRemoveAll:
			err = a.w.removeAll(b)
		}

		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrKeyExists):
			// a queued removal of a missing key or insert of a present one is
			// counted, not reported
			a.stats.TrackError(errorType(err))
		default:
			a.logger.Error("async %s failed: %v", op.kind, err)
			a.stats.TrackError(errorType(err))
			a.setErr(err)
		}
	}
	commit()
}

// String names the operation for logs
func (k opKind) String() string {
	switch k {
	case opAdd:
		return "add"
	case opInsert:
		return "insert"
	case opRemove:
		return "remove"
	case opRemoveAll:
		return "remove all"
	default:
		return "flush"
	}
}
