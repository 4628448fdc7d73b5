package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/engine"
)

// allBenchmarks is the order "all" runs in; reads need the keys written first
var allBenchmarks = []string{
	"write", "random-write", "read", "random-read",
	"prefix-scan", "longest-prefix", "concurrent-read", "mixed",
}

// latencies are recorded in nanoseconds between 100ns and 10s
const (
	minLatency = 100
	maxLatency = int64(10 * time.Second)
	sigFigs    = 3
)

// Options configures a benchmark run
type Options struct {
	Duration  time.Duration
	NumKeys   int
	ValueSize int
	Readers   int
	Config    *config.Config
	Logger    log.Logger
	Progress  io.Writer
}

// runner owns the writer session the benchmarks share
type runner struct {
	dir   string
	mode  engine.Mode
	opts  Options
	db    *engine.DB
	value []byte
	rng   *rand.Rand
	// written is the number of sequential keys stored so far
	written int
}

func newRunner(dir string, mode engine.Mode, opts Options) (*runner, error) {
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	if opts.Readers <= 0 {
		opts.Readers = 1
	}
	db, err := engine.Open(dir, mode, engine.WithConfig(opts.Config), engine.WithLogger(opts.Logger))
	if err != nil {
		return nil, err
	}

	value := make([]byte, opts.ValueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}
	return &runner{
		dir:   dir,
		mode:  mode,
		opts:  opts,
		db:    db,
		value: value,
		rng:   rand.New(rand.NewSource(1)),
	}, nil
}

func (r *runner) Close() error {
	return r.db.Close()
}

// generateKey builds the key with the given sequence number. Keys share
// prefixes in groups so prefix scans have something to find.
func generateKey(n int) []byte {
	return []byte(fmt.Sprintf("key/%04d/%010d", n%1000, n))
}

// Run executes the named benchmark
func (r *runner) Run(name string) (BenchmarkResult, error) {
	fmt.Fprintf(r.opts.Progress, "Running %s benchmark...\n", name)
	var (
		res BenchmarkResult
		err error
	)
	switch name {
	case "write":
		res, err = r.timed(func(i int) error {
			err := r.db.Add(generateKey(r.written), r.value)
			if err == nil {
				r.written++
			}
			return err
		})
		if err == nil {
			err = r.db.Flush()
		}
	case "random-write":
		res, err = r.timed(func(int) error {
			return r.db.Add(generateKey(r.rng.Intn(r.opts.NumKeys)), r.value)
		})
		if err == nil {
			err = r.db.Flush()
		}
	case "read":
		res, err = r.reads(func(i int) []byte { return generateKey(i % r.opts.NumKeys) })
	case "random-read":
		res, err = r.reads(func(int) []byte { return generateKey(r.rng.Intn(r.opts.NumKeys)) })
	case "prefix-scan":
		res, err = r.prefixScan()
	case "longest-prefix":
		res, err = r.timed(func(i int) error {
			key := append(generateKey(r.rng.Intn(r.opts.NumKeys)), "/suffix"...)
			_, _, err := r.db.FindLongestPrefix(key)
			if errors.Is(err, engine.ErrNotFound) {
				return nil
			}
			return err
		})
	case "concurrent-read":
		res, err = r.concurrentReads()
	case "mixed":
		res, err = r.mixed()
	default:
		return BenchmarkResult{}, fmt.Errorf("unknown benchmark type %q", name)
	}
	if err != nil {
		return BenchmarkResult{}, err
	}

	res.BenchmarkType = name
	res.NumKeys = r.opts.NumKeys
	res.ValueSize = r.opts.ValueSize
	res.Mode = r.mode.String()
	res.Timestamp = time.Now()
	return res, nil
}

// timed calls op until the duration passes or NumKeys operations ran, and
// records the latency of each call
func (r *runner) timed(op func(i int) error) (BenchmarkResult, error) {
	hist := hdrhistogram.New(minLatency, maxLatency, sigFigs)
	start := time.Now()
	deadline := start.Add(r.opts.Duration)

	n := 0
	for ; n < r.opts.NumKeys && time.Now().Before(deadline); n++ {
		t := time.Now()
		if err := op(n); err != nil {
			return BenchmarkResult{}, fmt.Errorf("operation %d: %w", n, err)
		}
		hist.RecordValue(int64(time.Since(t)))
	}
	return newResult(n, time.Since(start), hist), nil
}

// reads looks up keys, counting hits
func (r *runner) reads(key func(i int) []byte) (BenchmarkResult, error) {
	var hits int
	res, err := r.timed(func(i int) error {
		_, err := r.db.Find(key(i))
		switch {
		case err == nil:
			hits++
		case !errors.Is(err, engine.ErrNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if res.Operations > 0 {
		res.HitRate = 100 * float64(hits) / float64(res.Operations)
	}
	return res, nil
}

// prefixScan iterates over random key groups
func (r *runner) prefixScan() (BenchmarkResult, error) {
	var entries int
	res, err := r.timed(func(int) error {
		it := r.db.Prefix([]byte(fmt.Sprintf("key/%04d/", r.rng.Intn(1000))))
		defer it.Close()
		for ok := it.SeekToFirst(); ok; ok = it.Next() {
			entries++
		}
		return it.Err()
	})
	if err != nil {
		return res, err
	}
	res.EntriesPerSec = float64(entries) / res.Duration
	return res, nil
}

// concurrentReads opens one reader session per goroutine on the same files
// and reads while the writer keeps committing
func (r *runner) concurrentReads() (BenchmarkResult, error) {
	hist := hdrhistogram.New(minLatency, maxLatency, sigFigs)
	hists := make([]*hdrhistogram.Histogram, r.opts.Readers)
	var hits atomic.Int64
	stop := make(chan struct{})

	// readers open their sessions before the writer starts
	var ready sync.WaitGroup
	ready.Add(len(hists))

	var g errgroup.Group
	for i := range hists {
		hists[i] = hdrhistogram.New(minLatency, maxLatency, sigFigs)
		h := hists[i]
		seed := int64(i + 2)
		g.Go(func() error {
			db, err := engine.Open(r.dir, engine.ModeReader,
				engine.WithConfig(r.opts.Config), engine.WithLogger(r.opts.Logger))
			ready.Done()
			if err != nil {
				return err
			}
			defer db.Close()

			rng := rand.New(rand.NewSource(seed))
			for n := 0; n < r.opts.NumKeys; n++ {
				t := time.Now()
				_, err := db.Find(generateKey(rng.Intn(r.opts.NumKeys)))
				if err == nil {
					hits.Add(1)
				} else if !errors.Is(err, engine.ErrNotFound) {
					return err
				}
				h.RecordValue(int64(time.Since(t)))

				select {
				case <-stop:
					return nil
				default:
				}
			}
			return nil
		})
	}

	ready.Wait()
	start := time.Now()
	deadline := start.Add(r.opts.Duration)
	writes := 0
	var writeErr error
	for time.Now().Before(deadline) && writes < r.opts.NumKeys {
		if writeErr = r.db.Add(generateKey(r.rng.Intn(r.opts.NumKeys)), r.value); writeErr != nil {
			break
		}
		writes++
	}
	if writeErr == nil {
		// queued writes commit while the readers are still running
		writeErr = r.db.Flush()
	}
	close(stop)
	if err := g.Wait(); err != nil {
		return BenchmarkResult{}, err
	}
	if writeErr != nil {
		return BenchmarkResult{}, writeErr
	}
	elapsed := time.Since(start)

	for _, h := range hists {
		hist.Merge(h)
	}
	res := newResult(int(hist.TotalCount()), elapsed, hist)
	if res.Operations > 0 {
		res.HitRate = 100 * float64(hits.Load()) / float64(res.Operations)
	}
	return res, nil
}

// mixed runs three reads for every write
func (r *runner) mixed() (BenchmarkResult, error) {
	var reads, writes int
	res, err := r.timed(func(i int) error {
		key := generateKey(r.rng.Intn(r.opts.NumKeys))
		if i%4 == 3 {
			writes++
			return r.db.Add(key, r.value)
		}
		reads++
		_, err := r.db.Find(key)
		if errors.Is(err, engine.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return res, err
	}
	if total := reads + writes; total > 0 {
		res.ReadRatio = 100 * float64(reads) / float64(total)
		res.WriteRatio = 100 * float64(writes) / float64(total)
	}
	return res, r.db.Flush()
}

func newResult(ops int, elapsed time.Duration, hist *hdrhistogram.Histogram) BenchmarkResult {
	res := BenchmarkResult{
		Operations: ops,
		Duration:   elapsed.Seconds(),
		Latency:    hist.Mean() / 1e3,
		P50:        float64(hist.ValueAtQuantile(50)) / 1e3,
		P99:        float64(hist.ValueAtQuantile(99)) / 1e3,
		Max:        float64(hist.Max()) / 1e3,
	}
	if elapsed > 0 {
		res.Throughput = float64(ops) / elapsed.Seconds()
	}
	return res
}

// String formats a result the way the run prints it
func (r BenchmarkResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s Benchmark Results:", r.BenchmarkType)
	fmt.Fprintf(&b, "\n  Operations: %s", humanize.Comma(int64(r.Operations)))
	fmt.Fprintf(&b, "\n  Time: %.2f seconds", r.Duration)
	fmt.Fprintf(&b, "\n  Throughput: %s ops/sec", humanize.CommafWithDigits(r.Throughput, 2))
	if strings.Contains(r.BenchmarkType, "write") {
		fmt.Fprintf(&b, " (%s/sec)", humanize.IBytes(uint64(r.Throughput*float64(r.ValueSize))))
	}
	fmt.Fprintf(&b, "\n  Latency: mean %.3f µs, p50 %.3f µs, p99 %.3f µs, max %.3f µs", r.Latency, r.P50, r.P99, r.Max)
	if r.HitRate > 0 {
		fmt.Fprintf(&b, "\n  Hit Rate: %.2f%%", r.HitRate)
	}
	if r.EntriesPerSec > 0 {
		fmt.Fprintf(&b, "\n  Entries: %s/sec", humanize.CommafWithDigits(r.EntriesPerSec, 0))
	}
	return b.String()
}
