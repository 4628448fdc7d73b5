package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/engine"
)

const (
	defaultValueSize = 100
	defaultKeyCount  = 100000
)

var (
	benchmarkType = flag.String("type", "all", "Benchmarks to run, comma separated (write, random-write, read, random-read, prefix-scan, longest-prefix, concurrent-read, mixed, or all)")
	duration      = flag.Duration("duration", 10*time.Second, "Duration of each benchmark")
	numKeys       = flag.Int("keys", defaultKeyCount, "Number of keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of values in bytes")
	dataDir       = flag.String("data-dir", "./benchmark-data", "Directory to store benchmark data")
	mode          = flag.String("mode", "writer-async", "Writer mode: writer-sync or writer-async")
	readers       = flag.Int("readers", runtime.NumCPU(), "Reader sessions for the concurrent-read benchmark")
	compression   = flag.String("compression", "none", "Value compression: none, snappy or zstd")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "CSV file to write results to (in addition to stdout)")
)

func main() {
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("Cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
		}
	}

	writerMode, err := engine.ParseMode(*mode)
	if err != nil || writerMode == engine.ModeReader {
		fmt.Fprintf(os.Stderr, "Invalid writer mode %q\n", *mode)
		os.Exit(1)
	}

	cfg := config.NewDefaultConfig()
	cfg.ValueCompression = *compression
	cfg.SyncMode = config.SyncNone
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	r, err := newRunner(*dataDir, writerMode, Options{
		Duration:  *duration,
		NumKeys:   *numKeys,
		ValueSize: *valueSize,
		Readers:   *readers,
		Config:    cfg,
		Logger:    log.NewStandardLogger(log.WithOutput(io.Discard)),
		Progress:  os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	fmt.Printf("Benchmark Report (%s)\n", time.Now().Format(time.RFC3339))
	fmt.Printf("Keys: %d, Value Size: %d bytes, Duration: %s, Mode: %s, Compression: %s\n",
		*numKeys, *valueSize, *duration, writerMode, *compression)

	var results []BenchmarkResult
	for _, typ := range strings.Split(*benchmarkType, ",") {
		typ = strings.ToLower(strings.TrimSpace(typ))
		var names []string
		if typ == "all" {
			names = allBenchmarks
		} else {
			names = []string{typ}
		}
		for _, name := range names {
			res, err := r.Run(name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s benchmark failed: %v\n", name, err)
				os.Exit(1)
			}
			fmt.Println(res)
			results = append(results, res)
		}
	}

	PrintResultTable(os.Stdout, results)

	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}
}
