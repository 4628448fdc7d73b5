package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// BenchmarkResult stores the results of a benchmark. Latencies are in
// microseconds.
type BenchmarkResult struct {
	BenchmarkType string
	NumKeys       int
	ValueSize     int
	Mode          string
	Operations    int
	Duration      float64
	Throughput    float64
	Latency       float64
	P50           float64
	P99           float64
	Max           float64
	HitRate       float64 // For read benchmarks
	EntriesPerSec float64 // For scan benchmarks
	ReadRatio     float64 // For mixed benchmarks
	WriteRatio    float64 // For mixed benchmarks
	Timestamp     time.Time
}

var csvHeader = []string{
	"Timestamp", "BenchmarkType", "NumKeys", "ValueSize", "Mode",
	"Operations", "Duration", "Throughput", "Latency", "P50", "P99", "Max",
	"HitRate", "EntriesPerSec", "ReadRatio", "WriteRatio",
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.ValueSize),
			r.Mode,
			strconv.Itoa(r.Operations),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.3f", r.P50),
			fmt.Sprintf("%.3f", r.P99),
			fmt.Sprintf("%.3f", r.Max),
			fmt.Sprintf("%.2f", r.HitRate),
			fmt.Sprintf("%.2f", r.EntriesPerSec),
			fmt.Sprintf("%.1f", r.ReadRatio),
			fmt.Sprintf("%.1f", r.WriteRatio),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// LoadResultCSV loads benchmark results from a CSV file
func LoadResultCSV(filename string) ([]BenchmarkResult, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) <= 1 {
		return []BenchmarkResult{}, nil
	}

	results := make([]BenchmarkResult, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) < len(csvHeader) {
			continue
		}
		f := func(i int) float64 {
			v, _ := strconv.ParseFloat(record[i], 64)
			return v
		}
		timestamp, _ := time.Parse(time.RFC3339, record[0])
		numKeys, _ := strconv.Atoi(record[2])
		valueSize, _ := strconv.Atoi(record[3])
		operations, _ := strconv.Atoi(record[5])

		results = append(results, BenchmarkResult{
			Timestamp:     timestamp,
			BenchmarkType: record[1],
			NumKeys:       numKeys,
			ValueSize:     valueSize,
			Mode:          record[4],
			Operations:    operations,
			Duration:      f(6),
			Throughput:    f(7),
			Latency:       f(8),
			P50:           f(9),
			P99:           f(10),
			Max:           f(11),
			HitRate:       f(12),
			EntriesPerSec: f(13),
			ReadRatio:     f(14),
			WriteRatio:    f(15),
		})
	}
	return results, nil
}

// PrintResultTable prints a formatted table of benchmark results
func PrintResultTable(w io.Writer, results []BenchmarkResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results to display")
		return
	}

	line := "+-----------------+----------+---------+--------------+-----------+-----------+-------------+"
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "| Benchmark Type  | Keys     | ValSize | Throughput   | p50       | p99       | Hit Rate    |")
	fmt.Fprintln(w, line)
	for _, r := range results {
		hitRate := "-"
		switch {
		case r.ReadRatio > 0 || r.WriteRatio > 0:
			hitRate = fmt.Sprintf("R:%.0f/W:%.0f", r.ReadRatio, r.WriteRatio)
		case r.HitRate > 0:
			hitRate = fmt.Sprintf("%.2f%%", r.HitRate)
		}
		fmt.Fprintf(w, "| %-15s | %8d | %7d | %12.2f | %7.2fµs | %7.2fµs | %11s |\n",
			r.BenchmarkType, r.NumKeys, r.ValueSize, r.Throughput, r.P50, r.P99, hitRate)
	}
	fmt.Fprintln(w, line)
}
