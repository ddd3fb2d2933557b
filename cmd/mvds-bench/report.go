package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType string
	Workers       int
	NumKeys       int
	Transactions  int
	Operations    int
	Reads         int
	Duration      float64
	Throughput    float64
	Latency       float64
	Speedup       float64 // Serial replay time over concurrent time
	WriteSetSize  int
	Timestamp     time.Time
}

func newResult(typ string, r *runner, res checkResult) BenchmarkResult {
	duration := res.Concurrent.Seconds()
	result := BenchmarkResult{
		BenchmarkType: typ,
		Workers:       r.workers,
		NumKeys:       r.keys * r.workers,
		Transactions:  r.txns,
		Operations:    res.Operations,
		Reads:         res.Reads,
		Duration:      duration,
		WriteSetSize:  res.WriteSet,
		Timestamp:     time.Now(),
	}
	if duration > 0 {
		result.Throughput = float64(res.Operations) / duration
		result.Latency = duration * 1e6 / float64(res.Operations)
		result.Speedup = res.Serial.Seconds() / duration
	}
	return result
}

// String renders the result the way it is printed on stdout
func (r BenchmarkResult) String() string {
	return fmt.Sprintf("%s: %d ops over %d workers in %.2fs (%.2f ops/sec, %.3f µs/op, %.2fx vs serial), "+
		"%d reads checked, write-set of %d entries",
		r.BenchmarkType, r.Operations, r.Workers, r.Duration, r.Throughput, r.Latency, r.Speedup,
		r.Reads, r.WriteSetSize)
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Timestamp", "BenchmarkType", "Workers", "NumKeys", "Transactions",
		"Operations", "Reads", "Duration", "Throughput", "Latency", "Speedup",
		"WriteSetSize",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.Workers),
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.Transactions),
			strconv.Itoa(r.Operations),
			strconv.Itoa(r.Reads),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.2f", r.Speedup),
			strconv.Itoa(r.WriteSetSize),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return nil
}

// PrintResultTable prints a formatted table of benchmark results
func PrintResultTable(results []BenchmarkResult) {
	if len(results) == 0 {
		fmt.Println("No results to display")
		return
	}

	fmt.Println("+-----------------+---------+--------+------------+-----------+---------+")
	fmt.Println("| Benchmark Type  | Workers | Keys   | Throughput | Latency   | Speedup |")
	fmt.Println("+-----------------+---------+--------+------------+-----------+---------+")

	for _, r := range results {
		latencyUnit := "µs"
		latency := r.Latency
		if latency > 1000 {
			latencyUnit = "ms"
			latency /= 1000
		}

		fmt.Printf("| %-15s | %7d | %6d | %10.2f | %7.2f%s | %6.2fx |\n",
			r.BenchmarkType,
			r.Workers,
			r.NumKeys,
			r.Throughput,
			latency, latencyUnit,
			r.Speedup)
	}
	fmt.Println("+-----------------+---------+--------+------------+-----------+---------+")
}
