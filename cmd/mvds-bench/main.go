package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sort"
	"strings"
	"time"

	"github.com/KevoDB/mvds/pkg/common/log"
	"github.com/KevoDB/mvds/pkg/config"
	"github.com/KevoDB/mvds/pkg/stats"
	"github.com/KevoDB/mvds/pkg/telemetry"
)

var (
	// Command line flags
	benchmarkType  = flag.String("type", "all", "Type of benchmark to run (mixed, deltas, or all)")
	numWorkers     = flag.Int("workers", 0, "Number of concurrent workers (0 uses the configured worker count)")
	numKeys        = flag.Int("keys", 64, "Number of keys owned by each worker")
	numTxns        = flag.Int("txns", 32, "Number of transactions in the simulated block")
	numOps         = flag.Int("ops", 10000, "Number of operations issued by each worker")
	seed           = flag.Int64("seed", 1, "Seed of the random operation logs")
	configPath     = flag.String("config", "", "Path to a JSON configuration file")
	logLevel       = flag.String("log-level", "", "Override the configured log level")
	metricsPort    = flag.Int("metrics-port", -1, "Serve Prometheus metrics on this port (0 picks a free port, -1 disables)")
	reportInterval = flag.Duration("report-interval", time.Second, "How often store metrics are pushed while workers run")
	cpuProfile     = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile     = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile    = flag.String("results", "", "CSV file to write results to (in addition to stdout)")
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

	cfg, err := loadConfig(*configPath, *logLevel, *metricsPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewStandardLogger(log.WithLevel(cfg.Level()), log.WithOutput(os.Stderr))
	log.SetDefaultLogger(logger)

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up telemetry: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown: %v", err)
		}
	}()
	if p, ok := tel.(*telemetry.TelemetryProvider); ok && p.MetricsAddr() != "" {
		fmt.Printf("Serving metrics on http://%s/metrics\n", p.MetricsAddr())
	}

	workers := *numWorkers
	if workers <= 0 {
		workers = cfg.Workers
	}

	r := &runner{
		workload: workload{
			keys:  *numKeys,
			txns:  *numTxns,
			ops:   *numOps,
			limit: cfg.AggregatorLimit(),
		},
		workers:    workers,
		seed:       *seed,
		options:    cfg.MapOptions(),
		codec:      cfg.Codec(),
		telemetry:  tel,
		logger:     logger.WithField("component", telemetry.ComponentBench),
		latencies:  stats.NewAtomicCollector(),
		reportTick: *reportInterval,
	}

	var types []string
	for _, typ := range strings.Split(*benchmarkType, ",") {
		switch typ = strings.ToLower(strings.TrimSpace(typ)); typ {
		case "mixed", "deltas":
			types = append(types, typ)
		case "all":
			types = append(types, "mixed", "deltas")
		default:
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
	}

	fmt.Printf("Benchmark Report (%s)\n", time.Now().Format(time.RFC3339))
	fmt.Printf("Workers: %d, Keys per worker: %d, Transactions: %d, Ops per worker: %d, Seed: %d\n",
		r.workers, r.keys, r.txns, r.ops, r.seed)

	var results []BenchmarkResult
	for _, typ := range types {
		fmt.Printf("Running %s benchmark...\n", typ)
		r.deltasOnly = typ == "deltas"

		res, err := r.check(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s benchmark: concurrent and serial execution diverged: %v\n", typ, err)
			os.Exit(1)
		}
		result := newResult(typ, r, res)
		fmt.Println(result)
		logger.Debug("%s store stats: %v", typ, res.Stats)
		results = append(results, result)
	}

	PrintResultTable(results)
	printLatencies(r.latencies)

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

// loadConfig reads the configuration and applies command line overrides.
// A non-negative metrics port enables the Prometheus exporter.
func loadConfig(path, level string, port int) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if path != "" {
		loaded, err := config.LoadConfigFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if level != "" {
		if _, err := log.ParseLevel(level); err != nil {
			return nil, err
		}
	}

	cfg.Update(func(c *config.Config) {
		if level != "" {
			c.LogLevel = level
		}
		if port >= 0 {
			c.Telemetry.Enabled = true
			c.Telemetry.PrometheusPort = port
			if !c.Telemetry.HasExporter(telemetry.ExporterPrometheus) {
				c.Telemetry.Exporters = []string{telemetry.ExporterPrometheus}
			}
		}
	})
	return cfg, cfg.Validate()
}

func printLatencies(c *stats.AtomicCollector) {
	var names []string
	all := c.GetStats()
	for name := range all {
		if strings.HasSuffix(name, "_latency") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	fmt.Println("Latencies:")
	for _, name := range names {
		l := all[name].(map[string]interface{})
		fmt.Printf("  %-28s count=%v avg=%vns min=%vns max=%vns\n",
			strings.TrimSuffix(name, "_latency"), l["count"], l["avg_ns"], l["min_ns"], l["max_ns"])
	}
}
