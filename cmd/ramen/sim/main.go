package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ramen/internal/httpapi"
	"ramen/internal/logging"
	"ramen/internal/raft"
	"ramen/internal/raft/metrics"
	"ramen/internal/sim"
	"ramen/internal/trace"
)

// workload drives a batch run: it writes to the leader and kills it on a schedule
type workload struct {
	writeEvery uint64
	killEvery  uint64
	writes     int
	killed     raft.NodeID
}

func main() {
	nodes := flag.Int("nodes", 5, "Number of nodes in the cluster")
	seed := flag.Int64("seed", 1, "Seed for message loss and election jitter")
	drop := flag.Float64("drop", 0, "Probability of losing a message, in [0, 1)")
	dynamic := flag.Bool("dynamic", false, "Count only reachable peers when computing majorities")
	ticks := flag.Uint64("ticks", 2000, "Number of ticks to run (0 runs until interrupted, HTTP mode only)")
	interval := flag.Duration("interval", 10*time.Millisecond, "Real time per tick in HTTP mode")
	writeEvery := flag.Uint64("write-every", 20, "Ticks between writes to the leader (0 disables writes)")
	killEvery := flag.Uint64("kill-leader-every", 0, "Ticks between leader kills (0 disables kills)")
	tracePath := flag.String("trace", "", "bbolt file to record the run to (optional)")
	output := flag.String("output", "", "Output JSON file for metrics (optional)")
	httpAddr := flag.String("http", "", "Serve the HTTP API and step in real time (optional)")
	level := flag.String("log-level", "warn", "Log level: debug, info, warn or error")
	flag.Parse()

	logLevel, err := logging.ParseLevel(*level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger, err := logging.New("ramen-sim", logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	collector := metrics.NewMetrics()

	config := sim.DefaultConfig()
	config.Nodes = *nodes
	config.Seed = *seed
	config.DropRate = *drop
	config.StaticMembership = !*dynamic
	config.Check = !*dynamic
	config.Logger = logger
	config.Metrics = collector
	config.StateMachines = true

	if *tracePath != "" {
		if config.Recorder, err = trace.NewRecorder(*tracePath); err != nil {
			log.Fatalf("Failed to open trace: %v", err)
		}
	}

	cluster, err := sim.NewCluster(config)
	if err != nil {
		log.Fatalf("Failed to create cluster: %v", err)
	}

	fmt.Println("========================================")
	fmt.Println("RAMEN SIMULATION")
	fmt.Println("========================================")
	fmt.Printf("Nodes: %d  Seed: %d  Drop rate: %.2f\n", *nodes, *seed, *drop)
	fmt.Println("========================================")

	var runErr error
	if *httpAddr != "" {
		runErr = serve(cluster, *httpAddr, *interval, *ticks, logger)
	} else {
		if *ticks == 0 {
			log.Fatal("Batch runs need -ticks")
		}
		w := &workload{writeEvery: *writeEvery, killEvery: *killEvery}
		runErr = runBatch(cluster, *ticks, w)
		fmt.Printf("Writes submitted: %d\n", w.writes)
	}

	if err := cluster.Close(); err != nil {
		logger.Errorf("[SIM] Failed to finish trace: %v", err)
	}
	if config.Recorder != nil {
		if err := config.Recorder.Close(); err != nil {
			logger.Errorf("[SIM] Failed to close trace: %v", err)
		}
		fmt.Printf("Trace written to %s\n", config.Recorder.Path())
	}

	summarize(cluster)
	report := collector.GetReport(*nodes)
	report.PrintReport(os.Stdout)
	if *output != "" {
		saveReportJSON(&report, *output)
	}

	if runErr != nil {
		log.Printf("Run failed: %v", runErr)
		os.Exit(1)
	}
	if violations := cluster.Checker().Violations(); len(violations) > 0 {
		os.Exit(1)
	}
}

func runBatch(c *sim.Cluster, ticks uint64, w *workload) error {
	for c.Tick() < ticks {
		if err := c.Step(); err != nil {
			return err
		}
		w.apply(c)
	}
	return nil
}

func (w *workload) apply(c *sim.Cluster) {
	tick := c.Tick()

	if w.killEvery > 0 && tick%w.killEvery == 0 {
		if w.killed != raft.None {
			_ = c.Revive(w.killed)
			w.killed = raft.None
		}
		if leader, ok := c.Leader(); ok {
			_ = c.Kill(leader)
			w.killed = leader
			fmt.Printf("[TICK-%d] Killed leader %v\n", tick, leader)
		}
	}

	if w.writeEvery > 0 && tick%w.writeEvery == 0 {
		leader, ok := c.Leader()
		if !ok {
			return
		}
		payload := fmt.Sprintf("SET key-%d=%d", w.writes, tick)
		if _, ok, err := c.Distribute(leader, []byte(payload), false); err == nil && ok {
			w.writes++
		}
	}
}

func serve(c *sim.Cluster, addr string, interval time.Duration, ticks uint64, logger logging.Logger) error {
	runner := sim.NewRunner(c, interval, ticks)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := httpapi.New(runner, logger)
	srv := &http.Server{Addr: addr, Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		fmt.Printf("Serving the HTTP API on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[HTTP] Server failed: %v", err)
			stop()
		}
	}()

	err := runner.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("[HTTP] Shutdown failed: %v", err)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func summarize(c *sim.Cluster) {
	fmt.Printf("\nTicks: %d\n", c.Tick())
	if leader, ok := c.Leader(); ok {
		fmt.Printf("Leader: %v\n", leader)
	} else {
		fmt.Println("Leader: none")
	}
	for _, status := range c.Statuses() {
		fmt.Printf("  node %-4v %-9s term=%-4d commit=%-4d log=%d\n",
			status.ID, status.State, status.Term, status.CommitIndex, status.LogSize)
	}
	fmt.Printf("Committed entries: %d\n", len(c.Checker().Committed()))

	violations := c.Checker().Violations()
	if len(violations) == 0 {
		fmt.Println("✓ No safety violations")
		return
	}
	fmt.Printf("✗ %d safety violations\n", len(violations))
	for _, v := range violations {
		fmt.Printf("  %v\n", v)
	}
}

func saveReportJSON(report *metrics.Report, filename string) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Printf("Failed to marshal report: %v", err)
		return
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
		return
	}

	fmt.Printf("\n✓ Report saved to %s\n", filename)
}
