// Package metrics collects protocol counters and latency distributions from one or more consensus nodes.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics implements server.MetricsCollector. It is safe to share one Metrics between all nodes of a simulation.
type Metrics struct {
	mu sync.Mutex

	// Command latencies (leader append to commit)
	commandLatencies []time.Duration
	// How long candidates took to win
	electionDurations []time.Duration

	appendEntriesCount atomic.Uint64
	requestVoteCount   atomic.Uint64
	heartbeatCount     atomic.Uint64
	rejectedCount      atomic.Uint64
	malformedCount     atomic.Uint64
	sendFailureCount   atomic.Uint64

	commandsCommitted atomic.Uint64
	electionCount     atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		commandLatencies:  make([]time.Duration, 0, 1024),
		electionDurations: make([]time.Duration, 0, 64),
		startTime:         time.Now(),
	}
}

// RecordCommandLatency records the time an entry took from entering the leader's log to being committed
func (m *Metrics) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	m.commandLatencies = append(m.commandLatencies, latency)
	m.mu.Unlock()
}

func (m *Metrics) RecordCommandCommitted() {
	m.commandsCommitted.Add(1)
}

func (m *Metrics) RecordAppendEntries() {
	m.appendEntriesCount.Add(1)
}

func (m *Metrics) RecordRequestVote() {
	m.requestVoteCount.Add(1)
}

func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

// RecordAppendRejected counts AppendEntries answered with success=false
func (m *Metrics) RecordAppendRejected() {
	m.rejectedCount.Add(1)
}

// RecordMalformedMessage counts inbound datagrams that failed to decode
func (m *Metrics) RecordMalformedMessage() {
	m.malformedCount.Add(1)
}

// RecordSendFailure counts sends the transport reported as failed
func (m *Metrics) RecordSendFailure() {
	m.sendFailureCount.Add(1)
}

func (m *Metrics) RecordElection() {
	m.electionCount.Add(1)
}

func (m *Metrics) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	m.electionDurations = append(m.electionDurations, duration)
	m.mu.Unlock()
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetLatencyStats computes percentile statistics from recorded command latencies
func (m *Metrics) GetLatencyStats() LatencyStats {
	m.mu.Lock()
	latencies := append([]time.Duration(nil), m.commandLatencies...)
	m.mu.Unlock()
	return computeStats(latencies)
}

// GetElectionStats returns statistics about election durations
func (m *Metrics) GetElectionStats() LatencyStats {
	m.mu.Lock()
	durations := append([]time.Duration(nil), m.electionDurations...)
	m.mu.Unlock()
	return computeStats(durations)
}

func computeStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	ms := make([]float64, len(durations))
	var sum float64
	for i, d := range durations {
		ms[i] = float64(d.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetThroughput returns committed entries per second since the collector started
func (m *Metrics) GetThroughput() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.commandsCommitted.Load()) / elapsed
}

// Report contains all collected metrics
type Report struct {
	ClusterSize  int       `json:"cluster_size"`
	TestDuration float64   `json:"test_duration_seconds"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`

	CommandsCommitted uint64       `json:"commands_committed"`
	ThroughputCmdSec  float64      `json:"throughput_cmd_per_sec"`
	CommandLatency    LatencyStats `json:"command_latency"`

	AppendEntriesCount uint64 `json:"append_entries_count"`
	RequestVoteCount   uint64 `json:"request_vote_count"`
	HeartbeatCount     uint64 `json:"heartbeat_count"`
	RejectedCount      uint64 `json:"rejected_append_entries"`
	MalformedCount     uint64 `json:"malformed_messages"`
	SendFailureCount   uint64 `json:"send_failures"`

	ElectionCount uint64       `json:"election_count"`
	ElectionStats LatencyStats `json:"election_stats"`
}

// GetReport generates a report covering everything recorded so far
func (m *Metrics) GetReport(clusterSize int) Report {
	endTime := time.Now()

	return Report{
		ClusterSize:        clusterSize,
		TestDuration:       endTime.Sub(m.startTime).Seconds(),
		StartTime:          m.startTime,
		EndTime:            endTime,
		CommandsCommitted:  m.commandsCommitted.Load(),
		ThroughputCmdSec:   m.GetThroughput(),
		CommandLatency:     m.GetLatencyStats(),
		AppendEntriesCount: m.appendEntriesCount.Load(),
		RequestVoteCount:   m.requestVoteCount.Load(),
		HeartbeatCount:     m.heartbeatCount.Load(),
		RejectedCount:      m.rejectedCount.Load(),
		MalformedCount:     m.malformedCount.Load(),
		SendFailureCount:   m.sendFailureCount.Load(),
		ElectionCount:      m.electionCount.Load(),
		ElectionStats:      m.GetElectionStats(),
	}
}

// PrintReport writes the report in a human-readable format
func (r *Report) PrintReport(w io.Writer) {
	rule := strings.Repeat("=", 60)
	thin := strings.Repeat("-", 60)

	fmt.Fprintf(w, "\n%s\nRAMEN CONSENSUS REPORT\n%s\n", rule, rule)
	fmt.Fprintf(w, "\nConfiguration:\n")
	fmt.Fprintf(w, "  Cluster Size: %d nodes\n", r.ClusterSize)
	fmt.Fprintf(w, "  Duration: %.2f seconds\n", r.TestDuration)
	fmt.Fprintf(w, "  Start: %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  End: %s\n", r.EndTime.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(w, "\n%s\nReplication\n%s\n", thin, thin)
	fmt.Fprintf(w, "  Entries Committed: %d\n", r.CommandsCommitted)
	fmt.Fprintf(w, "  Throughput: %.2f entries/sec\n", r.ThroughputCmdSec)
	fmt.Fprintf(w, "\nCommit Latency (leader append to commit):\n")
	printStats(w, r.CommandLatency)

	fmt.Fprintf(w, "\n%s\nMessages\n%s\n", thin, thin)
	fmt.Fprintf(w, "  AppendEntries: %d\n", r.AppendEntriesCount)
	fmt.Fprintf(w, "  RequestVote: %d\n", r.RequestVoteCount)
	fmt.Fprintf(w, "  Heartbeats: %d\n", r.HeartbeatCount)
	fmt.Fprintf(w, "  Total RPCs: %d\n", r.AppendEntriesCount+r.RequestVoteCount+r.HeartbeatCount)
	fmt.Fprintf(w, "  Rejected AppendEntries: %d\n", r.RejectedCount)
	fmt.Fprintf(w, "  Malformed: %d\n", r.MalformedCount)
	fmt.Fprintf(w, "  Send Failures: %d\n", r.SendFailureCount)

	fmt.Fprintf(w, "\nLeader Elections:\n")
	fmt.Fprintf(w, "  Election Count: %d\n", r.ElectionCount)
	printStats(w, r.ElectionStats)

	fmt.Fprintf(w, "\n%s\n", rule)
}

func printStats(w io.Writer, s LatencyStats) {
	if s.Count == 0 {
		fmt.Fprintf(w, "  No data collected\n")
		return
	}
	fmt.Fprintf(w, "  Count: %d\n", s.Count)
	fmt.Fprintf(w, "  Min: %.3f ms\n", s.Min)
	fmt.Fprintf(w, "  Mean: %.3f ms\n", s.Mean)
	fmt.Fprintf(w, "  P50: %.3f ms\n", s.P50)
	fmt.Fprintf(w, "  P95: %.3f ms\n", s.P95)
	fmt.Fprintf(w, "  P99: %.3f ms\n", s.P99)
	fmt.Fprintf(w, "  Max: %.3f ms\n", s.Max)
	fmt.Fprintf(w, "  StdDev: %.3f ms\n", s.StdDev)
}

// SaveJSON writes the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", filename, err)
	}
	return nil
}

// Reset clears all collected metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.commandLatencies = m.commandLatencies[:0]
	m.electionDurations = m.electionDurations[:0]
	m.startTime = time.Now()
	m.mu.Unlock()

	m.appendEntriesCount.Store(0)
	m.requestVoteCount.Store(0)
	m.heartbeatCount.Store(0)
	m.rejectedCount.Store(0)
	m.malformedCount.Store(0)
	m.sendFailureCount.Store(0)
	m.commandsCommitted.Store(0)
	m.electionCount.Store(0)
}
