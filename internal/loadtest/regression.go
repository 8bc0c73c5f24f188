package loadtest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RegressionResult holds the result of regression analysis.
type RegressionResult struct {
	TestName              string
	BaselineMetrics       *Metrics
	CurrentMetrics        *Metrics
	LatencyRegression     float64 // percent change in average latency
	ThroughputRegression  float64 // percent change in throughput
	ErrorRateRegression   float64 // percentage points
	SignificantRegression bool
	Details               []string
}

// SaveBaseline writes m as the baseline at filename.
func SaveBaseline(m *Metrics, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// LoadBaseline reads a baseline written by SaveBaseline.
func LoadBaseline(filename string) (*Metrics, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid baseline %s: %w", filename, err)
	}
	return &m, nil
}

// AnalyzeRegression compares current metrics against the baseline file.
// threshold is in percent. Only slowdowns, throughput drops and error rate
// increases count as regressions.
func AnalyzeRegression(current *Metrics, baselineFile string, threshold float64) (*RegressionResult, error) {
	baseline, err := LoadBaseline(baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline metrics: %w", err)
	}
	return Compare(baseline, current, threshold), nil
}

// Compare analyzes current against baseline.
func Compare(baseline, current *Metrics, threshold float64) *RegressionResult {
	result := &RegressionResult{
		TestName:        current.TestName,
		BaselineMetrics: baseline,
		CurrentMetrics:  current,
	}

	if baseline.AvgLatency > 0 {
		change := float64(current.AvgLatency-baseline.AvgLatency) / float64(baseline.AvgLatency) * 100
		result.LatencyRegression = change
		if change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Latency regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	if baseline.Throughput > 0 {
		change := (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		result.ThroughputRegression = change
		if change < -threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	delta := current.ErrorRate - baseline.ErrorRate
	result.ErrorRateRegression = delta * 100
	if delta > threshold/100 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", delta*100))
	}
	return result
}

// PrintResults writes a human-readable summary of m.
func PrintResults(w io.Writer, m *Metrics) {
	fmt.Fprintf(w, "\n=== %s Results ===\n", m.TestName)
	fmt.Fprintf(w, "Timestamp: %s\n", m.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %v\n", m.Duration)
	fmt.Fprintf(w, "Total Requests: %d\n", m.TotalRequests)
	fmt.Fprintf(w, "Successful: %d\n", m.SuccessfulRequests)
	fmt.Fprintf(w, "Failed: %d\n", m.FailedRequests)
	fmt.Fprintf(w, "Error Rate: %.2f%%\n", m.ErrorRate*100)
	fmt.Fprintf(w, "Throughput: %.2f req/s\n", m.Throughput)
	fmt.Fprintf(w, "Latency (avg): %v\n", m.AvgLatency)
	fmt.Fprintf(w, "Latency (p50): %v\n", m.P50Latency)
	fmt.Fprintf(w, "Latency (p95): %v\n", m.P95Latency)
	fmt.Fprintf(w, "Latency (p99): %v\n", m.P99Latency)
	fmt.Fprintf(w, "Min Latency: %v\n", m.MinLatency)
	fmt.Fprintf(w, "Max Latency: %v\n", m.MaxLatency)
	fmt.Fprintf(w, "Total Bytes Sent: %d\n", m.TotalBytesSent)
	fmt.Fprintf(w, "Total Bytes Received: %d\n", m.TotalBytesReceived)

	if len(m.KeyIDs) > 0 {
		ids := make([]string, 0, len(m.KeyIDs))
		for id := range m.KeyIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(w, "\n--- Keys Used ---\n")
		for _, id := range ids {
			fmt.Fprintf(w, "%s: %d\n", id, m.KeyIDs[id])
		}
	}
	fmt.Fprintf(w, "==============================\n\n")
}

// PrintRegression writes regression analysis results.
func PrintRegression(w io.Writer, r *RegressionResult) {
	fmt.Fprintf(w, "\n=== Regression Analysis for %s ===\n", r.TestName)
	fmt.Fprintf(w, "Significant Regression: %t\n", r.SignificantRegression)
	fmt.Fprintf(w, "Latency Regression: %.2f%%\n", r.LatencyRegression)
	fmt.Fprintf(w, "Throughput Regression: %.2f%%\n", r.ThroughputRegression)
	fmt.Fprintf(w, "Error Rate Regression: %.2f percentage points\n", r.ErrorRateRegression)
	if len(r.Details) > 0 {
		fmt.Fprintf(w, "\nDetails:\n")
		for _, d := range r.Details {
			fmt.Fprintf(w, "- %s\n", d)
		}
	}
	fmt.Fprintf(w, "=====================================\n\n")
}
