// Package loadtest drives sustained crypto traffic against a keyguard server
// and tracks latency and throughput against a stored baseline.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/kenneth/field-keyguard/internal/client"
)

// Scenario is the operation mix each worker runs.
type Scenario string

const (
	// ScenarioEncrypt encrypts under the current data-encryption key.
	ScenarioEncrypt Scenario = "encrypt"
	// ScenarioRoundTrip encrypts then decrypts and compares the result.
	ScenarioRoundTrip Scenario = "roundtrip"
	// ScenarioSign signs under the current signature key.
	ScenarioSign Scenario = "sign"
)

// ParseScenario validates a scenario name.
func ParseScenario(s string) (Scenario, error) {
	switch Scenario(s) {
	case ScenarioEncrypt, ScenarioRoundTrip, ScenarioSign:
		return Scenario(s), nil
	}
	return "", fmt.Errorf("unknown scenario %q (want encrypt, roundtrip or sign)", s)
}

// Config holds configuration for one load test run.
type Config struct {
	ServerURL           string
	Scenario            Scenario
	NumWorkers          int
	Duration            time.Duration
	QPS                 int // per worker
	PayloadSize         int
	BaselineFile        string
	RegressionThreshold float64
}

// Metrics holds the results of a run.
type Metrics struct {
	Timestamp          time.Time     `json:"timestamp"`
	TestName           string        `json:"test_name"`
	Duration           time.Duration `json:"duration"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	P50Latency         time.Duration `json:"p50_latency"`
	P95Latency         time.Duration `json:"p95_latency"`
	P99Latency         time.Duration `json:"p99_latency"`
	AvgLatency         time.Duration `json:"avg_latency"`
	MinLatency         time.Duration `json:"min_latency"`
	MaxLatency         time.Duration `json:"max_latency"`
	Throughput         float64       `json:"throughput_req_per_sec"`
	TotalBytesSent     int64         `json:"total_bytes_sent"`
	TotalBytesReceived int64         `json:"total_bytes_received"`
	ErrorRate          float64       `json:"error_rate"`
	// KeyIDs counts responses per key, which shows rotations mid-run.
	KeyIDs map[string]int64 `json:"key_ids,omitempty"`
}

// Run executes the configured scenario until cfg.Duration elapses or ctx is
// cancelled.
func Run(ctx context.Context, cfg Config, logger *logrus.Logger) (*Metrics, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	if cfg.Scenario == "" {
		cfg.Scenario = ScenarioEncrypt
	}
	if _, err := ParseScenario(string(cfg.Scenario)); err != nil {
		return nil, err
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.QPS <= 0 {
		cfg.QPS = 1
	}
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = 1024
	}

	c, err := client.New(cfg.ServerURL, client.WithRetries(0), client.WithUserAgent("keyguard-loadtest"))
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"server":   cfg.ServerURL,
		"scenario": cfg.Scenario,
		"workers":  cfg.NumWorkers,
		"duration": cfg.Duration,
		"qps":      cfg.QPS,
		"payload":  cfg.PayloadSize,
	}).Info("Starting load test")

	payload := make([]byte, cfg.PayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var (
		total, ok, failed atomic.Int64
		sent, received    atomic.Int64
		mu                sync.Mutex
		latencies         []time.Duration
		keyIDs            = make(map[string]int64)
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			limiter := rate.NewLimiter(rate.Limit(cfg.QPS), 1)
			for {
				if err := limiter.Wait(runCtx); err != nil {
					return
				}
				reqStart := time.Now()
				keyID, in, out, err := runOnce(runCtx, c, cfg.Scenario, payload)
				latency := time.Since(reqStart)
				if runCtx.Err() != nil {
					// Requests cut off by the deadline are not counted.
					return
				}
				total.Inc()
				sent.Add(in)
				received.Add(out)
				if err != nil {
					failed.Inc()
					logger.WithError(err).WithField("worker", workerID).Debug("Request failed")
					continue
				}
				ok.Inc()

				mu.Lock()
				latencies = append(latencies, latency)
				keyIDs[keyID]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	results := &Metrics{
		Timestamp:          start.UTC(),
		TestName:           string(cfg.Scenario) + "_load_test",
		Duration:           time.Since(start),
		TotalRequests:      total.Load(),
		SuccessfulRequests: ok.Load(),
		FailedRequests:     failed.Load(),
		TotalBytesSent:     sent.Load(),
		TotalBytesReceived: received.Load(),
		KeyIDs:             keyIDs,
	}
	summarize(results, latencies)

	logger.WithFields(logrus.Fields{
		"requests":   results.TotalRequests,
		"failed":     results.FailedRequests,
		"throughput": fmt.Sprintf("%.2f", results.Throughput),
		"p95":        results.P95Latency,
	}).Info("Load test complete")
	return results, nil
}

// runOnce performs one scenario iteration and returns the key used plus
// the payload bytes sent and received.
func runOnce(ctx context.Context, c *client.Client, s Scenario, payload []byte) (string, int64, int64, error) {
	switch s {
	case ScenarioSign:
		sig, err := c.Sign(ctx, client.Selector{Usage: "signature"}, payload)
		if err != nil {
			return "", int64(len(payload)), 0, err
		}
		return sig.KeyID, int64(len(payload)), int64(len(sig.Signature)), nil

	case ScenarioRoundTrip:
		ct, err := c.Encrypt(ctx, client.Selector{Usage: "data_encryption"}, payload)
		if err != nil {
			return "", int64(len(payload)), 0, err
		}
		pt, err := c.Decrypt(ctx, ct.KeyID, ct.Ciphertext)
		sent := int64(len(payload) + len(ct.Ciphertext))
		if err != nil {
			return ct.KeyID, sent, int64(len(ct.Ciphertext)), err
		}
		recv := int64(len(ct.Ciphertext) + len(pt))
		if !bytes.Equal(pt, payload) {
			return ct.KeyID, sent, recv, fmt.Errorf("round trip mismatch under key %s", ct.KeyID)
		}
		return ct.KeyID, sent, recv, nil

	default:
		ct, err := c.Encrypt(ctx, client.Selector{Usage: "data_encryption"}, payload)
		if err != nil {
			return "", int64(len(payload)), 0, err
		}
		return ct.KeyID, int64(len(payload)), int64(len(ct.Ciphertext)), nil
	}
}

func summarize(m *Metrics, latencies []time.Duration) {
	if m.Duration > 0 {
		m.Throughput = float64(m.TotalRequests) / m.Duration.Seconds()
	}
	if m.TotalRequests > 0 {
		m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests)
	}
	if len(latencies) == 0 {
		return
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	m.MinLatency = sorted[0]
	m.MaxLatency = sorted[len(sorted)-1]
	m.AvgLatency = averageLatency(sorted)
	m.P50Latency = percentileLatency(sorted, 0.50)
	m.P95Latency = percentileLatency(sorted, 0.95)
	m.P99Latency = percentileLatency(sorted, 0.99)
}

func averageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

// percentileLatency expects sorted input.
func percentileLatency(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
