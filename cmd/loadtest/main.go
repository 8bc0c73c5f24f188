package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/loadtest"
)

func main() {
	var (
		serverURL      = flag.String("server-url", "http://localhost:8443", "Keyguard API URL")
		scenarios      = flag.String("scenarios", "encrypt,sign", "Comma-separated scenarios: encrypt, roundtrip, sign")
		duration       = flag.Duration("duration", 30*time.Second, "Duration of each scenario")
		workers        = flag.Int("workers", 5, "Number of worker goroutines")
		qps            = flag.Int("qps", 25, "Requests per second per worker")
		payloadSize    = flag.Int("payload-size", 4096, "Payload size in bytes")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL  = flag.String("prometheus-url", "", "Prometheus URL for server-side metrics")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
		updateBaseline = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var list []loadtest.Scenario
	for _, s := range strings.Split(*scenarios, ",") {
		sc, err := loadtest.ParseScenario(strings.TrimSpace(s))
		if err != nil {
			logger.WithError(err).Fatal("Invalid scenario")
		}
		list = append(list, sc)
	}

	if err := os.MkdirAll(*baselineDir, 0o755); err != nil {
		logger.WithError(err).Fatal("Failed to create baseline directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("=== Keyguard Load Test Runner ===")
	fmt.Printf("Server URL: %s\n", *serverURL)
	fmt.Printf("Scenarios: %s\n", *scenarios)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("QPS per Worker: %d\n", *qps)
	fmt.Printf("Regression Threshold: %.1f%%\n", *threshold)
	if *prometheusURL != "" {
		fmt.Printf("Prometheus URL: %s\n", *prometheusURL)
	}
	fmt.Println()

	var exitCode int
	startTime := time.Now()

	for _, sc := range list {
		fmt.Printf("--- Running %s load test ---\n", sc)
		cfg := loadtest.Config{
			ServerURL:           *serverURL,
			Scenario:            sc,
			NumWorkers:          *workers,
			Duration:            *duration,
			QPS:                 *qps,
			PayloadSize:         *payloadSize,
			BaselineFile:        filepath.Join(*baselineDir, string(sc)+"_load_test_baseline.json"),
			RegressionThreshold: *threshold,
		}
		if err := runScenario(ctx, cfg, *prometheusURL, *updateBaseline, logger); err != nil {
			logger.WithError(err).WithField("scenario", sc).Error("Load test failed")
			exitCode = 1
		}
		fmt.Println()
		if ctx.Err() != nil {
			break
		}
	}

	fmt.Printf("=== Load Tests Complete (Total Time: %v) ===\n", time.Since(startTime))
	if exitCode != 0 {
		fmt.Println("Some tests failed or regressions detected")
		os.Exit(exitCode)
	}
	fmt.Println("All tests passed")
}

func runScenario(ctx context.Context, cfg loadtest.Config, prometheusURL string, updateBaseline bool, logger *logrus.Logger) error {
	start := time.Now()
	results, err := loadtest.Run(ctx, cfg, logger)
	if err != nil {
		return err
	}
	loadtest.PrintResults(os.Stdout, results)

	if prometheusURL != "" {
		server, err := loadtest.QueryServerMetrics(ctx, prometheusURL, start, time.Now(), logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			fmt.Println("--- Prometheus Metrics ---")
			for metric, value := range server {
				fmt.Printf("%s: %v\n", metric, value)
			}
			fmt.Println()
		}
	}

	if updateBaseline {
		if err := loadtest.SaveBaseline(results, cfg.BaselineFile); err != nil {
			return fmt.Errorf("failed to save baseline: %w", err)
		}
		fmt.Printf("Baseline updated: %s\n", cfg.BaselineFile)
		return nil
	}

	regression, err := loadtest.AnalyzeRegression(results, cfg.BaselineFile, cfg.RegressionThreshold)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("No baseline found - run with --update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis failed: %w", err)
	}
	loadtest.PrintRegression(os.Stdout, regression)

	if regression.SignificantRegression {
		return fmt.Errorf("significant regression detected in %s load test", cfg.Scenario)
	}
	return nil
}
