package loadtest

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
)

// serverQueries are evaluated at the end of a run. The window covers the
// run itself.
var serverQueries = map[string]string{
	"http_request_p95_seconds":  `histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket[%s])))`,
	"key_operation_p95_seconds": `histogram_quantile(0.95, sum by (le) (rate(keyguard_key_operation_duration_seconds_bucket[%s])))`,
	"key_operations_per_second": `sum(rate(keyguard_key_operations_total[%s]))`,
	"key_operation_errors":      `sum(increase(keyguard_key_operation_errors_total[%s]))`,
	"key_rotations":             `sum(increase(keyguard_key_rotations_total[%s]))`,
	"integrity_failures":        `sum(increase(keyguard_integrity_failures_total[%s]))`,
	"memory_alloc_bytes":        `avg_over_time(memory_alloc_bytes[%s])`,
	"goroutines":                `avg_over_time(goroutines_total[%s])`,
}

// QueryServerMetrics queries Prometheus for the server's view of the run
// between start and end. Queries that return no samples are omitted.
func QueryServerMetrics(ctx context.Context, prometheusURL string, start, end time.Time, logger logrus.FieldLogger) (map[string]float64, error) {
	c, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, err
	}
	return queryServerMetrics(ctx, v1.NewAPI(c), start, end, logger)
}

func queryServerMetrics(ctx context.Context, papi v1.API, start, end time.Time, logger logrus.FieldLogger) (map[string]float64, error) {
	window := model.Duration(end.Sub(start).Round(time.Second))
	if window < model.Duration(time.Minute) {
		window = model.Duration(time.Minute)
	}

	results := make(map[string]float64, len(serverQueries))
	for name, tmpl := range serverQueries {
		value, warnings, err := papi.Query(ctx, fmt.Sprintf(tmpl, window.String()), end)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		if len(warnings) > 0 && logger != nil {
			logger.WithField("query", name).Warnf("Prometheus warnings: %v", warnings)
		}
		if v, ok := scalar(value); ok {
			results[name] = v
		}
	}
	return results, nil
}

func scalar(v model.Value) (float64, bool) {
	switch val := v.(type) {
	case model.Vector:
		if len(val) > 0 {
			return float64(val[0].Value), true
		}
	case *model.Scalar:
		return float64(val.Value), true
	}
	return 0, false
}
