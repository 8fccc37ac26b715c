// Package metrics2 is a client for reporting application metrics. The
// backing implementation is Prometheus; callers only see the small
// interfaces below.
package metrics2

// Int64Metric is a metric which reports an int64 gauge.
type Int64Metric interface {
	// Get returns the current value of the metric.
	Get() int64

	// Update adds a data point to the metric.
	Update(v int64)
}

// Counter is a metric which reports a monotonically increasing (except for
// Reset) count.
type Counter interface {
	// Dec decrements the counter by the given quantity.
	Dec(i int64)

	// Get returns the current value in the counter.
	Get() int64

	// Inc increments the counter by the given quantity.
	Inc(i int64)

	// Reset sets the counter to zero.
	Reset()
}

// Float64SummaryMetric is a metric which reports a summary of many float64
// observations, e.g. durations.
type Float64SummaryMetric interface {
	// Observe adds a data point to the metric.
	Observe(v float64)
}

// Client represents a set of metrics.
type Client interface {
	// GetCounter creates or retrieves a Counter with the given name and
	// tag set.
	GetCounter(name string, tags ...map[string]string) Counter

	// GetInt64Metric creates or retrieves an Int64Metric with the given
	// name and tag set.
	GetInt64Metric(name string, tags ...map[string]string) Int64Metric

	// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric
	// with the given name and tag set.
	GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric
}

var defaultClient Client = newPromClient()

// GetDefaultClient returns the default Client.
func GetDefaultClient() Client {
	return defaultClient
}

// GetCounter creates or retrieves a Counter using the default client.
func GetCounter(name string, tags ...map[string]string) Counter {
	return defaultClient.GetCounter(name, tags...)
}

// GetInt64Metric creates or retrieves an Int64Metric using the default
// client.
func GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	return defaultClient.GetInt64Metric(name, tags...)
}

// GetFloat64SummaryMetric creates or retrieves a Float64SummaryMetric using
// the default client.
func GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric {
	return defaultClient.GetFloat64SummaryMetric(name, tags...)
}
