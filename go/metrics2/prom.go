package metrics2

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.skia.org/autophone/go/sklog"
)

// invalidChar is used to force metric and tag names to conform to
// Prometheus's restrictions.
var invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// InitPrometheus serves the registered metrics over HTTP on the given
// address, e.g. ":20000". Must only be called once.
func InitPrometheus(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		sklog.Fatal(http.ListenAndServe(port, mux))
	}()
}

// promInt64 implements the Int64Metric interface.
type promInt64 struct {
	// i tracks the value of the gauge, because the prometheus client lib
	// doesn't support get on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&(m.i))
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&(m.i), v)
	m.gauge.Set(float64(v))
}

// promCounter implements the Counter interface.
type promCounter struct {
	*promInt64
}

func (pc *promCounter) Inc(i int64) {
	pc.gauge.Set(float64(atomic.AddInt64(&pc.i, i)))
}

func (pc *promCounter) Dec(i int64) {
	pc.gauge.Set(float64(atomic.AddInt64(&pc.i, -i)))
}

func (pc *promCounter) Reset() {
	pc.Update(0)
}

// promFloat64Summary implements the Float64SummaryMetric interface.
type promFloat64Summary struct {
	summary prometheus.Observer
}

func (m *promFloat64Summary) Observe(v float64) {
	m.summary.Observe(v)
}

// promClient implements the Client interface.
type promClient struct {
	mtx sync.Mutex

	int64GaugeVecs map[string]*prometheus.GaugeVec
	int64Gauges    map[string]*promInt64

	summaryVecs map[string]*prometheus.SummaryVec
	summaries   map[string]*promFloat64Summary
}

func newPromClient() *promClient {
	return &promClient{
		int64GaugeVecs: map[string]*prometheus.GaugeVec{},
		int64Gauges:    map[string]*promInt64{},
		summaryVecs:    map[string]*prometheus.SummaryVec{},
		summaries:      map[string]*promFloat64Summary{},
	}
}

// commonGet does the common work for each of the Get* funcs. It returns the
// clean measurement name, the clean tags, the sorted tag keys, a key that
// uniquely identifies the metric, and a key that identifies the collection
// the metric belongs to.
func (p *promClient) commonGet(measurement string, tags ...map[string]string) (string, map[string]string, []string, string, string) {
	measurement = clean(measurement)

	cleanTags := map[string]string{}
	keys := []string{}
	for _, t := range tags {
		for k, v := range t {
			key := clean(k)
			if _, ok := cleanTags[key]; !ok {
				keys = append(keys, key)
			}
			cleanTags[key] = v
		}
	}
	sort.Strings(keys)

	metricKeySrc := []string{measurement}
	for _, key := range keys {
		metricKeySrc = append(metricKeySrc, key, cleanTags[key])
	}
	metricKey := strings.Join(metricKeySrc, "-")
	vecKey := fmt.Sprintf("%s %v", measurement, keys)

	return measurement, cleanTags, keys, metricKey, vecKey
}

func (p *promClient) getInt64(name string, tags ...map[string]string) *promInt64 {
	measurement, cleanTags, keys, metricKey, vecKey := p.commonGet(name, tags...)

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if ret, ok := p.int64Gauges[metricKey]; ok {
		return ret
	}

	gaugeVec, ok := p.int64GaugeVecs[vecKey]
	if !ok {
		gaugeVec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: measurement,
				Help: measurement,
			},
			keys,
		)
		if err := prometheus.Register(gaugeVec); err != nil {
			sklog.Fatalf("Failed to register %q: %s", measurement, err)
		}
		p.int64GaugeVecs[vecKey] = gaugeVec
	}
	gauge, err := gaugeVec.GetMetricWith(prometheus.Labels(cleanTags))
	if err != nil {
		sklog.Fatalf("Failed to get gauge: %s", err)
	}
	ret := &promInt64{gauge: gauge}
	p.int64Gauges[metricKey] = ret
	return ret
}

func (p *promClient) GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	return p.getInt64(name, tags...)
}

func (p *promClient) GetCounter(name string, tags ...map[string]string) Counter {
	return &promCounter{promInt64: p.getInt64(name, tags...)}
}

func (p *promClient) GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric {
	measurement, cleanTags, keys, metricKey, vecKey := p.commonGet(name, tags...)

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if ret, ok := p.summaries[metricKey]; ok {
		return ret
	}

	summaryVec, ok := p.summaryVecs[vecKey]
	if !ok {
		summaryVec = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       measurement,
				Help:       measurement,
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			keys,
		)
		if err := prometheus.Register(summaryVec); err != nil {
			sklog.Fatalf("Failed to register %q %v: %s", measurement, cleanTags, err)
		}
		p.summaryVecs[vecKey] = summaryVec
	}
	summary, err := summaryVec.GetMetricWith(prometheus.Labels(cleanTags))
	if err != nil {
		sklog.Fatalf("Failed to get summary: %s", err)
	}
	ret := &promFloat64Summary{summary: summary}
	p.summaries[metricKey] = ret
	return ret
}

// Validate that the concrete structs faithfully implement their respective
// interfaces.
var _ Int64Metric = (*promInt64)(nil)
var _ Counter = (*promCounter)(nil)
var _ Float64SummaryMetric = (*promFloat64Summary)(nil)
var _ Client = (*promClient)(nil)
