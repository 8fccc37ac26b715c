package metrics2

import (
	"time"
)

const measurementTimer = "timer_s"

// Timer measures elapsed time. Unlike the other metric helpers, Timer does
// not continuously report data; it reports a single observation, in seconds,
// when Stop is called.
type Timer struct {
	begin   time.Time
	summary Float64SummaryMetric
}

// NewTimer creates and returns a new started Timer using the default client.
func NewTimer(name string, tags ...map[string]string) *Timer {
	t := map[string]string{"name": name}
	for _, tt := range tags {
		for k, v := range tt {
			t[k] = v
		}
	}
	return &Timer{
		begin:   time.Now(),
		summary: GetFloat64SummaryMetric(measurementTimer, t),
	}
}

// Stop stops the timer and reports the elapsed time.
func (t *Timer) Stop() {
	t.summary.Observe(time.Since(t.begin).Seconds())
}
