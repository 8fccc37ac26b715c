package metrics2

import (
	"sync"
	"time"
)

const (
	measurementLiveness = "liveness"
	livenessTick        = 10 * time.Second
)

// Liveness keeps a time-since-last-successful-update metric, in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully. Every liveness metric should have a corresponding
// alert that fires if the age gets too large.
type Liveness interface {
	// Get returns the current age in seconds.
	Get() int64

	// Reset should be called when some work has been successfully
	// completed.
	Reset()
}

type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

// NewLiveness creates a new Liveness metric helper using the default client.
// The age is re-reported every few seconds so it keeps growing between
// Resets.
func NewLiveness(name string, tags ...map[string]string) Liveness {
	t := map[string]string{"name": name}
	for _, tt := range tags {
		for k, v := range tt {
			t[k] = v
		}
	}
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    GetInt64Metric(measurementLiveness, t),
	}
	go func() {
		for range time.Tick(livenessTick) {
			l.update()
		}
	}()
	return l
}

func (l *liveness) updateLocked() {
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
}

// Reset implements Liveness.
func (l *liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.updateLocked()
}

// Get implements Liveness.
func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.m.Get()
}
