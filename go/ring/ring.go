// Package ring implements a fixed-size ring of timestamps used for
// sliding-window accounting, e.g. the per-device crash budget.
package ring

import (
	"sync"
	"time"

	"go.skia.org/autophone/go/skerr"
)

// TimeRing keeps the most recent capacity timestamps.
type TimeRing struct {
	mtx sync.Mutex

	cap   int
	first int
	len   int
	items []time.Time
}

// NewTimeRing creates a TimeRing with the given capacity.
func NewTimeRing(capacity int) (*TimeRing, error) {
	if capacity < 1 {
		return nil, skerr.Fmt("capacity must be positive, got %d", capacity)
	}
	return &TimeRing{
		cap:   capacity,
		items: make([]time.Time, capacity),
	}, nil
}

// Put adds a timestamp, evicting the oldest when full.
func (r *TimeRing) Put(ts time.Time) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.items[(r.first+r.len)%r.cap] = ts
	if r.len < r.cap {
		r.len++
	} else {
		r.first = (r.first + 1) % r.cap
	}
}

// GetAll returns the retained timestamps, oldest first.
func (r *TimeRing) GetAll() []time.Time {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ret := make([]time.Time, 0, r.len)
	for i := 0; i < r.len; i++ {
		ret = append(ret, r.items[(r.first+i)%r.cap])
	}
	return ret
}

// CountSince returns how many retained timestamps are at or after cutoff.
func (r *TimeRing) CountSince(cutoff time.Time) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	count := 0
	for i := 0; i < r.len; i++ {
		if !r.items[(r.first+i)%r.cap].Before(cutoff) {
			count++
		}
	}
	return count
}
