// Package now provides a time source that can be replaced through the
// context, so that code which stamps jobs, ages heartbeats, or windows
// crashes can be tested at fixed points in time.
package now

import (
	"context"
	"time"
)

type contextKeyType string

// ContextKey is used by Now to find a time or NowProvider in the context.
//
// If the value is a time.Time then that is what Now returns; a test can
// instead store a NowProvider for a clock that moves.
const ContextKey contextKeyType = "overwriteNow"

// NowProvider is a function that returns the current time. Note that
// time.Now is a valid NowProvider.
type NowProvider func() time.Time

// Now returns the current time or the time from the context.
func Now(ctx context.Context) time.Time {
	if ts := ctx.Value(ContextKey); ts != nil {
		switch v := ts.(type) {
		case NowProvider:
			return v()
		case time.Time:
			return v
		default:
			panic("unknown value for ContextKey")
		}
	}
	return time.Now()
}

// TimeTravelCtx embeds a context and keeps a mutable time that the context's
// NowProvider returns, letting a test march the clock forward.
type TimeTravelCtx struct {
	context.Context
	ts time.Time
}

// NewTimeTravelCtx returns a TimeTravelCtx whose embedded context returns
// the given start time from Now.
func NewTimeTravelCtx(start time.Time) *TimeTravelCtx {
	ttc := &TimeTravelCtx{ts: start}
	ttc.Context = context.WithValue(context.Background(), ContextKey, NowProvider(ttc.now))
	return ttc
}

func (t *TimeTravelCtx) now() time.Time {
	return t.ts
}

// SetTime updates the time the embedded context returns. It is not safe to
// call concurrently with readers of the context.
func (t *TimeTravelCtx) SetTime(ts time.Time) {
	t.ts = ts
}
