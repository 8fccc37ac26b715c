package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.skia.org/autophone/go/testutils/unittest"
)

func ts(sec int) time.Time {
	return time.Date(2016, 2, 1, 0, 0, sec, 0, time.UTC)
}

func TestTimeRing(t *testing.T) {
	unittest.SmallTest(t)

	// No capacity.
	r, err := NewTimeRing(0)
	require.Nil(t, r)
	require.NotNil(t, err)
	r, err = NewTimeRing(-1)
	require.Nil(t, r)
	require.NotNil(t, err)

	// Cap of 1.
	r, err = NewTimeRing(1)
	require.NoError(t, err)
	require.Equal(t, []time.Time{}, r.GetAll())
	r.Put(ts(1))
	require.Equal(t, []time.Time{ts(1)}, r.GetAll())
	r.Put(ts(2))
	require.Equal(t, []time.Time{ts(2)}, r.GetAll())

	// Cap of 3 wraps oldest-first.
	r, err = NewTimeRing(3)
	require.NoError(t, err)
	r.Put(ts(1))
	r.Put(ts(2))
	r.Put(ts(3))
	r.Put(ts(4))
	require.Equal(t, []time.Time{ts(2), ts(3), ts(4)}, r.GetAll())
}

func TestCountSince(t *testing.T) {
	unittest.SmallTest(t)

	r, err := NewTimeRing(5)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		r.Put(ts(i * 10))
	}
	require.Equal(t, 5, r.CountSince(ts(0)))
	require.Equal(t, 3, r.CountSince(ts(30)))
	require.Equal(t, 0, r.CountSince(ts(51)))
}
