package skerr

import (
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"go.skia.org/autophone/go/testutils/unittest"
)

var sentinel = errors.New("socket unplugged")

func TestFmt(t *testing.T) {
	unittest.SmallTest(t)

	err := Fmt("no device with serial %q", "0123abcd")
	require.Error(t, err)
	require.Regexp(t, regexp.MustCompile(`^no device with serial "0123abcd"\. At skerr_test\.go:\d+`), err.Error())
}

func TestWrap_NilStaysNil(t *testing.T) {
	unittest.SmallTest(t)

	require.NoError(t, Wrap(nil))
	require.NoError(t, Wrapf(nil, "ignored %d", 1))
}

func TestWrap_PreservesSentinel(t *testing.T) {
	unittest.SmallTest(t)

	err := Wrap(sentinel)
	require.True(t, errors.Is(err, sentinel))
	require.Equal(t, sentinel, Unwrap(err))
	// Wrapping twice must not stack another frame list.
	require.Equal(t, err, Wrap(err))
}

func TestWrapf_ContextOrdering(t *testing.T) {
	unittest.SmallTest(t)

	err := Wrapf(sentinel, "pinging %s", "device-1")
	err = Wrapf(err, "running job %d", 42)
	require.Regexp(t, regexp.MustCompile(`^running job 42: pinging device-1: socket unplugged\. At `), err.Error())
	require.True(t, errors.Is(err, sentinel))
}

func TestWrapf_ForeignWrappedError(t *testing.T) {
	unittest.SmallTest(t)

	err := Wrapf(fmt.Errorf("outer: %w", sentinel), "claiming")
	require.True(t, errors.Is(err, sentinel))
}
