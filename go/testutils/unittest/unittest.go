// Package unittest gates tests by size so that CI can select which tiers to
// run, e.g. "go test --small ./...".
package unittest

import (
	"flag"

	"go.skia.org/autophone/go/sktest"
)

const (
	SMALL_TEST  = "small"
	MEDIUM_TEST = "medium"
	LARGE_TEST  = "large"
)

var (
	small  = flag.Bool(SMALL_TEST, false, "Whether or not to run small tests.")
	medium = flag.Bool(MEDIUM_TEST, false, "Whether or not to run medium tests.")
	large  = flag.Bool(LARGE_TEST, false, "Whether or not to run large tests.")
)

// ShouldRun determines whether the test should run based on the provided
// flags. All sizes run when no filter flag is given.
func ShouldRun(testType string) bool {
	if !*small && !*medium && !*large {
		return true
	}
	switch testType {
	case SMALL_TEST:
		return *small
	case MEDIUM_TEST:
		return *medium
	case LARGE_TEST:
		return *large
	}
	return false
}

// SmallTest is a test with no dependencies beyond t.TempDir, no network, and
// a runtime under a few seconds.
func SmallTest(t sktest.TestingT) {
	if !ShouldRun(SMALL_TEST) {
		t.Skip("Not running small tests.")
	}
}

// MediumTest is a test that may touch real files or spawn subprocesses but
// needs no external services.
func MediumTest(t sktest.TestingT) {
	if !ShouldRun(MEDIUM_TEST) {
		t.Skip("Not running medium tests.")
	}
}

// LargeTest is a test that needs external services or real devices.
func LargeTest(t sktest.TestingT) {
	if !ShouldRun(LARGE_TEST) {
		t.Skip("Not running large tests.")
	}
}
