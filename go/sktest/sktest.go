// Package sktest declares the subset of testing.T our test helpers need, so
// that non-test packages can accept a test handle without importing testing.
package sktest

// TestingT is the interface common to testing.T, testing.B, and mocks
// thereof.
type TestingT interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fail()
	FailNow()
	Failed() bool
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Helper()
	Log(args ...interface{})
	Logf(format string, args ...interface{})
	Name() string
	Skip(args ...interface{})
	SkipNow()
	Skipf(format string, args ...interface{})
	Skipped() bool
}
