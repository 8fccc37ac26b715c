// Package devctl is the capability the worker uses to touch a phone. The
// production implementation shells out to adb; tests use the stateful fake
// in devctltest.
package devctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout marks a device command that did not finish within its time
// limit. Distinguished from DeviceError because a hung device and a broken
// device recover differently.
var ErrTimeout = errors.New("device command timed out")

// ErrUninstallFailure marks the device-reported "Failure" outcome of an
// uninstall, which on most builds means the package was not installed.
var ErrUninstallFailure = errors.New(`uninstall returned "Failure"`)

// DeviceError is a transient device fault: a shell error, a bad exit code,
// or a transport hiccup. The worker retries these a bounded number of times.
type DeviceError struct {
	Op     string
	Output string
	Err    error
}

// Error implements error.
func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("device error in %s", e.Op)
	if e.Output != "" {
		msg += fmt.Sprintf(" %q", e.Output)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements the errors.Unwrap contract.
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if err is or wraps ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// DevCtl is everything the worker needs from a phone. Every call may fail
// with ErrTimeout or a *DeviceError; callers bound their own retries.
type DevCtl interface {
	// State returns the transport state: "device" when usable, otherwise
	// "offline", "unauthorized", etc.
	State(ctx context.Context) (string, error)

	// Shell runs cmd in the device shell, optionally through su, and returns
	// its output. A non-zero exit code on the device is a *DeviceError.
	Shell(ctx context.Context, cmd string, root bool) (string, error)

	Exists(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
	Chmod(ctx context.Context, path, mode string) error
	Rm(ctx context.Context, path string, recursive bool) error
	Mkdir(ctx context.Context, path string) error
	Push(ctx context.Context, local, remote string) error
	Pull(ctx context.Context, remote, local string) error

	InstallApp(ctx context.Context, apkPath string) error
	UninstallApp(ctx context.Context, pkg string) error
	IsAppInstalled(ctx context.Context, pkg string) (bool, error)
	// ListPackages returns the installed package names starting with prefix.
	ListPackages(ctx context.Context, prefix string) ([]string, error)

	GetProp(ctx context.Context, key string) (string, error)
	IPAddress(ctx context.Context) (string, error)
	BatteryPercentage(ctx context.Context) (int, error)

	Reboot(ctx context.Context) error
	PowerOn(ctx context.Context) error

	Logcat(ctx context.Context) ([]string, error)
	ClearLogcat(ctx context.Context) error

	ProcessExist(ctx context.Context, name string) (bool, error)
	Pkill(ctx context.Context, name string) error
}

// testRootCandidates are probed in order when no test root is configured.
// The first writable one wins.
var testRootCandidates = []string{
	"/storage/sdcard0",
	"/storage/sdcard1",
	"/sdcard",
	"/mnt/sdcard",
	"/data/local",
}

// SelectTestRoot returns the on-device directory tests should use, probing
// the usual storage mounts for the first writable one.
func SelectTestRoot(ctx context.Context, c DevCtl, localProbeFile string) (string, error) {
	for _, candidate := range testRootCandidates {
		root := candidate + "/tests"
		if err := c.Mkdir(ctx, root); err != nil {
			continue
		}
		probe := root + "/.writable"
		if err := c.Push(ctx, localProbeFile, probe); err != nil {
			continue
		}
		_ = c.Rm(ctx, probe, false)
		return root, nil
	}
	return "", &DeviceError{Op: "select-test-root", Output: "no writable storage found"}
}

// timeout wraps ctx with the per-command deadline all implementations share.
const (
	cmdTimeout     = 120 * time.Second
	installTimeout = 300 * time.Second
	rebootTimeout  = 300 * time.Second
)

// trimLines splits s into trimmed non-empty lines.
func trimLines(s string) []string {
	ret := []string{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		ret = append(ret, line)
	}
	return ret
}
