// Package devctltest provides a stateful in-memory phone for worker tests.
package devctltest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.skia.org/autophone/autophone/go/devctl"
)

// Fake is a DevCtl backed by maps. The zero value is not usable; call
// NewFake. Every mutator is guarded so tests may drive the fake from a
// different goroutine than the worker under test.
type Fake struct {
	mtx sync.Mutex

	// StateValue is what State returns, "device" by default.
	StateValue string

	// Battery is the charge percentage, 100 by default.
	Battery int

	// Props are the getprop values.
	Props map[string]string

	// IP is what IPAddress returns.
	IP string

	// Files maps on-device paths to contents. Directories are entries with
	// a trailing slash and empty content.
	Files map[string]string

	// Installed is the set of installed package names.
	Installed map[string]bool

	// Running is the set of running process names.
	Running map[string]bool

	// LogcatLines is returned by Logcat.
	LogcatLines []string

	// ShellResults maps a command string to its canned output. Commands
	// not present succeed with empty output.
	ShellResults map[string]string

	// ShellErrors maps a command string to an error.
	ShellErrors map[string]error

	// ShellLog records every shell command in order.
	ShellLog []string

	// Reboots counts Reboot calls.
	Reboots int

	// FailAll makes every call return a DeviceError, simulating a dead
	// transport.
	FailAll bool
}

// NewFake returns a healthy idle fake device.
func NewFake() *Fake {
	return &Fake{
		StateValue:   "device",
		Battery:      100,
		Props:        map[string]string{},
		Files:        map[string]string{},
		Installed:    map[string]bool{},
		Running:      map[string]bool{},
		ShellResults: map[string]string{},
		ShellErrors:  map[string]error{},
	}
}

func (f *Fake) err(op string) error {
	return &devctl.DeviceError{Op: op, Output: "fake transport failure"}
}

// State implements devctl.DevCtl.
func (f *Fake) State(ctx context.Context) (string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return "", f.err("get-state")
	}
	return f.StateValue, nil
}

// Shell implements devctl.DevCtl.
func (f *Fake) Shell(ctx context.Context, cmd string, root bool) (string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.ShellLog = append(f.ShellLog, cmd)
	if f.FailAll {
		return "", f.err("shell " + cmd)
	}
	if err, ok := f.ShellErrors[cmd]; ok {
		return "", err
	}
	return f.ShellResults[cmd], nil
}

// Exists implements devctl.DevCtl.
func (f *Fake) Exists(ctx context.Context, path string) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return false, f.err("exists")
	}
	_, ok := f.Files[path]
	return ok, nil
}

// IsDir implements devctl.DevCtl.
func (f *Fake) IsDir(ctx context.Context, path string) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return false, f.err("is-dir")
	}
	_, ok := f.Files[strings.TrimRight(path, "/")+"/"]
	return ok, nil
}

// Chmod implements devctl.DevCtl.
func (f *Fake) Chmod(ctx context.Context, path, mode string) error {
	if f.FailAll {
		return f.err("chmod")
	}
	return nil
}

// Rm implements devctl.DevCtl.
func (f *Fake) Rm(ctx context.Context, path string, recursive bool) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return f.err("rm")
	}
	delete(f.Files, path)
	if recursive {
		for p := range f.Files {
			if strings.HasPrefix(p, path+"/") {
				delete(f.Files, p)
			}
		}
	}
	return nil
}

// Mkdir implements devctl.DevCtl.
func (f *Fake) Mkdir(ctx context.Context, path string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return f.err("mkdir")
	}
	f.Files[strings.TrimRight(path, "/")+"/"] = ""
	return nil
}

// Push implements devctl.DevCtl.
func (f *Fake) Push(ctx context.Context, local, remote string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return f.err("push")
	}
	f.Files[remote] = "pushed:" + local
	return nil
}

// Pull implements devctl.DevCtl.
func (f *Fake) Pull(ctx context.Context, remote, local string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return f.err("pull")
	}
	if _, ok := f.Files[remote]; !ok {
		return &devctl.DeviceError{Op: "pull", Output: fmt.Sprintf("%s does not exist", remote)}
	}
	return nil
}

// InstallApp implements devctl.DevCtl. The installed package name is the apk
// path's base without extension, which is enough for tests.
func (f *Fake) InstallApp(ctx context.Context, apkPath string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return f.err("install")
	}
	f.Installed[apkPath] = true
	return nil
}

// UninstallApp implements devctl.DevCtl.
func (f *Fake) UninstallApp(ctx context.Context, pkg string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return f.err("uninstall")
	}
	if !f.Installed[pkg] {
		return fmt.Errorf("uninstall %s: %w", pkg, devctl.ErrUninstallFailure)
	}
	delete(f.Installed, pkg)
	return nil
}

// IsAppInstalled implements devctl.DevCtl.
func (f *Fake) IsAppInstalled(ctx context.Context, pkg string) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return false, f.err("is-app-installed")
	}
	return f.Installed[pkg], nil
}

// ListPackages implements devctl.DevCtl.
func (f *Fake) ListPackages(ctx context.Context, prefix string) ([]string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return nil, f.err("list-packages")
	}
	ret := []string{}
	for p := range f.Installed {
		if strings.HasPrefix(p, prefix) {
			ret = append(ret, p)
		}
	}
	return ret, nil
}

// GetProp implements devctl.DevCtl.
func (f *Fake) GetProp(ctx context.Context, key string) (string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return "", f.err("getprop")
	}
	return f.Props[key], nil
}

// IPAddress implements devctl.DevCtl.
func (f *Fake) IPAddress(ctx context.Context) (string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return "", f.err("ip")
	}
	return f.IP, nil
}

// BatteryPercentage implements devctl.DevCtl.
func (f *Fake) BatteryPercentage(ctx context.Context) (int, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return 0, f.err("battery")
	}
	return f.Battery, nil
}

// SetBattery changes the reported charge.
func (f *Fake) SetBattery(pct int) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.Battery = pct
}

// SetState changes what State returns.
func (f *Fake) SetState(state string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.StateValue = state
}

// SetLogcat replaces the device log.
func (f *Fake) SetLogcat(lines ...string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.LogcatLines = append([]string{}, lines...)
}

// Reboot implements devctl.DevCtl.
func (f *Fake) Reboot(ctx context.Context) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return f.err("reboot")
	}
	f.Reboots++
	return nil
}

// PowerOn implements devctl.DevCtl.
func (f *Fake) PowerOn(ctx context.Context) error {
	if f.FailAll {
		return f.err("power-on")
	}
	return nil
}

// Logcat implements devctl.DevCtl.
func (f *Fake) Logcat(ctx context.Context) ([]string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return nil, f.err("logcat")
	}
	return append([]string{}, f.LogcatLines...), nil
}

// ClearLogcat implements devctl.DevCtl.
func (f *Fake) ClearLogcat(ctx context.Context) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return f.err("logcat-clear")
	}
	f.LogcatLines = nil
	return nil
}

// ProcessExist implements devctl.DevCtl.
func (f *Fake) ProcessExist(ctx context.Context, name string) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return false, f.err("process-exist")
	}
	return f.Running[name], nil
}

// Pkill implements devctl.DevCtl.
func (f *Fake) Pkill(ctx context.Context, name string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.FailAll {
		return f.err("pkill")
	}
	delete(f.Running, name)
	return nil
}

var _ devctl.DevCtl = (*Fake)(nil)
