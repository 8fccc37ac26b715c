package devctl

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.skia.org/autophone/go/exec"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
)

// reBatteryLevel extracts the level line of "dumpsys battery".
var reBatteryLevel = regexp.MustCompile(`level:\s*(\d+)`)

// ADB drives one device through the adb command line client. Safe for use by
// one goroutine at a time; the worker is the only caller.
type ADB struct {
	serial  string
	adbPath string
}

// NewADB returns an ADB for the device with the given serial number. The adb
// server is started as a side effect so the first device command does not pay
// for it.
func NewADB(ctx context.Context, serial string) (*ADB, error) {
	a := &ADB{
		serial:  serial,
		adbPath: "adb",
	}
	if _, err := a.command(ctx, cmdTimeout, "start-server"); err != nil {
		return nil, skerr.Wrapf(err, "starting adb server")
	}
	return a, nil
}

// command runs one adb invocation against the device and returns its combined
// output with the trailing newline removed.
func (a *ADB) command(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	cmd := &exec.Command{
		Name:    a.adbPath,
		Args:    append([]string{"-s", a.serial}, args...),
		Timeout: timeout,
	}
	started := time.Now()
	output, err := exec.RunCommand(ctx, cmd)
	output = strings.TrimRight(output, "\r\n")
	if err != nil {
		if time.Since(started) >= timeout {
			return output, fmt.Errorf("%s: %w", exec.DebugString(cmd), ErrTimeout)
		}
		return output, &DeviceError{Op: args[0], Output: output, Err: err}
	}
	return output, nil
}

// State implements DevCtl.
func (a *ADB) State(ctx context.Context) (string, error) {
	output, err := a.command(ctx, cmdTimeout, "get-state")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// Shell implements DevCtl. The on-device exit code is recovered by appending
// an echo of $? since adb itself exits 0 for shell commands that fail.
func (a *ADB) Shell(ctx context.Context, cmd string, root bool) (string, error) {
	wrapped := cmd
	if root {
		wrapped = fmt.Sprintf("su -c '%s'", cmd)
	}
	output, err := a.command(ctx, cmdTimeout, "shell", wrapped+`; echo adbrc=$?`)
	if err != nil {
		return "", err
	}
	idx := strings.LastIndex(output, "adbrc=")
	if idx == -1 {
		return "", &DeviceError{Op: "shell", Output: output, Err: fmt.Errorf("no exit code in output")}
	}
	rc := strings.TrimSpace(output[idx+len("adbrc="):])
	output = strings.TrimRight(output[:idx], "\r\n")
	if rc != "0" {
		return "", &DeviceError{Op: "shell " + cmd, Output: output, Err: fmt.Errorf("exit code %s", rc)}
	}
	return output, nil
}

// Exists implements DevCtl.
func (a *ADB) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := a.Shell(ctx, fmt.Sprintf("ls %s", path), false); err != nil {
		if IsTimeout(err) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// IsDir implements DevCtl.
func (a *ADB) IsDir(ctx context.Context, path string) (bool, error) {
	if _, err := a.Shell(ctx, fmt.Sprintf("ls -d %s/", path), false); err != nil {
		if IsTimeout(err) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Chmod implements DevCtl.
func (a *ADB) Chmod(ctx context.Context, path, mode string) error {
	_, err := a.Shell(ctx, fmt.Sprintf("chmod %s %s", mode, path), true)
	return err
}

// Rm implements DevCtl.
func (a *ADB) Rm(ctx context.Context, path string, recursive bool) error {
	flags := "-f"
	if recursive {
		flags = "-rf"
	}
	_, err := a.Shell(ctx, fmt.Sprintf("rm %s %s", flags, path), true)
	return err
}

// Mkdir implements DevCtl.
func (a *ADB) Mkdir(ctx context.Context, path string) error {
	_, err := a.Shell(ctx, fmt.Sprintf("mkdir -p %s", path), true)
	return err
}

// Push implements DevCtl.
func (a *ADB) Push(ctx context.Context, local, remote string) error {
	_, err := a.command(ctx, installTimeout, "push", local, remote)
	return err
}

// Pull implements DevCtl.
func (a *ADB) Pull(ctx context.Context, remote, local string) error {
	_, err := a.command(ctx, installTimeout, "pull", remote, local)
	return err
}

// InstallApp implements DevCtl.
func (a *ADB) InstallApp(ctx context.Context, apkPath string) error {
	output, err := a.command(ctx, installTimeout, "install", "-r", apkPath)
	if err != nil {
		return err
	}
	if strings.Contains(output, "Failure") {
		return &DeviceError{Op: "install", Output: output}
	}
	return nil
}

// UninstallApp implements DevCtl. A device-reported "Failure" is returned as
// ErrUninstallFailure so callers can treat it as already uninstalled.
func (a *ADB) UninstallApp(ctx context.Context, pkg string) error {
	output, err := a.command(ctx, installTimeout, "uninstall", pkg)
	if err != nil {
		return err
	}
	if strings.Contains(output, "Failure") {
		return fmt.Errorf("uninstall %s: %w", pkg, ErrUninstallFailure)
	}
	return nil
}

// IsAppInstalled implements DevCtl.
func (a *ADB) IsAppInstalled(ctx context.Context, pkg string) (bool, error) {
	pkgs, err := a.ListPackages(ctx, pkg)
	if err != nil {
		return false, err
	}
	for _, p := range pkgs {
		if p == pkg {
			return true, nil
		}
	}
	return false, nil
}

// ListPackages implements DevCtl.
func (a *ADB) ListPackages(ctx context.Context, prefix string) ([]string, error) {
	output, err := a.Shell(ctx, fmt.Sprintf("pm list package %s", prefix), false)
	if err != nil {
		return nil, err
	}
	ret := []string{}
	for _, line := range trimLines(output) {
		ret = append(ret, strings.TrimPrefix(strings.TrimSpace(line), "package:"))
	}
	return ret, nil
}

// GetProp implements DevCtl.
func (a *ADB) GetProp(ctx context.Context, key string) (string, error) {
	output, err := a.Shell(ctx, fmt.Sprintf("getprop %s", key), false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// IPAddress implements DevCtl. Returns an empty string without error when the
// device simply has no address.
func (a *ADB) IPAddress(ctx context.Context) (string, error) {
	output, err := a.Shell(ctx, "ip route", false)
	if err != nil {
		return "", err
	}
	// "default via 192.168.1.1 dev wlan0  src 192.168.1.5"
	for _, line := range trimLines(output) {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "src" && i+1 < len(fields) {
				return fields[i+1], nil
			}
		}
	}
	return "", nil
}

// BatteryPercentage implements DevCtl.
func (a *ADB) BatteryPercentage(ctx context.Context) (int, error) {
	output, err := a.Shell(ctx, "dumpsys battery", false)
	if err != nil {
		return 0, err
	}
	m := reBatteryLevel.FindStringSubmatch(output)
	if m == nil {
		return 0, &DeviceError{Op: "battery", Output: output, Err: fmt.Errorf("no level in dumpsys output")}
	}
	level, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, &DeviceError{Op: "battery", Output: m[1], Err: err}
	}
	return level, nil
}

// Reboot implements DevCtl. Blocks until the device is usable again or the
// reboot timeout expires.
func (a *ADB) Reboot(ctx context.Context) error {
	if _, err := a.command(ctx, cmdTimeout, "reboot"); err != nil {
		return err
	}
	if _, err := a.command(ctx, rebootTimeout, "wait-for-device"); err != nil {
		return err
	}
	// Booting is not done when the transport comes back; wait for the boot
	// animation to finish.
	deadline := time.Now().Add(rebootTimeout)
	for time.Now().Before(deadline) {
		completed, err := a.GetProp(ctx, "sys.boot_completed")
		if err == nil && strings.TrimSpace(completed) == "1" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return fmt.Errorf("reboot of %s: %w", a.serial, ErrTimeout)
}

// PowerOn implements DevCtl. Keeps the screen on while on power; the setting
// does not survive reboots so the worker calls this after every reboot.
func (a *ADB) PowerOn(ctx context.Context) error {
	if _, err := a.Shell(ctx, "svc power stayon true", true); err != nil {
		return err
	}
	return nil
}

// Logcat implements DevCtl.
func (a *ADB) Logcat(ctx context.Context) ([]string, error) {
	output, err := a.command(ctx, cmdTimeout, "logcat", "-d", "-v", "threadtime")
	if err != nil {
		return nil, err
	}
	return trimLines(output), nil
}

// ClearLogcat implements DevCtl.
func (a *ADB) ClearLogcat(ctx context.Context) error {
	_, err := a.command(ctx, cmdTimeout, "logcat", "-c")
	return err
}

// ProcessExist implements DevCtl.
func (a *ADB) ProcessExist(ctx context.Context, name string) (bool, error) {
	output, err := a.Shell(ctx, "ps", false)
	if err != nil {
		return false, err
	}
	for _, line := range trimLines(output) {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[len(fields)-1] == name {
			return true, nil
		}
	}
	return false, nil
}

// Pkill implements DevCtl. Killing a process that is not running is not an
// error.
func (a *ADB) Pkill(ctx context.Context, name string) error {
	exists, err := a.ProcessExist(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if _, err := a.Shell(ctx, fmt.Sprintf("am force-stop %s", name), true); err != nil {
		sklog.Warningf("am force-stop %s failed, falling back to kill: %s", name, err)
		output, err := a.Shell(ctx, "ps", false)
		if err != nil {
			return err
		}
		for _, line := range trimLines(output) {
			fields := strings.Fields(line)
			if len(fields) < 2 || fields[len(fields)-1] != name {
				continue
			}
			if _, err := a.Shell(ctx, fmt.Sprintf("kill %s", fields[1]), true); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ DevCtl = (*ADB)(nil)
