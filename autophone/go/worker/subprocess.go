package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.skia.org/autophone/autophone/go/buildcache"
	"go.skia.org/autophone/autophone/go/config"
	"go.skia.org/autophone/autophone/go/crashes"
	"go.skia.org/autophone/autophone/go/devctl"
	"go.skia.org/autophone/autophone/go/jobs"
	"go.skia.org/autophone/autophone/go/phonetest"
	"go.skia.org/autophone/autophone/go/treeherder"
	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/go/emailer"
	"go.skia.org/autophone/go/now"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
	"go.skia.org/autophone/go/util"
)

// chargingWait is the pause between battery level polls while charging.
const chargingWait = 60 * time.Second

// reGeckoPackage matches the application packages uninstalled before a new
// build is installed.
var reGeckoPackage = regexp.MustCompile(`fennec|firefox`)

// BuildGetter fetches a build by url. Satisfied by buildcache.Client and by
// buildcache.Cache.
type BuildGetter interface {
	Get(ctx context.Context, buildURL string, enableUnittests, force bool) (*buildcache.Build, error)
}

// SubProcess is the worker side of the stdin/stdout pipe pair: it claims
// jobs for its one device, runs their tests, and reports status messages to
// the supervisor.
type SubProcess struct {
	dm       devctl.DevCtl
	device   types.Device
	opts     *config.Options
	store    *jobs.Store
	cache    BuildGetter
	reporter *treeherder.Reporter
	em       *emailer.Emailer
	tests    *phonetest.Index

	in      *json.Decoder
	logPath string

	outMtx sync.Mutex
	out    *json.Encoder

	commands chan types.Command

	// retryWait is a test hook, RetryWait in production.
	retryWait time.Duration

	// The remaining fields are only touched from the Run goroutine.
	state       types.ProcessState
	status      types.PhoneStatus
	statusText  string
	build       *buildcache.Build
	lastPing    time.Time
	cancelled   map[string]bool
	currentGUID string
}

// NewSubProcess returns a SubProcess for the device described by boot. in is
// the command pipe, positioned after the boot line; out is the status pipe.
// logPath is this worker's log file, attached to completed reports.
func NewSubProcess(dm devctl.DevCtl, boot BootConfig, opts *config.Options, store *jobs.Store, cache BuildGetter, reporter *treeherder.Reporter, em *emailer.Emailer, tests *phonetest.Index, in *json.Decoder, out io.Writer, logPath string) *SubProcess {
	status := boot.Status
	if status == "" {
		status = types.StatusIdle
	}
	return &SubProcess{
		dm:        dm,
		device:    boot.Device,
		opts:      opts,
		store:     store,
		cache:     cache,
		reporter:  reporter,
		em:        em,
		tests:     tests,
		in:        in,
		logPath:   logPath,
		retryWait: RetryWait,
		out:       json.NewEncoder(out),
		commands:  make(chan types.Command, 16),
		state:     types.StateStarting,
		status:    status,
		cancelled: map[string]bool{},
	}
}

// ReadBootConfig reads the boot line the supervisor writes before any
// command.
func ReadBootConfig(dec *json.Decoder) (BootConfig, error) {
	var boot BootConfig
	if err := dec.Decode(&boot); err != nil {
		return BootConfig{}, skerr.Wrapf(err, "reading boot config")
	}
	if boot.Device.ID == "" {
		return BootConfig{}, skerr.Fmt("boot config names no device")
	}
	return boot, nil
}

// Run is the worker main loop. It returns after a shutdown command or when
// the command pipe closes.
func (s *SubProcess) Run(ctx context.Context) error {
	sklog.Infof("Worker for %s starting", s.device.ID)
	go s.readCommands()
	s.state = types.StateRunning
	s.updateStatus(ctx, s.status, "")
	s.ping(ctx)
	for ctx.Err() == nil {
		s.heartbeat(ctx)
		if s.state == types.StateShuttingDown {
			break
		}
		if intr := s.drain(ctx); intr != nil {
			continue
		}
		if s.healthy() {
			job, err := s.store.ClaimNext(ctx, s.device.ID)
			if err != nil {
				sklog.Errorf("Claiming a job for %s: %s", s.device.ID, err)
			} else if job != nil {
				if s.status == types.StatusDisabled {
					s.cancelJob(ctx, job)
				} else {
					s.handleJob(ctx, job)
				}
				continue
			}
		}
		_ = s.waitCommands(ctx, CommandQueueTimeout)
		if s.status != types.StatusDisabled && now.Now(ctx).Sub(s.lastPing) >= PingInterval {
			s.ping(ctx)
		}
	}
	s.state = types.StateShutdown
	s.status = types.StatusShutdown
	s.emit(ctx, types.Message{
		Kind:         types.KindShutdown,
		PhoneStatus:  types.StatusShutdown,
		ProcessState: types.StateShutdown,
	})
	sklog.Infof("Worker for %s exiting", s.device.ID)
	return nil
}

// readCommands feeds the command pipe into the command channel. A closed or
// broken pipe means the supervisor is gone, which is treated as a shutdown.
func (s *SubProcess) readCommands() {
	for {
		var cmd types.Command
		if err := s.in.Decode(&cmd); err != nil {
			if err != io.EOF {
				sklog.Warningf("Command pipe for %s broke: %s", s.device.ID, err)
			}
			s.commands <- types.Command{Name: types.CmdShutdown}
			return
		}
		s.commands <- cmd
	}
}

func (s *SubProcess) healthy() bool {
	return s.status != types.StatusDisconnected && s.status != types.StatusError
}

func (s *SubProcess) emit(ctx context.Context, msg types.Message) {
	msg.DeviceID = s.device.ID
	msg.Time = now.Now(ctx)
	s.outMtx.Lock()
	defer s.outMtx.Unlock()
	if err := s.out.Encode(msg); err != nil {
		sklog.Errorf("Failed writing status message for %s: %s", s.device.ID, err)
	}
}

func (s *SubProcess) heartbeat(ctx context.Context) {
	s.emit(ctx, types.Message{Kind: types.KindHeartbeat, PhoneStatus: s.status})
}

func (s *SubProcess) updateStatus(ctx context.Context, status types.PhoneStatus, text string) {
	if s.status != status || s.statusText != text {
		sklog.Infof("%s: %s %s", s.device.ID, status, text)
	}
	s.status = status
	s.statusText = text
	s.emit(ctx, types.Message{Kind: types.KindStatusChange, PhoneStatus: status, Text: text})
}

// drain handles every queued command without blocking and returns the first
// interrupt raised, if any.
func (s *SubProcess) drain(ctx context.Context) *phonetest.Interrupt {
	var first *phonetest.Interrupt
	for {
		select {
		case cmd := <-s.commands:
			if intr := s.handleCmd(ctx, cmd); intr != nil && first == nil {
				first = intr
			}
		default:
			return first
		}
	}
}

// waitCommands blocks on the command channel for at most d, handling every
// command that arrives.
func (s *SubProcess) waitCommands(ctx context.Context, d time.Duration) *phonetest.Interrupt {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case cmd := <-s.commands:
			if intr := s.handleCmd(ctx, cmd); intr != nil {
				return intr
			}
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// checkCommands is handed to tests as Env.CheckCommands.
func (s *SubProcess) checkCommands(ctx context.Context) *phonetest.Interrupt {
	s.heartbeat(ctx)
	if intr := s.drain(ctx); intr != nil {
		return intr
	}
	if s.state == types.StateShuttingDown {
		return &phonetest.Interrupt{Reason: "Worker shutting down", Result: types.ResultRetry}
	}
	if !s.healthy() {
		return &phonetest.Interrupt{Reason: fmt.Sprintf("Device is %s", s.status), Result: types.ResultRetry}
	}
	return nil
}

func (s *SubProcess) handleCmd(ctx context.Context, cmd types.Command) *phonetest.Interrupt {
	sklog.Infof("Command %s for %s", cmd.Name, s.device.ID)
	switch cmd.Name {
	case types.CmdShutdown:
		s.state = types.StateShuttingDown
		return &phonetest.Interrupt{Reason: "Worker shutting down", Result: types.ResultRetry}
	case types.CmdJob:
		// The next loop pass claims it.
		return nil
	case types.CmdReboot:
		s.rebootDevice(ctx)
		return &phonetest.Interrupt{Reason: "Device rebooted by administrator", Result: types.ResultRetry}
	case types.CmdDisable:
		s.updateStatus(ctx, types.StatusDisabled, "disabled by administrator")
		return &phonetest.Interrupt{Reason: "Device disabled by administrator", Result: types.ResultUserCancel}
	case types.CmdEnable:
		if s.status == types.StatusDisabled {
			s.updateStatus(ctx, types.StatusIdle, "")
			// Force a ping on the next loop pass.
			s.lastPing = time.Time{}
		}
		return nil
	case types.CmdCancelTest:
		s.cancelled[cmd.TestGUID] = true
		if err := s.store.CancelTest(ctx, cmd.TestGUID); err != nil {
			sklog.Errorf("Cancelling test %s: %s", cmd.TestGUID, err)
		}
		if s.currentGUID != "" && s.currentGUID == cmd.TestGUID {
			return &phonetest.Interrupt{Reason: "Job cancelled by administrator", Result: types.ResultUserCancel}
		}
		return nil
	case types.CmdPing:
		s.ping(ctx)
		return nil
	}
	sklog.Warningf("Unknown command %q for %s", cmd.Name, s.device.ID)
	return nil
}

func (s *SubProcess) rebootDevice(ctx context.Context) {
	s.updateStatus(ctx, types.StatusRebooting, "")
	if err := s.dm.Reboot(ctx); err != nil {
		sklog.Errorf("Reboot of %s failed: %s", s.device.ID, err)
	}
	s.ping(ctx)
}

// ping probes the device and updates the worker status. A device that was
// healthy and fails every check is rebooted once before being declared down;
// transitions in either direction mail the operator.
func (s *SubProcess) ping(ctx context.Context) {
	wasOK := s.healthy()
	var status types.PhoneStatus
	var reason string
	ok := false
	for attempt := 1; attempt <= RetryLimit; attempt++ {
		status, reason = s.checkDevice(ctx)
		if reason == "" {
			ok = true
			break
		}
		sklog.Warningf("Device check %d/%d for %s failed: %s", attempt, RetryLimit, s.device.ID, reason)
		if attempt < RetryLimit {
			time.Sleep(s.retryWait)
		}
	}
	if !ok && wasOK && status == types.StatusError {
		sklog.Warningf("Rebooting %s to recover from: %s", s.device.ID, reason)
		if err := s.dm.Reboot(ctx); err != nil {
			sklog.Errorf("Recovery reboot of %s failed: %s", s.device.ID, err)
		} else if _, r := s.checkDevice(ctx); r == "" {
			ok = true
		}
	}
	s.lastPing = now.Now(ctx)
	if s.status == types.StatusDisabled {
		return
	}
	if ok {
		if !wasOK {
			s.em.Send(fmt.Sprintf("%s is back online", s.device.ID),
				fmt.Sprintf("Device %s (%s) passed its health check and is taking jobs again.\n",
					s.device.ID, s.device.Serial))
			s.updateStatus(ctx, types.StatusIdle, "")
		} else if s.status == types.StatusRebooting {
			s.updateStatus(ctx, types.StatusIdle, "")
		}
		return
	}
	if wasOK {
		s.em.Send(fmt.Sprintf("%s is %s", s.device.ID, status),
			fmt.Sprintf("Device %s (%s) failed its health check:\n%s\n",
				s.device.ID, s.device.Serial, reason))
	}
	s.updateStatus(ctx, status, reason)
}

// checkDevice runs one health probe pass. An empty reason means the device
// is healthy.
func (s *SubProcess) checkDevice(ctx context.Context) (types.PhoneStatus, string) {
	state, err := s.dm.State(ctx)
	if err != nil {
		return types.StatusDisconnected, fmt.Sprintf("adb state: %s", err)
	}
	if state != "device" {
		return types.StatusDisconnected, fmt.Sprintf("adb state is %q", state)
	}
	if err := s.checkSELinux(ctx); err != nil {
		return types.StatusError, err.Error()
	}
	if err := s.checkPath(ctx, "/data/local/tmp"); err != nil {
		return types.StatusError, err.Error()
	}
	if s.device.TestRoot != "" && s.device.TestRoot != "/data/local/tmp" {
		if err := s.checkPath(ctx, s.device.TestRoot); err != nil {
			return types.StatusError, err.Error()
		}
	}
	s.checkWifi(ctx)
	return "", ""
}

// checkSELinux puts the device into Permissive mode; enforcing mode breaks
// profile access for the tests.
func (s *SubProcess) checkSELinux(ctx context.Context) error {
	mode, err := s.dm.Shell(ctx, "getenforce", false)
	if err != nil {
		return skerr.Wrapf(err, "reading SELinux mode")
	}
	mode = strings.TrimSpace(mode)
	if mode == "" || mode == "Permissive" || mode == "Disabled" {
		return nil
	}
	sklog.Infof("SELinux is %s on %s, setting Permissive", mode, s.device.ID)
	if _, err := s.dm.Shell(ctx, "setenforce Permissive", true); err != nil {
		return skerr.Wrapf(err, "setting SELinux Permissive")
	}
	mode, err = s.dm.Shell(ctx, "getenforce", false)
	if err != nil {
		return skerr.Wrapf(err, "re-reading SELinux mode")
	}
	if mode = strings.TrimSpace(mode); mode != "Permissive" {
		return skerr.Fmt("SELinux still %s after setenforce", mode)
	}
	return nil
}

// checkPath verifies a writable directory can be created and pushed to under
// path.
func (s *SubProcess) checkPath(ctx context.Context, path string) error {
	remote := path + "/autophone_check_path"
	_ = s.dm.Rm(ctx, remote, true)
	if err := s.dm.Mkdir(ctx, remote); err != nil {
		return skerr.Wrapf(err, "creating %s", remote)
	}
	if err := s.dm.Chmod(ctx, remote, "777"); err != nil {
		return skerr.Wrapf(err, "making %s writable", remote)
	}
	f, err := os.CreateTemp("", "autophone-check-")
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.Remove(f.Name())
	if _, err := f.WriteString("autophone test\n"); err != nil {
		_ = f.Close()
		return skerr.Wrap(err)
	}
	if err := f.Close(); err != nil {
		return skerr.Wrap(err)
	}
	if err := s.dm.Push(ctx, f.Name(), remote+"/check.txt"); err != nil {
		return skerr.Wrapf(err, "pushing to %s", remote)
	}
	return skerr.Wrapf(s.dm.Rm(ctx, remote, true), "cleaning up %s", remote)
}

// checkWifi verifies the device has an ip address and tries to bring wifi
// back with the saved supplicant config when it does not. Best effort: a
// device without wifi can still run most tests.
func (s *SubProcess) checkWifi(ctx context.Context) {
	if _, err := s.dm.IPAddress(ctx); err == nil {
		return
	}
	const savedConf = "/data/local/tmp/wpa_supplicant.conf"
	if found, err := s.dm.Exists(ctx, savedConf); err != nil || !found {
		sklog.Warningf("%s has no ip address and no saved %s", s.device.ID, savedConf)
		return
	}
	sklog.Infof("Recovering wifi on %s from %s", s.device.ID, savedConf)
	if _, err := s.dm.Shell(ctx, "svc wifi disable", true); err != nil {
		sklog.Warningf("Failed disabling wifi on %s: %s", s.device.ID, err)
		return
	}
	if _, err := s.dm.Shell(ctx, fmt.Sprintf("dd if=%s of=/data/misc/wifi/wpa_supplicant.conf", savedConf), true); err != nil {
		sklog.Warningf("Failed restoring supplicant config on %s: %s", s.device.ID, err)
		return
	}
	// Older devices use the dotted chown syntax.
	if out, err := s.dm.Shell(ctx, "chown wifi.wifi /data/misc/wifi/wpa_supplicant.conf", true); err != nil || strings.Contains(out, "No such user") {
		if _, err := s.dm.Shell(ctx, "chown wifi:wifi /data/misc/wifi/wpa_supplicant.conf", true); err != nil {
			sklog.Warningf("Failed chowning supplicant config on %s: %s", s.device.ID, err)
		}
	}
	if _, err := s.dm.Shell(ctx, "svc wifi enable", true); err != nil {
		sklog.Warningf("Failed enabling wifi on %s: %s", s.device.ID, err)
	}
}

// checkBattery charges the device to the configured maximum when the level
// is below the configured minimum. Commands are still serviced while
// charging.
func (s *SubProcess) checkBattery(ctx context.Context) *phonetest.Interrupt {
	level, err := s.dm.BatteryPercentage(ctx)
	if err != nil {
		sklog.Warningf("Cannot read battery level on %s: %s", s.device.ID, err)
		return nil
	}
	if level >= s.opts.BatteryMin {
		return nil
	}
	for level < s.opts.BatteryMax {
		s.updateStatus(ctx, types.StatusCharging,
			fmt.Sprintf("battery at %d%%, charging to %d%%", level, s.opts.BatteryMax))
		if intr := s.waitCommands(ctx, chargingWait); intr != nil {
			return intr
		}
		if s.state == types.StateShuttingDown {
			return &phonetest.Interrupt{Reason: "Shutdown while charging", Result: types.ResultRetry}
		}
		s.heartbeat(ctx)
		if level, err = s.dm.BatteryPercentage(ctx); err != nil {
			sklog.Warningf("Cannot read battery level on %s: %s", s.device.ID, err)
			return nil
		}
	}
	return nil
}

// handleJob fetches the job's build and runs its tests. A completed job is
// removed; a run aborted through no fault of the job gets its claimed
// attempt back.
func (s *SubProcess) handleJob(ctx context.Context, job *jobs.Job) {
	s.updateStatus(ctx, types.StatusFetching, strings.TrimSpace(fmt.Sprintf("%s %s", job.Tree, job.BuildID)))
	build, err := s.cache.Get(ctx, job.BuildURL, job.EnableUnittests, false)
	if err != nil {
		// The attempt stays charged so a permanently broken url is purged
		// after MaxAttempts claims.
		sklog.Warningf("Failed fetching %s: %s", job.BuildURL, err)
		s.idleIfAble(ctx)
		return
	}
	s.build = build
	completed, refund := s.runTests(ctx, job)
	if completed {
		if err := s.store.JobCompleted(ctx, job.ID); err != nil {
			sklog.Errorf("Completing job %d: %s", job.ID, err)
		}
	} else if refund {
		if err := s.store.SetAttempts(ctx, job.ID, job.Attempts-1); err != nil {
			sklog.Errorf("Restoring attempts of job %d: %s", job.ID, err)
		}
	}
	s.idleIfAble(ctx)
}

func (s *SubProcess) idleIfAble(ctx context.Context) {
	if s.healthy() && s.status != types.StatusDisabled && s.state != types.StateShuttingDown {
		s.updateStatus(ctx, types.StatusIdle, "")
	}
}

// runTests installs the build and runs every remaining test of the job.
// refund is true when the run was aborted by something that is not the
// job's fault: an operator command, a shutdown, or a sick device.
func (s *SubProcess) runTests(ctx context.Context, job *jobs.Job) (completed, refund bool) {
	if intr := s.drain(ctx); intr != nil || s.state == types.StateShuttingDown || s.status == types.StatusDisabled {
		return false, true
	}
	if err := s.installBuild(ctx); err != nil {
		sklog.Warningf("Failed installing %s on %s: %s", s.build.URL, s.device.ID, err)
		return false, !s.healthy()
	}
	for _, t := range job.Tests {
		if s.cancelled[t.GUID] {
			delete(s.cancelled, t.GUID)
			continue
		}
		if intr := s.drain(ctx); intr != nil || s.state == types.StateShuttingDown || s.status == types.StatusDisabled {
			return false, true
		}
		if !s.healthy() {
			return false, true
		}
		inst := s.tests.Lookup(s.device.ID, t.ConfigFile, t.Chunk)
		if inst == nil {
			sklog.Warningf("No test instance for %s %s chunk %d, dropping", s.device.ID, t.ConfigFile, t.Chunk)
			if err := s.store.TestCompleted(ctx, t.GUID); err != nil {
				sklog.Errorf("Completing test %s: %s", t.GUID, err)
			}
			continue
		}
		s.runOneTest(ctx, job, t, inst)
	}
	if s.healthy() && s.build.AppName != "" {
		if err := s.dm.UninstallApp(ctx, s.build.AppName); err != nil && !errors.Is(err, devctl.ErrUninstallFailure) {
			sklog.Warningf("Failed uninstalling %s from %s: %s", s.build.AppName, s.device.ID, err)
		}
	}
	return true, false
}

// installBuild removes every product package from the device, reboots it,
// and installs the job's build.
func (s *SubProcess) installBuild(ctx context.Context) error {
	s.updateStatus(ctx, types.StatusInstalling, strings.TrimSpace(fmt.Sprintf("%s %s", s.build.Tree, s.build.ID)))
	var lastErr error
	for attempt := 1; attempt <= RetryLimit; attempt++ {
		if lastErr = s.uninstallProductPackages(ctx); lastErr == nil {
			break
		}
		sklog.Warningf("Uninstall pass %d/%d on %s failed: %s", attempt, RetryLimit, s.device.ID, lastErr)
		s.ping(ctx)
		if !s.healthy() {
			return skerr.Wrapf(lastErr, "device went down during uninstall")
		}
		time.Sleep(s.retryWait)
	}
	if lastErr != nil {
		return skerr.Wrapf(lastErr, "uninstalling old builds")
	}
	// The uninstalls are not fully settled until the device restarts; install
	// only after a reboot.
	if err := s.dm.Reboot(ctx); err != nil {
		sklog.Warningf("Reboot of %s before install failed: %s", s.device.ID, err)
		s.ping(ctx)
		if !s.healthy() {
			return skerr.Wrapf(err, "device went down rebooting before install")
		}
	}
	for attempt := 1; attempt <= RetryLimit; attempt++ {
		if lastErr = s.dm.InstallApp(ctx, s.build.APK); lastErr == nil {
			return nil
		}
		sklog.Warningf("Install pass %d/%d on %s failed: %s", attempt, RetryLimit, s.device.ID, lastErr)
		s.ping(ctx)
		if !s.healthy() {
			break
		}
		time.Sleep(s.retryWait)
	}
	return skerr.Wrapf(lastErr, "installing %s", s.build.APK)
}

// uninstallProductPackages removes every installed fennec or firefox
// package, plus the Flash plugin. An uninstall failure for a package that is
// not actually installed counts as success.
func (s *SubProcess) uninstallProductPackages(ctx context.Context) error {
	pkgs, err := s.dm.ListPackages(ctx, "org.mozilla")
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, pkg := range pkgs {
		if !reGeckoPackage.MatchString(pkg) {
			continue
		}
		if err := s.dm.UninstallApp(ctx, pkg); err != nil && !errors.Is(err, devctl.ErrUninstallFailure) {
			return skerr.Wrapf(err, "uninstalling %s", pkg)
		}
	}
	if installed, err := s.dm.IsAppInstalled(ctx, phonetest.FlashPackage); err == nil && installed {
		if err := s.dm.UninstallApp(ctx, phonetest.FlashPackage); err != nil && !errors.Is(err, devctl.ErrUninstallFailure) {
			return skerr.Wrapf(err, "uninstalling %s", phonetest.FlashPackage)
		}
	}
	return nil
}

// runOneTest runs one test item to a completed report, re-enqueueing it
// first when the run did not complete and the job still has attempt budget.
func (s *SubProcess) runOneTest(ctx context.Context, job *jobs.Job, t *jobs.Test, inst *phonetest.Instance) {
	runner, err := phonetest.NewRunner(inst)
	if err != nil {
		sklog.Errorf("Cannot run %s: %s", inst.Name(), err)
		if err := s.store.TestCompleted(ctx, t.GUID); err != nil {
			sklog.Errorf("Completing test %s: %s", t.GUID, err)
		}
		return
	}
	scratch, err := os.MkdirTemp("", "autophone-"+s.device.ID+"-")
	if err != nil {
		sklog.Errorf("Cannot create scratch dir for %s: %s", inst.Name(), err)
		return
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			sklog.Warningf("Failed removing %s: %s", scratch, err)
		}
	}()
	uploadDir := filepath.Join(scratch, "upload")
	if err := os.Mkdir(uploadDir, 0755); err != nil {
		sklog.Errorf("Cannot create upload dir for %s: %s", inst.Name(), err)
		return
	}

	s.currentGUID = t.GUID
	defer func() { s.currentGUID = "" }()

	th := treeherder.Test{Instance: inst, GUID: t.GUID}
	if err := s.reporter.SubmitRunning(ctx, s.device.ID, job.BuildURL, job.Tree, job.RevisionHash, []treeherder.Test{th}); err != nil {
		sklog.Warningf("Failed queueing running report for %s: %s", inst.Name(), err)
	}
	s.updateStatus(ctx, types.StatusWorking, inst.Name())

	env := &phonetest.Env{
		DM:        s.dm,
		Device:    s.device,
		Build:     s.build,
		UploadDir: uploadDir,
		UpdateStatus: func(msg string) {
			s.updateStatus(ctx, types.StatusWorking, msg)
		},
		CheckCommands: s.checkCommands,
	}

	result := runner.Result()
	completed := false
	if intr := s.checkBattery(ctx); intr != nil {
		result.AddFailure(inst.Name(), "TEST-UNEXPECTED-FAIL", intr.Reason, intr.Result)
	} else {
		if err := runner.SetupJob(ctx, env); err != nil {
			sklog.Warningf("Setup of %s on %s failed: %s", inst.Name(), s.device.ID, err)
			result.AddFailure(inst.Name(), "TEST-UNEXPECTED-FAIL",
				fmt.Sprintf("Job setup failed: %s", err), types.ResultException)
			s.ping(ctx)
		} else {
			completed, err = runner.RunJob(ctx, env)
			if err != nil {
				sklog.Warningf("Run of %s on %s failed: %s", inst.Name(), s.device.ID, err)
				result.AddFailure(inst.Name(), "TEST-UNEXPECTED-FAIL",
					fmt.Sprintf("Job failed: %s", err), types.ResultException)
				s.ping(ctx)
			}
		}
		proc := crashes.NewProcessor(s.dm, s.profileDir(ctx), uploadDir,
			s.build.AppName, s.build.SymbolsDir, s.opts.MinidumpStackwalk)
		if errs, err := proc.Errors(ctx); err != nil {
			sklog.Warningf("Crash collection on %s failed: %s", s.device.ID, err)
		} else {
			for _, e := range errs {
				result.AddFailure(inst.Name(), e.Reason, e.Signature, types.ResultTestFailed)
			}
		}
	}
	if err := runner.TeardownJob(ctx, env); err != nil {
		result.AddFailure(inst.Name(), "TEST-UNEXPECTED-FAIL",
			fmt.Sprintf("Job teardown failed: %s", err), types.ResultException)
	}

	retried := false
	if result.Status != types.ResultUserCancel && !completed && job.Attempts < jobs.MaxAttempts {
		result.Status = types.ResultRetry
		retried = true
	}

	if err := s.store.TestCompleted(ctx, t.GUID); err != nil {
		sklog.Errorf("Completing test %s: %s", t.GUID, err)
	}
	if retried {
		inserted, err := s.store.NewJob(ctx, jobs.NewJobRequest{
			BuildURL:        job.BuildURL,
			BuildID:         job.BuildID,
			Changeset:       job.Changeset,
			Tree:            job.Tree,
			Revision:        job.Revision,
			RevisionHash:    job.RevisionHash,
			EnableUnittests: job.EnableUnittests,
			DeviceID:        s.device.ID,
			Attempts:        job.Attempts,
		}, []*jobs.Test{{Name: t.Name, ConfigFile: t.ConfigFile, Chunk: t.Chunk, Repos: t.Repos}})
		if err != nil {
			sklog.Errorf("Re-enqueueing %s: %s", inst.Name(), err)
		} else {
			pending := make([]treeherder.Test, 0, len(inserted))
			for _, ins := range inserted {
				pending = append(pending, treeherder.Test{Instance: inst, GUID: ins.GUID})
			}
			if err := s.reporter.SubmitPending(ctx, s.device.ID, job.BuildURL, job.Tree, job.RevisionHash, pending); err != nil {
				sklog.Warningf("Failed queueing pending report for %s: %s", inst.Name(), err)
			}
		}
	}

	logcatPath := s.saveLogcat(ctx, scratch)
	if err := s.dm.ClearLogcat(ctx); err != nil {
		sklog.Debugf("Failed clearing device log on %s: %s", s.device.ID, err)
	}
	comp := treeherder.Completed{
		Test:       th,
		Result:     result,
		UploadDir:  uploadDir,
		LogPath:    s.logPath,
		LogcatPath: logcatPath,
	}
	if err := s.reporter.SubmitComplete(ctx, s.device.ID, job.BuildURL, job.Tree, job.RevisionHash, []treeherder.Completed{comp}); err != nil {
		s.em.Send(fmt.Sprintf("artifact upload trouble on %s", s.device.ID),
			fmt.Sprintf("Uploading artifacts of %s failed:\n%s\n", inst.Name(), err))
	}
	s.emit(ctx, types.Message{
		Kind:     types.KindTestResult,
		TestGUID: t.GUID,
		Result:   result.Status,
		Text:     inst.Name(),
	})
}

// cancelJob reports every remaining test of a job claimed by a disabled
// device as cancelled and removes the job.
func (s *SubProcess) cancelJob(ctx context.Context, job *jobs.Job) {
	for _, t := range job.Tests {
		if s.cancelled[t.GUID] {
			delete(s.cancelled, t.GUID)
			continue
		}
		if inst := s.tests.Lookup(s.device.ID, t.ConfigFile, t.Chunk); inst != nil {
			result := phonetest.NewTestResult()
			result.AddFailure(inst.Name(), "USERCANCEL", "Device is disabled", types.ResultUserCancel)
			comp := treeherder.Completed{
				Test:   treeherder.Test{Instance: inst, GUID: t.GUID},
				Result: result,
			}
			if err := s.reporter.SubmitComplete(ctx, s.device.ID, job.BuildURL, job.Tree, job.RevisionHash, []treeherder.Completed{comp}); err != nil {
				sklog.Warningf("Failed queueing cancel report for %s: %s", inst.Name(), err)
			}
		}
		if err := s.store.TestCompleted(ctx, t.GUID); err != nil {
			sklog.Errorf("Completing test %s: %s", t.GUID, err)
		}
	}
	if err := s.store.JobCompleted(ctx, job.ID); err != nil {
		sklog.Errorf("Completing job %d: %s", job.ID, err)
	}
}

// profileDir locates the application profile on the device. Profile names
// are salted, so glob for the default profile.
func (s *SubProcess) profileDir(ctx context.Context) string {
	pattern := fmt.Sprintf("/data/data/%s/files/mozilla/*.default", s.build.AppName)
	out, err := s.dm.Shell(ctx, "echo "+pattern, true)
	if err != nil {
		sklog.Debugf("Cannot locate profile on %s: %s", s.device.ID, err)
		return ""
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || strings.Contains(fields[0], "*") {
		return ""
	}
	return fields[0]
}

// saveLogcat writes the device log to a file under dir for upload.
func (s *SubProcess) saveLogcat(ctx context.Context, dir string) string {
	lines, err := s.dm.Logcat(ctx)
	if err != nil {
		sklog.Warningf("Failed reading device log on %s: %s", s.device.ID, err)
		return ""
	}
	path := filepath.Join(dir, "logcat.log")
	if err := util.WithWriteFile(path, func(w io.Writer) error {
		_, err := w.Write([]byte(strings.Join(lines, "\n") + "\n"))
		return err
	}); err != nil {
		sklog.Warningf("Failed writing %s: %s", path, err)
		return ""
	}
	return path
}
