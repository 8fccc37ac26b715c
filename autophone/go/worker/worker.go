// Package worker runs tests on a single phone in a separate process. The
// Worker type is the supervisor-side handle: it spawns the subprocess,
// feeds it commands over stdin and relays its status messages from stdout.
// SubProcess is the other side, run by the same binary when invoked with
// the worker flag.
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"sync"
	"syscall"
	"time"

	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/go/ring"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
)

const (
	// RetryLimit and RetryWait bound every device sub-step: health checks,
	// uninstall, install.
	RetryLimit = 2
	RetryWait  = 15 * time.Second

	// PingInterval is how often an idle worker probes its device.
	PingInterval = 15 * time.Minute

	// CommandQueueTimeout is how long the worker blocks on its command
	// channel when there is nothing else to do.
	CommandQueueTimeout = 10 * time.Second

	// CrashWindow and CrashLimit are the per-device crash budget: this many
	// subprocess deaths inside the window disable the device instead of
	// restarting it.
	CrashWindow = 30 * time.Second
	CrashLimit  = 5

	// stopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	stopTimeout = 2 * CommandQueueTimeout

	// WorkerFlag is the flag that makes the binary run as a worker
	// subprocess instead of the supervisor.
	WorkerFlag = "--worker-device"
)

// BootConfig is the first line a freshly spawned subprocess reads from its
// stdin: the device identity as probed by the supervisor, and the status to
// start in.
type BootConfig struct {
	Device types.Device      `json:"device"`
	Status types.PhoneStatus `json:"status"`
}

// Worker is the supervisor-side handle of one worker subprocess.
type Worker struct {
	// Device is the phone this worker owns.
	Device types.Device

	// queue receives the subprocess's status messages.
	queue chan<- types.Message

	crashes *ring.TimeRing

	mtx            sync.Mutex
	state          types.ProcessState
	cmd            *osexec.Cmd
	stdin          io.WriteCloser
	enc            *json.Encoder
	exited         chan struct{}
	lastStatus     types.Message
	firstOfStatus  time.Time
	prevStatus     *types.Message
	prevStatusTime time.Time
}

// New returns an unstarted Worker relaying subprocess messages into queue.
func New(device types.Device, queue chan<- types.Message) *Worker {
	crashes, err := ring.NewTimeRing(CrashLimit)
	if err != nil {
		// CrashLimit is a positive constant.
		panic(err)
	}
	return &Worker{
		Device:  device,
		queue:   queue,
		crashes: crashes,
		state:   types.StateStarting,
	}
}

// Start spawns the subprocess: the same binary with the worker flag, the
// boot config on stdin, status messages expected on stdout.
func (w *Worker) Start(status types.PhoneStatus) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.cmd != nil && w.aliveLocked() {
		sklog.Debugf("Worker %s already alive", w.Device.ID)
		return nil
	}
	cmd := osexec.Command(os.Args[0], append(os.Args[1:], fmt.Sprintf("%s=%s", WorkerFlag, w.Device.ID))...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return skerr.Wrap(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := cmd.Start(); err != nil {
		return skerr.Wrapf(err, "spawning worker for %s", w.Device.ID)
	}
	sklog.Infof("Started worker for %s, pid %d", w.Device.ID, cmd.Process.Pid)
	w.cmd = cmd
	w.stdin = stdin
	w.enc = json.NewEncoder(stdin)
	w.state = types.StateRunning
	exited := make(chan struct{})
	w.exited = exited
	go func() {
		if err := cmd.Wait(); err != nil {
			sklog.Warningf("Worker for %s exited: %s", w.Device.ID, err)
		}
		close(exited)
	}()
	go w.readMessages(stdout)
	if err := w.enc.Encode(BootConfig{Device: w.Device, Status: status}); err != nil {
		return skerr.Wrapf(err, "sending boot config to %s", w.Device.ID)
	}
	return nil
}

// readMessages relays status messages from the subprocess into the
// supervisor queue until the pipe closes.
func (w *Worker) readMessages(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			sklog.Warningf("Bad message from worker %s: %s", w.Device.ID, err)
			continue
		}
		w.queue <- msg
	}
	if err := scanner.Err(); err != nil {
		sklog.Debugf("Worker %s message pipe closed: %s", w.Device.ID, err)
	}
}

// Alive reports whether the subprocess is running.
func (w *Worker) Alive() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.aliveLocked()
}

func (w *Worker) aliveLocked() bool {
	if w.cmd == nil || w.exited == nil {
		return false
	}
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// send encodes one command onto the subprocess stdin.
func (w *Worker) send(cmd types.Command) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.enc == nil {
		return skerr.Fmt("worker for %s is not started", w.Device.ID)
	}
	return skerr.Wrap(w.enc.Encode(cmd))
}

// State returns the handle's lifecycle state.
func (w *Worker) State() types.ProcessState {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.state
}

func (w *Worker) setState(s types.ProcessState) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.state = s
}

// Shutdown asks the subprocess to finish its current test step and exit.
func (w *Worker) Shutdown() {
	w.setState(types.StateShuttingDown)
	if err := w.send(types.Command{Name: types.CmdShutdown}); err != nil {
		sklog.Warningf("Failed sending shutdown to %s: %s", w.Device.ID, err)
	}
}

// Restart is Shutdown with the handle marked RESTARTING so the supervisor
// recreates the worker once it has exited.
func (w *Worker) Restart() {
	w.setState(types.StateRestarting)
	if err := w.send(types.Command{Name: types.CmdShutdown}); err != nil {
		sklog.Warningf("Failed sending shutdown to %s: %s", w.Device.ID, err)
	}
}

// Stop terminates the subprocess immediately: SIGTERM, bounded join,
// SIGKILL.
func (w *Worker) Stop() {
	w.setState(types.StateStopping)
	w.mtx.Lock()
	cmd, exited := w.cmd, w.exited
	w.mtx.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-exited:
		return
	default:
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		sklog.Debugf("SIGTERM to worker %s: %s", w.Device.ID, err)
	}
	select {
	case <-exited:
	case <-time.After(stopTimeout):
		sklog.Warningf("Worker for %s did not exit, killing pid %d", w.Device.ID, cmd.Process.Pid)
		if err := cmd.Process.Kill(); err != nil {
			sklog.Errorf("Failed killing worker %s: %s", w.Device.ID, err)
		}
		<-exited
	}
}

// NewJob nudges the worker to check the job store.
func (w *Worker) NewJob() {
	_ = w.send(types.Command{Name: types.CmdJob})
}

// Reboot asks the worker to reboot its device.
func (w *Worker) Reboot() {
	_ = w.send(types.Command{Name: types.CmdReboot})
}

// Disable stops the worker from claiming jobs.
func (w *Worker) Disable() {
	_ = w.send(types.Command{Name: types.CmdDisable})
}

// Enable re-enables a disabled worker.
func (w *Worker) Enable() {
	_ = w.send(types.Command{Name: types.CmdEnable})
}

// Ping forces an immediate device health probe.
func (w *Worker) Ping() {
	_ = w.send(types.Command{Name: types.CmdPing})
}

// CancelTest removes one test item, aborting it if it is running.
func (w *Worker) CancelTest(guid string) {
	_ = w.send(types.Command{Name: types.CmdCancelTest, TestGUID: guid})
}

// AddCrash records one unexpected subprocess death.
func (w *Worker) AddCrash(ts time.Time) {
	w.crashes.Put(ts)
}

// TooManyCrashes reports whether the crash budget is exhausted as of ts.
func (w *Worker) TooManyCrashes(ts time.Time) bool {
	return w.crashes.CountSince(ts.Add(-CrashWindow)) >= CrashLimit
}

// ProcessMessage updates the last-status bookkeeping used by the console
// status verb and the heartbeat timeout. Heartbeats only refresh the
// timestamp of the current status.
func (w *Worker) ProcessMessage(msg types.Message) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if msg.Kind == types.KindHeartbeat {
		w.lastStatus.Time = msg.Time
		if w.firstOfStatus.IsZero() {
			w.firstOfStatus = msg.Time
		}
		return
	}
	if msg.PhoneStatus != w.lastStatus.PhoneStatus {
		prev := w.lastStatus
		w.prevStatus = &prev
		w.prevStatusTime = w.lastStatus.Time
		w.firstOfStatus = msg.Time
	}
	w.lastStatus = msg
}

// LastStatus returns the most recent non-heartbeat status and the time of
// the most recent message of any kind.
func (w *Worker) LastStatus() (types.PhoneStatus, time.Time) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.lastStatus.PhoneStatus, w.lastStatus.Time
}

// Status renders the console status report for this worker.
func (w *Worker) Status(nowTime time.Time) string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	ret := fmt.Sprintf("phone %s (%s):\n", w.Device.ID, w.Device.Serial)
	ret += fmt.Sprintf("  state %s\n", w.state)
	if w.lastStatus.Time.IsZero() {
		ret += "  no updates\n"
		return ret
	}
	ret += fmt.Sprintf("  last update %s ago:\n    %s\n",
		nowTime.Sub(w.lastStatus.Time).Truncate(time.Second), shortDesc(w.lastStatus))
	ret += fmt.Sprintf("  %s for %s\n",
		w.lastStatus.PhoneStatus, nowTime.Sub(w.firstOfStatus).Truncate(time.Second))
	if w.prevStatus != nil {
		ret += fmt.Sprintf("  previous state %s ago:\n    %s\n",
			nowTime.Sub(w.prevStatusTime).Truncate(time.Second), shortDesc(*w.prevStatus))
	}
	return ret
}

func shortDesc(msg types.Message) string {
	s := string(msg.PhoneStatus)
	if msg.Text != "" {
		s += ": " + msg.Text
	}
	return s
}
