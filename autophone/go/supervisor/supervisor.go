// Package supervisor runs the fleet. The AutoPhone actor owns the worker
// registry and serializes every mutation behind one lock; builds and job
// actions arrive from the pulse consumer, operator commands from the
// console, and status messages from the worker subprocesses, all funneled
// through the same loop the way the job queue demands.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"go.skia.org/autophone/autophone/go/buildcache"
	"go.skia.org/autophone/autophone/go/config"
	"go.skia.org/autophone/autophone/go/console"
	"go.skia.org/autophone/autophone/go/devices"
	"go.skia.org/autophone/autophone/go/jobs"
	"go.skia.org/autophone/autophone/go/manifest"
	"go.skia.org/autophone/autophone/go/phonetest"
	"go.skia.org/autophone/autophone/go/pulse"
	"go.skia.org/autophone/autophone/go/treeherder"
	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/autophone/go/worker"
	"go.skia.org/autophone/go/emailer"
	"go.skia.org/autophone/go/exec"
	"go.skia.org/autophone/go/metrics2"
	"go.skia.org/autophone/go/now"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
	"go.skia.org/autophone/go/util"
)

const (
	// QueueTimeout bounds how long the message loop blocks on the worker
	// status queue before running its periodic checks.
	QueueTimeout = 5 * time.Second

	// queueSize buffers worker status messages so a busy loop iteration
	// does not stall every stdout reader.
	queueSize = 128

	// jobActionGroup is the reporting group whose cancel/retrigger actions
	// are ours to handle.
	jobActionGroup = "Autophone"
)

// reTryTests extracts the requested test list from a try push comment:
//
//	try: -b o -p android-api-9,android-api-15 -u autophone-smoke,autophone-s1s2 -t none
var reTryTests = regexp.MustCompile(`try:.* -u (.*) -t.*`)

// Prober turns a devices file entry into a full device identity by
// interrogating the hardware. Split out so tests can register devices
// without a phone on a cable.
type Prober func(ctx context.Context, name, serial, testRoot string) (types.Device, error)

// AutoPhone is the supervisor: the worker registry, the test index and the
// process lifecycle state, plus handles to the long-running collaborators
// it must stop on the way out.
type AutoPhone struct {
	opts     *config.Options
	store    *jobs.Store
	reporter *treeherder.Reporter
	em       *emailer.Emailer
	probe    Prober
	client   *http.Client

	monitor   *pulse.Monitor
	console   *console.Server
	submitter *treeherder.Submitter

	// queue receives status messages from every worker subprocess.
	queue chan types.Message

	deaths metrics2.Counter

	mtx           sync.Mutex
	state         types.ProcessState
	workers       map[string]*worker.Worker
	devices       map[string]types.Device
	tests         *phonetest.Index
	unrecoverable bool

	// spawn, buildData, revisionHash and queueTimeout are test hooks; the
	// production values are set in New.
	spawn        func(w *worker.Worker, status types.PhoneStatus) error
	buildData    func(ctx context.Context, buildURL string) (*jobs.NewJobRequest, error)
	revisionHash func(ctx context.Context, tree, revision string) string
	queueTimeout time.Duration
}

// New reads the devices file, probes every device and builds the test
// index. Devices that fail to probe are mailed about and skipped; a fleet
// with no devices at all is an error.
func New(ctx context.Context, opts *config.Options, store *jobs.Store, reporter *treeherder.Reporter, em *emailer.Emailer, probe Prober) (*AutoPhone, error) {
	a := &AutoPhone{
		opts:         opts,
		store:        store,
		reporter:     reporter,
		em:           em,
		probe:        probe,
		client:       &http.Client{Timeout: 30 * time.Second},
		queue:        make(chan types.Message, queueSize),
		deaths:       metrics2.GetCounter("autophone_worker_deaths", nil),
		state:        types.StateStarting,
		workers:      map[string]*worker.Worker{},
		devices:      map[string]types.Device{},
		queueTimeout: QueueTimeout,
	}
	a.spawn = func(w *worker.Worker, status types.PhoneStatus) error {
		return w.Start(status)
	}
	a.buildData = a.fetchBuildData
	a.revisionHash = a.fetchRevisionHash

	cfgs, err := devices.Read(opts.DevicesCfg)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	for _, dc := range cfgs {
		if err := a.registerDevice(ctx, dc); err != nil {
			sklog.Errorf("Unable to initialize device %s: %s", dc.Name, err)
			a.em.Send(fmt.Sprintf("%s unable to initialize device %s", host(), dc.Name),
				fmt.Sprintf("Hello, this is Autophone. Just to let you know, phone %s failed to initialize due to %s.\n", dc.Name, err))
		}
	}
	if len(a.devices) == 0 {
		return nil, skerr.Fmt("no devices initialized")
	}
	if err := a.readTests(); err != nil {
		return nil, skerr.Wrap(err)
	}
	return a, nil
}

// Attach hands the supervisor the collaborators it must stop at shutdown.
// Any of them may be nil.
func (a *AutoPhone) Attach(monitor *pulse.Monitor, cons *console.Server, submitter *treeherder.Submitter) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.monitor = monitor
	a.console = cons
	a.submitter = submitter
}

// registerDevice probes one devices file entry and creates its unstarted
// worker. Callers hold the lock or have exclusive access.
func (a *AutoPhone) registerDevice(ctx context.Context, dc devices.Config) error {
	testRoot := dc.TestRoot
	if testRoot == "" {
		testRoot = a.opts.DeviceTestRoot
	}
	sklog.Infof("Initializing device name=%s, serialno=%s", dc.Name, dc.Serial)
	device, err := a.probe(ctx, dc.Name, dc.Serial, testRoot)
	if err != nil {
		return skerr.Wrapf(err, "probing %s", dc.Name)
	}
	a.devices[device.ID] = device
	a.workers[device.ID] = worker.New(device, a.queue)
	return nil
}

// readTests re-reads the test manifest and rebuilds the index for every
// registered device. Callers hold the lock or have exclusive access.
func (a *AutoPhone) readTests() error {
	specs, err := manifest.Read(a.opts.TestPath)
	if err != nil {
		return skerr.Wrap(err)
	}
	ids := make([]string, 0, len(a.devices))
	for id := range a.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]types.Device, 0, len(ids))
	for _, id := range ids {
		list = append(list, a.devices[id])
	}
	idx, err := phonetest.NewIndex(specs, list)
	if err != nil {
		return skerr.Wrap(err)
	}
	a.tests = idx
	return nil
}

// Run spawns every worker and drives the message loop until the fleet is
// stopped or every worker has been unregistered. On a restart request it
// re-execs the daemon and does not return.
func (a *AutoPhone) Run(ctx context.Context) error {
	a.mtx.Lock()
	for id, w := range a.workers {
		if err := a.spawn(w, types.StatusIdle); err != nil {
			sklog.Errorf("Worker %s failed to start: %s", id, err)
			a.em.Send(fmt.Sprintf("%s worker %s failed to start", host(), id),
				fmt.Sprintf("Hello, this is Autophone. Just to let you know, the worker process for phone %s failed to start due to %s.\n", id, err))
			a.purgeLocked(id)
		}
	}
	a.state = types.StateRunning
	monitor := a.monitor
	a.mtx.Unlock()
	if monitor != nil {
		monitor.Start(ctx)
	}

	a.loop(ctx)
	a.teardown()

	a.mtx.Lock()
	unrecoverable := a.unrecoverable
	restarting := a.state == types.StateRestarting
	a.mtx.Unlock()
	if unrecoverable && a.opts.RebootOnError {
		a.rebootHost(ctx)
	}
	if restarting {
		return a.reExec()
	}
	return nil
}

func (a *AutoPhone) loop(ctx context.Context) {
	for {
		a.mtx.Lock()
		if len(a.workers) == 0 || a.state == types.StateStopping {
			a.mtx.Unlock()
			return
		}
		if a.opts.RebootOnError {
			a.checkForUnrecoverableErrors(ctx)
			if a.unrecoverable && a.state != types.StateShuttingDown {
				a.shutdownLocked()
			}
		}
		a.checkForDeadWorkers(ctx)
		if a.state == types.StateRunning && a.monitor != nil && !a.monitor.Alive() {
			sklog.Warningf("Pulse consumer died, restarting it")
			a.monitor.Start(ctx)
		}
		a.mtx.Unlock()

		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			a.processMessage(msg)
		case <-time.After(a.queueTimeout):
		}
	}
}

// processMessage routes one worker status message. A SHUTDOWN status
// removes the worker's tests from the index; the worker itself is only
// unregistered when it was deliberately shut down, otherwise the dead
// worker sweep will decide what to do with the exited process.
func (a *AutoPhone) processMessage(msg types.Message) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	w, ok := a.workers[msg.DeviceID]
	if !ok {
		sklog.Warningf("Message from unregistered worker %s", msg.DeviceID)
		return
	}
	w.ProcessMessage(msg)
	if msg.PhoneStatus == types.StatusShutdown {
		a.tests.RemoveDevice(msg.DeviceID)
		if w.State() == types.StateShuttingDown {
			delete(a.workers, msg.DeviceID)
		}
		sklog.Infof("Worker %s shutdown", msg.DeviceID)
	}
}

// checkForDeadWorkers decides the fate of every worker whose subprocess
// has exited: deliberate stops unregister, restarts re-read the manifest
// and come back IDLE, and unexpected deaths count against the crash budget
// before the worker is recreated DISCONNECTED or, over budget, DISABLED.
// Called with the lock held.
func (a *AutoPhone) checkForDeadWorkers(ctx context.Context) {
	if a.state != types.StateRunning {
		return
	}
	nowTime := now.Now(ctx)
	for id, w := range a.workers {
		if w.Alive() {
			continue
		}
		switch w.State() {
		case types.StateStopping, types.StateShuttingDown:
			sklog.Infof("Worker %s stopped", id)
			a.purgeLocked(id)
		case types.StateRestarting:
			sklog.Infof("Worker %s restarting", id)
			if err := a.readTests(); err != nil {
				sklog.Errorf("Re-reading tests for %s: %s", id, err)
			}
			a.respawnLocked(id, w, types.StatusIdle)
		default:
			a.deaths.Inc(1)
			w.AddCrash(nowTime)
			sklog.Errorf("Worker %s died", id)
			subject := fmt.Sprintf("%s worker %s died", host(), id)
			body := fmt.Sprintf("Hello, this is Autophone. Just to let you know, the worker process for phone %s died.\n", id)
			status := types.StatusDisconnected
			if w.TooManyCrashes(nowTime) {
				status = types.StatusDisabled
				subject += " and was disabled"
				body += "It looks really crashy, so I disabled it. Sorry about that.\n"
			}
			a.em.Send(subject, body)
			a.respawnLocked(id, w, status)
		}
	}
}

// respawnLocked restarts an exited worker, purging it if even that fails.
func (a *AutoPhone) respawnLocked(id string, w *worker.Worker, status types.PhoneStatus) {
	if err := a.spawn(w, status); err != nil {
		sklog.Errorf("Worker %s failed to restart: %s", id, err)
		a.em.Send(fmt.Sprintf("%s worker %s failed to restart", host(), id),
			fmt.Sprintf("Hello, this is Autophone. Just to let you know, the worker process for phone %s failed to restart due to %s.\n", id, err))
		a.purgeLocked(id)
	}
}

// purgeLocked removes a worker and its test instances.
func (a *AutoPhone) purgeLocked(id string) {
	a.tests.RemoveDevice(id)
	delete(a.workers, id)
}

// checkForUnrecoverableErrors flags the fleet unrecoverable when a device
// has lost connectivity or a worker has gone silent past the heartbeat
// limit. FETCHING workers are exempt, downloads can legitimately take
// longer than the limit. Called with the lock held.
func (a *AutoPhone) checkForUnrecoverableErrors(ctx context.Context) {
	nowTime := now.Now(ctx)
	for id, w := range a.workers {
		status, ts := w.LastStatus()
		if ts.IsZero() {
			continue
		}
		if status == types.StatusDisconnected {
			a.unrecoverable = true
		}
		if status != types.StatusFetching && nowTime.Sub(ts) > a.opts.MaximumHeartbeat {
			sklog.Errorf("Worker %s has not reported for %s, force-stopping it",
				id, nowTime.Sub(ts).Truncate(time.Second))
			a.unrecoverable = true
			w.Stop()
		}
	}
}

// teardown stops the collaborators in dependency order: no new builds, no
// new operator commands, no more submissions, then the workers.
func (a *AutoPhone) teardown() {
	a.mtx.Lock()
	monitor, cons, submitter := a.monitor, a.console, a.submitter
	a.monitor = nil
	list := make([]*worker.Worker, 0, len(a.workers))
	for _, w := range a.workers {
		list = append(list, w)
	}
	a.mtx.Unlock()
	if monitor != nil {
		monitor.Stop()
	}
	if cons != nil {
		cons.Shutdown()
	}
	if submitter != nil {
		submitter.Shutdown()
	}
	for _, w := range list {
		w.Stop()
	}
}

// rebootHost mails a heads-up and reboots the machine.
func (a *AutoPhone) rebootHost(ctx context.Context) {
	sklog.Errorf("Rebooting due to unrecoverable errors")
	a.em.Send(fmt.Sprintf("Rebooting %s due to unrecoverable errors", host()),
		"Hello, this is Autophone. Just to let you know, I have experienced unrecoverable device errors and am rebooting in the hope of resolving them.\n\nPlease check on me.\n")
	if err := exec.Run(ctx, &exec.Command{Name: "sudo", Args: []string{"reboot"}}); err != nil {
		sklog.Errorf("Host reboot failed: %s", err)
	}
}

// reExec replaces the process with a fresh copy of itself running the
// original argv. Inherited descriptors are marked close-on-exec first so
// sockets and database handles do not leak into the next incarnation, and
// exited children are reaped so they do not outlive their parent.
func (a *AutoPhone) reExec() error {
	sklog.Infof("Restarting %s", strings.Join(os.Args, " "))
	for fd := 3; fd < 0x10000; fd++ {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err != nil {
			continue
		}
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	}
	for {
		pid, err := syscall.Wait4(-1, nil, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
		sklog.Debugf("Reaped %d", pid)
	}
	exe, err := os.Executable()
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrapf(syscall.Exec(exe, os.Args, os.Environ()), "re-exec %s", exe)
}

// State returns the supervisor lifecycle state.
func (a *AutoPhone) State() types.ProcessState {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.state
}

// UnrecoverableError reports whether any device has hit an error only a
// host reboot or an operator can fix.
func (a *AutoPhone) UnrecoverableError() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.unrecoverable
}

// OnBuild is the pulse build callback: match the build against the test
// index and enqueue a job per device. Try builds only run the tests their
// check-in comment asked for; a full run per try push would bury the
// fleet.
func (a *AutoPhone) OnBuild(ctx context.Context, event types.BuildEvent) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.state != types.StateRunning {
		return
	}
	var matched []*phonetest.Instance
	if !event.TryBuild() {
		matched = a.tests.Match(phonetest.Query{BuildURL: event.URL})
	} else {
		for _, name := range tryTestNames(event.Comments) {
			matched = append(matched, a.tests.Match(phonetest.Query{TestName: name, BuildURL: event.URL})...)
		}
	}
	a.newJobLocked(ctx, event.URL, matched)
}

// tryTestNames returns the autophone test names a try comment requested.
// The catch-all "autophone-tests" is deliberately not honored.
func tryTestNames(comments string) []string {
	m := reTryTests.FindStringSubmatch(comments)
	if m == nil {
		return nil
	}
	names := []string{}
	for _, name := range strings.Split(m[1], ",") {
		name = strings.TrimSpace(name)
		if strings.HasPrefix(name, "autophone-") && name != "autophone-tests" {
			names = append(names, name)
		}
	}
	return names
}

// OnJobAction is the pulse job action callback: cancels route to the
// owning worker, retriggers enqueue a fresh job for the one identified
// test.
func (a *AutoPhone) OnJobAction(ctx context.Context, event types.JobActionEvent) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.state != types.StateRunning || event.GroupName != jobActionGroup {
		return
	}
	w, ok := a.workers[event.Machine]
	if !ok {
		sklog.Warningf("Job action %s for unknown device %s", event.Action, event.Machine)
		return
	}
	switch event.Action {
	case types.JobActionCancel:
		w.CancelTest(event.JobGUID)
	case types.JobActionRetrigger:
		inst := a.tests.Lookup(event.Machine, event.ConfigFile, event.Chunk)
		if inst == nil {
			sklog.Warningf("Retrigger for unknown test %s %s chunk %d", event.Machine, event.ConfigFile, event.Chunk)
			return
		}
		a.newJobLocked(ctx, event.BuildURL, []*phonetest.Instance{inst})
	default:
		sklog.Warningf("Unknown job action %q", event.Action)
	}
}

// TriggerJobs implements console.Controller: manually enqueue jobs from an
// operator request. Empty test name or device lists mean "any".
func (a *AutoPhone) TriggerJobs(ctx context.Context, request string) (int, error) {
	var req struct {
		Build     string   `json:"build"`
		TestNames []string `json:"test_names"`
		Devices   []string `json:"devices"`
	}
	if err := json.Unmarshal([]byte(request), &req); err != nil {
		return 0, skerr.Wrapf(err, "parsing trigger request")
	}
	if req.Build == "" {
		return 0, skerr.Fmt("a build url is required")
	}
	names := req.TestNames
	if len(names) == 0 {
		names = []string{""}
	}
	devs := req.Devices
	if len(devs) == 0 {
		devs = []string{""}
	}
	a.mtx.Lock()
	defer a.mtx.Unlock()
	matched := []*phonetest.Instance{}
	seen := map[*phonetest.Instance]bool{}
	for _, name := range names {
		for _, dev := range devs {
			for _, inst := range a.tests.Match(phonetest.Query{TestName: name, DeviceID: dev, BuildURL: req.Build}) {
				if !seen[inst] {
					seen[inst] = true
					matched = append(matched, inst)
				}
			}
		}
	}
	return a.newJobLocked(ctx, req.Build, matched), nil
}

// newJobLocked enqueues one job per device covering the matched instances,
// queues their PENDING reports and nudges the owning workers. Returns how
// many test items were actually inserted; duplicates are skipped by the
// store. Called with the lock held.
func (a *AutoPhone) newJobLocked(ctx context.Context, buildURL string, matched []*phonetest.Instance) int {
	if len(matched) == 0 {
		return 0
	}
	req, err := a.buildData(ctx, buildURL)
	if err != nil {
		sklog.Warningf("No build metadata for %s: %s", buildURL, err)
		return 0
	}
	req.RevisionHash = a.revisionHash(ctx, req.Tree, req.Revision)

	byDevice := map[string][]*phonetest.Instance{}
	order := []string{}
	for _, inst := range matched {
		id := inst.Device.ID
		if _, ok := byDevice[id]; !ok {
			order = append(order, id)
		}
		byDevice[id] = append(byDevice[id], inst)
	}
	total := 0
	for _, id := range order {
		w, ok := a.workers[id]
		if !ok {
			sklog.Warningf("Ignoring build %s for unregistered device %s", buildURL, id)
			continue
		}
		dreq := *req
		dreq.DeviceID = id
		tests := make([]*jobs.Test, 0, len(byDevice[id]))
		for _, inst := range byDevice[id] {
			dreq.EnableUnittests = dreq.EnableUnittests || inst.EnableUnittests
			tests = append(tests, &jobs.Test{
				Name:       inst.Name(),
				ConfigFile: inst.ConfigFile,
				Chunk:      inst.Chunk,
				Repos:      inst.Repos,
			})
		}
		inserted, err := a.store.NewJob(ctx, dreq, tests)
		if err != nil {
			sklog.Errorf("Enqueueing job for %s: %s", id, err)
			continue
		}
		if len(inserted) == 0 {
			continue
		}
		total += len(inserted)
		thTests := make([]treeherder.Test, 0, len(inserted))
		for _, t := range inserted {
			if inst := a.tests.Lookup(id, t.ConfigFile, t.Chunk); inst != nil {
				thTests = append(thTests, treeherder.Test{Instance: inst, GUID: t.GUID})
			}
		}
		if err := a.reporter.SubmitPending(ctx, id, buildURL, req.Tree, req.RevisionHash, thTests); err != nil {
			sklog.Errorf("Queueing pending reports for %s: %s", id, err)
		}
		sklog.Infof("Notifying %s of new job %s with %d tests", id, buildURL, len(inserted))
		w.NewJob()
	}
	return total
}

// StatusReport implements console.Controller.
func (a *AutoPhone) StatusReport() string {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	ids := make([]string, 0, len(a.workers))
	for id := range a.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	nowTime := time.Now()
	ret := fmt.Sprintf("state: %s\n", a.state)
	for _, id := range ids {
		ret += a.workers[id].Status(nowTime)
	}
	return ret
}

// AddDevice implements console.Controller: register a device added to the
// devices file while the daemon runs, reload the tests so its instances
// exist, and start its worker.
func (a *AutoPhone) AddDevice(ctx context.Context, name, serial string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if _, ok := a.workers[name]; ok {
		return skerr.Fmt("device %s already exists", name)
	}
	dc, err := devices.ReadOne(a.opts.DevicesCfg, name)
	if err != nil {
		return err
	}
	if serial != "" && dc.Serial != serial {
		return skerr.Fmt("device %s has serial %s in %s, not %s", name, dc.Serial, a.opts.DevicesCfg, serial)
	}
	if err := a.registerDevice(ctx, dc); err != nil {
		return err
	}
	if err := a.readTests(); err != nil {
		a.purgeLocked(name)
		return err
	}
	sklog.Infof("Registered phone %s", name)
	return a.spawn(a.workers[name], types.StatusIdle)
}

// DeviceCommand implements console.Controller: route one device verb to
// the worker named by device id or serial number, or to every worker for
// "all".
func (a *AutoPhone) DeviceCommand(ctx context.Context, verb, target string) (string, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	var targets []*worker.Worker
	if target == "all" {
		ids := make([]string, 0, len(a.workers))
		for id := range a.workers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			targets = append(targets, a.workers[id])
		}
	} else {
		for _, w := range a.workers {
			if w.Device.ID == target || w.Device.Serial == target {
				targets = []*worker.Worker{w}
				break
			}
		}
		if len(targets) == 0 {
			return "", skerr.Fmt("no worker for %q", target)
		}
	}
	out := ""
	for _, w := range targets {
		switch verb {
		case "is_alive":
			out += fmt.Sprintf("%s alive: %t\n", w.Device.ID, w.Alive())
		case "status":
			out += w.Status(time.Now())
		case "stop":
			w.Stop()
		case "shutdown":
			w.Shutdown()
		case "restart":
			w.Restart()
		case "reboot":
			w.Reboot()
		case "disable":
			w.Disable()
		case "enable":
			w.Enable()
		case "ping":
			w.Ping()
		default:
			return "", skerr.Fmt("unknown device verb %q", verb)
		}
	}
	return out, nil
}

// Restart implements console.Controller: shut every worker down and mark
// the supervisor for re-exec once they have exited.
func (a *AutoPhone) Restart() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	sklog.Infof("Restarting Autophone...")
	a.state = types.StateRestarting
	for _, w := range a.workers {
		w.Shutdown()
	}
}

// Shutdown implements console.Controller: a clean shutdown, workers finish
// their current test step first.
func (a *AutoPhone) Shutdown() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.shutdownLocked()
}

func (a *AutoPhone) shutdownLocked() {
	sklog.Infof("Shutting down Autophone...")
	a.state = types.StateShuttingDown
	if a.monitor != nil {
		a.monitor.Stop()
		a.monitor = nil
	}
	for _, w := range a.workers {
		w.Shutdown()
	}
}

// Stop implements console.Controller: an immediate stop, workers are
// terminated by the loop teardown.
func (a *AutoPhone) Stop() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	sklog.Infof("Stopping Autophone...")
	a.state = types.StateStopping
}

// fetchBuildData downloads the sibling .txt metadata published next to a
// build and fills the identity fields of a job request from it.
func (a *AutoPhone) fetchBuildData(ctx context.Context, buildURL string) (*jobs.NewJobRequest, error) {
	txtURL := strings.TrimSuffix(buildURL, path.Ext(buildURL)) + ".txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, txtURL, nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching %s", txtURL)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, skerr.Fmt("fetching %s returned %s", txtURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	id, changeset, tree, revision, err := buildcache.ParseBuildTxt(string(body))
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing %s", txtURL)
	}
	return &jobs.NewJobRequest{
		BuildURL:  buildURL,
		BuildID:   id,
		Changeset: changeset,
		Tree:      tree,
		Revision:  revision,
	}, nil
}

// fetchRevisionHash resolves a revision to the results service resultset
// hash. Returning "" is fine, the reporter then skips the submission.
func (a *AutoPhone) fetchRevisionHash(ctx context.Context, tree, revision string) string {
	if a.opts.TreeherderURL == "" || tree == "" || revision == "" {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	urlStr := fmt.Sprintf("%s/api/project/%s/resultset/?revision=%s",
		strings.TrimRight(a.opts.TreeherderURL, "/"), tree, revision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		sklog.Warningf("Building resultset request: %s", err)
		return ""
	}
	resp, err := a.client.Do(req)
	if err != nil {
		sklog.Warningf("Fetching %s: %s", urlStr, err)
		return ""
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		sklog.Warningf("Fetching %s returned %s", urlStr, resp.Status)
		return ""
	}
	var resultSet struct {
		Results []struct {
			RevisionHash string `json:"revision_hash"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&resultSet); err != nil {
		sklog.Warningf("Decoding resultset from %s: %s", urlStr, err)
		return ""
	}
	if len(resultSet.Results) == 0 {
		return ""
	}
	return resultSet.Results[0].RevisionHash
}

func host() string {
	h, err := os.Hostname()
	if err != nil {
		return "autophone"
	}
	return h
}

var _ console.Controller = (*AutoPhone)(nil)
