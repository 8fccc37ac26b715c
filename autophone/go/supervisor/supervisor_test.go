package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.skia.org/autophone/autophone/go/config"
	"go.skia.org/autophone/autophone/go/jobs"
	"go.skia.org/autophone/autophone/go/treeherder"
	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/autophone/go/worker"
	"go.skia.org/autophone/go/now"
	"go.skia.org/autophone/go/testutils/unittest"
)

const (
	buildURL    = "https://archive.example.com/mozilla-central-android-api-15/fennec-48.0a1.multi.android-arm.apk"
	tryBuildURL = "https://archive.example.com/try-android-api-15/fennec-48.0a1.multi.android-arm.apk"
)

type spawnRecord struct {
	id     string
	status types.PhoneStatus
}

type testEnv struct {
	a          *AutoPhone
	store      *jobs.Store
	opts       *config.Options
	configFile string

	mtx    sync.Mutex
	spawns []spawnRecord
}

func (e *testEnv) spawned() []spawnRecord {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return append([]spawnRecord{}, e.spawns...)
}

// spawnedFor filters the spawn log down to one device.
func (e *testEnv) spawnedFor(id string) []types.PhoneStatus {
	ret := []types.PhoneStatus{}
	for _, s := range e.spawned() {
		if s.id == id {
			ret = append(ret, s.status)
		}
	}
	return ret
}

func fakeProbe(ctx context.Context, name, serial, testRoot string) (types.Device, error) {
	return types.Device{
		ID:        name,
		Serial:    serial,
		Hardware:  "Nexus S",
		OSVersion: "4.1.2",
		ABI:       "armeabi-v7a",
		SDK:       "api-15",
		TestRoot:  testRoot,
	}, nil
}

func newTestEnv(t *testing.T, ctx context.Context) *testEnv {
	dir := t.TempDir()
	devicesCfg := filepath.Join(dir, "devices.ini")
	require.NoError(t, os.WriteFile(devicesCfg, []byte(`[nexus-s-1]
serialno = 0123456789

[nexus-4-2]
serialno = 0123456790
`), 0644))
	configFile := filepath.Join(dir, "smoketest_settings.ini")
	require.NoError(t, os.WriteFile(configFile, []byte(`[treeherder]
job_name = Autophone Smoketest
job_symbol = s
group_name = Autophone
group_symbol = A
`), 0644))
	manifestPath := filepath.Join(dir, "manifest.ini")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`[autophone-smoketest]
config = %s
`, configFile)), 0644))

	opts := config.New()
	opts.DevicesCfg = devicesCfg
	opts.TestPath = manifestPath
	opts.DeviceTestRoot = "/data/local/tmp"
	opts.MaximumHeartbeat = 900 * time.Second

	store, err := jobs.Open(ctx, filepath.Join(dir, "jobs.sqlite"), false, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	a, err := New(ctx, opts, store, treeherder.New(store, nil, "", 3), nil, fakeProbe)
	require.NoError(t, err)

	env := &testEnv{a: a, store: store, opts: opts, configFile: configFile}
	a.spawn = func(w *worker.Worker, status types.PhoneStatus) error {
		env.mtx.Lock()
		defer env.mtx.Unlock()
		env.spawns = append(env.spawns, spawnRecord{id: w.Device.ID, status: status})
		return nil
	}
	a.queueTimeout = 10 * time.Millisecond
	a.buildData = func(ctx context.Context, url string) (*jobs.NewJobRequest, error) {
		tree := "mozilla-central"
		if url == tryBuildURL {
			tree = "try"
		}
		return &jobs.NewJobRequest{
			BuildURL:  url,
			BuildID:   "20160401030204",
			Changeset: "http://hg.mozilla.org/mozilla-central/rev/abcdef123456",
			Tree:      tree,
			Revision:  "abcdef123456",
		}, nil
	}
	a.revisionHash = func(ctx context.Context, tree, revision string) string {
		return "deadbeef"
	}
	return env
}

// setRunning puts the supervisor into the state Run establishes, without
// spawning anything.
func (e *testEnv) setRunning() {
	e.a.mtx.Lock()
	defer e.a.mtx.Unlock()
	e.a.state = types.StateRunning
}

func (e *testEnv) pending(t *testing.T, ctx context.Context, deviceID string) int {
	n, err := e.store.PendingJobCount(ctx, deviceID)
	require.NoError(t, err)
	return n
}

func TestNewRegistersDevices(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)

	require.Len(t, env.a.workers, 2)
	require.NotNil(t, env.a.tests.Lookup("nexus-s-1", env.configFile, 1))
	require.NotNil(t, env.a.tests.Lookup("nexus-4-2", env.configFile, 1))
	report := env.a.StatusReport()
	require.Contains(t, report, "state: STARTING")
	require.Contains(t, report, "phone nexus-s-1 (0123456789):")
	require.Contains(t, report, "phone nexus-4-2 (0123456790):")
}

func TestOnBuildEnqueuesJobs(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)
	env.setRunning()

	env.a.OnBuild(ctx, types.BuildEvent{Repo: "mozilla-central", URL: buildURL})
	require.Equal(t, 1, env.pending(t, ctx, "nexus-s-1"))
	require.Equal(t, 1, env.pending(t, ctx, "nexus-4-2"))

	// The same build again is a duplicate, nothing new is enqueued.
	env.a.OnBuild(ctx, types.BuildEvent{Repo: "mozilla-central", URL: buildURL})
	require.Equal(t, 1, env.pending(t, ctx, "nexus-s-1"))
}

func TestOnBuildIgnoredUnlessRunning(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)

	env.a.OnBuild(ctx, types.BuildEvent{Repo: "mozilla-central", URL: buildURL})
	require.Equal(t, 0, env.pending(t, ctx, "nexus-s-1"))
}

func TestOnBuildTryComment(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)
	env.setRunning()

	// A try push that did not request our tests enqueues nothing.
	env.a.OnBuild(ctx, types.BuildEvent{
		Repo:     "try",
		URL:      tryBuildURL,
		Comments: "try: -b o -p android-api-15 -u mochitest-1 -t none",
	})
	require.Equal(t, 0, env.pending(t, ctx, "nexus-s-1"))

	env.a.OnBuild(ctx, types.BuildEvent{
		Repo:     "try",
		URL:      tryBuildURL,
		Comments: "try: -b o -p android-api-15 -u autophone-smoketest -t none",
	})
	require.Equal(t, 1, env.pending(t, ctx, "nexus-s-1"))
	require.Equal(t, 1, env.pending(t, ctx, "nexus-4-2"))
}

func TestTryTestNames(t *testing.T) {
	unittest.SmallTest(t)

	names := tryTestNames("try: -b o -p android-api-9,android-api-15 -u autophone-smoke,autophone-s1s2,autophone-tests,mochitest-1 -t none")
	require.Equal(t, []string{"autophone-smoke", "autophone-s1s2"}, names)
	require.Empty(t, tryTestNames("Bug 12345 - fix the thing"))
	require.Empty(t, tryTestNames("try: -b o -p android -u autophone-tests -t none"))
}

func TestTriggerJobs(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)
	env.setRunning()

	n, err := env.a.TriggerJobs(ctx, fmt.Sprintf(`{"build": %q, "devices": ["nexus-s-1"]}`, buildURL))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, env.pending(t, ctx, "nexus-s-1"))
	require.Equal(t, 0, env.pending(t, ctx, "nexus-4-2"))

	_, err = env.a.TriggerJobs(ctx, `{"test_names": []}`)
	require.Error(t, err)
	_, err = env.a.TriggerJobs(ctx, `not json`)
	require.Error(t, err)
}

func TestOnJobAction(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)
	env.setRunning()

	env.a.OnJobAction(ctx, types.JobActionEvent{
		Action:     types.JobActionRetrigger,
		Machine:    "nexus-s-1",
		GroupName:  "Autophone",
		BuildURL:   buildURL,
		ConfigFile: env.configFile,
		Chunk:      1,
	})
	require.Equal(t, 1, env.pending(t, ctx, "nexus-s-1"))

	// Other reporting groups are not ours.
	env.a.OnJobAction(ctx, types.JobActionEvent{
		Action:     types.JobActionRetrigger,
		Machine:    "nexus-4-2",
		GroupName:  "Mochitest",
		BuildURL:   buildURL,
		ConfigFile: env.configFile,
		Chunk:      1,
	})
	require.Equal(t, 0, env.pending(t, ctx, "nexus-4-2"))

	// Cancels for unknown devices are dropped.
	env.a.OnJobAction(ctx, types.JobActionEvent{
		Action:    types.JobActionCancel,
		Machine:   "no-such-phone",
		GroupName: "Autophone",
		JobGUID:   "guid-1",
	})
}

func TestDeadWorkerSweepUnregistersStopped(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)
	env.setRunning()

	env.a.workers["nexus-s-1"].Stop()
	env.a.mtx.Lock()
	env.a.checkForDeadWorkers(ctx)
	env.a.mtx.Unlock()

	_, ok := env.a.workers["nexus-s-1"]
	require.False(t, ok)
	require.Nil(t, env.a.tests.Lookup("nexus-s-1", env.configFile, 1))
	require.Empty(t, env.spawnedFor("nexus-s-1"))
}

func TestDeadWorkerSweepRestartsWithFreshManifest(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)
	env.setRunning()

	env.a.workers["nexus-s-1"].Restart()
	env.a.mtx.Lock()
	env.a.checkForDeadWorkers(ctx)
	env.a.mtx.Unlock()

	require.Equal(t, []types.PhoneStatus{types.StatusIdle}, env.spawnedFor("nexus-s-1"))
	require.NotNil(t, env.a.tests.Lookup("nexus-s-1", env.configFile, 1))
}

func TestDeadWorkerSweepCrashBudget(t *testing.T) {
	unittest.MediumTest(t)

	t0 := time.Date(2016, time.April, 1, 12, 0, 0, 0, time.UTC)
	ctx := now.NewTimeTravelCtx(t0)
	env := newTestEnv(t, ctx)
	env.setRunning()

	// Keep the sweep focused on one worker.
	env.a.mtx.Lock()
	env.a.purgeLocked("nexus-4-2")
	env.a.mtx.Unlock()

	// Each sweep counts one crash; the fifth inside the window trips the
	// budget and the worker comes back disabled.
	for i := 0; i < 5; i++ {
		env.a.mtx.Lock()
		env.a.checkForDeadWorkers(ctx)
		env.a.mtx.Unlock()
	}
	require.Equal(t, []types.PhoneStatus{
		types.StatusDisconnected,
		types.StatusDisconnected,
		types.StatusDisconnected,
		types.StatusDisconnected,
		types.StatusDisabled,
	}, env.spawnedFor("nexus-s-1"))

	_, ok := env.a.workers["nexus-s-1"]
	require.True(t, ok)
}

func TestCheckForUnrecoverableErrors(t *testing.T) {
	unittest.MediumTest(t)

	t0 := time.Date(2016, time.April, 1, 12, 0, 0, 0, time.UTC)
	ctx := now.NewTimeTravelCtx(t0)
	env := newTestEnv(t, ctx)
	env.setRunning()

	working := env.a.workers["nexus-s-1"]
	fetching := env.a.workers["nexus-4-2"]
	working.ProcessMessage(types.Message{
		Kind: types.KindStatusChange, DeviceID: "nexus-s-1",
		PhoneStatus: types.StatusWorking, Time: t0,
	})
	fetching.ProcessMessage(types.Message{
		Kind: types.KindStatusChange, DeviceID: "nexus-4-2",
		PhoneStatus: types.StatusFetching, Time: t0,
	})

	// Inside the heartbeat limit nothing happens.
	ctx.SetTime(t0.Add(10 * time.Minute))
	env.a.mtx.Lock()
	env.a.checkForUnrecoverableErrors(ctx)
	env.a.mtx.Unlock()
	require.False(t, env.a.UnrecoverableError())

	// Past the limit the silent worker is stopped; the fetching one is
	// excused, downloads can take that long.
	ctx.SetTime(t0.Add(env.opts.MaximumHeartbeat + time.Minute))
	env.a.mtx.Lock()
	env.a.checkForUnrecoverableErrors(ctx)
	env.a.mtx.Unlock()
	require.True(t, env.a.UnrecoverableError())
	require.Equal(t, types.StateStopping, working.State())
	require.NotEqual(t, types.StateStopping, fetching.State())
}

func TestUnrecoverableOnDisconnected(t *testing.T) {
	unittest.MediumTest(t)

	t0 := time.Date(2016, time.April, 1, 12, 0, 0, 0, time.UTC)
	ctx := now.NewTimeTravelCtx(t0)
	env := newTestEnv(t, ctx)
	env.setRunning()

	env.a.workers["nexus-s-1"].ProcessMessage(types.Message{
		Kind: types.KindStatusChange, DeviceID: "nexus-s-1",
		PhoneStatus: types.StatusDisconnected, Time: t0,
	})
	env.a.mtx.Lock()
	env.a.checkForUnrecoverableErrors(ctx)
	env.a.mtx.Unlock()
	require.True(t, env.a.UnrecoverableError())
}

func TestProcessMessageShutdownRemovesWorker(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)
	env.setRunning()

	w := env.a.workers["nexus-s-1"]
	w.Shutdown()
	env.a.processMessage(types.Message{
		Kind: types.KindShutdown, DeviceID: "nexus-s-1",
		PhoneStatus: types.StatusShutdown, ProcessState: types.StateShutdown,
		Time: time.Now(),
	})
	_, ok := env.a.workers["nexus-s-1"]
	require.False(t, ok)
	require.Nil(t, env.a.tests.Lookup("nexus-s-1", env.configFile, 1))

	// A restarting worker's shutdown only clears its tests; the sweep will
	// bring it back.
	w2 := env.a.workers["nexus-4-2"]
	w2.Restart()
	env.a.processMessage(types.Message{
		Kind: types.KindShutdown, DeviceID: "nexus-4-2",
		PhoneStatus: types.StatusShutdown, ProcessState: types.StateShutdown,
		Time: time.Now(),
	})
	_, ok = env.a.workers["nexus-4-2"]
	require.True(t, ok)

	// Messages from unknown workers are dropped.
	env.a.processMessage(types.Message{Kind: types.KindHeartbeat, DeviceID: "no-such-phone"})
}

func TestAddDevice(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)
	env.setRunning()

	f, err := os.OpenFile(env.opts.DevicesCfg, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("\n[nexus-9-3]\nserialno = 0123456791\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, env.a.AddDevice(ctx, "nexus-9-3", "0123456791"))
	_, ok := env.a.workers["nexus-9-3"]
	require.True(t, ok)
	require.NotNil(t, env.a.tests.Lookup("nexus-9-3", env.configFile, 1))
	require.Equal(t, []types.PhoneStatus{types.StatusIdle}, env.spawnedFor("nexus-9-3"))

	require.Error(t, env.a.AddDevice(ctx, "nexus-9-3", "0123456791"))
	require.Error(t, env.a.AddDevice(ctx, "nexus-9-4", "0123456792"))
	require.Error(t, env.a.AddDevice(ctx, "nexus-9-3-typo", ""))
}

func TestDeviceCommand(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)

	out, err := env.a.DeviceCommand(ctx, "is_alive", "nexus-s-1")
	require.NoError(t, err)
	require.Equal(t, "nexus-s-1 alive: false\n", out)

	// Serial numbers work as targets too.
	out, err = env.a.DeviceCommand(ctx, "is_alive", "0123456790")
	require.NoError(t, err)
	require.Equal(t, "nexus-4-2 alive: false\n", out)

	out, err = env.a.DeviceCommand(ctx, "is_alive", "all")
	require.NoError(t, err)
	require.Equal(t, "nexus-s-1 alive: false\nnexus-4-2 alive: false\n", out)

	out, err = env.a.DeviceCommand(ctx, "status", "nexus-s-1")
	require.NoError(t, err)
	require.Contains(t, out, "phone nexus-s-1 (0123456789):")

	_, err = env.a.DeviceCommand(ctx, "shutdown", "nexus-s-1")
	require.NoError(t, err)
	require.Equal(t, types.StateShuttingDown, env.a.workers["nexus-s-1"].State())

	_, err = env.a.DeviceCommand(ctx, "ping", "no-such-phone")
	require.Error(t, err)
	_, err = env.a.DeviceCommand(ctx, "explode", "nexus-s-1")
	require.Error(t, err)
}

func TestRunLoopLifecycle(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	env := newTestEnv(t, ctx)

	done := make(chan error, 1)
	go func() {
		done <- env.a.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return env.a.State() == types.StateRunning
	}, 5*time.Second, 10*time.Millisecond)
	// The sweep may already have respawned the fake workers; only the first
	// spawn per device is the startup one.
	require.Equal(t, types.StatusIdle, env.spawnedFor("nexus-s-1")[0])
	require.Equal(t, types.StatusIdle, env.spawnedFor("nexus-4-2")[0])

	env.a.Shutdown()
	// The workers have no real subprocesses behind them in this test, so
	// deliver their final messages by hand.
	for _, id := range []string{"nexus-s-1", "nexus-4-2"} {
		env.a.queue <- types.Message{
			Kind: types.KindShutdown, DeviceID: id,
			PhoneStatus: types.StatusShutdown, ProcessState: types.StateShutdown,
			Time: time.Now(),
		}
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor loop did not exit")
	}
}
