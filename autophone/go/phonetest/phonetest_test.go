package phonetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.skia.org/autophone/autophone/go/buildcache"
	"go.skia.org/autophone/autophone/go/devctl/devctltest"
	"go.skia.org/autophone/autophone/go/manifest"
	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/go/now"
	"go.skia.org/autophone/go/testutils/unittest"
)

var (
	armDevice = types.Device{
		ID:        "nexus-s-1",
		Serial:    "0123456789abcdef",
		OSVersion: "4.1.2",
		ABI:       "armeabi-v7a",
		SDK:       "api-15",
	}
	x86Device = types.Device{
		ID:        "asus-1",
		Serial:    "fedcba9876543210",
		OSVersion: "4.4.2",
		ABI:       "x86",
		SDK:       "api-15",
	}
)

func TestBuildCompatible(t *testing.T) {
	unittest.SmallTest(t)

	const armURL = "http://archive/mozilla-central-android-api-15/fennec.apk"
	const x86URL = "http://archive/mozilla-central-android-x86/fennec.apk"

	// x86 devices only test x86 builds and vice versa.
	require.True(t, buildCompatible(armDevice, armURL))
	require.False(t, buildCompatible(armDevice, x86URL))
	require.True(t, buildCompatible(x86Device, x86URL))
	require.False(t, buildCompatible(x86Device, armURL))

	// A build url without an sdk marker predates split sdk builds and runs
	// anywhere.
	require.True(t, buildCompatible(armDevice, "http://archive/mozilla-central-android/fennec.apk"))

	// api-15 devices accept older api-11 builds, but nothing else crosses
	// sdk levels.
	require.True(t, buildCompatible(armDevice, "http://archive/mozilla-central-android-api-11/fennec.apk"))
	require.False(t, buildCompatible(armDevice, "http://archive/mozilla-central-android-api-9/fennec.apk"))
	nineDevice := armDevice
	nineDevice.SDK = "api-9"
	require.True(t, buildCompatible(nineDevice, "http://archive/mozilla-central-android-api-9/fennec.apk"))
	require.False(t, buildCompatible(nineDevice, armURL))
}

func TestRepoCompatible(t *testing.T) {
	unittest.SmallTest(t)

	const url = "http://archive/mozilla-inbound-android-api-15/fennec.apk"
	require.True(t, repoCompatible(nil, url))
	require.True(t, repoCompatible([]string{"mozilla-central", "mozilla-inbound"}, url))
	require.False(t, repoCompatible([]string{"mozilla-central", "try"}, url))
}

func TestDevicePlatform(t *testing.T) {
	unittest.SmallTest(t)

	require.Equal(t, "android-4-1-armv7-api-15", armDevice.Platform())
	require.Equal(t, "android-4-4-x86", x86Device.Platform())
}

// writeTestConfig writes a minimal test settings file and returns its path.
func writeTestConfig(t *testing.T, chunks string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "smoketest_settings.ini")
	contents := `[treeherder]
job_name = Autophone Smoketest
job_symbol = s
group_name = Autophone
group_symbol = A
`
	if chunks != "" {
		contents += "[runtests]\ntotal_chunks = " + chunks + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func newTestIndex(t *testing.T) (*Index, string) {
	configFile := writeTestConfig(t, "")
	specs := []manifest.TestSpec{
		{
			Name:        "smoketest",
			ConfigFiles: []string{configFile},
			Devices: map[string][]string{
				armDevice.ID: nil,
				x86Device.ID: {"mozilla-central"},
			},
		},
	}
	idx, err := NewIndex(specs, []types.Device{armDevice, x86Device})
	require.NoError(t, err)
	return idx, configFile
}

func TestIndexMatch(t *testing.T) {
	unittest.SmallTest(t)

	idx, configFile := newTestIndex(t)

	// Both devices yield an instance.
	all := idx.Match(Query{})
	require.Len(t, all, 2)

	// An arm build matches only the arm device.
	matches := idx.Match(Query{
		BuildURL: "http://archive/mozilla-central-android-api-15/fennec.apk",
	})
	require.Len(t, matches, 1)
	require.Equal(t, armDevice.ID, matches[0].Device.ID)

	// The x86 device is restricted to mozilla-central builds.
	matches = idx.Match(Query{
		BuildURL: "http://archive/mozilla-inbound-android-x86/fennec.apk",
	})
	require.Empty(t, matches)
	matches = idx.Match(Query{
		BuildURL: "http://archive/mozilla-central-android-x86/fennec.apk",
	})
	require.Len(t, matches, 1)
	require.Equal(t, x86Device.ID, matches[0].Device.ID)

	// Filter by name and device.
	matches = idx.Match(Query{TestName: "smoketest", DeviceID: armDevice.ID})
	require.Len(t, matches, 1)
	require.Empty(t, idx.Match(Query{TestName: "no-such-test"}))

	// Exact lookup.
	inst := idx.Lookup(armDevice.ID, configFile, 1)
	require.NotNil(t, inst)
	require.Equal(t, "smoketest", inst.Name())
	require.Nil(t, idx.Lookup(armDevice.ID, configFile, 2))

	// Removing a device drops its instances.
	idx.RemoveDevice(armDevice.ID)
	require.Len(t, idx.Match(Query{}), 1)
	require.Nil(t, idx.Lookup(armDevice.ID, configFile, 1))
}

func TestIndexChunks(t *testing.T) {
	unittest.SmallTest(t)

	configFile := writeTestConfig(t, "4")
	specs := []manifest.TestSpec{
		{Name: "unittests", ConfigFiles: []string{configFile}},
	}
	idx, err := NewIndex(specs, []types.Device{armDevice})
	require.NoError(t, err)

	all := idx.Match(Query{})
	require.Len(t, all, 4)
	inst := idx.Lookup(armDevice.ID, configFile, 3)
	require.NotNil(t, inst)
	require.Equal(t, "unittests-3", inst.Name())
	require.Equal(t, "s3", inst.Symbol())
	require.Equal(t, 4, inst.Chunks)

	// Chunked names participate in Match.
	require.Len(t, idx.Match(Query{TestName: "unittests-3"}), 1)
	require.Empty(t, idx.Match(Query{TestName: "unittests"}))
}

func TestInstanceBuildername(t *testing.T) {
	unittest.SmallTest(t)

	inst := &Instance{Class: "smoketest", Chunks: 1, Device: armDevice}
	require.Equal(t,
		"android-4-1-armv7-api-15 mozilla-central opt smoketest",
		inst.Buildername("mozilla-central"))
}

func newSmokeEnv(fake *devctltest.Fake) *Env {
	return &Env{
		DM:     fake,
		Device: armDevice,
		Build: &buildcache.Build{
			AppName: "org.mozilla.fennec",
			Tree:    "mozilla-central",
		},
		UpdateStatus:  func(string) {},
		CheckCommands: func(context.Context) *Interrupt { return nil },
	}
}

func newSmokeTest(t *testing.T) *SmokeTest {
	inst := &Instance{Class: "smoketest", Chunks: 1, Device: armDevice}
	runner, err := NewRunner(inst)
	require.NoError(t, err)
	smoke, ok := runner.(*SmokeTest)
	require.True(t, ok)
	return smoke
}

func TestSmokeTestPass(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	fake := devctltest.NewFake()
	fake.Running["org.mozilla.fennec"] = true
	fake.LogcatLines = []string{
		"04-01 10:00:01.000  1234  1234 I GeckoToolbar: Throbber start",
		"04-01 10:00:02.000  1234  1234 I GeckoToolbar: Throbber stop",
	}
	env := newSmokeEnv(fake)
	smoke := newSmokeTest(t)

	require.NoError(t, smoke.SetupJob(ctx, env))
	// SetupJob clears the log, so reinstate the lines the launch would emit.
	fake.LogcatLines = []string{
		"04-01 10:00:02.000  1234  1234 I GeckoToolbar: Throbber stop",
	}
	completed, err := smoke.RunJob(ctx, env)
	require.NoError(t, err)
	require.True(t, completed)
	require.Equal(t, types.ResultSuccess, smoke.Result().Status)
	require.Equal(t, []string{"smoketest"}, smoke.Result().Passes)

	// The browser was killed and the session store cleaned up.
	require.False(t, fake.Running["org.mozilla.fennec"])
	require.Contains(t, fake.ShellLog,
		"rm -f /data/data/org.mozilla.fennec/files/mozilla/*/sessionstore*")
}

func TestSmokeTestInterrupted(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	fake := devctltest.NewFake()
	env := newSmokeEnv(fake)
	env.CheckCommands = func(context.Context) *Interrupt {
		return &Interrupt{Reason: "shutdown requested", Result: types.ResultRetry}
	}
	smoke := newSmokeTest(t)

	completed, err := smoke.RunJob(ctx, env)
	require.NoError(t, err)
	require.False(t, completed)
	require.Equal(t, types.ResultRetry, smoke.Result().Status)
	require.Len(t, smoke.Result().Failures, 1)
	require.Equal(t, "shutdown requested", smoke.Result().Failures[0].Text)
}

func TestSmokeTestNotLaunched(t *testing.T) {
	unittest.MediumTest(t)

	// The fake never reports the process, so advance the clock past the
	// deadline from the command check the poll loop performs.
	ttCtx := now.NewTimeTravelCtx(time.Date(2016, time.April, 1, 10, 0, 0, 0, time.UTC))
	fake := devctltest.NewFake()
	env := newSmokeEnv(fake)
	env.CheckCommands = func(context.Context) *Interrupt {
		ttCtx.SetTime(now.Now(ttCtx).Add(2 * time.Minute))
		return nil
	}
	smoke := newSmokeTest(t)

	completed, err := smoke.RunJob(ttCtx, env)
	require.NoError(t, err)
	require.True(t, completed)
	require.Equal(t, types.ResultBusted, smoke.Result().Status)
}

func TestSmokeTestNoThrobber(t *testing.T) {
	unittest.MediumTest(t)

	ttCtx := now.NewTimeTravelCtx(time.Date(2016, time.April, 1, 10, 0, 0, 0, time.UTC))
	fake := devctltest.NewFake()
	fake.Running["org.mozilla.fennec"] = true
	env := newSmokeEnv(fake)
	env.CheckCommands = func(context.Context) *Interrupt {
		ttCtx.SetTime(now.Now(ttCtx).Add(2 * time.Minute))
		return nil
	}
	smoke := newSmokeTest(t)

	completed, err := smoke.RunJob(ttCtx, env)
	require.NoError(t, err)
	require.True(t, completed)
	require.Equal(t, types.ResultTestFailed, smoke.Result().Status)
}
