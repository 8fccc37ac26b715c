package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/go/testutils/unittest"
)

const apkURL = "https://archive.example.com/mozilla-central-android-api-15/fennec-48.0a1.multi.android-arm.apk"

func testConfig() Config {
	return Config{
		Host:       "pulse.mozilla.org:5671",
		User:       "autophone",
		Password:   "hunter2",
		Trees:      []string{"mozilla-central", "try"},
		Platforms:  []string{"android", "android-api-9", "android-api-11", "android-api-15", "android-x86"},
		Buildtypes: []string{"opt"},
	}
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, chan types.BuildEvent, chan types.JobActionEvent) {
	builds := make(chan types.BuildEvent, 8)
	actions := make(chan types.JobActionEvent, 8)
	m, err := New(cfg,
		func(b types.BuildEvent) { builds <- b },
		func(a types.JobActionEvent) { actions <- a })
	require.NoError(t, err)
	return m, builds, actions
}

// buildMessageJSON renders a raw build exchange message.
func buildMessageJSON(t *testing.T, builderName string, props map[string]string) []byte {
	properties := [][]interface{}{}
	for name, value := range props {
		properties = append(properties, []interface{}{name, value, "source"})
	}
	msg := map[string]interface{}{
		"_meta": map[string]interface{}{"exchange": "exchange/build/"},
		"payload": map[string]interface{}{
			"build": map[string]interface{}{
				"builderName": builderName,
				"properties":  properties,
			},
		},
	}
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return b
}

func fennecProps() map[string]string {
	return map[string]string{
		"appName":    "Fennec",
		"branch":     "mozilla-central",
		"buildid":    "20160401030204",
		"comments":   "Bug 1234 - make things faster",
		"packageUrl": apkURL,
		"platform":   "android-api-15",
		"symbolsUrl": "https://archive.example.com/fennec.crashreporter-symbols.zip",
		"testsUrl":   "https://archive.example.com/fennec.tests.zip",
		"who":        "dev@example.com",
	}
}

func expectBuild(t *testing.T, builds chan types.BuildEvent) types.BuildEvent {
	select {
	case b := <-builds:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no build event")
		return types.BuildEvent{}
	}
}

func expectNoBuild(t *testing.T, m *Monitor, builds chan types.BuildEvent, body []byte) {
	before := m.rejected.Get()
	m.handleMessage(context.Background(), body)
	require.Equal(t, before+1, m.rejected.Get())
	select {
	case b := <-builds:
		t.Fatalf("unexpected build event %+v", b)
	default:
	}
}

func TestHandleBuild(t *testing.T) {
	unittest.SmallTest(t)

	m, builds, _ := newTestMonitor(t, testConfig())
	m.handleMessage(context.Background(), buildMessageJSON(t, "Android armv7 API 15+ mozilla-central build", fennecProps()))

	b := expectBuild(t, builds)
	require.Equal(t, types.BuildEvent{
		Repo:       "mozilla-central",
		Platform:   "android-api-15",
		BuildType:  "opt",
		BuildID:    "20160401030204",
		URL:        apkURL,
		Comments:   "Bug 1234 - make things faster",
		SymbolsURL: "https://archive.example.com/fennec.crashreporter-symbols.zip",
		TestsURL:   "https://archive.example.com/fennec.tests.zip",
	}, b)
}

func TestHandleBuildRejections(t *testing.T) {
	unittest.SmallTest(t)

	m, builds, _ := newTestMonitor(t, testConfig())

	// Wrong app.
	props := fennecProps()
	props["appName"] = "Firefox"
	expectNoBuild(t, m, builds, buildMessageJSON(t, "build", props))

	// Unconfigured tree.
	props = fennecProps()
	props["branch"] = "mozilla-beta"
	expectNoBuild(t, m, builds, buildMessageJSON(t, "build", props))

	// Unconfigured platform.
	props = fennecProps()
	props["platform"] = "android-api-23"
	expectNoBuild(t, m, builds, buildMessageJSON(t, "build", props))

	// Debug builder name with only opt configured.
	expectNoBuild(t, m, builds, buildMessageJSON(t, "Android armv7 API 15+ debug build", fennecProps()))

	// Missing required property.
	props = fennecProps()
	delete(props, "packageUrl")
	expectNoBuild(t, m, builds, buildMessageJSON(t, "build", props))
}

func TestHandleBuildTryOptIn(t *testing.T) {
	unittest.SmallTest(t)

	m, builds, _ := newTestMonitor(t, testConfig())

	// A try push without the opt-in token is dropped.
	props := fennecProps()
	props["branch"] = "try"
	expectNoBuild(t, m, builds, buildMessageJSON(t, "build", props))

	// With the token it is admitted.
	props["comments"] = "try: -b o -p android-api-15 -u autophone-smoketest -t none"
	m.handleMessage(context.Background(), buildMessageJSON(t, "build", props))
	b := expectBuild(t, builds)
	require.Equal(t, "try", b.Repo)
	require.True(t, b.TryBuild())
}

func TestClassifyPlatform(t *testing.T) {
	unittest.SmallTest(t)

	m, _, _ := newTestMonitor(t, testConfig())

	// The longest configured name wins over its prefixes.
	require.Equal(t, "android-api-15",
		m.classifyPlatform("https://archive.example.com/mozilla-central-android-api-15/fennec.apk"))
	require.Equal(t, "android-x86",
		m.classifyPlatform("https://archive.example.com/mozilla-central-android-x86/fennec.apk"))
	require.Equal(t, "android",
		m.classifyPlatform("https://archive.example.com/mozilla-central-android/fennec.apk"))
	require.Equal(t, "", m.classifyPlatform("https://archive.example.com/linux64/firefox.tar.bz2"))
}

func TestHandleJobAction(t *testing.T) {
	unittest.MediumTest(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/project/mozilla-central/jobs/12345/":
			fmt.Fprint(w, `{
				"job_guid": "guid-1",
				"machine_name": "nexus-s-1",
				"platform": "android-4-1-armv7-api-15",
				"platform_option": "opt",
				"job_group_name": "Autophone",
				"job_group_symbol": "A",
				"job_type_name": "Autophone Smoketest",
				"job_type_symbol": "s",
				"result": "testfailed",
				"artifacts": [
					{"name": "buildapi", "resource_uri": "/api/artifact/1/"},
					{"name": "privatebuild", "resource_uri": "/api/artifact/2/"}
				]
			}`)
		case "/api/artifact/2/":
			fmt.Fprintf(w, `{"blob": {"build_url": %q, "config_file": "smoketest_settings.ini", "chunk": 1}}`, apkURL)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.TreeherderURL = srv.URL
	m, _, actions := newTestMonitor(t, cfg)

	m.handleMessage(context.Background(), []byte(`{"action": "retrigger", "project": "mozilla-central", "job_id": 12345}`))
	select {
	case a := <-actions:
		require.Equal(t, types.JobActionEvent{
			Action:     types.JobActionRetrigger,
			Machine:    "nexus-s-1",
			GroupName:  "Autophone",
			JobGUID:    "guid-1",
			BuildURL:   apkURL,
			ConfigFile: "smoketest_settings.ini",
			Chunk:      1,
		}, a)
	case <-time.After(5 * time.Second):
		t.Fatal("no job action event")
	}

	// Unconfigured tree is dropped without touching the service.
	before := m.rejected.Get()
	m.handleMessage(context.Background(), []byte(`{"action": "cancel", "project": "mozilla-beta", "job_id": 1}`))
	require.Equal(t, before+1, m.rejected.Get())

	// Unknown job id is dropped.
	before = m.rejected.Get()
	m.handleMessage(context.Background(), []byte(`{"action": "cancel", "project": "mozilla-central", "job_id": 999}`))
	require.Equal(t, before+1, m.rejected.Get())
}

func TestNewValidation(t *testing.T) {
	unittest.SmallTest(t)

	onBuild := func(types.BuildEvent) {}

	cfg := testConfig()
	cfg.Password = ""
	_, err := New(cfg, onBuild, nil)
	require.Error(t, err)

	cfg = testConfig()
	_, err = New(cfg, nil, nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Trees = nil
	_, err = New(cfg, onBuild, nil)
	require.Error(t, err)

	// A treeherder url needs a job action callback.
	cfg = testConfig()
	cfg.TreeherderURL = "https://treeherder.mozilla.org"
	_, err = New(cfg, onBuild, nil)
	require.Error(t, err)

	cfg = testConfig()
	m, err := New(cfg, onBuild, nil)
	require.NoError(t, err)
	require.Equal(t, "/", m.cfg.VirtualHost)
	require.Equal(t, DefaultBuildExchange, m.cfg.BuildExchange)
}
