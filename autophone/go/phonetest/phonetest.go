// Package phonetest is the test framework: the contract a test implements,
// the registry of test classes, and the index of runnable test instances
// the supervisor matches builds against.
package phonetest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"go.skia.org/autophone/autophone/go/buildcache"
	"go.skia.org/autophone/autophone/go/devctl"
	"go.skia.org/autophone/autophone/go/manifest"
	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/go/skerr"
)

// FlashPackage is uninstalled before every job; a leftover Flash plugin
// changes page load behavior.
const FlashPackage = "com.adobe.flashplayer"

// reAPILevel finds the sdk marker in a build url. Builds from before the
// split-sdk era carry no marker and are runnable everywhere.
var reAPILevel = regexp.MustCompile(`api-(9|10|11|15)`)

// Failure is one recorded test failure.
type Failure struct {
	Test   string
	Status string
	Text   string
}

// TestResult accumulates the outcome of one test run. The worst recorded
// status wins.
type TestResult struct {
	Passes   []string
	Failures []Failure
	Status   types.Result
}

// NewTestResult returns an empty, passing result.
func NewTestResult() *TestResult {
	return &TestResult{Status: types.ResultSuccess}
}

// AddPass records a passing test path.
func (r *TestResult) AddPass(testPath string) {
	r.Passes = append(r.Passes, testPath)
}

// AddFailure records a failure and degrades the overall status.
func (r *TestResult) AddFailure(testPath, status, text string, result types.Result) {
	r.Failures = append(r.Failures, Failure{Test: testPath, Status: status, Text: text})
	r.Status = result
}

// Interrupt is a pending operator command observed mid-test. The test stops
// what it is doing and returns uncompleted; the worker restores the job's
// attempt count.
type Interrupt struct {
	// Reason is a human readable cause, e.g. "shutdown requested".
	Reason string

	// Result is the outcome to report for the interrupted test.
	Result types.Result
}

// Env is everything a running test may touch. The worker builds one per job.
type Env struct {
	// DM is the device under test.
	DM devctl.DevCtl

	// Device is the identity of the phone.
	Device types.Device

	// Build is the installed build.
	Build *buildcache.Build

	// UploadDir is a host-side scratch directory; files placed here are
	// uploaded as job artifacts.
	UploadDir string

	// UpdateStatus reports human readable progress.
	UpdateStatus func(msg string)

	// CheckCommands drains pending operator commands, returning non-nil when
	// the test must stop.
	CheckCommands func(ctx context.Context) *Interrupt
}

// Runner is one test class. Implementations are registered by name and
// instantiated per Instance.
//
// SetupJob prepares the device, RunJob executes and reports whether the test
// ran to completion (false means interrupted, the job will be retried), and
// TeardownJob always runs, even after a Setup or Run error.
type Runner interface {
	SetupJob(ctx context.Context, env *Env) error
	RunJob(ctx context.Context, env *Env) (bool, error)
	TeardownJob(ctx context.Context, env *Env) error
	Result() *TestResult
}

// Constructor builds a Runner for one instance.
type Constructor func(inst *Instance) Runner

var (
	registryMtx sync.Mutex
	registry    = map[string]Constructor{}
)

// Register installs a test class constructor under the manifest section name.
// Called from init funcs of test implementations.
func Register(name string, ctor Constructor) {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	registry[name] = ctor
}

// NewRunner instantiates the registered class for inst.
func NewRunner(inst *Instance) (Runner, error) {
	registryMtx.Lock()
	ctor, ok := registry[inst.Class]
	registryMtx.Unlock()
	if !ok {
		return nil, skerr.Fmt("no test class registered as %q", inst.Class)
	}
	return ctor(inst), nil
}

// Instance is one runnable (test, device, config, chunk) combination.
type Instance struct {
	// Class is the manifest section name the constructor is registered under.
	Class string

	// ConfigFile is the settings file for this instance.
	ConfigFile string

	// Chunk and Chunks partition the test; Chunk is 1-based.
	Chunk  int
	Chunks int

	// Device is the phone this instance runs on.
	Device types.Device

	// Repos restricts the instance to builds whose url contains one of these
	// tree names. Empty means any repo. Kept sorted so instances compare
	// stably against stored jobs.
	Repos []string

	// EnableUnittests marks tests that need the build's test archive.
	EnableUnittests bool

	// JobName, JobSymbol, GroupName and GroupSymbol are the reporting names
	// from the config file's treeherder section.
	JobName     string
	JobSymbol   string
	GroupName   string
	GroupSymbol string
}

// Name returns the test name, suffixed with the chunk number when the test
// is chunked.
func (i *Instance) Name() string {
	if i.Chunks > 1 {
		return fmt.Sprintf("%s-%d", i.Class, i.Chunk)
	}
	return i.Class
}

// Symbol returns the reporting symbol, suffixed like Name.
func (i *Instance) Symbol() string {
	if i.Chunks > 1 {
		return fmt.Sprintf("%s%d", i.JobSymbol, i.Chunk)
	}
	return i.JobSymbol
}

// Buildername returns the legacy builder name results are reported under.
func (i *Instance) Buildername(tree string) string {
	return fmt.Sprintf("%s %s opt %s", i.Device.Platform(), tree, i.Name())
}

// buildCompatible applies the device/build admission rules: x86 devices only
// test x86 builds and vice versa, and when the build url names an sdk level
// it must match the device, except that api-15 devices still accept older
// api-11 builds.
func buildCompatible(device types.Device, buildURL string) bool {
	x86Build := strings.Contains(buildURL, "x86")
	if (device.Architecture() == "x86") != x86Build {
		return false
	}
	if !reAPILevel.MatchString(buildURL) {
		return true
	}
	if device.SDK == "api-15" && strings.Contains(buildURL, "api-11") {
		return true
	}
	return strings.Contains(buildURL, device.SDK)
}

// repoCompatible returns true if repos is empty or the build url contains
// one of the repo names.
func repoCompatible(repos []string, buildURL string) bool {
	if len(repos) == 0 {
		return true
	}
	for _, repo := range repos {
		if strings.Contains(buildURL, repo) {
			return true
		}
	}
	return false
}

// Query filters Index.Match. Zero fields do not filter.
type Query struct {
	TestName   string
	DeviceID   string
	ConfigFile string
	Chunk      int

	// BuildURL, when set, additionally requires build compatibility: the
	// x86/sdk rules against the instance's device and the repo restriction
	// list.
	BuildURL string
}

// Index holds every runnable Instance, keyed for the two access patterns:
// exact lookup for retriggers and filtered match for build admission.
type Index struct {
	mtx       sync.Mutex
	instances []*Instance
	byKey     map[string]*Instance
}

func instanceKey(deviceID, configFile string, chunk int) string {
	return fmt.Sprintf("%s:%s:%d", deviceID, configFile, chunk)
}

// NewIndex expands the manifest into instances for the given devices. Each
// (spec, config file, device, chunk) combination yields one Instance; the
// chunk count and reporting names come from the config file.
func NewIndex(specs []manifest.TestSpec, devices []types.Device) (*Index, error) {
	idx := &Index{byKey: map[string]*Instance{}}
	for _, spec := range specs {
		for _, configFile := range spec.ConfigFiles {
			cfg, err := readTestConfig(configFile)
			if err != nil {
				return nil, skerr.Wrapf(err, "expanding test %s", spec.Name)
			}
			for _, device := range devices {
				repos, ok := deviceRepos(spec, device.ID)
				if !ok {
					continue
				}
				for chunk := 1; chunk <= cfg.chunks; chunk++ {
					idx.Add(&Instance{
						Class:           spec.Name,
						ConfigFile:      configFile,
						Chunk:           chunk,
						Chunks:          cfg.chunks,
						Device:          device,
						Repos:           repos,
						EnableUnittests: spec.EnableUnittests,
						JobName:         cfg.jobName,
						JobSymbol:       cfg.jobSymbol,
						GroupName:       cfg.groupName,
						GroupSymbol:     cfg.groupSymbol,
					})
				}
			}
		}
	}
	if len(idx.instances) == 0 {
		return nil, skerr.Fmt("manifest yields no runnable test instances")
	}
	return idx, nil
}

// deviceRepos returns the repo restriction list for a device, and whether
// the spec runs on the device at all.
func deviceRepos(spec manifest.TestSpec, deviceID string) ([]string, bool) {
	if len(spec.Devices) == 0 {
		return nil, true
	}
	repos, ok := spec.Devices[deviceID]
	if !ok {
		return nil, false
	}
	repos = append([]string{}, repos...)
	sort.Strings(repos)
	return repos, true
}

// Add registers an instance, replacing any previous instance with the same
// key.
func (x *Index) Add(inst *Instance) {
	x.mtx.Lock()
	defer x.mtx.Unlock()
	key := instanceKey(inst.Device.ID, inst.ConfigFile, inst.Chunk)
	if old, ok := x.byKey[key]; ok {
		for i, cur := range x.instances {
			if cur == old {
				x.instances = append(x.instances[:i], x.instances[i+1:]...)
				break
			}
		}
	}
	x.byKey[key] = inst
	x.instances = append(x.instances, inst)
}

// RemoveDevice drops every instance for the device, used when a worker shuts
// down for good.
func (x *Index) RemoveDevice(deviceID string) {
	x.mtx.Lock()
	defer x.mtx.Unlock()
	kept := x.instances[:0]
	for _, inst := range x.instances {
		if inst.Device.ID == deviceID {
			delete(x.byKey, instanceKey(deviceID, inst.ConfigFile, inst.Chunk))
			continue
		}
		kept = append(kept, inst)
	}
	x.instances = kept
}

// Lookup returns the instance for an exact (device, config, chunk) key, or
// nil.
func (x *Index) Lookup(deviceID, configFile string, chunk int) *Instance {
	x.mtx.Lock()
	defer x.mtx.Unlock()
	return x.byKey[instanceKey(deviceID, configFile, chunk)]
}

// Match returns every instance passing all the query's filters.
func (x *Index) Match(q Query) []*Instance {
	x.mtx.Lock()
	defer x.mtx.Unlock()
	ret := []*Instance{}
	for _, inst := range x.instances {
		if q.TestName != "" && q.TestName != inst.Name() {
			continue
		}
		if q.DeviceID != "" && q.DeviceID != inst.Device.ID {
			continue
		}
		if q.ConfigFile != "" && q.ConfigFile != inst.ConfigFile {
			continue
		}
		if q.Chunk != 0 && q.Chunk != inst.Chunk {
			continue
		}
		if q.BuildURL != "" {
			if !buildCompatible(inst.Device, q.BuildURL) {
				continue
			}
			if !repoCompatible(inst.Repos, q.BuildURL) {
				continue
			}
		}
		ret = append(ret, inst)
	}
	return ret
}

// testConfig is the subset of a test settings file the framework needs.
type testConfig struct {
	chunks      int
	jobName     string
	jobSymbol   string
	groupName   string
	groupSymbol string
}

func readTestConfig(path string) (*testConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, skerr.Wrapf(err, "reading %s", path)
	}
	ret := &testConfig{chunks: 1}
	if sec, err := cfg.GetSection("runtests"); err == nil {
		if key, err := sec.GetKey("total_chunks"); err == nil {
			chunks, err := key.Int()
			if err != nil || chunks < 1 {
				return nil, skerr.Fmt("bad total_chunks %q in %s", key.String(), path)
			}
			ret.chunks = chunks
		}
	}
	if sec, err := cfg.GetSection("treeherder"); err == nil {
		ret.jobName = sec.Key("job_name").String()
		ret.jobSymbol = sec.Key("job_symbol").String()
		ret.groupName = sec.Key("group_name").String()
		ret.groupSymbol = sec.Key("group_symbol").String()
	}
	return ret, nil
}
