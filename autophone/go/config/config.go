// Package config holds the runtime options of the daemon, collected from
// command line flags with an optional INI file overlay.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.skia.org/autophone/go/skerr"
	"gopkg.in/ini.v1"
)

// configSection is the INI section read by the --config overlay.
const configSection = "settings"

// Options are the runtime options of the daemon. Flags win over the INI
// overlay, which wins over the defaults from New.
type Options struct {
	// Port is the command console listen port.
	Port int

	// Logfile is the rotating daily log file. Worker subprocesses log to
	// "<base>-<deviceid>.log" next to it.
	Logfile string

	// Loglevel is the minimum severity written to Logfile.
	Loglevel string

	// PromPort is the Prometheus metrics listen address.
	PromPort string

	// ConfigFile is the INI file overlaid onto unset flags.
	ConfigFile string

	// TestPath is the test manifest file.
	TestPath string

	// DevicesCfg is the devices INI file.
	DevicesCfg string

	// EmailCfg is the mail settings INI file. Empty disables mail.
	EmailCfg string

	// JobsDB is the SQLite file holding jobs, tests and submissions.
	JobsDB string

	// EnablePulse turns the event bus consumer on.
	EnablePulse bool

	// PulseHost is the host:port of the event bus broker.
	PulseHost string

	// PulseUser and PulsePassword authenticate to the event bus.
	PulseUser     string
	PulsePassword string

	// PulseDurableQueue requests named durable queues so messages survive a
	// consumer restart.
	PulseDurableQueue bool

	// Repos are the trees accepted from the event bus.
	Repos []string

	// Buildtypes are the build types accepted from the event bus.
	Buildtypes []string

	// Platforms are the platforms accepted from the event bus. Matching is
	// longest name first, so "android-api-15" beats "android".
	Platforms []string

	// CacheDir is where fetched builds are cached.
	CacheDir string

	// OverrideBuildDir short-circuits the build cache to one local directory.
	OverrideBuildDir string

	// BuildCachePort is the localhost port of the build cache server.
	BuildCachePort int

	// BuildCacheSize is the number of builds kept in the cache.
	BuildCacheSize int

	// AllowDuplicateJobs disables the (device, build url) de-duplication
	// check when enqueueing.
	AllowDuplicateJobs bool

	// Lifo claims the newest job first instead of the oldest. Try builds are
	// claimed first either way.
	Lifo bool

	// TreeherderURL, TreeherderClientID and TreeherderSecret configure the
	// results service. All three or none.
	TreeherderURL      string
	TreeherderClientID string
	TreeherderSecret   string

	// TreeherderTier is the sheriffing tier reported with each job.
	TreeherderTier int

	// TreeherderRetryWait is how long the submitter waits after a failed
	// POST.
	TreeherderRetryWait time.Duration

	// S3UploadBucket, AWSAccessKeyID and AWSAccessKey configure artifact
	// upload. All three or none.
	S3UploadBucket string
	AWSAccessKeyID string
	AWSAccessKey   string

	// MinidumpStackwalk is the host-side minidump_stackwalk binary used to
	// symbolicate crash dumps. Empty disables symbolication.
	MinidumpStackwalk string

	// RebootOnError reboots the host when an unrecoverable device error is
	// detected.
	RebootOnError bool

	// MaximumHeartbeat is how long a worker may go without publishing status
	// before it is force-stopped. Workers in FETCHING are exempt.
	MaximumHeartbeat time.Duration

	// DeviceTestRoot overrides the on-device test directory for every device.
	DeviceTestRoot string

	// BatteryMin and BatteryMax bound the charging policy: below BatteryMin a
	// worker charges until BatteryMax before running tests.
	BatteryMin int
	BatteryMax int
}

// New returns Options holding the documented defaults.
func New() *Options {
	return &Options{
		Port:                28001,
		Logfile:             "autophone.log",
		Loglevel:            "INFO",
		PromPort:            ":20000",
		TestPath:            "tests/manifest.ini",
		DevicesCfg:          "devices.ini",
		JobsDB:              "jobs.sqlite",
		PulseHost:           "pulse.mozilla.org:5671",
		Repos:               []string{"mozilla-central"},
		Buildtypes:          []string{"opt"},
		Platforms:           []string{"android", "android-api-9", "android-api-10", "android-api-11", "android-api-15", "android-x86"},
		CacheDir:            "builds",
		BuildCachePort:      8100,
		BuildCacheSize:      20,
		TreeherderTier:      3,
		TreeherderRetryWait: 300 * time.Second,
		MaximumHeartbeat:    900 * time.Second,
		BatteryMin:          90,
		BatteryMax:          95,
	}
}

// RegisterFlags binds every option onto fs. Call before flag parsing.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&o.Port, "port", o.Port, "Command console listen port.")
	fs.StringVar(&o.Logfile, "logfile", o.Logfile, "Log file name. Rotated daily, 7 days kept.")
	fs.StringVar(&o.Loglevel, "loglevel", o.Loglevel, "Minimum log severity: DEBUG, INFO, WARNING or ERROR.")
	fs.StringVar(&o.PromPort, "prom-port", o.PromPort, "Metrics service address, e.g. ':20000'.")
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "INI file applied to every option not set on the command line.")
	fs.StringVar(&o.TestPath, "test-path", o.TestPath, "Test manifest file.")
	fs.StringVar(&o.DevicesCfg, "devicescfg", o.DevicesCfg, "Devices INI file.")
	fs.StringVar(&o.EmailCfg, "emailcfg", o.EmailCfg, "Mail settings INI file. Empty disables mail.")
	fs.StringVar(&o.JobsDB, "jobs-db", o.JobsDB, "SQLite database file for jobs and submissions.")
	fs.BoolVar(&o.EnablePulse, "enable-pulse", o.EnablePulse, "Consume build and job action events from the event bus.")
	fs.StringVar(&o.PulseHost, "pulse-host", o.PulseHost, "host:port of the event bus broker.")
	fs.StringVar(&o.PulseUser, "pulse-user", o.PulseUser, "Event bus user.")
	fs.StringVar(&o.PulsePassword, "pulse-password", o.PulsePassword, "Event bus password.")
	fs.BoolVar(&o.PulseDurableQueue, "pulse-durable-queue", o.PulseDurableQueue, "Use named durable queues on the event bus.")
	fs.Var(newMultiString(&o.Repos), "repo", "Tree to accept builds from. Repeatable.")
	fs.Var(newMultiString(&o.Buildtypes), "buildtype", "Build type to accept: opt or debug. Repeatable.")
	fs.Var(newMultiString(&o.Platforms), "platform", "Platform to accept builds for. Repeatable.")
	fs.StringVar(&o.CacheDir, "cache-dir", o.CacheDir, "Build cache directory.")
	fs.StringVar(&o.OverrideBuildDir, "override-build-dir", o.OverrideBuildDir, "Use this local build directory instead of fetching.")
	fs.IntVar(&o.BuildCachePort, "build-cache-port", o.BuildCachePort, "Localhost port of the build cache server.")
	fs.IntVar(&o.BuildCacheSize, "build-cache-size", o.BuildCacheSize, "Number of builds kept in the cache.")
	fs.BoolVar(&o.AllowDuplicateJobs, "allow-duplicate-jobs", o.AllowDuplicateJobs, "Allow more than one job per device and build url.")
	fs.BoolVar(&o.Lifo, "lifo", o.Lifo, "Claim the newest job first instead of the oldest.")
	fs.StringVar(&o.TreeherderURL, "treeherder-url", o.TreeherderURL, "Results service base url.")
	fs.StringVar(&o.TreeherderClientID, "treeherder-client-id", o.TreeherderClientID, "Results service credential id.")
	fs.StringVar(&o.TreeherderSecret, "treeherder-secret", o.TreeherderSecret, "Results service credential secret.")
	fs.IntVar(&o.TreeherderTier, "treeherder-tier", o.TreeherderTier, "Sheriffing tier reported with each job.")
	fs.DurationVar(&o.TreeherderRetryWait, "treeherder-retry-wait", o.TreeherderRetryWait, "Wait between submission attempts.")
	fs.StringVar(&o.S3UploadBucket, "s3-upload-bucket", o.S3UploadBucket, "Bucket for log and crash artifacts.")
	fs.StringVar(&o.AWSAccessKeyID, "aws-access-key-id", o.AWSAccessKeyID, "Access key id for the artifact bucket.")
	fs.StringVar(&o.AWSAccessKey, "aws-access-key", o.AWSAccessKey, "Access key for the artifact bucket.")
	fs.StringVar(&o.MinidumpStackwalk, "minidump-stackwalk", o.MinidumpStackwalk, "minidump_stackwalk binary for crash symbolication.")
	fs.BoolVar(&o.RebootOnError, "reboot-on-error", o.RebootOnError, "Reboot the host on an unrecoverable device error.")
	fs.DurationVar(&o.MaximumHeartbeat, "maximum-heartbeat", o.MaximumHeartbeat, "Force-stop a worker silent for this long. FETCHING is exempt.")
	fs.StringVar(&o.DeviceTestRoot, "device-test-root", o.DeviceTestRoot, "On-device test directory override.")
	fs.IntVar(&o.BatteryMin, "battery-min", o.BatteryMin, "Charge when the battery is below this percentage.")
	fs.IntVar(&o.BatteryMax, "battery-max", o.BatteryMax, "Charge until the battery reaches this percentage.")
}

// LoadConfigFile applies the --config INI overlay: every key in the
// [settings] section whose flag was not set on the command line is applied as
// if it had been. Call after fs has been parsed.
func (o *Options) LoadConfigFile(fs *flag.FlagSet) error {
	if o.ConfigFile == "" {
		return nil
	}
	cfg, err := ini.Load(o.ConfigFile)
	if err != nil {
		return skerr.Wrapf(err, "reading %s", o.ConfigFile)
	}
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	section := cfg.Section(configSection)
	for _, key := range section.Keys() {
		name := key.Name()
		if explicit[name] {
			continue
		}
		f := fs.Lookup(name)
		if f == nil {
			return skerr.Fmt("unknown option %q in %s", name, o.ConfigFile)
		}
		// Repeatable flags take space separated lists in the INI file.
		values := []string{key.String()}
		if _, ok := f.Value.(*multiString); ok {
			values = strings.Fields(key.String())
		}
		for _, v := range values {
			if err := fs.Set(name, v); err != nil {
				return skerr.Wrapf(err, "option %q in %s", name, o.ConfigFile)
			}
		}
	}
	return nil
}

// Verify returns an error if the options are inconsistent. Partial
// credential sets are fatal at startup rather than a surprise at first use.
func (o *Options) Verify() error {
	if err := allOrNone("treeherder-url, treeherder-client-id and treeherder-secret",
		o.TreeherderURL, o.TreeherderClientID, o.TreeherderSecret); err != nil {
		return err
	}
	if err := allOrNone("s3-upload-bucket, aws-access-key-id and aws-access-key",
		o.S3UploadBucket, o.AWSAccessKeyID, o.AWSAccessKey); err != nil {
		return err
	}
	if o.EnablePulse && (o.PulseUser == "" || o.PulsePassword == "") {
		return skerr.Fmt("enable-pulse requires pulse-user and pulse-password")
	}
	if o.BatteryMin < 0 || o.BatteryMax > 100 || o.BatteryMin >= o.BatteryMax {
		return skerr.Fmt("battery bounds must satisfy 0 <= battery-min < battery-max <= 100, got %d and %d", o.BatteryMin, o.BatteryMax)
	}
	if o.TreeherderTier < 1 || o.TreeherderTier > 3 {
		return skerr.Fmt("treeherder-tier must be 1, 2 or 3, got %d", o.TreeherderTier)
	}
	if _, err := os.Stat(o.TestPath); err != nil {
		return skerr.Fmt("test-path %q is not readable: %s", o.TestPath, err)
	}
	if _, err := os.Stat(o.DevicesCfg); err != nil {
		return skerr.Fmt("devicescfg %q is not readable: %s", o.DevicesCfg, err)
	}
	if o.OverrideBuildDir != "" {
		if _, err := os.Stat(o.OverrideBuildDir); err != nil {
			return skerr.Fmt("override-build-dir %q is not readable: %s", o.OverrideBuildDir, err)
		}
	}
	return nil
}

// Treeherder returns true if result submission is configured.
func (o *Options) Treeherder() bool {
	return o.TreeherderURL != ""
}

// S3 returns true if artifact upload is configured.
func (o *Options) S3() bool {
	return o.S3UploadBucket != ""
}

// Secrets returns every configured credential string, for scrubbing from
// logs.
func (o *Options) Secrets() []string {
	ret := []string{}
	for _, s := range []string{o.PulsePassword, o.TreeherderSecret, o.AWSAccessKey} {
		if s != "" {
			ret = append(ret, s)
		}
	}
	return ret
}

func allOrNone(what string, values ...string) error {
	set := 0
	for _, v := range values {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != len(values) {
		return skerr.Fmt("%s must be provided together or not at all", what)
	}
	return nil
}

// multiString is a repeatable string flag. The first Set replaces the
// default value, later Sets append.
type multiString struct {
	vals    *[]string
	changed bool
}

func newMultiString(target *[]string) *multiString {
	return &multiString{vals: target}
}

// String implements flag.Value.
func (m *multiString) String() string {
	if m == nil || m.vals == nil {
		return ""
	}
	return strings.Join(*m.vals, " ")
}

// Set implements flag.Value.
func (m *multiString) Set(value string) error {
	if value == "" {
		return fmt.Errorf("value cannot be empty")
	}
	if !m.changed {
		*m.vals = nil
		m.changed = true
	}
	*m.vals = append(*m.vals, value)
	return nil
}
