// Package types holds the data model shared by the supervisor, the worker
// subprocesses, and the event consumers.
package types

import (
	"strings"
	"time"
)

// PhoneStatus describes what a device is doing right now. It is reported by
// the owning worker and displayed by the console status verb.
type PhoneStatus string

const (
	// StatusIdle means the device is healthy and waiting for jobs.
	StatusIdle PhoneStatus = "IDLE"

	// StatusFetching means the worker is downloading a build for the device.
	// Workers in this status are exempt from the heartbeat timeout since
	// downloads may legitimately take longer.
	StatusFetching PhoneStatus = "FETCHING"

	// StatusInstalling means a build is being installed on the device.
	StatusInstalling PhoneStatus = "INSTALLING"

	// StatusCharging means the battery is below the configured minimum and
	// the worker is waiting for it to charge.
	StatusCharging PhoneStatus = "CHARGING"

	// StatusWorking means a test is executing on the device.
	StatusWorking PhoneStatus = "WORKING"

	// StatusDisconnected means the device is no longer visible to its worker.
	StatusDisconnected PhoneStatus = "DISCONNECTED"

	// StatusError means the device failed its health probe.
	StatusError PhoneStatus = "ERROR"

	// StatusDisabled means an operator or the crash budget disabled the
	// device. Disabled devices do not claim jobs and are not restarted.
	StatusDisabled PhoneStatus = "DISABLED"

	// StatusRebooting means the device is rebooting.
	StatusRebooting PhoneStatus = "REBOOTING"

	// StatusShutdown means the worker has exited.
	StatusShutdown PhoneStatus = "SHUTDOWN"
)

// AllPhoneStatuses is the list of all valid PhoneStatus values.
var AllPhoneStatuses = []PhoneStatus{
	StatusIdle,
	StatusFetching,
	StatusInstalling,
	StatusCharging,
	StatusWorking,
	StatusDisconnected,
	StatusError,
	StatusDisabled,
	StatusRebooting,
	StatusShutdown,
}

// ProcessState describes the lifecycle state of the supervisor or of a
// worker subprocess, as opposed to what the device itself is doing.
type ProcessState string

const (
	// StateStarting is the initial state before the main loop runs.
	StateStarting ProcessState = "STARTING"

	// StateRunning is the normal operating state.
	StateRunning ProcessState = "RUNNING"

	// StateRestarting means the process will exit and expects to be
	// recreated: workers by the supervisor, the supervisor by re-exec.
	StateRestarting ProcessState = "RESTARTING"

	// StateShuttingDown means a clean shutdown is in progress.
	StateShuttingDown ProcessState = "SHUTTINGDOWN"

	// StateShutdown is the terminal state of a clean shutdown.
	StateShutdown ProcessState = "SHUTDOWN"

	// StateStopping means immediate termination via signal was requested.
	StateStopping ProcessState = "STOPPING"
)

// AllProcessStates is the list of all valid ProcessState values.
var AllProcessStates = []ProcessState{
	StateStarting,
	StateRunning,
	StateRestarting,
	StateShuttingDown,
	StateShutdown,
	StateStopping,
}

// Result is the outcome of a single test run, using the vocabulary of the
// results service.
type Result string

const (
	// ResultSuccess means the test ran and passed.
	ResultSuccess Result = "success"

	// ResultTestFailed means the test ran and failed.
	ResultTestFailed Result = "testfailed"

	// ResultBusted means the test harness itself failed.
	ResultBusted Result = "busted"

	// ResultException means an error outside the test, e.g. a device fault
	// mid-run.
	ResultException Result = "exception"

	// ResultUserCancel means an operator cancelled the test.
	ResultUserCancel Result = "usercancel"

	// ResultRetry means the test did not complete and has been re-enqueued
	// as a new job.
	ResultRetry Result = "retry"
)

// AllResults is the list of all valid Result values.
var AllResults = []Result{
	ResultSuccess,
	ResultTestFailed,
	ResultBusted,
	ResultException,
	ResultUserCancel,
	ResultRetry,
}

// Device is the identity of one phone. It is immutable for the life of a
// worker; changing any field requires re-registration.
type Device struct {
	// ID is the operator-assigned name, e.g. "nexus-s-1". Unique fleet-wide.
	ID string `json:"id"`

	// Serial is the adb serial number.
	Serial string `json:"serial"`

	// Hardware is the device model, e.g. "Nexus S".
	Hardware string `json:"hardware"`

	// OSVersion is the Android release, e.g. "4.1.2".
	OSVersion string `json:"os_version"`

	// ABI is the primary CPU abi, e.g. "armeabi-v7a" or "x86".
	ABI string `json:"abi"`

	// SDK is the api-level bucket, e.g. "api-15".
	SDK string `json:"sdk"`

	// HostIP is the address of the controlling host as reachable from the
	// device.
	HostIP string `json:"host_ip"`

	// TestRoot overrides the on-device test directory when non-empty.
	TestRoot string `json:"test_root"`
}

// OS returns the os name built from the first two components of the Android
// release, e.g. "android-4-1" for release "4.1.2".
func (d Device) OS() string {
	parts := strings.SplitN(d.OSVersion, ".", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "android-" + strings.Join(parts, "-")
}

// Architecture returns the reporting name for the device CPU architecture.
func (d Device) Architecture() string {
	switch {
	case strings.Contains(d.ABI, "armeabi-v7a"):
		return "armv7"
	case strings.Contains(d.ABI, "arm64-v8a"):
		return "armv8"
	default:
		return d.ABI
	}
}

// Platform returns the machine platform string used when reporting results,
// e.g. "android-4-1-armv7-api-15" or "android-4-4-x86".
func (d Device) Platform() string {
	if d.Architecture() == "x86" {
		return d.OS() + "-x86"
	}
	return d.OS() + "-" + d.Architecture() + "-" + d.SDK
}

// BuildEvent is a normalized build-finished message from the event bus.
type BuildEvent struct {
	// Repo is the tree the build came from, e.g. "mozilla-central" or "try".
	Repo string `json:"repo"`

	// Platform is the configured platform the build was classified as,
	// e.g. "android-api-15".
	Platform string `json:"platform"`

	// BuildType is "opt" or "debug".
	BuildType string `json:"build_type"`

	// BuildID is the 14 digit UTC build stamp.
	BuildID string `json:"build_id"`

	// URL is where the application package can be downloaded.
	URL string `json:"url"`

	// Comments is the commit comment, kept un-normalized so the try opt-in
	// tokens remain visible.
	Comments string `json:"comments"`

	// SymbolsURL is where the crash symbols archive can be downloaded, if
	// published.
	SymbolsURL string `json:"symbols_url,omitempty"`

	// TestsURL is where the test archive can be downloaded, if published.
	TestsURL string `json:"tests_url,omitempty"`
}

// TryBuild returns true if the event is for a build from the try tree.
func (b BuildEvent) TryBuild() bool {
	return b.Repo == "try"
}

// JobActionEvent is a normalized cancel/retrigger request from the results
// service, routed through the event bus.
type JobActionEvent struct {
	// Action is "cancel" or "retrigger".
	Action string `json:"action"`

	// Machine is the device id the original job ran on.
	Machine string `json:"machine"`

	// GroupName identifies the submitter that owns the job.
	GroupName string `json:"group_name"`

	// JobGUID is the guid of the test item the action applies to.
	JobGUID string `json:"job_guid"`

	// BuildURL identifies the build for retriggers.
	BuildURL string `json:"build_url"`

	// ConfigFile and Chunk identify the test item for retriggers.
	ConfigFile string `json:"config_file"`
	Chunk      int    `json:"chunk"`
}

// JobActionCancel and JobActionRetrigger are the valid JobActionEvent
// actions.
const (
	JobActionCancel    = "cancel"
	JobActionRetrigger = "retrigger"
)

// MessageKind discriminates the status events a worker subprocess writes to
// its stdout pipe. The set is closed.
type MessageKind string

const (
	// KindHeartbeat is a periodic no-news message proving the worker loop is
	// alive.
	KindHeartbeat MessageKind = "heartbeat"

	// KindStatusChange reports a PhoneStatus transition.
	KindStatusChange MessageKind = "status_change"

	// KindTestResult reports the outcome of one test item.
	KindTestResult MessageKind = "test_result"

	// KindShutdown is the terminal message; ProcessState carries the final
	// state so the supervisor can decide whether to recreate the worker.
	KindShutdown MessageKind = "shutdown"
)

// Message is one status event from a worker subprocess to the supervisor,
// encoded as a single JSON line on the worker's stdout.
type Message struct {
	Kind     MessageKind `json:"kind"`
	DeviceID string      `json:"device_id"`
	Time     time.Time   `json:"time"`

	// PhoneStatus is set for status_change and heartbeat messages.
	PhoneStatus PhoneStatus `json:"phone_status,omitempty"`

	// ProcessState is set for shutdown messages.
	ProcessState ProcessState `json:"process_state,omitempty"`

	// TestGUID and Result are set for test_result messages.
	TestGUID string `json:"test_guid,omitempty"`
	Result   Result `json:"result,omitempty"`

	// Text is an optional human readable detail.
	Text string `json:"text,omitempty"`
}

// CommandName enumerates the operator commands a worker consumes.
type CommandName string

const (
	// CmdShutdown asks the worker to finish the in-flight test step and exit
	// cleanly.
	CmdShutdown CommandName = "shutdown"

	// CmdReboot asks the worker to reboot its device.
	CmdReboot CommandName = "reboot"

	// CmdDisable stops the worker from claiming jobs.
	CmdDisable CommandName = "disable"

	// CmdEnable re-enables a disabled worker.
	CmdEnable CommandName = "enable"

	// CmdCancelTest removes one test item, aborting it if it is running.
	CmdCancelTest CommandName = "cancel_test"

	// CmdPing forces an immediate device health probe.
	CmdPing CommandName = "ping"

	// CmdJob nudges the worker to check the job store.
	CmdJob CommandName = "job"
)

// Command is one operator command from the supervisor to a worker
// subprocess, encoded as a single JSON line on the worker's stdin.
type Command struct {
	Name CommandName `json:"name"`

	// TestGUID is set for cancel_test.
	TestGUID string `json:"test_guid,omitempty"`
}
