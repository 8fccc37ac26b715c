// Package crashes recovers crash evidence from a device after a test run:
// ANR traces, tombstones, Java exceptions in the device log, and breakpad
// minidumps, which are symbolicated with an external minidump_stackwalk
// binary.
package crashes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.skia.org/autophone/autophone/go/devctl"
	"go.skia.org/autophone/go/exec"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
	"go.skia.org/autophone/go/util"
)

const (
	// tracesPath is where the Android runtime writes ANR thread dumps.
	tracesPath = "/data/anr/traces.txt"

	// tombstonesDir is where native crash tombstones land.
	tombstonesDir = "/data/tombstones"

	// maxDumps bounds how many minidumps one collection processes.
	maxDumps = 10
)

// Error reasons.
const (
	ReasonJavaException = "java-exception"
	ReasonProfileError  = "PROFILE-ERROR"
	ReasonProcessCrash  = "PROCESS-CRASH"
)

var (
	// reLogPayload strips the date, time, tag and pid from a device log line.
	reLogPayload = regexp.MustCompile(`.*\): \t?(.*)`)

	// reTopFrame extracts the symbol of the top stack frame from the line
	// after "Thread N (crashed)" in stackwalk output.
	reTopFrame = regexp.MustCompile(`^ 0  (?:.*!)?(?:void )?([^\[]+)`)
)

// Error is one piece of crash evidence.
type Error struct {
	// Reason is one of the Reason constants.
	Reason string

	// Signature identifies the crash: the top frame, the Java exception, or
	// a diagnostic.
	Signature string

	// StackwalkOutput is the symbolicated stack for process crashes.
	StackwalkOutput string

	// StackwalkErrors lists what prevented symbolication, if anything.
	StackwalkErrors string
}

// Processor collects crash evidence for one application on one device.
type Processor struct {
	dm               devctl.DevCtl
	remoteProfileDir string
	uploadDir        string
	appName          string
	symbolsDir       string
	stackwalkBinary  string
}

// NewProcessor returns a Processor. remoteProfileDir is the on-device
// application profile, uploadDir a host directory collected artifacts are
// written to, symbolsDir the host directory of breakpad symbols for the
// build under test (may be empty), and stackwalkBinary the host path of
// minidump_stackwalk (may be empty).
func NewProcessor(dm devctl.DevCtl, remoteProfileDir, uploadDir, appName, symbolsDir, stackwalkBinary string) *Processor {
	return &Processor{
		dm:               dm,
		remoteProfileDir: remoteProfileDir,
		uploadDir:        uploadDir,
		appName:          appName,
		symbolsDir:       symbolsDir,
		stackwalkBinary:  stackwalkBinary,
	}
}

// remoteDumpDir is the minidump directory inside the profile.
func (p *Processor) remoteDumpDir() string {
	if p.remoteProfileDir == "" {
		return ""
	}
	return p.remoteProfileDir + "/minidumps"
}

// remotePendingDir is the pending crash reports directory of the
// application.
func (p *Processor) remotePendingDir() string {
	return fmt.Sprintf("/data/data/%s/files/mozilla/Crash Reports/pending", p.appName)
}

// Clear deletes ANR traces, tombstones and crash dumps left over from
// previous runs.
func (p *Processor) Clear(ctx context.Context) {
	p.resetANRTraces(ctx)
	p.deleteTombstones(ctx)
	if dir := p.remoteDumpDir(); dir != "" {
		if err := p.dm.Rm(ctx, dir+"/*", true); err != nil {
			sklog.Debugf("Failed clearing crash dumps: %s", err)
		}
	}
}

// resetANRTraces truncates the ANR traces file and leaves it writable by
// the runtime.
func (p *Processor) resetANRTraces(ctx context.Context) {
	if err := p.dm.Rm(ctx, tracesPath, false); err != nil {
		sklog.Warningf("Could not remove ANR traces %s: %s", tracesPath, err)
	}
	if _, err := p.dm.Shell(ctx, "echo > "+tracesPath, true); err != nil {
		sklog.Warningf("Could not initialize ANR traces %s: %s", tracesPath, err)
		return
	}
	if err := p.dm.Chmod(ctx, tracesPath, "666"); err != nil {
		sklog.Warningf("Could not chmod ANR traces %s: %s", tracesPath, err)
	}
}

// CollectANRTraces copies the ANR traces file into the upload dir and
// truncates it on the device. Absence of traces is not an error.
func (p *Processor) CollectANRTraces(ctx context.Context) {
	found, err := p.dm.Exists(ctx, tracesPath)
	if err != nil || !found {
		sklog.Infof("%s not found", tracesPath)
		return
	}
	contents, err := p.dm.Shell(ctx, "cat "+tracesPath, true)
	if err != nil {
		sklog.Warningf("Error pulling %s: %s", tracesPath, err)
		return
	}
	dest := filepath.Join(p.uploadDir, "traces.txt")
	if err := util.WithWriteFile(dest, func(w io.Writer) error {
		_, err := w.Write([]byte(contents))
		return err
	}); err != nil {
		sklog.Warningf("Error writing %s: %s", dest, err)
		return
	}
	p.resetANRTraces(ctx)
}

// deleteTombstones removes all tombstones from the device.
func (p *Processor) deleteTombstones(ctx context.Context) {
	if err := p.dm.Rm(ctx, tombstonesDir, true); err != nil {
		sklog.Debugf("Failed removing tombstones: %s", err)
	}
}

// CollectTombstones pulls tombstones into the upload dir, renaming each to
// a unique .txt name, then deletes them from the device.
func (p *Processor) CollectTombstones(ctx context.Context) {
	found, err := p.dm.Exists(ctx, tombstonesDir)
	if err != nil || !found {
		sklog.Warningf("%s does not exist; tombstone check skipped", tombstonesDir)
		return
	}
	if _, err := p.dm.Shell(ctx, "chmod 666 "+tombstonesDir+"/*", true); err != nil {
		sklog.Debugf("Failed making tombstones readable: %s", err)
	}
	if err := p.dm.Pull(ctx, tombstonesDir, p.uploadDir); err != nil {
		sklog.Warningf("Error pulling %s: %s", tombstonesDir, err)
		return
	}
	p.deleteTombstones(ctx)
	matches, err := filepath.Glob(filepath.Join(p.uploadDir, "tombstone_??"))
	if err != nil {
		return
	}
	for _, path := range matches {
		for i := 1; ; i++ {
			newName := fmt.Sprintf("%s.%d.txt", path, i)
			if _, err := os.Stat(newName); os.IsNotExist(err) {
				if err := os.Rename(path, newName); err != nil {
					sklog.Warningf("Error renaming %s: %s", path, err)
				}
				break
			}
		}
	}
}

// JavaException returns a summary of the first fatal Java exception in the
// device log, or nil.
func (p *Processor) JavaException(ctx context.Context) *Error {
	lines, err := p.dm.Logcat(ctx)
	if err != nil {
		sklog.Warningf("Failed reading device log: %s", err)
		return nil
	}
	for i, line := range lines {
		if !strings.Contains(line, "REPORTING UNCAUGHT EXCEPTION") && !strings.Contains(line, "FATAL EXCEPTION") {
			continue
		}
		if len(lines) < i+3 {
			sklog.Warningf("Truncated device log while looking for a Java exception")
			return nil
		}
		exceptionType := logPayload(lines[i+1])
		exceptionLocation := logPayload(lines[i+2])
		if exceptionType == "" {
			return nil
		}
		return &Error{
			Reason:    ReasonJavaException,
			Signature: fmt.Sprintf("%s %s", exceptionType, exceptionLocation),
		}
	}
	return nil
}

func logPayload(line string) string {
	m := reLogPayload.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}

// Crashes pulls minidumps from the device and symbolicates each one. The
// dumps are deleted as a side effect. A missing minidumps directory is
// itself reported, since the crash reporter creates it on first launch.
func (p *Processor) Crashes(ctx context.Context) []*Error {
	p.CollectANRTraces(ctx)
	p.CollectTombstones(ctx)

	dumpDir := p.remoteDumpDir()
	if dumpDir == "" {
		return nil
	}
	isDir, err := p.dm.IsDir(ctx, dumpDir)
	if err != nil || !isDir {
		sig := fmt.Sprintf("No crash directory (%s) found on remote device", dumpDir)
		sklog.Warningf("Automation Error: %s", sig)
		return []*Error{{Reason: ReasonProfileError, Signature: sig}}
	}
	if _, err := p.dm.Shell(ctx, "chmod -R 777 "+dumpDir, true); err != nil {
		sklog.Debugf("Failed making %s readable: %s", dumpDir, err)
	}
	if err := p.dm.Pull(ctx, dumpDir, p.uploadDir); err != nil {
		sklog.Warningf("Error pulling %s: %s", dumpDir, err)
		return nil
	}
	if isDir, err := p.dm.IsDir(ctx, p.remotePendingDir()); err == nil && isDir {
		if err := p.dm.Pull(ctx, p.remotePendingDir(), p.uploadDir); err != nil {
			sklog.Warningf("Error pulling pending crash reports: %s", err)
		}
	}

	dumps, err := filepath.Glob(filepath.Join(p.uploadDir, "*.dmp"))
	if err != nil {
		return nil
	}
	if len(dumps) > maxDumps {
		sklog.Warningf("Found %d dump files, limited to %d", len(dumps), maxDumps)
		dumps = dumps[:maxDumps]
	}
	ret := []*Error{}
	for _, dump := range dumps {
		ret = append(ret, p.processDump(ctx, dump))
	}
	return ret
}

// processDump symbolicates one minidump and removes it along with its
// .extra companion.
func (p *Processor) processDump(ctx context.Context, dumpPath string) *Error {
	extraPath := strings.TrimSuffix(dumpPath, filepath.Ext(dumpPath)) + ".extra"
	defer func() {
		util.Remove(dumpPath)
		if _, err := os.Stat(extraPath); err == nil {
			util.Remove(extraPath)
		}
	}()

	walkErrors := []string{}
	if p.symbolsDir == "" {
		walkErrors = append(walkErrors, "No symbols path given, can't process dump.")
	}
	if p.stackwalkBinary == "" {
		walkErrors = append(walkErrors, "No minidump_stackwalk binary configured, can't process dump.")
	} else if _, err := os.Stat(p.stackwalkBinary); err != nil {
		walkErrors = append(walkErrors, fmt.Sprintf("minidump_stackwalk binary not found: %s", p.stackwalkBinary))
	}

	output := []string{fmt.Sprintf("Crash dump filename: %s", dumpPath)}
	signature := ""
	if len(walkErrors) == 0 {
		stdout := bytes.Buffer{}
		stderr := bytes.Buffer{}
		runErr := exec.Run(ctx, &exec.Command{
			Name:   p.stackwalkBinary,
			Args:   []string{dumpPath, p.symbolsDir},
			Stdout: &stdout,
			Stderr: &stderr,
		})
		if stdout.Len() > 3 {
			// Stackwalk is chatty on stderr even when it succeeds.
			signature = topFrameSignature(stdout.String())
			output = append(output, stdout.String())
		} else {
			output = append(output, "stderr from minidump_stackwalk:", stderr.String())
		}
		if runErr != nil {
			output = append(output, fmt.Sprintf("minidump_stackwalk failed: %s", runErr))
		}
	}
	if signature == "" {
		signature = "unknown top frame"
	}
	sklog.Infof("application crashed [%s]", signature)
	return &Error{
		Reason:          ReasonProcessCrash,
		Signature:       signature,
		StackwalkOutput: strings.Join(output, "\n"),
		StackwalkErrors: strings.Join(walkErrors, "\n"),
	}
}

// topFrameSignature finds the top frame of the crashed thread in stackwalk
// output.
func topFrameSignature(out string) string {
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "(crashed)") {
			continue
		}
		if i+1 >= len(lines) {
			return ""
		}
		m := reTopFrame.FindStringSubmatch(lines[i+1])
		if m == nil {
			return ""
		}
		return "@ " + strings.TrimSpace(m[1])
	}
	return ""
}

// Errors collects every kind of crash evidence: the Java exception if any,
// then the process crashes.
func (p *Processor) Errors(ctx context.Context) ([]*Error, error) {
	if p.uploadDir == "" {
		return nil, skerr.Fmt("no upload dir configured")
	}
	ret := []*Error{}
	if exc := p.JavaException(ctx); exc != nil {
		ret = append(ret, exc)
	}
	ret = append(ret, p.Crashes(ctx)...)
	return ret, nil
}
