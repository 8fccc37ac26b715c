// Package exec is a wrapper around the os/exec package that supports
// timeouts and testing.
//
// The Run function to use is injected through the context, so tests can
// capture or fake subprocess invocations:
//
//	mock := exec.CommandCollector{}
//	ctx := exec.NewContext(context.Background(), mock.Run)
//	err := exec.Run(ctx, &exec.Command{
//		Name: "touch",
//		Args: []string{"/tmp/file"},
//	})
//	require.Equal(t, "touch /tmp/file", exec.DebugString(mock.Commands()[0]))
package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"

	"go.skia.org/autophone/go/sklog"
)

type contextKeyType string

const contextKey contextKeyType = "runFn"

// WriteLog implements the io.Writer interface and writes to the given log
// function.
type WriteLog struct {
	LogFunc func(format string, args ...interface{})
}

func (wl WriteLog) Write(p []byte) (n int, err error) {
	wl.LogFunc("%s", string(p))
	return len(p), nil
}

var (
	WriteInfoLog  = WriteLog{LogFunc: sklog.Infof}
	WriteErrorLog = WriteLog{LogFunc: sklog.Errorf}
)

// Command describes one subprocess invocation.
type Command struct {
	// Name of the command, as passed to osexec.Command. Can be the path to a
	// binary or the name of a command that osexec.LookPath can find.
	Name string
	// Arguments of the command, not including Name.
	Args []string
	// The environment of the process. If nil, the current process's
	// environment is used.
	Env []string
	// If Env is non-nil, adds the current process's PATH to Env.
	InheritPath bool
	// The working directory of the command. If empty, runs in the current
	// process's current directory.
	Dir string
	// See docs for osexec.Cmd.Stdin.
	Stdin io.Reader
	// If true, duplicates stdout of the command to WriteInfoLog.
	LogStdout bool
	// Sends the stdout of the command to this Writer, e.g. os.File or
	// bytes.Buffer.
	Stdout io.Writer
	// If true, duplicates stderr of the command to WriteErrorLog.
	LogStderr bool
	// Sends the stderr of the command to this Writer, e.g. os.File or
	// bytes.Buffer.
	Stderr io.Writer
	// Sends the combined stdout and stderr of the command to this Writer, in
	// addition to Stdout and Stderr.
	CombinedOutput io.Writer
	// Time limit to wait for the command to finish. No limit if not
	// specified.
	Timeout time.Duration
	// See docs for osexec.Cmd.SysProcAttr.
	SysProcAttr *syscall.SysProcAttr
}

// ParseCommand divides commandLine at spaces; treats the first token as the
// program name and the other tokens as arguments. Note: don't expect this
// function to do anything smart with quotes or escaped spaces.
func ParseCommand(commandLine string) Command {
	programAndArgs := strings.Split(commandLine, " ")
	return Command{Name: programAndArgs[0], Args: programAndArgs[1:]}
}

// DebugString returns the command as a single human readable line.
func DebugString(command *Command) string {
	ret := command.Name
	if len(command.Args) > 0 {
		ret += " " + strings.Join(command.Args, " ")
	}
	return ret
}

// squashWriters returns a single writer that writes to every non-nil writer
// given, or nil when none are.
func squashWriters(writers ...io.Writer) io.Writer {
	nonNil := []io.Writer{}
	for _, writer := range writers {
		if writer != nil {
			nonNil = append(nonNil, writer)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return io.MultiWriter(nonNil...)
	}
}

func createCmd(ctx context.Context, command *Command) *osexec.Cmd {
	cmd := osexec.CommandContext(ctx, command.Name, command.Args...)
	if len(command.Env) != 0 {
		cmd.Env = command.Env
		if command.InheritPath {
			cmd.Env = append(cmd.Env, "PATH="+os.Getenv("PATH"))
		}
	}
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin
	var stdoutLog io.Writer
	if command.LogStdout {
		stdoutLog = WriteInfoLog
	}
	cmd.Stdout = squashWriters(stdoutLog, command.Stdout, command.CombinedOutput)
	var stderrLog io.Writer
	if command.LogStderr {
		stderrLog = WriteErrorLog
	}
	cmd.Stderr = squashWriters(stderrLog, command.Stderr, command.CombinedOutput)
	cmd.SysProcAttr = command.SysProcAttr
	return cmd
}

func wait(command *Command, cmd *osexec.Cmd) error {
	if command.Timeout == 0 {
		return cmd.Wait()
	}
	done := make(chan error)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case <-time.After(command.Timeout):
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("Failed to kill timed out process: %s", err)
		}
		<-done
		return fmt.Errorf("Command killed since it took longer than %s: %s", command.Timeout, DebugString(command))
	case err := <-done:
		return err
	}
}

// DefaultRun runs command with os/exec and waits for it to finish.
func DefaultRun(ctx context.Context, command *Command) error {
	cmd := createCmd(ctx, command)
	sklog.Debugf("Executing %s", DebugString(command))
	if err := cmd.Start(); err != nil {
		return err
	}
	return wait(command, cmd)
}

type execContext struct {
	runFn func(context.Context, *Command) error
}

// NewContext returns a context whose Run calls are served by runFn instead
// of DefaultRun.
func NewContext(ctx context.Context, runFn func(context.Context, *Command) error) context.Context {
	return context.WithValue(ctx, contextKey, &execContext{runFn: runFn})
}

func getCtx(ctx context.Context) *execContext {
	if v, ok := ctx.Value(contextKey).(*execContext); ok {
		return v
	}
	return &execContext{runFn: DefaultRun}
}

// Run runs command and waits for it to finish. If any failure, returns
// non-nil. If a timeout was specified, returns an error once the command has
// exceeded that timeout.
func Run(ctx context.Context, command *Command) error {
	return getCtx(ctx).runFn(ctx, command)
}

// RunCommand runs command and returns its combined stdout and stderr. May
// also return an error if the command exited with a non-zero status or there
// was any other error.
func RunCommand(ctx context.Context, command *Command) (string, error) {
	output := bytes.Buffer{}
	command.CombinedOutput = &output
	err := Run(ctx, command)
	return output.String(), err
}

// RunSimple executes the given command line string; the command being run is
// expected to not care what its current working directory is. Returns the
// combined stdout and stderr.
func RunSimple(ctx context.Context, commandLine string) (string, error) {
	cmd := ParseCommand(commandLine)
	return RunCommand(ctx, &cmd)
}

// RunCwd executes cmd in the given directory and returns the combined stdout
// and stderr.
func RunCwd(ctx context.Context, cwd string, cmd ...string) (string, error) {
	if len(cmd) == 0 {
		return "", fmt.Errorf("No command given.")
	}
	command := &Command{
		Name: cmd[0],
		Args: cmd[1:],
		Dir:  cwd,
	}
	return RunCommand(ctx, command)
}
