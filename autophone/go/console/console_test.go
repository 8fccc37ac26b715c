package console

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/testutils/unittest"
)

// fakeController records every call and returns canned results. Calls come
// in on handler goroutines, so everything is guarded.
type fakeController struct {
	mtx   sync.Mutex
	calls []string

	triggerN   int
	triggerErr error
	deviceOut  string
	deviceErr  error
	addErr     error
}

func (f *fakeController) record(call string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) recorded() []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeController) set(fn func()) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	fn()
}

func (f *fakeController) StatusReport() string {
	f.record("status")
	return "phone nexus-s-1 (0123456789):\n  state RUNNING\n"
}

func (f *fakeController) AddDevice(ctx context.Context, name, serial string) error {
	f.record(fmt.Sprintf("add %s %s", name, serial))
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.addErr
}

func (f *fakeController) TriggerJobs(ctx context.Context, request string) (int, error) {
	f.record("trigger " + request)
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.triggerN, f.triggerErr
}

func (f *fakeController) DeviceCommand(ctx context.Context, verb, target string) (string, error) {
	f.record(fmt.Sprintf("device %s %s", verb, target))
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.deviceOut, f.deviceErr
}

func (f *fakeController) Restart()  { f.record("restart") }
func (f *fakeController) Shutdown() { f.record("shutdown") }
func (f *fakeController) Stop()     { f.record("stop") }

// client dials the server, consumes the greeting, and exposes a send
// helper returning all reply lines up to and including the terminator.
type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *client {
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	r := bufio.NewReader(conn)
	greeting, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, Greeting, greeting)
	return &client{t: t, conn: conn, r: r}
}

// send writes one command and reads lines until "ok" or an "error:" line.
func (c *client) send(cmd string) []string {
	_, err := fmt.Fprintf(c.conn, "%s\n", cmd)
	require.NoError(c.t, err)
	lines := []string{}
	for {
		line, err := c.r.ReadString('\n')
		require.NoError(c.t, err)
		line = strings.TrimRight(line, "\n")
		lines = append(lines, line)
		if line == "ok" || strings.HasPrefix(line, "error:") {
			return lines
		}
	}
}

func newTestServer(t *testing.T) (*Server, *fakeController) {
	ctrl := &fakeController{}
	srv, err := New(ctrl, 0)
	require.NoError(t, err)
	srv.Start(context.Background())
	t.Cleanup(srv.Shutdown)
	return srv, ctrl
}

func TestConsoleLifecycleVerbs(t *testing.T) {
	unittest.MediumTest(t)

	srv, ctrl := newTestServer(t)
	c := dial(t, srv)

	require.Equal(t, []string{"ok"}, c.send("autophone-shutdown"))
	require.Equal(t, []string{"ok"}, c.send("autophone-restart"))
	require.Equal(t, []string{"ok"}, c.send("autophone-stop"))
	require.Equal(t, []string{"ok"}, c.send("autophone-log something happened"))
	require.Equal(t, []string{"shutdown", "restart", "stop"}, ctrl.recorded())
}

func TestConsoleStatus(t *testing.T) {
	unittest.MediumTest(t)

	srv, _ := newTestServer(t)
	c := dial(t, srv)

	lines := c.send("autophone-status")
	require.Equal(t, []string{
		"phone nexus-s-1 (0123456789):",
		"  state RUNNING",
		"ok",
	}, lines)
}

func TestConsoleAddDevice(t *testing.T) {
	unittest.MediumTest(t)

	srv, ctrl := newTestServer(t)
	c := dial(t, srv)

	require.Equal(t, []string{"ok"}, c.send("autophone-add-device nexus-s-2 0123456790"))
	require.Equal(t, []string{"add nexus-s-2 0123456790"}, ctrl.recorded())

	lines := c.send("autophone-add-device nexus-s-2")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "usage")

	ctrl.set(func() { ctrl.addErr = skerr.Fmt("no such device") })
	lines = c.send("autophone-add-device nexus-s-3 123")
	require.Equal(t, []string{"error: no such device"}, lines)
}

func TestConsoleTriggerJobs(t *testing.T) {
	unittest.MediumTest(t)

	srv, ctrl := newTestServer(t)
	c := dial(t, srv)

	ctrl.set(func() { ctrl.triggerN = 3 })
	req := `{"build": "https://archive.example.com/fennec.apk"}`
	lines := c.send("autophone-triggerjobs " + req)
	require.Equal(t, []string{"enqueued 3 tests", "ok"}, lines)
	require.Equal(t, []string{"trigger " + req}, ctrl.recorded())

	ctrl.set(func() { ctrl.triggerErr = skerr.Fmt("bad request") })
	lines = c.send("autophone-triggerjobs {}")
	require.Equal(t, []string{"error: bad request"}, lines)
}

func TestConsoleDeviceVerbs(t *testing.T) {
	unittest.MediumTest(t)

	srv, ctrl := newTestServer(t)
	c := dial(t, srv)

	require.Equal(t, []string{"ok"}, c.send("device-reboot nexus-s-1"))
	require.Equal(t, []string{"ok"}, c.send("device-disable all"))
	require.Equal(t, []string{"device reboot nexus-s-1", "device disable all"}, ctrl.recorded())

	ctrl.set(func() { ctrl.deviceOut = "yes" })
	require.Equal(t, []string{"yes", "ok"}, c.send("device-is_alive nexus-s-1"))

	ctrl.set(func() { ctrl.deviceErr = skerr.Fmt("no worker for nexus-s-9") })
	lines := c.send("device-ping nexus-s-9")
	require.Equal(t, []string{"error: no worker for nexus-s-9"}, lines)

	lines = c.send("device-explode nexus-s-1")
	require.Contains(t, lines[0], "unknown device verb")

	lines = c.send("device-ping")
	require.Contains(t, lines[0], "usage")
}

func TestConsoleUnknownAndHelp(t *testing.T) {
	unittest.MediumTest(t)

	srv, _ := newTestServer(t)
	c := dial(t, srv)

	lines := c.send("make-coffee")
	require.Contains(t, lines[0], "unknown command")

	lines = c.send("autophone-help")
	require.Equal(t, "ok", lines[len(lines)-1])
	joined := strings.Join(lines, "\n")
	for _, verb := range []string{"autophone-status", "autophone-triggerjobs", "device-<verb>"} {
		require.Contains(t, joined, verb)
	}
}
