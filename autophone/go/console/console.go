// Package console is the operator command console: a line-oriented TCP
// server routing verbs to the supervisor.
package console

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.skia.org/autophone/go/metrics2"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
)

// Greeting is written to every new connection.
const Greeting = "Hello? Yes this is Autophone.\n"

// deviceVerbs are the verbs accepted after "device-".
var deviceVerbs = []string{
	"is_alive", "stop", "shutdown", "reboot", "disable", "enable", "ping", "status", "restart",
}

const helpText = `Commands:
autophone-help                          this message
autophone-status                        status report for every device
autophone-add-device <name> <serial>    register a device and start its worker
autophone-triggerjobs <json>            enqueue jobs; {"build": url, "test_names": [..], "devices": [..]}
autophone-restart                       restart the daemon
autophone-shutdown                      shut the daemon down cleanly
autophone-stop                          stop the daemon immediately
autophone-log <message>                 write a message to the daemon log
device-<verb> <devid|serial|all>        verb is one of ` + "is_alive, stop, shutdown,\n" +
	`                                        reboot, disable, enable, ping, status, restart`

// Controller is the supervisor surface the console drives.
type Controller interface {
	// StatusReport renders the per-device status report.
	StatusReport() string

	// AddDevice registers a device from the devices file and starts its
	// worker.
	AddDevice(ctx context.Context, name, serial string) error

	// TriggerJobs enqueues jobs from a manual trigger request and returns
	// how many test items were enqueued.
	TriggerJobs(ctx context.Context, request string) (int, error)

	// DeviceCommand routes one device verb. target is a device id, a serial
	// number, or "all". The returned string is extra output to print before
	// the ok line, possibly empty.
	DeviceCommand(ctx context.Context, verb, target string) (string, error)

	// Restart, Shutdown and Stop change the daemon lifecycle.
	Restart()
	Shutdown()
	Stop()
}

// Server accepts console connections and dispatches their verbs.
type Server struct {
	ctrl Controller
	lis  net.Listener

	commands metrics2.Counter

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a Server listening on port. Port 0 picks a free port, used by
// tests.
func New(ctrl Controller, port int) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, skerr.Wrapf(err, "listening on port %d", port)
	}
	return &Server{
		ctrl:     ctrl,
		lis:      lis,
		commands: metrics2.GetCounter("autophone_console_commands", nil),
		stopCh:   make(chan struct{}),
	}, nil
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Start runs the accept loop on its own goroutine.
func (s *Server) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.lis.Accept()
			if err != nil {
				select {
				case <-s.stopCh:
					return
				default:
				}
				sklog.Warningf("Console accept failed: %s", err)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(ctx, conn)
			}()
		}
	}()
}

// Shutdown closes the listener and waits for in-flight handlers.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if err := s.lis.Close(); err != nil {
			sklog.Debugf("Closing console listener: %s", err)
		}
	})
	s.wg.Wait()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			sklog.Debugf("Closing console connection: %s", err)
		}
	}()
	sklog.Infof("Console connection from %s", conn.RemoteAddr())
	if _, err := fmt.Fprint(conn, Greeting); err != nil {
		return
	}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		s.commands.Inc(1)
		reply := s.dispatch(ctx, line)
		if !strings.HasSuffix(reply, "\n") {
			reply += "\n"
		}
		if _, err := fmt.Fprint(conn, reply); err != nil {
			return
		}
	}
}

// dispatch runs one console line and returns the full reply, ending with
// "ok" on success and a one-line diagnostic otherwise.
func (s *Server) dispatch(ctx context.Context, line string) string {
	verb, rest := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb, rest = line[:i], strings.TrimSpace(line[i+1:])
	}
	sklog.Infof("Console command %q", line)
	switch verb {
	case "autophone-help":
		return helpText + "\nok"
	case "autophone-status":
		report := s.ctrl.StatusReport()
		if report != "" && !strings.HasSuffix(report, "\n") {
			report += "\n"
		}
		return report + "ok"
	case "autophone-add-device":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return "error: usage: autophone-add-device <name> <serial>"
		}
		if err := s.ctrl.AddDevice(ctx, fields[0], fields[1]); err != nil {
			return fmt.Sprintf("error: %s", err)
		}
		return "ok"
	case "autophone-triggerjobs":
		if rest == "" {
			return "error: usage: autophone-triggerjobs <json>"
		}
		n, err := s.ctrl.TriggerJobs(ctx, rest)
		if err != nil {
			return fmt.Sprintf("error: %s", err)
		}
		return fmt.Sprintf("enqueued %d tests\nok", n)
	case "autophone-restart":
		s.ctrl.Restart()
		return "ok"
	case "autophone-shutdown":
		s.ctrl.Shutdown()
		return "ok"
	case "autophone-stop":
		s.ctrl.Stop()
		return "ok"
	case "autophone-log":
		if rest == "" {
			return "error: usage: autophone-log <message>"
		}
		sklog.Infof("Console: %s", rest)
		return "ok"
	}
	if strings.HasPrefix(verb, "device-") {
		return s.deviceCommand(ctx, strings.TrimPrefix(verb, "device-"), rest)
	}
	return "error: unknown command; try autophone-help"
}

func (s *Server) deviceCommand(ctx context.Context, verb, rest string) string {
	ok := false
	for _, v := range deviceVerbs {
		if verb == v {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Sprintf("error: unknown device verb %q; try autophone-help", verb)
	}
	target := strings.TrimSpace(rest)
	if target == "" {
		return fmt.Sprintf("error: usage: device-%s <devid|serial|all>", verb)
	}
	out, err := s.ctrl.DeviceCommand(ctx, verb, target)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out + "ok"
}
