// autophonectl is the operator client for the autophoned command console.
// It speaks the line protocol over TCP and prints the daemon's replies.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	cli "github.com/urfave/cli/v2"

	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
	"go.skia.org/autophone/go/urfavecli"
)

const (
	hostFlag    = "host"
	portFlag    = "port"
	timeoutFlag = "timeout"
)

func main() {
	app := &cli.App{
		Name:  "autophonectl",
		Usage: "drive a running autophoned through its command console",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  hostFlag,
				Value: "127.0.0.1",
				Usage: "Host the daemon runs on.",
			},
			&cli.IntFlag{
				Name:  portFlag,
				Value: 28001,
				Usage: "Command console port.",
			},
			&cli.DurationFlag{
				Name:  timeoutFlag,
				Value: time.Minute,
				Usage: "Give up on the console after this long.",
			},
		},
		Before: func(c *cli.Context) error {
			urfavecli.LogFlags(c)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "print the status report for every device",
				Action: send("autophone-status"),
			},
			{
				Name:      "trigger",
				Usage:     "enqueue jobs for a build",
				ArgsUsage: "<build url>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "test",
						Usage: "Test name to run. Repeatable; empty means every matching test.",
					},
					&cli.StringSliceFlag{
						Name:  "device",
						Usage: "Device to run on. Repeatable; empty means every matching device.",
					},
				},
				Action: trigger,
			},
			{
				Name:      "add-device",
				Usage:     "register a device from the devices file and start its worker",
				ArgsUsage: "<name> <serial>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return skerr.Fmt("add-device takes a device name and a serial number")
					}
					return run(c, fmt.Sprintf("autophone-add-device %s %s", c.Args().Get(0), c.Args().Get(1)))
				},
			},
			{
				Name:      "log",
				Usage:     "write a message to the daemon log",
				ArgsUsage: "<message>",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return skerr.Fmt("log takes a message")
					}
					return run(c, "autophone-log "+strings.Join(c.Args().Slice(), " "))
				},
			},
			{
				Name:   "restart",
				Usage:  "restart the daemon",
				Action: send("autophone-restart"),
			},
			{
				Name:   "shutdown",
				Usage:  "shut the daemon down cleanly",
				Action: send("autophone-shutdown"),
			},
			{
				Name:   "stop",
				Usage:  "stop the daemon immediately",
				Action: send("autophone-stop"),
			},
			{
				Name:      "device",
				Usage:     "run a verb against one device, a serial number, or all",
				ArgsUsage: "<verb> <devid|serial|all>",
				Description: "verb is one of is_alive, stop, shutdown, reboot, disable,\n" +
					"enable, ping, status or restart.",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return skerr.Fmt("device takes a verb and a target")
					}
					return run(c, fmt.Sprintf("device-%s %s", c.Args().Get(0), c.Args().Get(1)))
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// send returns an Action that runs one fixed console command.
func send(command string) cli.ActionFunc {
	return func(c *cli.Context) error {
		return run(c, command)
	}
}

// trigger builds the triggerjobs request from the arguments and sends it.
func trigger(c *cli.Context) error {
	if c.NArg() != 1 {
		return skerr.Fmt("trigger takes exactly one build url")
	}
	request, err := json.Marshal(struct {
		Build     string   `json:"build"`
		TestNames []string `json:"test_names,omitempty"`
		Devices   []string `json:"devices,omitempty"`
	}{
		Build:     c.Args().First(),
		TestNames: c.StringSlice("test"),
		Devices:   c.StringSlice("device"),
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	return run(c, "autophone-triggerjobs "+string(request))
}

// run performs one console round trip and prints the reply to stdout.
func run(c *cli.Context, command string) error {
	addr := fmt.Sprintf("%s:%d", c.String(hostFlag), c.Int(portFlag))
	timeout := c.Duration(timeoutFlag)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return skerr.Wrapf(err, "connecting to the console at %s", addr)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			sklog.Debugf("Closing console connection: %s", err)
		}
	}()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return skerr.Wrap(err)
	}
	r := bufio.NewReader(conn)
	// The daemon greets before accepting commands.
	if _, err := r.ReadString('\n'); err != nil {
		return skerr.Wrapf(err, "reading the console greeting")
	}
	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return skerr.Wrapf(err, "sending %q", command)
	}
	return readReply(r, os.Stdout)
}

// readReply copies reply lines to out until the terminating ok or error
// line.
func readReply(r *bufio.Reader, out io.Writer) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return skerr.Wrapf(err, "reading the console reply")
		}
		line = strings.TrimRight(line, "\n")
		if line == "ok" {
			return nil
		}
		if rest, found := strings.CutPrefix(line, "error: "); found {
			return skerr.Fmt("%s", rest)
		}
		fmt.Fprintln(out, line)
	}
}
