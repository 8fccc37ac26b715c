package urfavecli

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v2"
	"go.skia.org/autophone/go/sklog/sklogimpl"
	"go.skia.org/autophone/go/testutils/unittest"
)

// captureLogger records every formatted log line.
type captureLogger struct {
	lines []string
}

func (c *captureLogger) Log(depth int, severity sklogimpl.Severity, format string, args ...interface{}) {
	if format == "" {
		c.lines = append(c.lines, fmt.Sprint(args...))
		return
	}
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *captureLogger) Flush() {}

func TestLogFlags(t *testing.T) {
	unittest.SmallTest(t)

	capture := &captureLogger{}
	sklogimpl.SetLogger(capture)

	app := &cli.App{
		Name: "sample",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "bool"},
			&cli.BoolFlag{Name: "boolNotPassedIn"},
			&cli.DurationFlag{Name: "duration"},
			&cli.IntFlag{Name: "int"},
			&cli.StringFlag{Name: "string"},
			&cli.StringSliceFlag{Name: "stringSlice"},
		},
		Action: func(c *cli.Context) error {
			LogFlags(c)
			return nil
		},
	}
	err := app.Run([]string{
		"sample",
		"--bool",
		"--duration", (5 * time.Second).String(),
		"--int", "42",
		"--string", "hello",
		"--stringSlice", "a",
		"--stringSlice", "b",
	})
	require.NoError(t, err)

	got := strings.Join(capture.lines, "\n")
	require.Contains(t, got, "--bool=true")
	require.Contains(t, got, "--duration=5s")
	require.Contains(t, got, "--int=42")
	require.Contains(t, got, "--string=hello")
	// Flags not passed in are logged with their defaults.
	require.Contains(t, got, "--boolNotPassedIn=false")
}
