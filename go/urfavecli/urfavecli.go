// Package urfavecli contains utilities for working with urfave/cli.
package urfavecli

import (
	cli "github.com/urfave/cli/v2"

	"go.skia.org/autophone/go/sklog"
)

// LogFlags logs the name and value of every flag visible to the running
// command, mirroring what common.InitWith does for stdlib flags.
func LogFlags(c *cli.Context) {
	for _, name := range c.FlagNames() {
		sklog.Infof("Flags: --%s=%v", name, c.Value(name))
	}
}
