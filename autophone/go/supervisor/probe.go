package supervisor

import (
	"context"
	"strconv"

	"go.skia.org/autophone/autophone/go/devctl"
	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/go/skerr"
)

// ProbeADB is the production Prober: it reads the device's identity
// properties over adb and keeps the screen on so the device stays
// testable. The sdk levels collapse onto the three build flavors that
// actually exist.
func ProbeADB(ctx context.Context, name, serial, testRoot string) (types.Device, error) {
	dm, err := devctl.NewADB(ctx, serial)
	if err != nil {
		return types.Device{}, skerr.Wrap(err)
	}
	if err := dm.PowerOn(ctx); err != nil {
		return types.Device{}, skerr.Wrapf(err, "powering on %s", serial)
	}
	osVersion, err := dm.GetProp(ctx, "ro.build.version.release")
	if err != nil {
		return types.Device{}, skerr.Wrap(err)
	}
	hardware, err := dm.GetProp(ctx, "ro.product.model")
	if err != nil {
		return types.Device{}, skerr.Wrap(err)
	}
	abi, err := dm.GetProp(ctx, "ro.product.cpu.abi")
	if err != nil {
		return types.Device{}, skerr.Wrap(err)
	}
	sdkProp, err := dm.GetProp(ctx, "ro.build.version.sdk")
	if err != nil {
		return types.Device{}, skerr.Wrap(err)
	}
	return types.Device{
		ID:        name,
		Serial:    serial,
		Hardware:  hardware,
		OSVersion: osVersion,
		ABI:       abi,
		SDK:       sdkLevel(sdkProp),
		TestRoot:  testRoot,
	}, nil
}

func sdkLevel(prop string) string {
	sdk, err := strconv.Atoi(prop)
	if err != nil || sdk <= 10 {
		return "api-9"
	}
	if sdk < 15 {
		return "api-11"
	}
	return "api-15"
}
