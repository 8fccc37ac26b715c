// Package devices reads the devices INI file that assigns fleet names to
// adb serial numbers.
package devices

import (
	"gopkg.in/ini.v1"

	"go.skia.org/autophone/go/skerr"
)

// Config is one entry of the devices file: a section per device, named by the
// fleet id, with the serial number and an optional on-device test directory.
//
//	[nexus-s-1]
//	serialno = 0123456789ABCDEF
//	test_root = /mnt/sdcard/tests
type Config struct {
	Name     string
	Serial   string
	TestRoot string
}

// Read returns every device in the file, in file order.
func Read(path string) ([]Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, skerr.Wrapf(err, "reading %s", path)
	}
	ret := []Config{}
	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		dc, err := fromSection(section)
		if err != nil {
			return nil, skerr.Wrapf(err, "in %s", path)
		}
		ret = append(ret, dc)
	}
	if len(ret) == 0 {
		return nil, skerr.Fmt("%s names no devices", path)
	}
	return ret, nil
}

// ReadOne returns the single named device, re-reading the file so operators
// can add sections while the daemon runs.
func ReadOne(path, name string) (Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return Config{}, skerr.Wrapf(err, "reading %s", path)
	}
	section, err := cfg.GetSection(name)
	if err != nil {
		return Config{}, skerr.Fmt("%s has no device %q", path, name)
	}
	dc, err := fromSection(section)
	if err != nil {
		return Config{}, skerr.Wrapf(err, "in %s", path)
	}
	return dc, nil
}

func fromSection(section *ini.Section) (Config, error) {
	serial := section.Key("serialno").String()
	if serial == "" {
		return Config{}, skerr.Fmt("device %q has no serialno", section.Name())
	}
	return Config{
		Name:     section.Name(),
		Serial:   serial,
		TestRoot: section.Key("test_root").String(),
	}, nil
}
