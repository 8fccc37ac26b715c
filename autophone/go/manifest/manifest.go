// Package manifest reads the test manifest: the INI file enumerating which
// test classes run, with which config files, on which devices.
package manifest

import (
	"strings"

	"gopkg.in/ini.v1"

	"go.skia.org/autophone/go/skerr"
)

// configKey and unittestsKey are the recognized keys of a manifest section.
// Every other key is a device id whose value is the repo list that device
// runs the test for.
const (
	configKey    = "config"
	unittestsKey = "unittests"
)

// TestSpec is one manifest section: a test class plus its config files and
// optional device restrictions.
//
//	[autophone-smoke]
//	config = ../configs/smoketest_settings.ini
//	nexus-s-1 = mozilla-central mozilla-inbound
//
// A test is runnable on device D for a build from repo R iff Devices is
// empty or contains D, and D's repo list is empty or contains R.
type TestSpec struct {
	// Name is the section name and doubles as the test name requested by try
	// pushes.
	Name string

	// ConfigFiles are the space separated values of the config key.
	ConfigFiles []string

	// EnableUnittests marks tests that need the build's test archive
	// downloaded alongside the apk.
	EnableUnittests bool

	// Devices maps a device id to the repos it runs this test for. An empty
	// repo list means every repo.
	Devices map[string][]string
}

// RunnableOn returns true if the spec allows the device to run this test
// for a build from repo.
func (s TestSpec) RunnableOn(deviceID, repo string) bool {
	if len(s.Devices) == 0 {
		return true
	}
	repos, ok := s.Devices[deviceID]
	if !ok {
		return false
	}
	if len(repos) == 0 {
		return true
	}
	for _, r := range repos {
		if r == repo {
			return true
		}
	}
	return false
}

// Read parses the manifest at path.
func Read(path string) ([]TestSpec, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, skerr.Wrapf(err, "reading %s", path)
	}
	ret := []TestSpec{}
	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		spec := TestSpec{
			Name:    section.Name(),
			Devices: map[string][]string{},
		}
		for _, key := range section.Keys() {
			switch key.Name() {
			case configKey:
				spec.ConfigFiles = strings.Fields(key.String())
			case unittestsKey:
				spec.EnableUnittests = key.MustBool(false)
			default:
				spec.Devices[key.Name()] = strings.Fields(key.String())
			}
		}
		if len(spec.ConfigFiles) == 0 {
			return nil, skerr.Fmt("test %q in %s has no config files", spec.Name, path)
		}
		ret = append(ret, spec)
	}
	if len(ret) == 0 {
		return nil, skerr.Fmt("%s names no tests", path)
	}
	return ret, nil
}
