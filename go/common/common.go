// Package common handles program initialization: flag parsing, logging, and
// metrics. Import only from package main.
package common

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"go.skia.org/autophone/go/metrics2"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
	"go.skia.org/autophone/go/sklog/filelogging"
	"go.skia.org/autophone/go/sklog/sklogimpl"
)

// logRetentionDays is how many rotated daily logs FileLoggingOpt keeps.
const logRetentionDays = 7

// Opt represents the initialization parameters for a single init service.
//
// Some initializations are order dependent, and each app wants a different
// subset of options, so each optional piece is encapsulated in its own Opt
// which InitWith runs in order:
//
//	0 - base
//	1 - file logging
//	2 - config overlay
//	3 - prometheus
type Opt interface {
	// order is the sort order that Opts are executed in.
	order() int
	preinit(appName string) error
	init(appName string) error
}

// optSlice is a utility type for sorting Opts by order().
type optSlice []Opt

func (p optSlice) Len() int           { return len(p) }
func (p optSlice) Less(i, j int) bool { return p[i].order() < p[j].order() }
func (p optSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

// baseInitOpt is always constructed internally and runs first.
type baseInitOpt struct{}

func (b *baseInitOpt) preinit(appName string) error {
	flag.Parse()
	return nil
}

func (b *baseInitOpt) init(appName string) error {
	flag.VisitAll(func(f *flag.Flag) {
		sklog.Infof("Flags: --%s=%v", f.Name, f.Value)
	})
	sklog.Infof("Running %s as %d:%d", appName, os.Getuid(), os.Getgid())
	return nil
}

func (b *baseInitOpt) order() int {
	return 0
}

// fileLoggingInitOpt implements Opt for the rotating logfile.
type fileLoggingInitOpt struct {
	logfile  *string
	loglevel *string
}

// FileLoggingOpt creates an Opt to send logs to a daily-rotating file when
// passed to InitWith. An empty logfile leaves the default stderr backend in
// place. Secrets to elide can be added later with SetLogSecrets, once
// configuration has been loaded.
func FileLoggingOpt(logfile, loglevel *string) Opt {
	return &fileLoggingInitOpt{
		logfile:  logfile,
		loglevel: loglevel,
	}
}

// installedFileLogger is non-nil after FileLoggingOpt installed a backend.
var installedFileLogger *filelogging.Logger

func (o *fileLoggingInitOpt) preinit(appName string) error {
	return nil
}

func (o *fileLoggingInitOpt) init(appName string) error {
	if *o.logfile == "" {
		return nil
	}
	sev, err := filelogging.ParseSeverity(*o.loglevel)
	if err != nil {
		return skerr.Wrap(err)
	}
	l, err := filelogging.New(*o.logfile, sev, logRetentionDays, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	installedFileLogger = l
	sklogimpl.SetLogger(l)
	return nil
}

func (o *fileLoggingInitOpt) order() int {
	return 1
}

// SetLogSecrets registers credential strings to be elided from every log
// line. No-op when file logging is not installed.
func SetLogSecrets(secrets ...string) {
	if installedFileLogger != nil {
		installedFileLogger.SetSecrets(secrets)
	}
}

// configInitOpt implements Opt for a configuration overlay.
type configInitOpt struct {
	load func() error
}

// ConfigOpt creates an Opt that runs load once flags have been parsed and
// before logging and metrics read their settings, so a config file overlay
// applied by load is visible to them.
func ConfigOpt(load func() error) Opt {
	return &configInitOpt{load: load}
}

func (o *configInitOpt) preinit(appName string) error {
	return o.load()
}

func (o *configInitOpt) init(appName string) error {
	return nil
}

func (o *configInitOpt) order() int {
	return 2
}

// promInitOpt implements Opt for Prometheus.
type promInitOpt struct {
	port *string
}

// PrometheusOpt creates an Opt to initialize Prometheus metrics when passed
// to InitWith.
func PrometheusOpt(port *string) Opt {
	return &promInitOpt{
		port: port,
	}
}

func (o *promInitOpt) preinit(appName string) error {
	metrics2.InitPrometheus(*o.port)
	return nil
}

func (o *promInitOpt) init(appName string) error {
	// App uptime.
	_ = metrics2.NewLiveness("uptime", nil)
	return nil
}

func (o *promInitOpt) order() int {
	return 3
}

// InitWith takes Opts and initializes each service.
func InitWith(appName string, opts ...Opt) error {
	opts = append(opts, &baseInitOpt{})

	sort.Sort(optSlice(opts))

	for i := 0; i < len(opts)-1; i++ {
		if opts[i].order() == opts[i+1].order() {
			return fmt.Errorf("Only one of each type of Opt can be used.")
		}
	}

	for _, o := range opts {
		if err := o.preinit(appName); err != nil {
			return err
		}
	}
	for _, o := range opts {
		if err := o.init(appName); err != nil {
			return err
		}
	}
	sklog.Flush()
	return nil
}

// InitWithMust calls InitWith and fails fatally if an error is encountered.
func InitWithMust(appName string, opts ...Opt) {
	if err := InitWith(appName, opts...); err != nil {
		sklog.Fatalf("Failed to initialize: %s", err)
	}
}
