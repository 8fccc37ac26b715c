// autophoned is the phone fleet daemon. Run plain it is the supervisor:
// it probes the fleet, consumes build events, enqueues jobs and manages one
// worker subprocess per device. Spawned with the internal worker flag it is
// that subprocess, driving a single phone over adb.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.skia.org/autophone/autophone/go/buildcache"
	"go.skia.org/autophone/autophone/go/config"
	"go.skia.org/autophone/autophone/go/console"
	"go.skia.org/autophone/autophone/go/devctl"
	"go.skia.org/autophone/autophone/go/jobs"
	"go.skia.org/autophone/autophone/go/manifest"
	"go.skia.org/autophone/autophone/go/phonetest"
	"go.skia.org/autophone/autophone/go/pulse"
	"go.skia.org/autophone/autophone/go/s3"
	"go.skia.org/autophone/autophone/go/supervisor"
	"go.skia.org/autophone/autophone/go/treeherder"
	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/autophone/go/worker"

	"go.skia.org/autophone/go/common"
	"go.skia.org/autophone/go/emailer"
	"go.skia.org/autophone/go/sklog"
	"go.skia.org/autophone/go/util"
)

func main() {
	opts := config.New()
	opts.RegisterFlags(flag.CommandLine)
	workerID := flag.String(strings.TrimPrefix(worker.WorkerFlag, "--"), "",
		"Run as the worker subprocess for this device. Internal.")

	// The supervisor owns the metrics port; a worker claiming it too would
	// die on the bind.
	initOpts := []common.Opt{
		common.ConfigOpt(func() error {
			if err := opts.LoadConfigFile(flag.CommandLine); err != nil {
				return err
			}
			if *workerID != "" {
				opts.Logfile = workerLogfile(opts.Logfile, *workerID)
			}
			return nil
		}),
		common.FileLoggingOpt(&opts.Logfile, &opts.Loglevel),
	}
	if !workerInvocation() {
		initOpts = append(initOpts, common.PrometheusOpt(&opts.PromPort))
	}
	common.InitWithMust("autophoned", initOpts...)
	common.SetLogSecrets(opts.Secrets()...)
	if err := opts.Verify(); err != nil {
		sklog.Fatalf("Invalid configuration: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	em, err := emailer.FromConfigFile(opts.EmailCfg)
	if err != nil {
		sklog.Fatalf("Reading mail settings: %s", err)
	}
	store, err := jobs.Open(ctx, opts.JobsDB, opts.Lifo, opts.AllowDuplicateJobs, em)
	if err != nil {
		sklog.Fatalf("Opening %s: %s", opts.JobsDB, err)
	}
	defer util.Close(store)
	var bucket *s3.Bucket
	if opts.S3() {
		if bucket, err = s3.New(ctx, opts.S3UploadBucket, opts.AWSAccessKeyID, opts.AWSAccessKey); err != nil {
			sklog.Fatalf("Initializing bucket %s: %s", opts.S3UploadBucket, err)
		}
	}
	reporter := treeherder.New(store, bucket, opts.TreeherderURL, opts.TreeherderTier)

	if *workerID != "" {
		if err := runWorker(ctx, cancel, opts, store, reporter, em); err != nil {
			sklog.Fatalf("Worker %s: %s", *workerID, err)
		}
		return
	}
	if err := runSupervisor(ctx, opts, store, reporter, em); err != nil {
		sklog.Fatalf("Supervisor: %s", err)
	}
}

// runSupervisor assembles and runs the fleet: build cache server, result
// submitter, command console, event bus monitor and the supervisor itself.
func runSupervisor(ctx context.Context, opts *config.Options, store *jobs.Store, reporter *treeherder.Reporter, em *emailer.Emailer) error {
	cache, err := buildcache.NewCache(opts.CacheDir, opts.OverrideBuildDir, opts.BuildCacheSize)
	if err != nil {
		return err
	}
	cacheSrv := buildcache.NewServer(cache, opts.BuildCachePort)
	cacheSrv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cacheSrv.Shutdown(shutdownCtx); err != nil {
			sklog.Errorf("Stopping the build cache server: %s", err)
		}
	}()

	ap, err := supervisor.New(ctx, opts, store, reporter, em, supervisor.ProbeADB)
	if err != nil {
		return err
	}

	var submitter *treeherder.Submitter
	if opts.Treeherder() {
		submitter = treeherder.NewSubmitter(store, opts.TreeherderURL, opts.TreeherderClientID,
			opts.TreeherderSecret, opts.TreeherderRetryWait, em)
		go submitter.ServeForever(ctx)
	}
	var monitor *pulse.Monitor
	if opts.EnablePulse {
		monitor, err = pulse.New(pulse.Config{
			Host:          opts.PulseHost,
			User:          opts.PulseUser,
			Password:      opts.PulsePassword,
			DurableQueues: opts.PulseDurableQueue,
			TreeherderURL: opts.TreeherderURL,
			Trees:         opts.Repos,
			Platforms:     opts.Platforms,
			Buildtypes:    opts.Buildtypes,
		}, func(e types.BuildEvent) {
			ap.OnBuild(ctx, e)
		}, func(e types.JobActionEvent) {
			ap.OnJobAction(ctx, e)
		})
		if err != nil {
			return err
		}
	}
	cons, err := console.New(ap, opts.Port)
	if err != nil {
		return err
	}
	cons.Start(ctx)
	ap.Attach(monitor, cons, submitter)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		sklog.Infof("Received %s, shutting down the fleet", sig)
		ap.Shutdown()
	}()

	sklog.Infof("AutoPhone started, console on port %d", opts.Port)
	return ap.Run(ctx)
}

// runWorker is the subprocess entry point: stdin carries the boot line and
// then commands, stdout carries status messages back to the supervisor.
func runWorker(ctx context.Context, cancel context.CancelFunc, opts *config.Options, store *jobs.Store, reporter *treeherder.Reporter, em *emailer.Emailer) error {
	dec := json.NewDecoder(os.Stdin)
	boot, err := worker.ReadBootConfig(dec)
	if err != nil {
		return err
	}
	dm, err := devctl.NewADB(ctx, boot.Device.Serial)
	if err != nil {
		return err
	}
	specs, err := manifest.Read(opts.TestPath)
	if err != nil {
		return err
	}
	tests, err := phonetest.NewIndex(specs, []types.Device{boot.Device})
	if err != nil {
		// A device with no instances still answers pings and commands.
		sklog.Warningf("No test instances for %s: %s", boot.Device.ID, err)
		tests = &phonetest.Index{}
	}

	// The supervisor stops a wedged worker with SIGTERM before escalating.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	sub := worker.NewSubProcess(dm, boot, opts, store, buildcache.NewClient(opts.BuildCachePort),
		reporter, em, tests, dec, os.Stdout, opts.Logfile)
	return sub.Run(ctx)
}

// workerLogfile derives the per-device log file from the daemon's:
// autophone.log becomes autophone-nexus-s-1.log. An empty logfile stays
// empty, leaving the worker on stderr.
func workerLogfile(logfile, deviceID string) string {
	if logfile == "" {
		return ""
	}
	ext := filepath.Ext(logfile)
	return strings.TrimSuffix(logfile, ext) + "-" + deviceID + ext
}

// workerInvocation reports whether the command line carries the internal
// worker flag, before flags have been parsed.
func workerInvocation() bool {
	for _, arg := range os.Args[1:] {
		if arg == worker.WorkerFlag || strings.HasPrefix(arg, worker.WorkerFlag+"=") {
			return true
		}
	}
	return false
}
