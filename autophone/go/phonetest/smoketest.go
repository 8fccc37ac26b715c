package phonetest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/go/now"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
)

const (
	// smokeDeadline bounds both the wait for the application process and the
	// wait for the throbber.
	smokeDeadline = 60 * time.Second

	// smokePollInterval is the pause between polls.
	smokePollInterval = 3 * time.Second

	// throbberStop in the device log marks a completed page load.
	throbberStop = "Throbber stop"
)

func init() {
	Register("smoketest", func(inst *Instance) Runner {
		return &SmokeTest{inst: inst, result: NewTestResult()}
	})
}

// SmokeTest launches the browser at its internal start page and declares
// success when the page load completes, as observed in the device log. It is
// the cheapest possible end to end check of a build.
type SmokeTest struct {
	inst   *Instance
	result *TestResult
}

// SetupJob implements Runner.
func (s *SmokeTest) SetupJob(ctx context.Context, env *Env) error {
	if err := env.DM.ClearLogcat(ctx); err != nil {
		return skerr.Wrapf(err, "clearing device log")
	}
	return nil
}

// RunJob implements Runner.
func (s *SmokeTest) RunJob(ctx context.Context, env *Env) (bool, error) {
	env.UpdateStatus("Running smoketest")
	appName := env.Build.AppName

	sklog.Debugf("Launching %s", appName)
	launchCmd := fmt.Sprintf(
		"am start -a android.intent.action.VIEW -n %s/org.mozilla.gecko.BrowserApp -d about:fennec",
		appName)
	if _, err := env.DM.Shell(ctx, launchCmd, false); err != nil {
		return false, skerr.Wrapf(err, "launching %s", appName)
	}

	var interrupt *Interrupt
	start := now.Now(ctx)
	launched, err := env.DM.ProcessExist(ctx, appName)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	for !launched && now.Now(ctx).Sub(start) <= smokeDeadline {
		if interrupt = env.CheckCommands(ctx); interrupt != nil {
			break
		}
		if err := sleepCtx(ctx, smokePollInterval); err != nil {
			return false, err
		}
		launched, err = env.DM.ProcessExist(ctx, appName)
		if err != nil {
			return false, skerr.Wrap(err)
		}
	}

	foundThrobber := false
	if launched && interrupt == nil {
		foundThrobber, err = s.checkThrobber(ctx, env)
		if err != nil {
			return false, err
		}
		for !foundThrobber && now.Now(ctx).Sub(start) <= smokeDeadline {
			if interrupt = env.CheckCommands(ctx); interrupt != nil {
				break
			}
			if err := sleepCtx(ctx, smokePollInterval); err != nil {
				return false, err
			}
			foundThrobber, err = s.checkThrobber(ctx, env)
			if err != nil {
				return false, err
			}
		}
	}

	completed := true
	switch {
	case interrupt != nil:
		completed = false
		s.result.AddFailure(s.inst.Name(), "TEST-UNEXPECTED-FAIL", interrupt.Reason, interrupt.Result)
	case !launched:
		s.result.AddFailure(s.inst.Name(), "TEST-UNEXPECTED-FAIL",
			"Failed to launch application", types.ResultBusted)
	case !foundThrobber:
		s.result.AddFailure(s.inst.Name(), "TEST-UNEXPECTED-FAIL",
			"Failed to find Throbber", types.ResultTestFailed)
	default:
		s.result.AddPass(s.inst.Name())
	}

	if launched {
		sklog.Debugf("Killing %s", appName)
		if err := env.DM.Pkill(ctx, appName); err != nil {
			sklog.Warningf("Failed killing %s: %s", appName, err)
		}
	}
	s.removeSessionStore(ctx, env)
	return completed, nil
}

// TeardownJob implements Runner.
func (s *SmokeTest) TeardownJob(ctx context.Context, env *Env) error {
	return nil
}

// Result implements Runner.
func (s *SmokeTest) Result() *TestResult {
	return s.result
}

func (s *SmokeTest) checkThrobber(ctx context.Context, env *Env) (bool, error) {
	lines, err := env.DM.Logcat(ctx)
	if err != nil {
		return false, skerr.Wrapf(err, "reading device log")
	}
	for _, line := range lines {
		if strings.Contains(line, throbberStop) {
			return true, nil
		}
	}
	return false, nil
}

// removeSessionStore deletes the browser's session restore files so the next
// launch does not prompt about the killed session.
func (s *SmokeTest) removeSessionStore(ctx context.Context, env *Env) {
	pattern := fmt.Sprintf("/data/data/%s/files/mozilla/*/sessionstore*", env.Build.AppName)
	if _, err := env.DM.Shell(ctx, "rm -f "+pattern, true); err != nil {
		sklog.Debugf("Failed removing sessionstore files: %s", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return skerr.Wrap(ctx.Err())
	case <-time.After(d):
		return nil
	}
}
