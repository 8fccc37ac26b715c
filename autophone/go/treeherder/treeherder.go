// Package treeherder reports job lifecycle and results to the results
// service. The Reporter builds job collections and queues them in the job
// store; the Submitter delivers queued collections with signed requests.
// Splitting the two keeps result production crash-safe: a collection queued
// by a worker survives restarts until it is delivered.
package treeherder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"go.skia.org/autophone/autophone/go/jobs"
	"go.skia.org/autophone/autophone/go/phonetest"
	"go.skia.org/autophone/autophone/go/s3"
	"go.skia.org/autophone/go/now"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
)

// Job states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
)

// reTmpSuffix strips the trailing tmp dir some archived builds carry in
// their path, so artifact keys group under the build proper.
var reTmpSuffix = regexp.MustCompile(`/tmp$`)

// Platform identifies the os/platform/architecture triple of a job.
type Platform struct {
	OSName       string `json:"os_name"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
}

// Artifact is a named blob attached to a job.
type Artifact struct {
	Type string      `json:"type"`
	Name string      `json:"name"`
	Blob interface{} `json:"blob"`
}

// LogReference points the results service at an uploaded log.
type LogReference struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ParseStatus string `json:"parse_status,omitempty"`
}

// JobDetail is one row of the Job Info panel.
type JobDetail struct {
	URL         string `json:"url,omitempty"`
	Value       string `json:"value"`
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
}

// JobData is the wire form of one job.
type JobData struct {
	JobGUID          string          `json:"job_guid"`
	Name             string          `json:"name"`
	JobSymbol        string          `json:"job_symbol"`
	GroupName        string          `json:"group_name"`
	GroupSymbol      string          `json:"group_symbol"`
	ProductName      string          `json:"product_name"`
	State            string          `json:"state"`
	Result           string          `json:"result,omitempty"`
	Tier             int             `json:"tier"`
	SubmitTimestamp  int64           `json:"submit_timestamp"`
	StartTimestamp   int64           `json:"start_timestamp"`
	EndTimestamp     int64           `json:"end_timestamp"`
	Machine          string          `json:"machine"`
	BuildPlatform    Platform        `json:"build_platform"`
	MachinePlatform  Platform        `json:"machine_platform"`
	OptionCollection map[string]bool `json:"option_collection"`
	LogReferences    []LogReference  `json:"log_references,omitempty"`
	Artifacts        []Artifact      `json:"artifacts,omitempty"`
}

// JobEntry wraps a job with its routing.
type JobEntry struct {
	Project      string   `json:"project"`
	RevisionHash string   `json:"revision_hash"`
	Job          *JobData `json:"job"`
}

// Collection is what gets queued and posted: a list of job entries.
type Collection []*JobEntry

// Test identifies one test item being reported.
type Test struct {
	// Instance supplies the reporting names and the device.
	Instance *phonetest.Instance

	// GUID is the job store guid of the test item.
	GUID string
}

// Completed carries everything a COMPLETED report needs beyond the identity.
type Completed struct {
	Test

	// Result is the outcome of the run.
	Result *phonetest.TestResult

	// UploadDir holds collected artifacts (ANR traces, tombstones, dumps);
	// every file in it is uploaded.
	UploadDir string

	// LogPath is the worker's log for this run.
	LogPath string

	// LogcatPath is the saved device log.
	LogcatPath string

	// UnittestLogPath is the structured unittest log, preferred as the
	// parseable log when present.
	UnittestLogPath string
}

// Reporter builds job collections and queues them for delivery. A Reporter
// with an empty url is disabled and queues nothing, so callers never need to
// guard their submit calls.
type Reporter struct {
	url    string
	tier   int
	store  *jobs.Store
	bucket *s3.Bucket
	host   string

	// Submit and start times are remembered per guid so the COMPLETED
	// report spans the whole pending-to-done interval.
	mtx         sync.Mutex
	submitTimes map[string]int64
	startTimes  map[string]int64
}

// New returns a Reporter. bucket may be nil, in which case no artifacts are
// uploaded. An empty urlStr disables the reporter.
func New(store *jobs.Store, bucket *s3.Bucket, urlStr string, tier int) *Reporter {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Reporter{
		url:         urlStr,
		tier:        tier,
		store:       store,
		bucket:      bucket,
		host:        host,
		submitTimes: map[string]int64{},
		startTimes:  map[string]int64{},
	}
}

// Enabled returns true if the reporter has somewhere to report to.
func (r *Reporter) Enabled() bool {
	return r.url != ""
}

// baseJob fills the fields every state shares.
func (r *Reporter) baseJob(t Test, machine, project, buildURL string) *JobData {
	device := t.Instance.Device
	platform := Platform{
		OSName:       "android",
		Platform:     device.Platform(),
		Architecture: device.Architecture(),
	}
	return &JobData{
		JobGUID:          t.GUID,
		Name:             t.Instance.JobName,
		JobSymbol:        t.Instance.Symbol(),
		GroupName:        t.Instance.GroupName,
		GroupSymbol:      t.Instance.GroupSymbol,
		ProductName:      "fennec",
		Tier:             r.tier,
		Machine:          machine,
		BuildPlatform:    platform,
		MachinePlatform:  platform,
		OptionCollection: map[string]bool{"opt": true},
		Artifacts: []Artifact{
			{Type: "json", Name: "buildapi", Blob: map[string]string{
				"buildername": t.Instance.Buildername(project),
			}},
			{Type: "json", Name: "privatebuild", Blob: map[string]interface{}{
				"build_url":   buildURL,
				"config_file": t.Instance.ConfigFile,
				"chunk":       t.Instance.Chunk,
			}},
		},
	}
}

// queue serializes the collection into the delivery queue.
func (r *Reporter) queue(ctx context.Context, machine, project string, collection Collection) error {
	payload, err := jsonMarshal(collection)
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(r.store.QueueSubmission(ctx, machine, project, payload))
}

// SubmitPending queues PENDING reports for the given tests.
func (r *Reporter) SubmitPending(ctx context.Context, machine, buildURL, project, revisionHash string, tests []Test) error {
	if !r.Enabled() || revisionHash == "" || len(tests) == 0 {
		return nil
	}
	ts := now.Now(ctx).Unix()
	collection := Collection{}
	for _, t := range tests {
		sklog.Infof("Creating job %s for %s %s, revision_hash: %s", t.GUID, t.Instance.Name(), project, revisionHash)
		r.mtx.Lock()
		r.submitTimes[t.GUID] = ts
		r.mtx.Unlock()
		job := r.baseJob(t, machine, project, buildURL)
		job.State = StatePending
		job.SubmitTimestamp = ts
		collection = append(collection, &JobEntry{Project: project, RevisionHash: revisionHash, Job: job})
	}
	return r.queue(ctx, machine, project, collection)
}

// SubmitRunning queues RUNNING reports for the given tests.
func (r *Reporter) SubmitRunning(ctx context.Context, machine, buildURL, project, revisionHash string, tests []Test) error {
	if !r.Enabled() || revisionHash == "" || len(tests) == 0 {
		return nil
	}
	ts := now.Now(ctx).Unix()
	collection := Collection{}
	for _, t := range tests {
		r.mtx.Lock()
		submit, ok := r.submitTimes[t.GUID]
		if !ok {
			submit = ts
			r.submitTimes[t.GUID] = submit
		}
		r.startTimes[t.GUID] = ts
		r.mtx.Unlock()
		job := r.baseJob(t, machine, project, buildURL)
		job.State = StateRunning
		job.SubmitTimestamp = submit
		job.StartTimestamp = ts
		collection = append(collection, &JobEntry{Project: project, RevisionHash: revisionHash, Job: job})
	}
	return r.queue(ctx, machine, project, collection)
}

// SubmitComplete uploads artifacts and queues COMPLETED reports. Upload
// failures do not stop the report; they are noted in the job details and
// aggregated into the returned error so the caller can raise them.
func (r *Reporter) SubmitComplete(ctx context.Context, machine, buildURL, project, revisionHash string, tests []Completed) error {
	if !r.Enabled() || revisionHash == "" || len(tests) == 0 {
		return nil
	}
	end := now.Now(ctx).Unix()
	var uploadErrs error
	collection := Collection{}
	for _, t := range tests {
		r.mtx.Lock()
		submit, ok := r.submitTimes[t.GUID]
		if !ok {
			submit = end
		}
		start, ok := r.startTimes[t.GUID]
		if !ok {
			// A cancelled job may never have started.
			start = end
		}
		delete(r.submitTimes, t.GUID)
		delete(r.startTimes, t.GUID)
		r.mtx.Unlock()

		job := r.baseJob(t.Test, machine, project, buildURL)
		job.State = StateCompleted
		job.Result = string(t.Result.Status)
		job.SubmitTimestamp = submit
		job.StartTimestamp = start
		job.EndTimestamp = end

		details := []JobDetail{
			{Value: filepath.Base(t.Instance.ConfigFile), ContentType: "text", Title: "Config"},
			{URL: buildURL, Value: filepath.Base(buildURL), ContentType: "link", Title: "Build"},
			{Value: r.host, ContentType: "text", Title: "Host"},
		}
		failed := fmt.Sprintf("%d", len(t.Result.Failures))
		if len(t.Result.Failures) > 0 {
			failed = fmt.Sprintf(`<em class="testfail">%d</em>`, len(t.Result.Failures))
		}
		details = append(details, JobDetail{
			Value:       fmt.Sprintf("%d/%s/0", len(t.Result.Passes), failed),
			ContentType: "raw_html",
			Title:       fmt.Sprintf("%s-%s", t.Instance.JobName, t.Instance.Symbol()),
		})

		logURL, logName := r.uploadArtifacts(ctx, machine, buildURL, t, job, &details, &uploadErrs)

		errorLines := []map[string]interface{}{}
		for _, failure := range t.Result.Failures {
			line := failureLine(failure)
			if line == "" {
				continue
			}
			errorLines = append(errorLines, map[string]interface{}{"line": line, "linenumber": 1})
		}
		textLogSummary := map[string]interface{}{
			"header": map[string]string{
				"slave":    machine,
				"revision": revisionHash,
			},
			"step_data": map[string]interface{}{
				"all_errors": errorLines,
				"steps": []map[string]interface{}{{
					"name":                "step",
					"started_linenumber":  1,
					"finished_linenumber": 1,
					"duration":            end - start,
					"finished":            time.Unix(end, 0).UTC().Format("2006-01-02 15:04:05"),
					"errors":              errorLines,
					"error_count":         len(errorLines),
					"order":               0,
					"result":              string(t.Result.Status),
				}},
				"errors_truncated": false,
			},
			"logurl":  logURL,
			"logname": logName,
		}
		job.Artifacts = append(job.Artifacts,
			Artifact{Type: "json", Name: "text_log_summary", Blob: textLogSummary},
			Artifact{Type: "json", Name: "Job Info", Blob: map[string]interface{}{"job_details": details}},
		)
		sklog.Infof("TestResult: %s %s %s", t.Result.Status, t.Instance.Name(), buildURL)
		collection = append(collection, &JobEntry{Project: project, RevisionHash: revisionHash, Job: job})
	}
	if err := r.queue(ctx, machine, project, collection); err != nil {
		return err
	}
	return uploadErrs
}

// uploadArtifacts pushes the run's logs and collected files to S3, appends
// a job detail per outcome, and returns the url and name of the parseable
// log: the unittest log when present, the run log otherwise.
func (r *Reporter) uploadArtifacts(ctx context.Context, machine, buildURL string, t Completed, job *JobData, details *[]JobDetail, uploadErrs *error) (string, string) {
	if r.bucket == nil {
		return "", ""
	}
	logIdentifier := fmt.Sprintf("%s-%s-%d-%s",
		t.Instance.Name(), filepath.Base(t.Instance.ConfigFile), t.Instance.Chunk, machine)
	if t.UnittestLogPath != "" {
		logIdentifier = strings.TrimSuffix(filepath.Base(t.UnittestLogPath), filepath.Ext(t.UnittestLogPath))
	}
	// Guarantee unique keys across retries of the same test.
	logIdentifier = fmt.Sprintf("%s-%s", logIdentifier, t.GUID)
	keyPrefix := "autophone"
	if parsed, err := url.Parse(buildURL); err == nil {
		keyPrefix = strings.TrimPrefix(reTmpSuffix.ReplaceAllString(filepath.Dir(parsed.Path), ""), "/")
	}

	upload := func(path, key, linkName string) string {
		uploaded, err := r.bucket.Upload(ctx, path, key)
		if err != nil {
			sklog.Errorf("Error uploading %s: %s", path, err)
			*uploadErrs = multierror.Append(*uploadErrs, err)
			*details = append(*details, JobDetail{
				Value:       fmt.Sprintf("Failed to upload %s: %s", filepath.Base(path), err),
				ContentType: "text",
				Title:       "Error",
			})
			return ""
		}
		*details = append(*details, JobDetail{
			URL:         uploaded,
			Value:       linkName,
			ContentType: "link",
			Title:       "artifact uploaded",
		})
		return uploaded
	}

	if t.LogcatPath != "" {
		upload(t.LogcatPath, fmt.Sprintf("%s/%s-logcat.log", keyPrefix, logIdentifier), "logcat")
	}
	if t.UploadDir != "" {
		files, err := filepath.Glob(filepath.Join(t.UploadDir, "*"))
		if err == nil {
			for _, f := range files {
				name := filepath.Base(f)
				upload(f, fmt.Sprintf("%s/%s-%s", keyPrefix, logIdentifier, name), name)
			}
		}
	}

	// Only one log reference: multiple log buttons crowd out the retrigger
	// button in the UI.
	logURL := ""
	logName := ""
	if t.UnittestLogPath != "" {
		name := fmt.Sprintf("%s.log", logIdentifier)
		if uploaded := upload(t.UnittestLogPath, fmt.Sprintf("%s/%s", keyPrefix, name), filepath.Base(t.UnittestLogPath)); uploaded != "" {
			logURL = uploaded
			logName = filepath.Base(t.UnittestLogPath)
			job.LogReferences = append(job.LogReferences, LogReference{Name: name, URL: uploaded, ParseStatus: "parsed"})
		}
	}
	if t.LogPath != "" {
		name := fmt.Sprintf("%s-autophone.log", logIdentifier)
		if uploaded := upload(t.LogPath, fmt.Sprintf("%s/%s", keyPrefix, name), "Autophone Log"); uploaded != "" && logURL == "" {
			logURL = uploaded
			logName = name
			job.LogReferences = append(job.LogReferences, LogReference{Name: name, URL: uploaded, ParseStatus: "parsed"})
		}
	}
	return logURL, logName
}

func jsonMarshal(collection Collection) (string, error) {
	b, err := json.Marshal(collection)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// failureLine renders one failure as a log parser style error line.
func failureLine(f phonetest.Failure) string {
	switch {
	case f.Status != "" && f.Test != "" && f.Text != "":
		return fmt.Sprintf("%s | %s | %s", f.Status, f.Test, f.Text)
	case f.Test != "" && f.Text != "":
		return fmt.Sprintf("%s | %s", f.Test, f.Text)
	default:
		return f.Text
	}
}
