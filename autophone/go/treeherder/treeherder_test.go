package treeherder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"go.skia.org/autophone/autophone/go/jobs"
	"go.skia.org/autophone/autophone/go/phonetest"
	"go.skia.org/autophone/autophone/go/s3"
	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/go/now"
	"go.skia.org/autophone/go/testutils/unittest"
)

var baseTime = time.Date(2016, time.April, 1, 10, 0, 0, 0, time.UTC)

const (
	buildURL     = "https://archive.example.com/pub/mobile/nightly/2016/04/2016-04-01-03-02-04-mozilla-central-android-api-15/fennec-48.0a1.multi.android-arm.apk"
	project      = "mozilla-central"
	revisionHash = "49a1f2e8c70b"
)

// fakeS3 records uploads so artifact keys can be asserted.
type fakeS3 struct {
	objects map[string][]byte
	fail    bool
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error) {
	return &awss3.HeadBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	if f.fail {
		return nil, io.ErrClosedPipe
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(params.Key)] = body
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	return &awss3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	return &awss3.DeleteObjectOutput{}, nil
}

func testInstance() *phonetest.Instance {
	return &phonetest.Instance{
		Class:      "smoketest",
		ConfigFile: "/etc/autophone/smoketest_settings.ini",
		Chunk:      1,
		Chunks:     1,
		Device: types.Device{
			ID:        "nexus-s-1",
			OSVersion: "4.1.2",
			ABI:       "armeabi-v7a",
			SDK:       "api-15",
		},
		JobName:     "Autophone Smoketest",
		JobSymbol:   "s",
		GroupName:   "Autophone",
		GroupSymbol: "A",
	}
}

func newStore(t *testing.T) (*jobs.Store, *now.TimeTravelCtx) {
	ctx := now.NewTimeTravelCtx(baseTime)
	s, err := jobs.Open(ctx, filepath.Join(t.TempDir(), "jobs.sqlite"), false, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s, ctx
}

// claimCollection pops the queued submission and decodes its payload.
func claimCollection(t *testing.T, ctx context.Context, store *jobs.Store) (*jobs.Submission, Collection) {
	sub, err := store.ClaimNextSubmission(ctx)
	require.NoError(t, err)
	require.NotNil(t, sub)
	collection := Collection{}
	require.NoError(t, json.Unmarshal([]byte(sub.Payload), &collection))
	require.NoError(t, store.SubmissionCompleted(ctx, sub.ID))
	return sub, collection
}

func TestHawkAuthHeader(t *testing.T) {
	unittest.SmallTest(t)

	body := []byte(`[{"project":"mozilla-central"}]`)
	header, err := hawkAuthHeader("autophone", "sekrit", "POST",
		"https://treeherder.mozilla.org/api/project/mozilla-central/jobs/",
		"application/json", body, 1459504800, "abcd1234")
	require.NoError(t, err)
	require.Contains(t, header, `Hawk id="autophone"`)
	require.Contains(t, header, `ts="1459504800"`)
	require.Contains(t, header, `nonce="abcd1234"`)
	require.Contains(t, header, `hash="`)
	require.Contains(t, header, `mac="`)

	// Deterministic for fixed inputs.
	again, err := hawkAuthHeader("autophone", "sekrit", "POST",
		"https://treeherder.mozilla.org/api/project/mozilla-central/jobs/",
		"application/json", body, 1459504800, "abcd1234")
	require.NoError(t, err)
	require.Equal(t, header, again)

	// Body and secret both feed the signature.
	otherBody, err := hawkAuthHeader("autophone", "sekrit", "POST",
		"https://treeherder.mozilla.org/api/project/mozilla-central/jobs/",
		"application/json", []byte("[]"), 1459504800, "abcd1234")
	require.NoError(t, err)
	require.NotEqual(t, header, otherBody)
	otherSecret, err := hawkAuthHeader("autophone", "hunter2", "POST",
		"https://treeherder.mozilla.org/api/project/mozilla-central/jobs/",
		"application/json", body, 1459504800, "abcd1234")
	require.NoError(t, err)
	require.NotEqual(t, header, otherSecret)
}

func TestReporterDisabled(t *testing.T) {
	unittest.SmallTest(t)

	r := New(nil, nil, "", 3)
	require.False(t, r.Enabled())
	// A disabled reporter queues nothing and never touches the store.
	require.NoError(t, r.SubmitPending(context.Background(), "nexus-s-1", buildURL, project, revisionHash,
		[]Test{{Instance: testInstance(), GUID: "guid-1"}}))
}

func TestReporterLifecycle(t *testing.T) {
	unittest.MediumTest(t)

	store, ctx := newStore(t)
	r := New(store, nil, "https://treeherder.mozilla.org", 3)
	inst := testInstance()
	tests := []Test{{Instance: inst, GUID: "guid-1"}}

	require.NoError(t, r.SubmitPending(ctx, "nexus-s-1", buildURL, project, revisionHash, tests))
	sub, collection := claimCollection(t, ctx, store)
	require.Equal(t, "nexus-s-1", sub.Machine)
	require.Equal(t, project, sub.Project)
	require.Len(t, collection, 1)
	entry := collection[0]
	require.Equal(t, project, entry.Project)
	require.Equal(t, revisionHash, entry.RevisionHash)
	require.Equal(t, StatePending, entry.Job.State)
	require.Equal(t, "guid-1", entry.Job.JobGUID)
	require.Equal(t, "fennec", entry.Job.ProductName)
	require.Equal(t, 3, entry.Job.Tier)
	require.Equal(t, baseTime.Unix(), entry.Job.SubmitTimestamp)
	require.Equal(t, Platform{
		OSName:       "android",
		Platform:     "android-4-1-armv7-api-15",
		Architecture: "armv7",
	}, entry.Job.BuildPlatform)
	require.True(t, entry.Job.OptionCollection["opt"])
	require.Len(t, entry.Job.Artifacts, 2)
	require.Equal(t, "buildapi", entry.Job.Artifacts[0].Name)
	require.Equal(t,
		map[string]interface{}{"buildername": "android-4-1-armv7-api-15 mozilla-central opt smoketest"},
		entry.Job.Artifacts[0].Blob)

	// RUNNING keeps the original submit time.
	ctx.SetTime(baseTime.Add(time.Minute))
	require.NoError(t, r.SubmitRunning(ctx, "nexus-s-1", buildURL, project, revisionHash, tests))
	_, collection = claimCollection(t, ctx, store)
	require.Equal(t, StateRunning, collection[0].Job.State)
	require.Equal(t, baseTime.Unix(), collection[0].Job.SubmitTimestamp)
	require.Equal(t, baseTime.Add(time.Minute).Unix(), collection[0].Job.StartTimestamp)

	// COMPLETED spans the whole interval and reports the result.
	ctx.SetTime(baseTime.Add(3 * time.Minute))
	result := phonetest.NewTestResult()
	result.AddPass("testSmoke")
	require.NoError(t, r.SubmitComplete(ctx, "nexus-s-1", buildURL, project, revisionHash,
		[]Completed{{Test: tests[0], Result: result}}))
	_, collection = claimCollection(t, ctx, store)
	job := collection[0].Job
	require.Equal(t, StateCompleted, job.State)
	require.Equal(t, string(types.ResultSuccess), job.Result)
	require.Equal(t, baseTime.Unix(), job.SubmitTimestamp)
	require.Equal(t, baseTime.Add(time.Minute).Unix(), job.StartTimestamp)
	require.Equal(t, baseTime.Add(3*time.Minute).Unix(), job.EndTimestamp)

	var names []string
	for _, a := range job.Artifacts {
		names = append(names, a.Name)
	}
	require.Equal(t, []string{"buildapi", "privatebuild", "text_log_summary", "Job Info"}, names)
}

func TestSubmitCompleteUploads(t *testing.T) {
	unittest.MediumTest(t)

	store, ctx := newStore(t)
	fake := &fakeS3{}
	bucket := s3.NewFromClient(fake, "autophone-logs")
	r := New(store, bucket, "https://treeherder.mozilla.org", 3)

	uploadDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(uploadDir, "traces.txt"), []byte("anr"), 0644))
	logcat := filepath.Join(t.TempDir(), "logcat.log")
	require.NoError(t, os.WriteFile(logcat, []byte("logcat"), 0644))
	runLog := filepath.Join(t.TempDir(), "autophone.log")
	require.NoError(t, os.WriteFile(runLog, []byte("log"), 0644))

	result := phonetest.NewTestResult()
	result.AddFailure("testSmoke", "TEST-UNEXPECTED-FAIL", "Failed to launch fennec", types.ResultBusted)
	require.NoError(t, r.SubmitComplete(ctx, "nexus-s-1", buildURL, project, revisionHash, []Completed{{
		Test:       Test{Instance: testInstance(), GUID: "guid-1"},
		Result:     result,
		UploadDir:  uploadDir,
		LogPath:    runLog,
		LogcatPath: logcat,
	}}))

	// Keys group under the build dir with a per-run identifier.
	prefix := "pub/mobile/nightly/2016/04/2016-04-01-03-02-04-mozilla-central-android-api-15/"
	id := "smoketest-smoketest_settings.ini-1-nexus-s-1-guid-1"
	require.Contains(t, fake.objects, prefix+id+"-logcat.log")
	require.Contains(t, fake.objects, prefix+id+"-traces.txt")
	require.Contains(t, fake.objects, prefix+id+"-autophone.log")

	_, collection := claimCollection(t, ctx, store)
	job := collection[0].Job
	require.Equal(t, string(types.ResultBusted), job.Result)

	// Exactly one log reference, pointing at the run log.
	require.Len(t, job.LogReferences, 1)
	require.Equal(t, bucket.URL(prefix+id+"-autophone.log"), job.LogReferences[0].URL)
	require.Equal(t, "parsed", job.LogReferences[0].ParseStatus)

	// The failure shows up as an error line in the log summary.
	var summary map[string]interface{}
	for _, a := range job.Artifacts {
		if a.Name == "text_log_summary" {
			b, err := json.Marshal(a.Blob)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(b, &summary))
		}
	}
	require.NotNil(t, summary)
	stepData := summary["step_data"].(map[string]interface{})
	errors := stepData["all_errors"].([]interface{})
	require.Len(t, errors, 1)
	require.Equal(t,
		"TEST-UNEXPECTED-FAIL | testSmoke | Failed to launch fennec",
		errors[0].(map[string]interface{})["line"])
}

func TestSubmitCompleteUploadFailure(t *testing.T) {
	unittest.MediumTest(t)

	store, ctx := newStore(t)
	bucket := s3.NewFromClient(&fakeS3{fail: true}, "autophone-logs")
	r := New(store, bucket, "https://treeherder.mozilla.org", 3)

	logcat := filepath.Join(t.TempDir(), "logcat.log")
	require.NoError(t, os.WriteFile(logcat, []byte("logcat"), 0644))

	err := r.SubmitComplete(ctx, "nexus-s-1", buildURL, project, revisionHash, []Completed{{
		Test:       Test{Instance: testInstance(), GUID: "guid-1"},
		Result:     phonetest.NewTestResult(),
		LogcatPath: logcat,
	}})
	// The report is still queued; the upload failure is surfaced to the
	// caller and in the job details.
	require.Error(t, err)
	_, collection := claimCollection(t, ctx, store)
	job := collection[0].Job
	require.Empty(t, job.LogReferences)
	found := false
	for _, a := range job.Artifacts {
		if a.Name != "Job Info" {
			continue
		}
		b, err := json.Marshal(a.Blob)
		require.NoError(t, err)
		var info struct {
			JobDetails []JobDetail `json:"job_details"`
		}
		require.NoError(t, json.Unmarshal(b, &info))
		for _, d := range info.JobDetails {
			if d.Title == "Error" {
				found = true
			}
		}
	}
	require.True(t, found)
}

func TestSubmitterServeForever(t *testing.T) {
	unittest.MediumTest(t)

	store, ctx := newStore(t)

	received := make(chan *http.Request, 2)
	bodies := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, store.QueueSubmission(ctx, "nexus-s-1", project, `[{"project":"mozilla-central"}]`))

	s := NewSubmitter(store, srv.URL, "autophone", "sekrit", time.Second, nil)
	done := make(chan struct{})
	go func() {
		s.ServeForever(ctx)
		close(done)
	}()

	select {
	case req := <-received:
		require.Equal(t, "/api/project/mozilla-central/jobs/", req.URL.Path)
		require.Contains(t, req.Header.Get("Authorization"), `Hawk id="autophone"`)
		require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	case <-time.After(10 * time.Second):
		t.Fatal("submission was never posted")
	}
	require.Equal(t, `[{"project":"mozilla-central"}]`, <-bodies)

	s.Shutdown()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("submitter did not stop")
	}

	// The submission was marked delivered.
	sub, err := store.ClaimNextSubmission(ctx)
	require.NoError(t, err)
	require.Nil(t, sub)
}
