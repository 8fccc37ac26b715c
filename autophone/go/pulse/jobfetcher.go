package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/util"
)

// jobFetcher resolves the job id in a job action message back into the full
// job record and its private build artifact. The results service is the
// only source for both.
type jobFetcher struct {
	url    string
	client *http.Client
}

func newJobFetcher(urlStr string) *jobFetcher {
	return &jobFetcher{
		url:    strings.TrimRight(urlStr, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// thJob is the subset of a results service job record needed to route an
// action.
type thJob struct {
	JobGUID        string       `json:"job_guid"`
	MachineName    string       `json:"machine_name"`
	Platform       string       `json:"platform"`
	PlatformOption string       `json:"platform_option"`
	JobGroupName   string       `json:"job_group_name"`
	JobGroupSymbol string       `json:"job_group_symbol"`
	JobTypeName    string       `json:"job_type_name"`
	JobTypeSymbol  string       `json:"job_type_symbol"`
	Result         string       `json:"result"`
	Artifacts      []thArtifact `json:"artifacts"`
}

type thArtifact struct {
	Name        string `json:"name"`
	ResourceURI string `json:"resource_uri"`
}

// privateBuildBlob identifies the build and test item a job ran.
type privateBuildBlob struct {
	BuildURL   string `json:"build_url"`
	ConfigFile string `json:"config_file"`
	Chunk      int    `json:"chunk"`
}

func (f *jobFetcher) getJSON(ctx context.Context, urlStr string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return skerr.Wrapf(err, "fetching %s", urlStr)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return skerr.Fmt("fetching %s returned %s", urlStr, resp.Status)
	}
	return skerr.Wrap(json.NewDecoder(resp.Body).Decode(dst))
}

func (f *jobFetcher) job(ctx context.Context, project string, jobID int64) (*thJob, error) {
	job := &thJob{}
	if err := f.getJSON(ctx, fmt.Sprintf("%s/api/project/%s/jobs/%d/", f.url, project, jobID), job); err != nil {
		return nil, err
	}
	return job, nil
}

// privateBuild follows the job's privatebuild artifact link.
func (f *jobFetcher) privateBuild(ctx context.Context, job *thJob) (*privateBuildBlob, error) {
	for _, artifact := range job.Artifacts {
		if artifact.Name != "privatebuild" {
			continue
		}
		var wrapper struct {
			Blob privateBuildBlob `json:"blob"`
		}
		if err := f.getJSON(ctx, f.url+artifact.ResourceURI, &wrapper); err != nil {
			return nil, err
		}
		return &wrapper.Blob, nil
	}
	return nil, skerr.Fmt("job %s has no privatebuild artifact", job.JobGUID)
}
