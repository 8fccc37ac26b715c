package treeherder

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.skia.org/autophone/autophone/go/jobs"
	"go.skia.org/autophone/go/emailer"
	"go.skia.org/autophone/go/metrics2"
	"go.skia.org/autophone/go/now"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
)

const (
	// DefaultRetryWait is how long the submitter waits after a delivery
	// failure or an empty queue before trying again.
	DefaultRetryWait = 5 * time.Minute

	postTimeout = 2 * time.Minute
)

// Submitter drains queued job collections and posts them to the results
// service. A collection stays at the head of the queue until the post
// succeeds, so transient outages only delay delivery.
type Submitter struct {
	store     *jobs.Store
	url       string
	clientID  string
	secret    string
	retryWait time.Duration
	client    *http.Client
	em        *emailer.Emailer

	postSuccess metrics2.Counter
	postFailure metrics2.Counter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSubmitter returns a Submitter posting to the results service at urlStr,
// authenticating with the given Hawk credentials.
func NewSubmitter(store *jobs.Store, urlStr, clientID, secret string, retryWait time.Duration, em *emailer.Emailer) *Submitter {
	if retryWait <= 0 {
		retryWait = DefaultRetryWait
	}
	return &Submitter{
		store:       store,
		url:         strings.TrimRight(urlStr, "/"),
		clientID:    clientID,
		secret:      secret,
		retryWait:   retryWait,
		client:      &http.Client{Timeout: postTimeout},
		em:          em,
		postSuccess: metrics2.GetCounter("treeherder_post", map[string]string{"result": "success"}),
		postFailure: metrics2.GetCounter("treeherder_post", map[string]string{"result": "failure"}),
		stopCh:      make(chan struct{}),
	}
}

// ServeForever delivers queued collections until Shutdown is called or the
// context is cancelled.
func (s *Submitter) ServeForever(ctx context.Context) {
	sklog.Infof("Treeherder submitter started, posting to %s", s.url)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		sub, err := s.store.ClaimNextSubmission(ctx)
		if err != nil {
			sklog.Errorf("Error claiming submission: %s", err)
			if !s.sleep(ctx) {
				return
			}
			continue
		}
		if sub == nil {
			if !s.sleep(ctx) {
				return
			}
			continue
		}
		if err := s.post(ctx, sub); err != nil {
			s.postFailure.Inc(1)
			sklog.Errorf("Error posting submission %d for %s: %s", sub.ID, sub.Machine, err)
			s.mailFailure(sub, err)
			if !s.sleep(ctx) {
				return
			}
			continue
		}
		s.postSuccess.Inc(1)
		if err := s.store.SubmissionCompleted(ctx, sub.ID); err != nil {
			sklog.Errorf("Error completing submission %d: %s", sub.ID, err)
		}
	}
}

// Shutdown stops ServeForever. Safe to call more than once.
func (s *Submitter) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// post delivers one collection with a Hawk-signed request.
func (s *Submitter) post(ctx context.Context, sub *jobs.Submission) error {
	endpoint := fmt.Sprintf("%s/api/project/%s/jobs/", s.url, sub.Project)
	body := []byte(sub.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(sub.Payload))
	if err != nil {
		return skerr.Wrap(err)
	}
	const contentType = "application/json"
	auth, err := hawkAuthHeader(s.clientID, s.secret, http.MethodPost, endpoint, contentType, body, now.Now(ctx).Unix(), uuid.NewString()[:8])
	if err != nil {
		return skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", auth)
	resp, err := s.client.Do(req)
	if err != nil {
		return skerr.Wrapf(err, "posting to %s", endpoint)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return skerr.Fmt("post to %s returned %s", endpoint, resp.Status)
	}
	sklog.Infof("Submitted collection %d for %s to %s", sub.ID, sub.Machine, sub.Project)
	return nil
}

func (s *Submitter) mailFailure(sub *jobs.Submission, err error) {
	if s.em == nil {
		return
	}
	s.em.Send(
		fmt.Sprintf("Unable to post results to treeherder for %s", sub.Machine),
		fmt.Sprintf("Attempt %d to post a job collection for project %s failed:\n\n%s\n\n"+
			"The collection remains queued and will be retried.\n", sub.Attempts, sub.Project, err))
}

// sleep waits out the retry interval in short slices so shutdown is prompt.
// Returns false if the submitter should stop.
func (s *Submitter) sleep(ctx context.Context) bool {
	deadline := time.Now().Add(s.retryWait)
	for time.Now().Before(deadline) {
		select {
		case <-s.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return true
}
