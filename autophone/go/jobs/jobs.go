// Package jobs is the durable job store: one SQLite file holding the jobs
// waiting per device, their test items, and the results submissions waiting
// for delivery. It is the single source of truth shared by the supervisor
// and every worker subprocess.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"go.skia.org/autophone/go/emailer"
	"go.skia.org/autophone/go/metrics2"
	"go.skia.org/autophone/go/now"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
)

// MaxAttempts is the attempt budget per job. Jobs that reach it are purged
// by the next claim on any device.
const MaxAttempts = 3

const (
	defaultBusyTimeout = 5 * time.Second

	// sqlRetryDelay and sqlMailThreshold shape the transient error policy:
	// every store call retries with a fixed delay until it succeeds, and
	// mails the operator exactly once per call when the threshold trips.
	sqlRetryDelay    = 60 * time.Second
	sqlMailThreshold = 10

	// timeFormat orders lexicographically, which the claim queries rely on.
	timeFormat = "2006-01-02 15:04:05.000000"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created TEXT NOT NULL,
	last_attempt TEXT NOT NULL DEFAULT '',
	build_url TEXT NOT NULL,
	build_id TEXT NOT NULL DEFAULT '',
	changeset TEXT NOT NULL DEFAULT '',
	tree TEXT NOT NULL DEFAULT '',
	revision TEXT NOT NULL DEFAULT '',
	revision_hash TEXT NOT NULL DEFAULT '',
	enable_unittests INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	device TEXT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS jobs_device ON jobs (device);`,
	`CREATE TABLE IF NOT EXISTS tests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	config_file TEXT NOT NULL,
	chunk INTEGER NOT NULL,
	guid TEXT NOT NULL,
	repos TEXT NOT NULL DEFAULT '',
	jobid INTEGER NOT NULL REFERENCES jobs (id) ON DELETE CASCADE
);`,
	`CREATE INDEX IF NOT EXISTS tests_jobid ON tests (jobid);`,
	`CREATE INDEX IF NOT EXISTS tests_guid ON tests (guid);`,
	`CREATE TABLE IF NOT EXISTS treeherder (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt TEXT NOT NULL DEFAULT '',
	machine TEXT NOT NULL,
	project TEXT NOT NULL,
	job_collection TEXT NOT NULL
);`,
}

// Job is one row of the jobs table plus its test items. A job belongs to
// exactly one device.
type Job struct {
	ID              int64
	Created         time.Time
	LastAttempt     time.Time
	BuildURL        string
	BuildID         string
	Changeset       string
	Tree            string
	Revision        string
	RevisionHash    string
	EnableUnittests bool
	Attempts        int
	DeviceID        string
	Tests           []*Test
}

// Test is one test item of a job. The GUID is the external correlation key
// for result submissions and is unique per enqueued item.
type Test struct {
	ID         int64
	Name       string
	ConfigFile string
	Chunk      int
	GUID       string
	Repos      []string
	JobID      int64
}

// Submission is one queued results collection, delivered FIFO per
// (machine, project).
type Submission struct {
	ID          int64
	Attempts    int
	LastAttempt time.Time
	Machine     string
	Project     string
	Payload     string
}

// NewJobRequest describes a job to enqueue. Build metadata other than the
// URL may be empty; the worker fills its own build record from the cache.
// Attempts carries the consumed attempt budget when a test is re-enqueued
// after an incomplete run.
type NewJobRequest struct {
	BuildURL        string
	BuildID         string
	Changeset       string
	Tree            string
	Revision        string
	RevisionHash    string
	EnableUnittests bool
	DeviceID        string
	Attempts        int
}

// Store provides crash-safe access to the job database. All methods retry
// transient storage errors internally and only return once the operation
// succeeded, the context was cancelled, or the failure was permanent.
type Store struct {
	db              *sql.DB
	lifo            bool
	allowDuplicates bool
	em              *emailer.Emailer

	// retryDelay is a test hook, sqlRetryDelay in production.
	retryDelay time.Duration

	retries   metrics2.Counter
	enqueued  metrics2.Counter
	claimed   metrics2.Counter
	purged    metrics2.Counter
	completed metrics2.Counter
}

// Open opens or creates the job database at path. lifo selects newest-first
// claim order, allowDuplicates disables enqueue de-duplication, and em
// receives one mail per store call whose retries cross the threshold.
func Open(ctx context.Context, path string, lifo, allowDuplicates bool, em *emailer.Emailer) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, skerr.Wrapf(err, "opening %s", path)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, skerr.Wrapf(err, "pinging %s", path)
	}
	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, skerr.Wrapf(err, "creating schema in %s", path)
		}
	}
	return &Store{
		db:              db,
		lifo:            lifo,
		allowDuplicates: allowDuplicates,
		em:              em,
		retryDelay:      sqlRetryDelay,
		retries:         metrics2.GetCounter("autophone_store_retries", nil),
		enqueued:        metrics2.GetCounter("autophone_jobs_enqueued", nil),
		claimed:         metrics2.GetCounter("autophone_jobs_claimed", nil),
		purged:          metrics2.GetCounter("autophone_jobs_purged", nil),
		completed:       metrics2.GetCounter("autophone_jobs_completed", nil),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return skerr.Wrap(s.db.Close())
}

// NewJob enqueues a job with its test items and returns the tests actually
// inserted, each with a freshly minted GUID. With duplicates disallowed an
// existing (device, build url) job is reused, and tests already present on
// it are skipped, so a repeated enqueue returns an empty slice.
func (s *Store) NewJob(ctx context.Context, req NewJobRequest, tests []*Test) ([]*Test, error) {
	if req.BuildURL == "" || req.DeviceID == "" {
		return nil, skerr.Fmt("a job needs a build url and a device")
	}
	var inserted []*Test
	err := s.withRetry(ctx, "new-job", func() error {
		inserted = nil
		return s.withTx(ctx, func(tx *sql.Tx) error {
			jobID := int64(-1)
			if !s.allowDuplicates {
				err := tx.QueryRowContext(ctx,
					`SELECT id FROM jobs WHERE device = ? AND build_url = ?`,
					req.DeviceID, req.BuildURL).Scan(&jobID)
				if err != nil && err != sql.ErrNoRows {
					return err
				}
			}
			if jobID == -1 {
				res, err := tx.ExecContext(ctx, `
					INSERT INTO jobs (created, build_url, build_id, changeset, tree, revision, revision_hash, enable_unittests, attempts, device)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					formatTime(now.Now(ctx)), req.BuildURL, req.BuildID, req.Changeset, req.Tree,
					req.Revision, req.RevisionHash, boolToInt(req.EnableUnittests), req.Attempts, req.DeviceID)
				if err != nil {
					return err
				}
				jobID, err = res.LastInsertId()
				if err != nil {
					return err
				}
			}
			for _, t := range tests {
				repos := strings.Join(t.Repos, " ")
				if !s.allowDuplicates {
					var n int
					err := tx.QueryRowContext(ctx, `
						SELECT COUNT(*) FROM tests
						WHERE name = ? AND config_file = ? AND chunk = ? AND repos = ? AND jobid = ?`,
						t.Name, t.ConfigFile, t.Chunk, repos, jobID).Scan(&n)
					if err != nil {
						return err
					}
					if n > 0 {
						continue
					}
				}
				ins := &Test{
					Name:       t.Name,
					ConfigFile: t.ConfigFile,
					Chunk:      t.Chunk,
					GUID:       newGUID(),
					Repos:      t.Repos,
					JobID:      jobID,
				}
				res, err := tx.ExecContext(ctx, `
					INSERT INTO tests (name, config_file, chunk, guid, repos, jobid)
					VALUES (?, ?, ?, ?, ?, ?)`,
					ins.Name, ins.ConfigFile, ins.Chunk, ins.GUID, repos, jobID)
				if err != nil {
					return err
				}
				if ins.ID, err = res.LastInsertId(); err != nil {
					return err
				}
				inserted = append(inserted, ins)
			}
			return nil
		})
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	s.enqueued.Inc(int64(len(inserted)))
	return inserted, nil
}

// ClaimNext atomically purges jobs that exhausted their attempt budget,
// selects the next job for the device, charges an attempt against it, and
// returns it with its current test items. Try builds are claimed before
// non-try builds; within that, oldest first, or newest first when lifo.
// Returns nil when the device has no jobs.
func (s *Store) ClaimNext(ctx context.Context, deviceID string) (*Job, error) {
	order := "created ASC"
	if s.lifo {
		order = "created DESC"
	}
	var job *Job
	err := s.withRetry(ctx, "claim-next", func() error {
		job = nil
		return s.withTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE attempts >= ?`, MaxAttempts)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				sklog.Infof("Purged %d jobs that reached %d attempts", n, MaxAttempts)
				s.purged.Inc(n)
			}
			row := tx.QueryRowContext(ctx, `
				SELECT id, created, last_attempt, build_url, build_id, changeset, tree, revision, revision_hash, enable_unittests, attempts, device
				FROM jobs WHERE device = ?
				ORDER BY (instr(build_url, 'try') > 0) DESC, `+order+`
				LIMIT 1`, deviceID)
			j, err := scanJob(row)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return err
			}
			j.Attempts++
			j.LastAttempt = now.Now(ctx).UTC()
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET attempts = ?, last_attempt = ? WHERE id = ?`,
				j.Attempts, formatTime(j.LastAttempt), j.ID); err != nil {
				return err
			}
			if j.Tests, err = jobTests(ctx, tx, j.ID); err != nil {
				return err
			}
			job = j
			return nil
		})
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if job != nil {
		s.claimed.Inc(1)
	}
	return job, nil
}

// SetAttempts rewrites a job's attempt count. Used to give back the attempt
// charged by ClaimNext when a run is interrupted by something that is not
// the job's fault.
func (s *Store) SetAttempts(ctx context.Context, jobID int64, attempts int) error {
	return skerr.Wrap(s.withRetry(ctx, "set-attempts", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE jobs SET attempts = ? WHERE id = ?`, attempts, jobID)
		return err
	}))
}

// CancelTest removes the test item with the given guid; removing the last
// test of a job removes the job. Unknown guids are a no-op since the test
// may already have completed.
func (s *Store) CancelTest(ctx context.Context, guid string) error {
	return skerr.Wrap(s.withRetry(ctx, "cancel-test", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			var jobID int64
			err := tx.QueryRowContext(ctx, `SELECT jobid FROM tests WHERE guid = ?`, guid).Scan(&jobID)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE guid = ?`, guid); err != nil {
				return err
			}
			var remaining int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tests WHERE jobid = ?`, jobID).Scan(&remaining); err != nil {
				return err
			}
			if remaining == 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
					return err
				}
			}
			return nil
		})
	}))
}

// TestCompleted removes the finished test item.
func (s *Store) TestCompleted(ctx context.Context, guid string) error {
	return skerr.Wrap(s.withRetry(ctx, "test-completed", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tests WHERE guid = ?`, guid)
		return err
	}))
}

// JobCompleted removes the job and any remaining test items.
func (s *Store) JobCompleted(ctx context.Context, jobID int64) error {
	err := s.withRetry(ctx, "job-completed", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
		return err
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	s.completed.Inc(1)
	return nil
}

// PendingJobCount returns how many jobs are waiting for the device.
func (s *Store) PendingJobCount(ctx context.Context, deviceID string) (int, error) {
	n := 0
	err := s.withRetry(ctx, "pending-count", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE device = ?`, deviceID).Scan(&n)
	})
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	return n, nil
}

// QueueSubmission appends a results collection to the delivery queue.
func (s *Store) QueueSubmission(ctx context.Context, machine, project, payload string) error {
	return skerr.Wrap(s.withRetry(ctx, "queue-submission", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO treeherder (machine, project, job_collection)
			VALUES (?, ?, ?)`, machine, project, payload)
		return err
	}))
}

// ClaimNextSubmission returns the oldest queued submission and charges an
// attempt against it. The row stays queued until SubmissionCompleted so a
// failed delivery keeps its place at the head and per machine+project order
// is preserved. Returns nil when the queue is empty.
func (s *Store) ClaimNextSubmission(ctx context.Context) (*Submission, error) {
	var sub *Submission
	err := s.withRetry(ctx, "claim-next-submission", func() error {
		sub = nil
		return s.withTx(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				SELECT id, attempts, last_attempt, machine, project, job_collection
				FROM treeherder ORDER BY id ASC LIMIT 1`)
			var lastAttempt string
			v := &Submission{}
			err := row.Scan(&v.ID, &v.Attempts, &lastAttempt, &v.Machine, &v.Project, &v.Payload)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return err
			}
			if v.LastAttempt, err = parseTime(lastAttempt); err != nil {
				return err
			}
			v.Attempts++
			v.LastAttempt = now.Now(ctx).UTC()
			if _, err := tx.ExecContext(ctx,
				`UPDATE treeherder SET attempts = ?, last_attempt = ? WHERE id = ?`,
				v.Attempts, formatTime(v.LastAttempt), v.ID); err != nil {
				return err
			}
			sub = v
			return nil
		})
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return sub, nil
}

// SubmissionCompleted removes a delivered submission.
func (s *Store) SubmissionCompleted(ctx context.Context, id int64) error {
	return skerr.Wrap(s.withRetry(ctx, "submission-completed", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM treeherder WHERE id = ?`, id)
		return err
	}))
}

// withRetry runs fn until it succeeds, retrying transient errors with a
// fixed delay. One operator mail is sent per call when the failure count
// crosses the threshold; fn keeps being retried afterwards.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	failures := 0
	mailed := false
	notify := func(err error, _ time.Duration) {
		failures++
		s.retries.Inc(1)
		sklog.Warningf("Store %s failed %d times, will retry in %s: %s", op, failures, s.retryDelay, err)
		if failures >= sqlMailThreshold && !mailed {
			mailed = true
			s.em.Send(fmt.Sprintf("database trouble in %s", op),
				fmt.Sprintf("The %s operation has failed %d times and is still retrying every %s.\nLast error: %s\n", op, failures, s.retryDelay, err))
		}
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(s.retryDelay), ctx)
	return backoff.RetryNotify(fn, b, notify)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			sklog.Errorf("Rollback after %s failed: %s", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func jobTests(ctx context.Context, tx *sql.Tx, jobID int64) ([]*Test, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, config_file, chunk, guid, repos, jobid
		FROM tests WHERE jobid = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ret := []*Test{}
	for rows.Next() {
		t := &Test{}
		var repos string
		if err := rows.Scan(&t.ID, &t.Name, &t.ConfigFile, &t.Chunk, &t.GUID, &repos, &t.JobID); err != nil {
			return nil, err
		}
		t.Repos = strings.Fields(repos)
		ret = append(ret, t)
	}
	return ret, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scannable) (*Job, error) {
	j := &Job{}
	var created, lastAttempt string
	var enableUnittests int
	err := row.Scan(&j.ID, &created, &lastAttempt, &j.BuildURL, &j.BuildID, &j.Changeset,
		&j.Tree, &j.Revision, &j.RevisionHash, &enableUnittests, &j.Attempts, &j.DeviceID)
	if err != nil {
		return nil, err
	}
	if j.Created, err = parseTime(created); err != nil {
		return nil, err
	}
	if j.LastAttempt, err = parseTime(lastAttempt); err != nil {
		return nil, err
	}
	j.EnableUnittests = enableUnittests != 0
	return j, nil
}

func newGUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
