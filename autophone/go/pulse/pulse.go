// Package pulse consumes build and job action messages from the Mozilla
// Pulse message bus. Build messages are taken from the raw build exchange
// rather than the normalized one because only the raw message carries the
// check-in comment, which is how try pushes opt in to testing.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"go.skia.org/autophone/autophone/go/types"
	"go.skia.org/autophone/go/metrics2"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
	"go.skia.org/autophone/go/util"
)

const (
	// DefaultBuildExchange is the raw build exchange.
	DefaultBuildExchange = "exchange/build/"

	// DefaultJobActionExchange carries treeherder retrigger/cancel requests.
	DefaultJobActionExchange = "exchange/treeherder/v1/job-actions"

	buildRoutingKey = "build.#.finished"

	maxRedialWait = time.Minute
)

// Config is everything a Monitor needs to connect and filter.
type Config struct {
	// Host is the host:port of the broker. TLS is always used.
	Host string

	// User and Password authenticate to the broker. The user id also names
	// the queues: queue/<user>/build and queue/<user>/jobactions.
	User     string
	Password string

	// VirtualHost defaults to "/".
	VirtualHost string

	// DurableQueues makes the queues survive consumer restarts; without it
	// they are auto-deleted on disconnect and messages sent while the
	// consumer is down are lost.
	DurableQueues bool

	// BuildExchange and JobActionExchange override the default exchange
	// names, for staging.
	BuildExchange     string
	JobActionExchange string

	// TreeherderURL is required to process job actions; the job action
	// message only carries a job id, the rest is fetched back from the
	// results service. Empty disables job action handling.
	TreeherderURL string

	// Trees, Platforms and Buildtypes are the admission filters. All three
	// are required.
	Trees      []string
	Platforms  []string
	Buildtypes []string
}

// Monitor consumes the bus on its own goroutine and invokes the callbacks
// for admitted messages. Callbacks run on separate goroutines so a slow
// handler never blocks the consumer.
type Monitor struct {
	cfg         Config
	onBuild     func(types.BuildEvent)
	onJobAction func(types.JobActionEvent)
	th          *jobFetcher

	// platforms is cfg.Platforms sorted longest first so substring
	// classification never matches "android" before "android-api-15".
	platforms []string

	accepted metrics2.Counter
	rejected metrics2.Counter

	mtx      sync.Mutex
	alive    bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New returns an unstarted Monitor. onJobAction may be nil when
// cfg.TreeherderURL is empty.
func New(cfg Config, onBuild func(types.BuildEvent), onJobAction func(types.JobActionEvent)) (*Monitor, error) {
	if cfg.Host == "" || cfg.User == "" || cfg.Password == "" {
		return nil, skerr.Fmt("pulse host, user and password are required")
	}
	if onBuild == nil {
		return nil, skerr.Fmt("a build callback is required")
	}
	if len(cfg.Trees) == 0 || len(cfg.Platforms) == 0 || len(cfg.Buildtypes) == 0 {
		return nil, skerr.Fmt("trees, platforms and buildtypes are all required")
	}
	if cfg.TreeherderURL != "" && onJobAction == nil {
		return nil, skerr.Fmt("a job action callback is required when a treeherder url is set")
	}
	if cfg.VirtualHost == "" {
		cfg.VirtualHost = "/"
	}
	if cfg.BuildExchange == "" {
		cfg.BuildExchange = DefaultBuildExchange
	}
	if cfg.JobActionExchange == "" {
		cfg.JobActionExchange = DefaultJobActionExchange
	}
	platforms := append([]string{}, cfg.Platforms...)
	sort.Slice(platforms, func(i, j int) bool {
		return len(platforms[i]) > len(platforms[j])
	})
	var th *jobFetcher
	if cfg.TreeherderURL != "" {
		th = newJobFetcher(cfg.TreeherderURL)
	}
	return &Monitor{
		cfg:         cfg,
		onBuild:     onBuild,
		onJobAction: onJobAction,
		th:          th,
		platforms:   platforms,
		accepted:    metrics2.GetCounter("pulse_messages", map[string]string{"outcome": "accepted"}),
		rejected:    metrics2.GetCounter("pulse_messages", map[string]string{"outcome": "rejected"}),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins consuming on a new goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.setAlive(true)
	go func() {
		defer close(m.doneCh)
		defer m.setAlive(false)
		m.listen(ctx)
	}()
}

// Stop shuts the consumer down and waits for it to exit. Safe to call more
// than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}

// Alive reports whether the consumer goroutine is still running.
func (m *Monitor) Alive() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.alive
}

func (m *Monitor) setAlive(v bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.alive = v
}

// listen redials the broker until stopped, with exponential backoff between
// failures.
func (m *Monitor) listen(ctx context.Context) {
	boff := backoff.NewExponentialBackOff()
	boff.MaxInterval = maxRedialWait
	boff.MaxElapsedTime = 0
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := m.consume(ctx); err != nil {
			wait := boff.NextBackOff()
			sklog.Errorf("Pulse connection failed, redialing in %s: %s", wait, err)
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		// A clean return means we were stopped.
		return
	}
}

// consume connects, binds the queues and drains deliveries until the
// connection drops or the monitor is stopped.
func (m *Monitor) consume(ctx context.Context) error {
	amqpURL := fmt.Sprintf("amqps://%s:%s@%s/%s",
		url.QueryEscape(m.cfg.User), url.QueryEscape(m.cfg.Password),
		m.cfg.Host, url.QueryEscape(m.cfg.VirtualHost))
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return skerr.Wrapf(err, "dialing %s", m.cfg.Host)
	}
	defer util.Close(conn)
	ch, err := conn.Channel()
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.Close(ch)

	bindings := []struct {
		queue      string
		exchange   string
		routingKey string
	}{
		{fmt.Sprintf("queue/%s/build", m.cfg.User), m.cfg.BuildExchange, buildRoutingKey},
	}
	if m.cfg.TreeherderURL != "" {
		bindings = append(bindings, struct {
			queue      string
			exchange   string
			routingKey string
		}{fmt.Sprintf("queue/%s/jobactions", m.cfg.User), m.cfg.JobActionExchange, "#"})
	}

	deliveries := make(chan amqp.Delivery)
	for _, b := range bindings {
		q, err := ch.QueueDeclare(b.queue, m.cfg.DurableQueues, !m.cfg.DurableQueues, false, false, nil)
		if err != nil {
			return skerr.Wrapf(err, "declaring %s", b.queue)
		}
		if err := ch.QueueBind(q.Name, b.routingKey, b.exchange, false, nil); err != nil {
			return skerr.Wrapf(err, "binding %s to %s", b.queue, b.exchange)
		}
		msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
		if err != nil {
			return skerr.Wrapf(err, "consuming %s", b.queue)
		}
		go func() {
			for msg := range msgs {
				deliveries <- msg
			}
		}()
	}
	sklog.Infof("Pulse consumer connected to %s", m.cfg.Host)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-m.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return skerr.Fmt("connection closed: %v", amqpErr)
		case msg := <-deliveries:
			// Ack before processing: a message that kills the handler
			// should not be redelivered to kill it again.
			if err := msg.Ack(false); err != nil {
				sklog.Errorf("Error acking delivery: %s", err)
			}
			m.handleMessage(ctx, msg.Body)
		}
	}
}

// handleMessage classifies a raw message and dispatches it. Exposed to
// tests via the raw body so no broker is needed.
func (m *Monitor) handleMessage(ctx context.Context, body []byte) {
	var probe struct {
		Meta    json.RawMessage `json:"_meta"`
		Payload json.RawMessage `json:"payload"`
		Action  string          `json:"action"`
		Project string          `json:"project"`
		JobID   int64           `json:"job_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		sklog.Debugf("Ignoring unparseable message: %s", err)
		return
	}
	if probe.Meta != nil && probe.Payload != nil {
		m.handleBuild(body)
		return
	}
	if m.cfg.TreeherderURL != "" && probe.Action != "" && probe.Project != "" {
		m.handleJobAction(ctx, probe.Action, probe.Project, probe.JobID)
		return
	}
	m.rejected.Inc(1)
}

// buildMessage is the raw build exchange shape. Properties are triples of
// [name, value, source]; only string-valued properties are of interest.
type buildMessage struct {
	Payload struct {
		Build struct {
			BuilderName string          `json:"builderName"`
			Properties  [][]interface{} `json:"properties"`
		} `json:"build"`
	} `json:"payload"`
}

func (m *Monitor) handleBuild(body []byte) {
	var msg buildMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		sklog.Debugf("Ignoring unparseable build message: %s", err)
		m.rejected.Inc(1)
		return
	}
	props := map[string]string{}
	for _, p := range msg.Payload.Build.Properties {
		if len(p) < 2 {
			continue
		}
		name, ok := p[0].(string)
		if !ok {
			continue
		}
		if value, ok := p[1].(string); ok && value != "" {
			props[name] = value
		}
	}

	buildType := "opt"
	if strings.Contains(msg.Payload.Build.BuilderName, "debug") {
		buildType = "debug"
	}
	event := types.BuildEvent{
		Repo:       props["branch"],
		Platform:   props["platform"],
		BuildType:  buildType,
		BuildID:    props["buildid"],
		URL:        props["packageUrl"],
		Comments:   props["comments"],
		SymbolsURL: props["symbolsUrl"],
		TestsURL:   props["testsUrl"],
	}
	if reason := m.admitBuild(props["appName"], event); reason != "" {
		sklog.Debugf("Rejecting build %s: %s", event.URL, reason)
		m.rejected.Inc(1)
		return
	}
	m.accepted.Inc(1)
	sklog.Infof("Pulse build %s %s %s %s", event.Repo, event.Platform, event.BuildType, event.URL)
	go m.onBuild(event)
}

// admitBuild applies the admission chain, returning the reason a build is
// rejected or "" to admit it.
func (m *Monitor) admitBuild(appName string, b types.BuildEvent) string {
	if appName == "" || b.Repo == "" || b.Comments == "" || b.URL == "" || b.Platform == "" {
		return "missing required fields"
	}
	if appName != "Fennec" {
		return fmt.Sprintf("app %s", appName)
	}
	if !strings.HasPrefix(b.Platform, "android") {
		return fmt.Sprintf("platform %s", b.Platform)
	}
	if !util.In(b.Repo, m.cfg.Trees) {
		return fmt.Sprintf("tree %s", b.Repo)
	}
	if !util.In(b.Platform, m.cfg.Platforms) {
		return fmt.Sprintf("platform %s not configured", b.Platform)
	}
	if !util.In(b.BuildType, m.cfg.Buildtypes) {
		return fmt.Sprintf("build type %s", b.BuildType)
	}
	if b.TryBuild() && !strings.Contains(b.Comments, "autophone") {
		return "try push did not request testing"
	}
	return ""
}

func (m *Monitor) handleJobAction(ctx context.Context, action, project string, jobID int64) {
	if !util.In(project, m.cfg.Trees) {
		sklog.Debugf("Ignoring job action %s on tree %s", action, project)
		m.rejected.Inc(1)
		return
	}
	job, err := m.th.job(ctx, project, jobID)
	if err != nil {
		sklog.Debugf("Ignoring job action %s for unknown job %d on %s: %s", action, jobID, project, err)
		m.rejected.Inc(1)
		return
	}
	if !util.In(job.PlatformOption, m.cfg.Buildtypes) {
		sklog.Debugf("Ignoring job action %s build type %s", action, job.PlatformOption)
		m.rejected.Inc(1)
		return
	}
	build, err := m.th.privateBuild(ctx, job)
	if err != nil {
		sklog.Debugf("Ignoring job action %s without a private build artifact: %s", action, err)
		m.rejected.Inc(1)
		return
	}
	if m.classifyPlatform(build.BuildURL) == "" {
		sklog.Debugf("Ignoring job action %s for unconfigured platform: %s", action, build.BuildURL)
		m.rejected.Inc(1)
		return
	}
	m.accepted.Inc(1)
	event := types.JobActionEvent{
		Action:     action,
		Machine:    job.MachineName,
		GroupName:  job.JobGroupName,
		JobGUID:    job.JobGUID,
		BuildURL:   build.BuildURL,
		ConfigFile: build.ConfigFile,
		Chunk:      build.Chunk,
	}
	sklog.Infof("Pulse job action %s for %s on %s", action, event.Machine, project)
	go m.onJobAction(event)
}

// classifyPlatform names the configured platform appearing in the build
// url, longest name first. Returns "" when none matches.
func (m *Monitor) classifyPlatform(buildURL string) string {
	for _, platform := range m.platforms {
		if strings.Contains(buildURL, platform) {
			return platform
		}
	}
	return ""
}
