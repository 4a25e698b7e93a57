package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/logfields"
	"github.com/simplesurance/mergequeue/internal/model"
)

// Retryer is an interface used for running GithubClient methods repeatedly if
// they fail with a temporary error.
type Retryer interface {
	Run(context.Context, func(context.Context) error, []zap.Field) error
}

type DispatchOption func(*DispatchService)

// WithIdleCleanupDisabled keeps idle MergeServices until the
// DispatchService is stopped.
func WithIdleCleanupDisabled() DispatchOption {
	return func(d *DispatchService) {
		d.idleCleanupDisabled = true
	}
}

func withDispatchTimings(t timings) DispatchOption {
	return func(d *DispatchService) {
		d.timings = t
	}
}

// DispatchService manages one MergeService per target branch.
// It routes GitHub events to the MergeService of the affected branch,
// creates MergeServices when a pull request is labeled for integration and
// destroys them when they were idle for Config.IdleCleanupDelay.
type DispatchService struct {
	cfg                 Config
	timings             timings
	idleCleanupDisabled bool
	ghClient            GithubClient
	retryer             Retryer
	logger              *zap.Logger

	lock     sync.Mutex
	services map[string]*serviceEntry
	stopped  bool

	lifecycle broadcaster[LifecycleEvent]

	shutdownChan chan struct{}
	stopOnce     sync.Once
	// wg tracks running EventLoops and pending idle cleanups
	wg sync.WaitGroup
}

type serviceEntry struct {
	svc *MergeService
	// idleTimer and idleGeneration are protected by DispatchService.lock
	idleTimer      *time.Timer
	idleGeneration uint64
}

func NewDispatchService(ghClient GithubClient, retryer Retryer, cfg *Config, opts ...DispatchOption) (*DispatchService, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := DispatchService{
		cfg:          *cfg,
		timings:      defaultTimings(),
		ghClient:     ghClient,
		retryer:      retryer,
		logger:       zap.L().Named(loggerName).Named("dispatch"),
		services:     map[string]*serviceEntry{},
		shutdownChan: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(&d)
	}

	return &d, nil
}

// Start creates a MergeService for every branch that is the target of an
// open pull request with the integration label.
// If the pull requests can not be retrieved, an error is logged and no
// MergeService is created.
func (d *DispatchService) Start(ctx context.Context) {
	var prs []model.PullRequest

	err := d.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		prs, err = d.ghClient.FetchPullRequests(ctx)
		return err
	}, []zap.Field{logfields.Event("github_fetch_pull_requests")})
	if err != nil {
		d.logger.Error(
			"retrieving open pull requests failed, starting without queued pull requests",
			logfields.Event("merge_queue_initial_sync_failed"),
			zap.Error(err),
		)
		return
	}

	var branches []string
	byBranch := map[string][]model.PullRequest{}

	for _, pr := range prs {
		if !pr.HasLabel(d.cfg.IntegrationLabel) {
			continue
		}

		branch := pr.Target.Ref
		if _, exists := byBranch[branch]; !exists {
			branches = append(branches, branch)
		}
		byBranch[branch] = append(byBranch[branch], pr)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	for _, branch := range branches {
		if _, err := d.createService(branch, byBranch[branch]); err != nil {
			d.logger.Debug(
				"merge queue for branch exists already",
				logfields.Event("merge_queue_exists"),
				logfields.BaseBranch(branch),
				zap.Error(err),
			)
		}
	}

	d.logger.Info(
		"merge queues started",
		logfields.Event("merge_queues_started"),
		zap.Int("merge_queue.count", len(branches)),
		zap.Int("github.pull_request_count", len(prs)),
	)
}

// createService must be called with d.lock held.
func (d *DispatchService) createService(branch string, initialPRs []model.PullRequest) (*serviceEntry, error) {
	if d.stopped {
		return nil, errors.New("dispatch service is stopped")
	}

	if _, exists := d.services[branch]; exists {
		return nil, ErrAlreadyExists
	}

	entry := serviceEntry{}
	entry.svc = NewMergeService(
		branch, &d.cfg, d.ghClient, initialPRs,
		withTimings(d.timings),
		WithStateObserver(func(st State) {
			d.serviceStateChanged(branch, &entry, st)
		}),
		WithHealthObserver(func(HealthStatus) {
			d.updateHealthMetric()
		}),
	)

	d.services[branch] = &entry

	d.logger.Info(
		"merge queue created",
		logfields.Event("merge_queue_created"),
		logfields.BaseBranch(branch),
		logfields.ServiceID(entry.svc.ID()),
		zap.Int("merge_queue.length", len(initialPRs)),
	)

	d.publish(LifecycleEvent{Type: LifecycleCreated, Branch: branch, ServiceID: entry.svc.ID()})

	entry.svc.Start()

	return &entry, nil
}

func (d *DispatchService) serviceStateChanged(branch string, entry *serviceEntry, st State) {
	d.lock.Lock()

	if d.services[branch] != entry {
		d.lock.Unlock()
		return
	}

	if st.Status.Kind == StatusIdle {
		d.scheduleDestroy(branch, entry)
	} else {
		d.cancelDestroy(entry)
	}

	d.lock.Unlock()

	d.publish(LifecycleEvent{
		Type:      LifecycleStateChanged,
		Branch:    branch,
		ServiceID: entry.svc.ID(),
		State:     st,
	})
}

// scheduleDestroy must be called with d.lock held.
func (d *DispatchService) scheduleDestroy(branch string, entry *serviceEntry) {
	if d.idleCleanupDisabled {
		return
	}

	d.cancelDestroy(entry)

	gen := entry.idleGeneration

	d.wg.Add(1)
	entry.idleTimer = time.AfterFunc(d.cfg.IdleCleanupDelay, func() {
		defer d.wg.Done()
		d.destroyIfIdle(branch, entry, gen)
	})
}

// cancelDestroy must be called with d.lock held.
func (d *DispatchService) cancelDestroy(entry *serviceEntry) {
	if entry.idleTimer == nil {
		return
	}

	if entry.idleTimer.Stop() {
		d.wg.Done()
	}

	entry.idleTimer = nil
	entry.idleGeneration++
}

func (d *DispatchService) destroyIfIdle(branch string, entry *serviceEntry, generation uint64) {
	d.lock.Lock()

	if d.stopped || d.services[branch] != entry || entry.idleGeneration != generation {
		d.lock.Unlock()
		return
	}

	if entry.svc.State().Status.Kind != StatusIdle {
		d.lock.Unlock()
		return
	}

	entry.idleTimer = nil
	delete(d.services, branch)
	d.lock.Unlock()

	d.destroy(branch, entry)

	d.logger.Info(
		"idle merge queue removed",
		logfields.Event("merge_queue_removed"),
		logfields.BaseBranch(branch),
		zap.Duration("merge_queue.idle_cleanup_delay", d.cfg.IdleCleanupDelay),
	)
}

// destroy stops the MergeService, it must be called without d.lock held.
func (d *DispatchService) destroy(branch string, entry *serviceEntry) {
	entry.svc.Stop()

	d.publish(LifecycleEvent{Type: LifecycleDestroyed, Branch: branch, ServiceID: entry.svc.ID()})
	d.updateHealthMetric()
}

func (d *DispatchService) publish(ev LifecycleEvent) {
	ev.Time = time.Now()

	metrics.RecordLifecycleEvent(&ev)

	if dropped := d.lifecycle.publish(ev); dropped > 0 {
		d.logger.Warn(
			"lifecycle event subscriber is not keeping up, event dropped",
			logfields.Event("lifecycle_event_dropped"),
			logfields.BaseBranch(ev.Branch),
			zap.Stringer("merge_queue.lifecycle_event", ev.Type),
			zap.Int("count", dropped),
		)
	}
}

// Subscribe returns a channel on that all following lifecycle events are
// sent. Events are dropped when the channel is not read fast enough.
// cancel must be called when the channel is not used anymore.
func (d *DispatchService) Subscribe() (events <-chan LifecycleEvent, cancel func()) {
	sub := d.lifecycle.subscribe()
	return sub.C, sub.cancel
}

// EventLoop processes events from ch until ch is closed or Stop() is called.
func (d *DispatchService) EventLoop(ch <-chan model.Event) {
	d.wg.Add(1)
	defer d.wg.Done()

	d.logger.Info("merge queue event loop started", logfields.Event("event_loop_started"))

	for {
		select {
		case <-d.shutdownChan:
			d.logger.Info("merge queue event loop terminated", logfields.Event("event_loop_terminated"))
			return

		case ev, open := <-ch:
			if !open {
				d.logger.Info("merge queue event loop terminated, event channel closed", logfields.Event("event_loop_terminated"))
				return
			}

			d.ProcessEvent(ev)
		}
	}
}

// ProcessEvent routes a GitHub event to the MergeService it affects.
func (d *DispatchService) ProcessEvent(ev model.Event) {
	metrics.ProcessedEventsInc(ev.EventType())

	switch ev := ev.(type) {
	case *model.PullRequestEvent:
		d.routePullRequestEvent(ev)

	case *model.StatusEvent:
		d.routeStatusEvent(ev)

	case *model.PingEvent:
		d.logger.Debug("ping event received", logfields.Event("github_ping_received"), zap.String("github.zen", ev.Zen))

	default:
		d.logger.Warn(
			"ignoring event of unsupported type",
			logfields.Event("github_event_ignored"),
			zap.String("event_type", fmt.Sprintf("%T", ev)),
		)
	}
}

func (d *DispatchService) routePullRequestEvent(ev *model.PullRequestEvent) {
	pr := &ev.Metadata.Reference
	branch := pr.Target.Ref

	d.lock.Lock()
	defer d.lock.Unlock()

	if entry, exists := d.services[branch]; exists {
		d.cancelDestroy(entry)

		entry.svc.PullRequestDidChange(ev)

		// restart the cleanup delay, the state observer cancels it if
		// the event made the MergeService leave idle
		if entry.svc.State().Status.Kind == StatusIdle {
			d.scheduleDestroy(branch, entry)
		}

		return
	}

	outcome, relevant := EventOutcome(&ev.Metadata, ev.Action, d.cfg.IntegrationLabel)
	if !relevant || outcome != OutcomeInclude {
		d.logger.Debug(
			"ignoring pull request event for branch without merge queue",
			append(pr.LogFields(), logfields.Event("github_event_ignored"))...,
		)
		return
	}

	if _, err := d.createService(branch, []model.PullRequest{*pr}); err != nil {
		d.logger.Warn(
			"creating merge queue failed",
			append(pr.LogFields(), logfields.Event("merge_queue_creation_failed"), zap.Error(err))...,
		)
	}
}

// routeStatusEvent forwards ev to every MergeService that is integrating the
// pull request it belongs to.
func (d *DispatchService) routeStatusEvent(ev *model.StatusEvent) {
	d.lock.Lock()
	defer d.lock.Unlock()

	var routed int

	for _, entry := range d.services {
		st := entry.svc.State()
		if st.Status.Kind != StatusIntegrating && st.Status.Kind != StatusRunningStatusChecks {
			continue
		}

		if !isStatusOf(ev, &st.Status.Metadata.Reference) {
			continue
		}

		entry.svc.StatusChecksDidChange(ev)
		routed++
	}

	d.logger.Debug(
		"status event routed",
		logfields.Event("github_status_event_routed"),
		logfields.Commit(ev.SHA),
		logfields.StatusContext(ev.Context),
		zap.Strings("git.branches", ev.Branches),
		zap.Int("merge_queue.count", routed),
	)
}

// QueueState returns the state of the MergeService for branch.
// ErrNotFound is returned if no MergeService exists for it.
func (d *DispatchService) QueueState(branch string) (State, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	entry, exists := d.services[branch]
	if !exists {
		return State{}, ErrNotFound
	}

	return entry.svc.State(), nil
}

func (d *DispatchService) sortedEntries() []*serviceEntry {
	branches := make([]string, 0, len(d.services))
	for branch := range d.services {
		branches = append(branches, branch)
	}
	sort.Strings(branches)

	result := make([]*serviceEntry, 0, len(branches))
	for _, branch := range branches {
		result = append(result, d.services[branch])
	}

	return result
}

// QueuesDescription returns a human-readable description of all merge
// queues.
func (d *DispatchService) QueuesDescription() string {
	d.lock.Lock()
	defer d.lock.Unlock()

	if len(d.services) == 0 {
		return "no merge queues exist\n"
	}

	var sb strings.Builder
	for _, entry := range d.sortedEntries() {
		st := entry.svc.State()
		sb.WriteString(st.Description())
	}

	return sb.String()
}

// Health returns the health of the MergeServices by branch.
func (d *DispatchService) Health() map[string]HealthStatus {
	d.lock.Lock()
	defer d.lock.Unlock()

	result := make(map[string]HealthStatus, len(d.services))
	for branch, entry := range d.services {
		result[branch] = entry.svc.Healthcheck()
	}

	return result
}

func (d *DispatchService) updateHealthMetric() {
	var unhealthy int
	for _, status := range d.Health() {
		if !status.OK {
			unhealthy++
		}
	}

	metrics.SetUnhealthyQueues(unhealthy)
}

// Stop terminates the EventLoop and all MergeServices.
func (d *DispatchService) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Debug("merge queues terminating", logfields.Event("merge_queues_terminating"))

		close(d.shutdownChan)

		d.lock.Lock()
		d.stopped = true

		services := d.services
		d.services = map[string]*serviceEntry{}

		for _, entry := range services {
			d.cancelDestroy(entry)
		}
		d.lock.Unlock()

		for branch, entry := range services {
			d.destroy(branch, entry)
		}

		d.wg.Wait()

		d.logger.Debug("merge queues terminated", logfields.Event("merge_queues_terminated"))
	})
}
