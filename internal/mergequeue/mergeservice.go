package mergequeue

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/logfields"
	"github.com/simplesurance/mergequeue/internal/model"
	"github.com/simplesurance/mergequeue/internal/routines"
)

const loggerName = "merge_queue"

// Option configures a MergeService.
type Option func(*MergeService)

// WithStateObserver registers fn to be called with every new state of the
// MergeService, including the initial one.
// fn is called from the event loop of the MergeService, it must not block
// and must not call methods of the MergeService except State() and
// Healthcheck().
func WithStateObserver(fn func(State)) Option {
	return func(s *MergeService) {
		s.stateObservers = append(s.stateObservers, fn)
	}
}

// WithHealthObserver registers fn to be called when the health of the
// MergeService changes.
func WithHealthObserver(fn func(HealthStatus)) Option {
	return func(s *MergeService) {
		s.healthObservers = append(s.healthObservers, fn)
	}
}

func withTimings(t timings) Option {
	return func(s *MergeService) {
		s.timings = t
	}
}

// MergeService integrates the queued pull requests of a single target
// branch.
type MergeService struct {
	id         string
	branch     string
	cfg        Config
	timings    timings
	ghClient   GithubClient
	initialPRs []model.PullRequest
	logger     *zap.Logger

	stateObservers  []func(State)
	healthObservers []func(HealthStatus)

	mailbox      *mailbox
	prChanges    broadcaster[*model.PullRequestEvent]
	statusEvents broadcaster[*model.StatusEvent]
	healthcheck  *Healthcheck
	// commentPool posts the comments about queued pull requests in the
	// order they were queued.
	commentPool *routines.Pool

	stateLock sync.Mutex
	state     State

	// the following fields are only accessed by the event loop
	bufferedChanges         []*model.PullRequestEvent
	whenStarting            runningTask
	whenReady               runningTask
	whenIntegrating         runningTask
	whenRunningStatusChecks runningTask
	whenIntegrationFailed   runningTask

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// eventPullRequestWebhook is a pull request change received from GitHub that
// has not been classified via EventOutcome yet.
type eventPullRequestWebhook struct {
	event *model.PullRequestEvent
}

func (*eventPullRequestWebhook) eventName() string { return "pull_request_webhook" }

// readyKey identifies a run of the whenReady feedback operation.
type readyKey struct {
	statusSerial uint64
	head         int
}

// NewMergeService creates a MergeService for the target branch.
// initialPRs are the pull requests that are queued when it starts.
func NewMergeService(
	branch string,
	cfg *Config,
	ghClient GithubClient,
	initialPRs []model.PullRequest,
	opts ...Option,
) *MergeService {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	s := MergeService{
		id:         id,
		branch:     branch,
		cfg:        *cfg,
		timings:    defaultTimings(),
		ghClient:   ghClient,
		initialPRs: initialPRs,
		logger: zap.L().Named(loggerName).With(
			logfields.BaseBranch(branch),
			logfields.ServiceID(id),
		),
		mailbox:     newMailbox(),
		commentPool: routines.NewPool(1),
		state:       newState(branch, cfg),
		ctx:         ctx,
		cancel:      cancel,
	}

	s.whenStarting.name = "when_starting"
	s.whenReady.name = "when_ready"
	s.whenIntegrating.name = "when_integrating"
	s.whenRunningStatusChecks.name = "when_running_status_checks"
	s.whenIntegrationFailed.name = "when_integration_failed"

	for _, opt := range opts {
		opt(&s)
	}

	s.healthcheck = newHealthcheck(s.cfg.StatusChecksTimeout, s.notifyHealthObservers)

	return &s
}

func (s *MergeService) ID() string {
	return s.id
}

func (s *MergeService) Branch() string {
	return s.branch
}

// Start starts processing events.
func (s *MergeService) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop cancels all running operations and waits until they terminated.
// Events that have not been processed yet are discarded.
func (s *MergeService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Debug("merge service terminating", logfields.Event("merge_service_terminating"))

		s.cancel()
		s.wg.Wait()
		s.healthcheck.stop()
		s.commentPool.Wait()

		s.logger.Debug("merge service terminated", logfields.Event("merge_service_terminated"))
	})
}

// State returns the current state.
func (s *MergeService) State() State {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	return s.state
}

// Healthcheck returns the current health.
func (s *MergeService) Healthcheck() HealthStatus {
	return s.healthcheck.Status()
}

// PullRequestDidChange enqueues a pull request webhook event for processing.
// It never blocks.
func (s *MergeService) PullRequestDidChange(ev *model.PullRequestEvent) {
	if dropped := s.prChanges.publish(ev); dropped > 0 {
		s.logger.Warn(
			"pull request event subscriber is not keeping up, event dropped",
			logfields.Event("pull_request_event_dropped"),
			logfields.PullRequest(ev.Metadata.Reference.Number),
		)
	}

	s.mailbox.push(envelope{ctx: s.ctx, event: &eventPullRequestWebhook{event: ev}})
}

// StatusChecksDidChange forwards a commit status webhook event to a running
// wait for status checks. It never blocks.
func (s *MergeService) StatusChecksDidChange(ev *model.StatusEvent) {
	if dropped := s.statusEvents.publish(ev); dropped > 0 {
		s.logger.Warn(
			"status event subscriber is not keeping up, event dropped",
			logfields.Event("status_event_dropped"),
			logfields.Commit(ev.SHA),
			logfields.StatusContext(ev.Context),
		)
	}
}

func (s *MergeService) emit(ctx context.Context, ev Event) {
	s.mailbox.push(envelope{ctx: ctx, event: ev})
}

func (s *MergeService) run() {
	defer s.wg.Done()

	s.logger.Debug("merge service started", logfields.Event("merge_service_started"))

	initial := s.State()
	s.afterTransition(nil, &initial)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.mailbox.ready:
		}

		for _, e := range s.mailbox.popAll() {
			if s.ctx.Err() != nil {
				return
			}

			if e.ctx.Err() != nil {
				s.logger.Debug(
					"discarding event of cancelled operation",
					logfields.Event("stale_event_discarded"),
					zap.String("merge_queue.event", e.event.eventName()),
				)
				continue
			}

			s.process(e.event)
		}
	}
}

func (s *MergeService) process(ev Event) {
	prev := s.State()

	if raw, ok := ev.(*eventPullRequestWebhook); ok {
		if prev.Status.Kind == StatusStarting {
			s.bufferedChanges = append(s.bufferedChanges, raw.event)
			return
		}

		outcome, relevant := EventOutcome(&raw.event.Metadata, raw.event.Action, s.cfg.IntegrationLabel)
		if !relevant {
			s.logger.Debug(
				"ignoring pull request event",
				logfields.Event("github_event_ignored"),
				logfields.PullRequest(raw.event.Metadata.Reference.Number),
				zap.String("github.action", string(raw.event.Action)),
			)
			return
		}

		ev = &EventPullRequestDidChange{Outcome: outcome, PullRequest: raw.event.Metadata.Reference}
	}

	next := Reduce(prev, ev)
	if reflect.DeepEqual(prev, next) {
		s.logger.Debug(
			"event did not change the state",
			logfields.Event("merge_queue_event_without_effect"),
			zap.String("merge_queue.event", ev.eventName()),
		)
		return
	}

	s.stateLock.Lock()
	s.state = next
	s.stateLock.Unlock()

	s.afterTransition(&prev, &next)

	if prev.Status.Kind == StatusStarting && next.Status.Kind != StatusStarting {
		buffered := s.bufferedChanges
		s.bufferedChanges = nil

		for _, change := range buffered {
			s.process(&eventPullRequestWebhook{event: change})
		}
	}
}

// afterTransition runs the observers of the state. prev is nil for the
// initial state.
func (s *MergeService) afterTransition(prev, next *State) {
	if prev == nil || prev.statusSerial != next.statusSerial {
		s.logStatusChange(prev, next)
		s.healthcheck.update(next.Status.Kind)

		switch next.Status.Kind {
		case StatusIntegrating:
			if prev != nil && prev.Status.Kind == StatusReady {
				metrics.IntegrationsInc(s.branch)
			}
		case StatusIntegrationFailed:
			metrics.IntegrationFailuresInc(s.branch, next.Status.FailureReason)
		}
	}

	s.runFeedbacks(next)
	s.announceQueuedPullRequests(prev, next)

	for _, obs := range s.stateObservers {
		obs(*next)
	}
}

func (s *MergeService) logStatusChange(prev, next *State) {
	fields := append(next.LogFields(), logfields.Event("merge_queue_status_changed"))

	if prev != nil {
		fields = append(fields, zap.Stringer("merge_queue.previous_status", prev.Status))
	}

	if next.Status.hasIntegration() {
		fields = append(fields, next.Status.Metadata.LogFields()...)
	}

	s.logger.Info("merge queue status changed to "+next.Status.String(), fields...)
}

// runFeedbacks starts the feedback operations that are active for the
// state and cancels the ones that became obsolete.
func (s *MergeService) runFeedbacks(st *State) {
	status := st.Status
	serial := st.statusSerial

	s.schedule(&s.whenStarting, status.Kind == StatusStarting, serial, s.loadPullRequests)

	queue := st.Queue
	var head int
	if len(queue) > 0 {
		head = queue[0].Number
	}
	s.schedule(&s.whenReady, status.Kind == StatusReady, readyKey{statusSerial: serial, head: head},
		func(ctx context.Context) {
			s.startNextIntegration(ctx, queue)
		},
	)

	s.schedule(&s.whenIntegrating, status.Kind == StatusIntegrating, serial,
		func(ctx context.Context) {
			s.integrate(ctx, status.Metadata)
		},
	)

	s.schedule(&s.whenRunningStatusChecks, status.Kind == StatusRunningStatusChecks, serial,
		func(ctx context.Context) {
			s.awaitStatusChecks(ctx, status.Metadata)
		},
	)

	s.schedule(&s.whenIntegrationFailed, status.Kind == StatusIntegrationFailed, serial,
		func(ctx context.Context) {
			s.handleIntegrationFailure(ctx, status.Metadata, status.FailureReason)
		},
	)
}

func (s *MergeService) notifyHealthObservers(status HealthStatus) {
	if status.OK {
		s.logger.Info("merge queue is healthy", logfields.Event("merge_queue_healthy"))
	} else {
		s.logger.Warn(
			"merge queue is unhealthy, it did not change its status for a long time",
			logfields.Event("merge_queue_unhealthy"),
			zap.String("merge_queue.unhealthy_reason", string(status.Reason)),
		)
	}

	for _, obs := range s.healthObservers {
		obs(status)
	}
}
