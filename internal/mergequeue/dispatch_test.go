package mergequeue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/mergequeue/internal/mergequeue/mocks"
	"github.com/simplesurance/mergequeue/internal/model"
	"github.com/simplesurance/mergequeue/internal/retry"
)

func newTestDispatchService(t *testing.T, ghClient GithubClient, cfg *Config, opts ...DispatchOption) *DispatchService {
	t.Helper()

	retryer := retry.NewRetryer(retry.WithTimeout(time.Second), retry.WithBackoffInitialInterval(time.Millisecond))
	t.Cleanup(retryer.Stop)

	d, err := NewDispatchService(ghClient, retryer, cfg, append([]DispatchOption{withDispatchTimings(testTimings())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	return d
}

func prForBranch(number int, source, target string, labels ...string) model.PullRequest {
	pr := newPR(number, labels...)
	pr.Source.Ref = source
	pr.Target.Ref = target

	return pr
}

func waitForQueueStatus(t *testing.T, d *DispatchService, branch string, kind StatusKind) {
	t.Helper()

	require.Eventuallyf(t, func() bool {
		st, err := d.QueueState(branch)
		return err == nil && st.Status.Kind == kind
	}, condWaitTimeout, condCheckInterval, "merge queue of branch %s did not become %s", branch, kind)
}

func TestNewDispatchServiceValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.IntegrationLabel = ""

	_, err := NewDispatchService(nil, retry.NewRetryer(), cfg)
	assert.Error(t, err)
}

func TestStartCreatesQueuesForLabeledPullRequests(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	unlabeled := prForBranch(3, "c", "develop")
	unlabeled.Labels = nil

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	ghClient.EXPECT().
		FetchPullRequests(gomock.Any()).
		Return([]model.PullRequest{
			prForBranch(1, "a", "main"),
			prForBranch(2, "b", "release"),
			unlabeled,
			prForBranch(4, "d", "main"),
		}, nil).
		Times(1)
	mockBlockingFetchPullRequest(ghClient, 1).AnyTimes()
	mockBlockingFetchPullRequest(ghClient, 2).AnyTimes()
	ghClient.EXPECT().PostComment(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	d := newTestDispatchService(t, ghClient, testConfig())
	d.Start(context.Background())

	waitForQueueStatus(t, d, "main", StatusReady)
	waitForQueueStatus(t, d, "release", StatusReady)

	_, err := d.QueueState("develop")
	assert.ErrorIs(t, err, ErrNotFound)

	mainState, err := d.QueueState("main")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, queueNumbers(mainState.Queue))

	desc := d.QueuesDescription()
	assert.Contains(t, desc, "main: ready")
	assert.Contains(t, desc, "release: ready")
	assert.Less(t, strings.Index(desc, "main:"), strings.Index(desc, "release:"))
}

func TestStartWithFailingSnapshot(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	ghClient.EXPECT().FetchPullRequests(gomock.Any()).Return(nil, errors.New("broken")).Times(1)

	d := newTestDispatchService(t, ghClient, testConfig())
	d.Start(context.Background())

	assert.Equal(t, "no merge queues exist\n", d.QueuesDescription())
}

func TestPullRequestEventCreatesQueue(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := prForBranch(1, "feature", "main")
	unlabeled := prForBranch(2, "other", "release")
	unlabeled.Labels = nil

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockBlockingFetchPullRequest(ghClient, 1).AnyTimes()
	ghClient.EXPECT().PostComment(gomock.Any(), gomock.Eq(1), gomock.Any()).Return(nil).Times(1)

	d := newTestDispatchService(t, ghClient, testConfig())

	events, cancel := d.Subscribe()
	t.Cleanup(cancel)

	d.ProcessEvent(&model.PullRequestEvent{Action: model.ActionLabeled, Metadata: metadata(unlabeled, model.MergeStateClean)})
	d.ProcessEvent(&model.PullRequestEvent{Action: model.ActionLabeled, Metadata: metadata(pr, model.MergeStateClean)})

	waitForQueueStatus(t, d, "main", StatusReady)

	_, err := d.QueueState("release")
	assert.ErrorIs(t, err, ErrNotFound)

	ev := <-events
	assert.Equal(t, LifecycleCreated, ev.Type)
	assert.Equal(t, "main", ev.Branch)
	assert.NotEmpty(t, ev.ServiceID)

	ev = <-events
	assert.Equal(t, LifecycleStateChanged, ev.Type)
	assert.Equal(t, StatusStarting, ev.State.Status.Kind)

	ev = <-events
	assert.Equal(t, LifecycleStateChanged, ev.Type)
	assert.Equal(t, StatusReady, ev.State.Status.Kind)
	assert.Equal(t, []int{1}, queueNumbers(ev.State.Queue))
}

func TestIdleQueueRemovalIsDebounced(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := prForBranch(1, "feature", "main")
	unlabeled := metadata(pr, model.MergeStateClean)
	unlabeled.Reference.Labels = nil

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, unlabeled).Times(1)
	ghClient.EXPECT().PostComment(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	cfg := testConfig()
	cfg.IdleCleanupDelay = 200 * time.Millisecond

	d := newTestDispatchService(t, ghClient, cfg)

	events, cancel := d.Subscribe()
	t.Cleanup(cancel)

	d.ProcessEvent(&model.PullRequestEvent{Action: model.ActionLabeled, Metadata: metadata(pr, model.MergeStateClean)})
	waitForQueueStatus(t, d, "main", StatusIdle)

	// events that do not change the queue restart the removal delay
	for i := 0; i < 6; i++ {
		time.Sleep(cfg.IdleCleanupDelay / 4)
		d.ProcessEvent(&model.PullRequestEvent{Action: model.ActionSynchronize, Metadata: unlabeled})
	}

	_, err := d.QueueState("main")
	require.NoError(t, err, "idle merge queue was removed before the delay elapsed")

	require.Eventually(t, func() bool {
		_, err := d.QueueState("main")
		return errors.Is(err, ErrNotFound)
	}, condWaitTimeout, condCheckInterval)

	var destroyed bool
	for !destroyed {
		select {
		case ev := <-events:
			destroyed = ev.Type == LifecycleDestroyed && ev.Branch == "main"
		case <-time.After(condWaitTimeout):
			t.Fatal("destroyed lifecycle event was not sent")
		}
	}
}

func TestIdleQueueIsReusedWhenPullRequestIsQueued(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := prForBranch(1, "feature", "main")
	unlabeled := metadata(pr, model.MergeStateClean)
	unlabeled.Reference.Labels = nil

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, unlabeled).Times(1)
	mockBlockingFetchPullRequest(ghClient, 2).AnyTimes()
	ghClient.EXPECT().PostComment(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	cfg := testConfig()
	cfg.IdleCleanupDelay = 100 * time.Millisecond

	d := newTestDispatchService(t, ghClient, cfg)

	d.ProcessEvent(&model.PullRequestEvent{Action: model.ActionLabeled, Metadata: metadata(pr, model.MergeStateClean)})
	waitForQueueStatus(t, d, "main", StatusIdle)

	serviceID := func() string {
		d.lock.Lock()
		defer d.lock.Unlock()

		entry, exists := d.services["main"]
		if !exists {
			return ""
		}

		return entry.svc.ID()
	}

	idleServiceID := serviceID()
	require.NotEmpty(t, idleServiceID)

	second := prForBranch(2, "feature-2", "main")
	d.ProcessEvent(&model.PullRequestEvent{Action: model.ActionLabeled, Metadata: metadata(second, model.MergeStateClean)})
	waitForQueueStatus(t, d, "main", StatusReady)

	time.Sleep(2 * cfg.IdleCleanupDelay)

	st, err := d.QueueState("main")
	require.NoError(t, err, "merge queue was removed while it was not idle")
	assert.Equal(t, StatusReady, st.Status.Kind)
	assert.Equal(t, []int{2}, queueNumbers(st.Queue))
	assert.Equal(t, idleServiceID, serviceID())
}

func TestStatusEventsAreRoutedToIntegratingQueue(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	integrated := prForBranch(1, "feature", "main")
	waiting := prForBranch(2, "feature", "release")

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	ghClient.EXPECT().
		FetchPullRequests(gomock.Any()).
		Return([]model.PullRequest{integrated, waiting}, nil).
		Times(1)
	mockFetchPullRequest(ghClient, metadata(integrated, model.MergeStateBlocked)).AnyTimes()
	mockBlockingFetchPullRequest(ghClient, 2).AnyTimes()
	ghClient.EXPECT().
		FetchAllStatusChecks(gomock.Any(), gomock.Any()).
		Return([]model.StatusCheck{{Name: "ci", State: model.CheckStatePending, Required: true}}, nil).
		Times(1)
	ghClient.EXPECT().PostComment(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	tm := testTimings()
	tm.statusChecksDebounce = time.Hour

	d := newTestDispatchService(t, ghClient, testConfig(), withDispatchTimings(tm))
	d.Start(context.Background())

	waitForQueueStatus(t, d, "main", StatusRunningStatusChecks)
	waitForQueueStatus(t, d, "release", StatusReady)

	d.lock.Lock()
	mainSub := d.services["main"].svc.statusEvents.subscribe()
	releaseSub := d.services["release"].svc.statusEvents.subscribe()
	d.lock.Unlock()
	t.Cleanup(mainSub.cancel)
	t.Cleanup(releaseSub.cancel)

	otherBranch := &model.StatusEvent{SHA: "123", Context: "ci", State: model.CommitStateSuccess, Branches: []string{"unrelated"}}
	d.ProcessEvent(otherBranch)

	ev := &model.StatusEvent{SHA: "123", Context: "ci", State: model.CommitStateSuccess, Branches: []string{"feature"}}
	d.ProcessEvent(ev)

	select {
	case received := <-mainSub.C:
		assert.Equal(t, ev, received)
	case <-time.After(condWaitTimeout):
		t.Fatal("status event was not routed to the integrating merge queue")
	}

	assert.Empty(t, mainSub.C)
	assert.Empty(t, releaseSub.C)
}

func TestEventLoopTerminatesOnStop(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	d := newTestDispatchService(t, ghClient, testConfig())

	ch := make(chan model.Event)
	done := make(chan struct{})
	go func() {
		d.EventLoop(ch)
		close(done)
	}()

	ch <- &model.PingEvent{Zen: "zen"}

	d.Stop()

	select {
	case <-done:
	case <-time.After(condWaitTimeout):
		t.Fatal("event loop did not terminate")
	}
}

func TestHTTPHandlers(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockBlockingFetchPullRequest(ghClient, 1).AnyTimes()
	ghClient.EXPECT().PostComment(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	d := newTestDispatchService(t, ghClient, testConfig())

	d.ProcessEvent(&model.PullRequestEvent{
		Action:   model.ActionOpened,
		Metadata: metadata(prForBranch(1, "feature", "main"), model.MergeStateClean),
	})
	waitForQueueStatus(t, d, "main", StatusReady)

	rec := httptest.NewRecorder()
	d.HTTPHandlerList(rec, httptest.NewRequest(http.MethodGet, "/queues", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "main: ready")
	assert.Contains(t, rec.Body.String(), "#1 pull request (octocat)")

	rec = httptest.NewRecorder()
	d.HTTPHandlerList(rec, httptest.NewRequest(http.MethodGet, "/queues?branch=develop", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	d.HTTPHandlerHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\nmain: ok\n", rec.Body.String())
}
