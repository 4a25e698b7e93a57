package mergequeue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/mergequeue/internal/mergequeue/mocks"
	"github.com/simplesurance/mergequeue/internal/model"
)

var failedIntegrationStatuses = []StatusKind{
	StatusStarting,
	StatusReady,
	StatusIntegrating,
	StatusIntegrationFailed,
	StatusReady,
	StatusIdle,
}

// mockFailureHandling expects the accepted and the failure comment and the
// removal of the integration label.
func mockFailureHandling(clt *mocks.MockGithubClient, prNumber int) *commentRecorder {
	comments := commentRecorder{}
	comments.mock(clt).Times(2)
	clt.EXPECT().
		RemoveLabel(gomock.Any(), gomock.Eq(prNumber), gomock.Eq(integrationLabel)).
		Return(nil).
		Times(1)

	return &comments
}

func runUntilIdle(t *testing.T, svc *MergeService) {
	t.Helper()

	svc.Start()
	waitForStatus(t, svc, StatusIdle)
	svc.Stop()
}

func failedStatus(t *testing.T, rec *stateRecorder) Status {
	t.Helper()

	for _, st := range rec.all() {
		if st.Status.Kind == StatusIntegrationFailed {
			return st.Status
		}
	}

	t.Fatal("integration did not fail")

	return Status{}
}

func mockCheckRuns(clt *mocks.MockGithubClient, checks ...model.StatusCheck) *gomock.Call {
	return clt.EXPECT().
		FetchAllStatusChecks(gomock.Any(), gomock.Any()).
		Return(checks, nil)
}

func mockCommitStatus(clt *mocks.MockGithubClient, state model.CommitState, statuses ...model.CommitStatus) *gomock.Call {
	return clt.EXPECT().
		FetchCommitStatus(gomock.Any(), gomock.Any()).
		Return(model.CombinedStatus{State: state, Statuses: statuses}, nil)
}

func TestSynchronizationTimeoutFailsIntegration(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := newPR(1)
	behind := metadata(pr, model.MergeStateBehind)

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, behind).Times(1)
	ghClient.EXPECT().
		Merge(gomock.Any(), gomock.Eq("main"), gomock.Eq("feature")).
		Return(model.MergeResultSuccess, nil).
		Times(1)
	mockFailureHandling(ghClient, 1)

	tm := testTimings()
	tm.synchronizationTimeout = 50 * time.Millisecond

	svc, rec := newTestMergeService(t, ghClient, []model.PullRequest{pr}, testConfig(), withTimings(tm))
	runUntilIdle(t, svc)

	assert.Equal(t, failedIntegrationStatuses, rec.statuses())

	failed := failedStatus(t, rec)
	assert.Equal(t, FailureSynchronizationFailed, failed.FailureReason)
	assert.Equal(t, behind, failed.Metadata)
}

func TestUpToDateBranchStartsStatusChecks(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := newPR(1)
	behind := metadata(pr, model.MergeStateBehind)

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, behind).Times(1)
	ghClient.EXPECT().
		Merge(gomock.Any(), gomock.Eq("main"), gomock.Eq("feature")).
		Return(model.MergeResultUpToDate, nil).
		Times(1)
	ghClient.EXPECT().PostComment(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	// no synchronize event is awaited and the status checks are not
	// evaluated during the test
	tm := testTimings()
	tm.synchronizationTimeout = time.Hour
	tm.statusChecksDebounce = time.Hour

	svc, rec := newTestMergeService(t, ghClient, []model.PullRequest{pr}, testConfig(), withTimings(tm))
	svc.Start()

	waitForStatus(t, svc, StatusRunningStatusChecks)
	svc.Stop()

	assert.Equal(t,
		[]StatusKind{StatusStarting, StatusReady, StatusIntegrating, StatusRunningStatusChecks},
		rec.statuses(),
	)
	assert.Equal(t, behind, rec.all()[3].Status.Metadata)
}

func TestFailedMergeFailsIntegration(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := newPR(1)
	clean := metadata(pr, model.MergeStateClean)

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, clean).Times(1)
	ghClient.EXPECT().
		MergePullRequest(gomock.Any(), gomock.Any()).
		Return(errors.New("405 Method Not Allowed: head branch was modified")).
		Times(1)
	comments := mockFailureHandling(ghClient, 1)

	svc, rec := newTestMergeService(t, ghClient, []model.PullRequest{pr}, testConfig())
	runUntilIdle(t, svc)

	assert.Equal(t, failedIntegrationStatuses, rec.statuses())
	assert.Equal(t, FailureMergeFailed, failedStatus(t, rec).FailureReason)
	assert.Len(t, comments.get(1), 2)
}

func TestFailedBranchDeletionIsIgnored(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := newPR(1)

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, metadata(pr, model.MergeStateClean)).Times(1)
	ghClient.EXPECT().MergePullRequest(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	ghClient.EXPECT().
		DeleteBranch(gomock.Any(), gomock.Eq("feature")).
		Return(errors.New("422 Reference does not exist")).
		Times(1)
	comments := commentRecorder{}
	comments.mock(ghClient).Times(1)

	svc, rec := newTestMergeService(t, ghClient, []model.PullRequest{pr}, testConfig())
	runUntilIdle(t, svc)

	assert.Equal(t,
		[]StatusKind{StatusStarting, StatusReady, StatusIntegrating, StatusReady, StatusIdle},
		rec.statuses(),
	)
}

func TestBlockedPullRequestIsMergedWhenItBecameClean(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := newPR(1)
	blocked := metadata(pr, model.MergeStateBlocked)
	clean := metadata(pr, model.MergeStateClean)

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, blocked).Times(1)
	mockFetchPullRequest(ghClient, clean).Times(1)
	mockCheckRuns(ghClient, model.StatusCheck{Name: "ci", State: model.CheckStateSuccess, Required: true}).Times(1)
	mockCommitStatus(ghClient, model.CommitStateSuccess, commitStatus("ci", model.CommitStateSuccess)).Times(1)
	mockSuccessfulMerge(ghClient, pr)
	comments := commentRecorder{}
	comments.mock(ghClient).Times(1)

	svc, rec := newTestMergeService(t, ghClient, []model.PullRequest{pr}, testConfig())
	runUntilIdle(t, svc)

	assert.Equal(t,
		[]StatusKind{StatusStarting, StatusReady, StatusIntegrating, StatusIntegrating, StatusReady, StatusIdle},
		rec.statuses(),
	)

	states := rec.all()
	assert.Equal(t, blocked, states[2].Status.Metadata)
	assert.Equal(t, clean, states[3].Status.Metadata)
	assert.NotEqual(t, states[2].statusSerial, states[3].statusSerial)
}

func TestBlockedPullRequestWithPassedChecksFails(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := newPR(1)
	blocked := metadata(pr, model.MergeStateBlocked)

	refreshed := blocked
	refreshed.Reference.Source.SHA = "def"

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, blocked).Times(1)
	mockFetchPullRequest(ghClient, refreshed).Times(1)
	mockCheckRuns(ghClient, model.StatusCheck{Name: "ci", State: model.CheckStateSuccess, Required: true}).Times(1)
	mockCommitStatus(ghClient, model.CommitStateSuccess, commitStatus("ci", model.CommitStateSuccess)).Times(1)
	comments := mockFailureHandling(ghClient, 1)

	svc, rec := newTestMergeService(t, ghClient, []model.PullRequest{pr}, testConfig())
	runUntilIdle(t, svc)

	assert.Equal(t, failedIntegrationStatuses, rec.statuses())

	failed := failedStatus(t, rec)
	assert.Equal(t, FailureBlocked, failed.FailureReason)
	assert.Equal(t, refreshed, failed.Metadata)

	assert.Contains(t, strings.Join(comments.get(1), "\n"), FailureBlocked.Description())
}

func TestStatusRetrievalErrorFailsBlockedIntegration(t *testing.T) {
	pr := newPR(1)
	blocked := metadata(pr, model.MergeStateBlocked)
	errFetch := errors.New("502 Bad Gateway")
	successfulCheck := model.StatusCheck{Name: "ci", State: model.CheckStateSuccess, Required: true}

	tcs := []struct {
		name string
		mock func(clt *mocks.MockGithubClient)
	}{
		{
			name: "check runs",
			mock: func(clt *mocks.MockGithubClient) {
				clt.EXPECT().FetchAllStatusChecks(gomock.Any(), gomock.Any()).Return(nil, errFetch).Times(1)
			},
		},
		{
			name: "commit status",
			mock: func(clt *mocks.MockGithubClient) {
				mockCheckRuns(clt, successfulCheck).Times(1)
				clt.EXPECT().
					FetchCommitStatus(gomock.Any(), gomock.Any()).
					Return(model.CombinedStatus{}, errFetch).
					Times(1)
			},
		},
		{
			name: "pull request",
			mock: func(clt *mocks.MockGithubClient) {
				mockCheckRuns(clt, successfulCheck).Times(1)
				mockCommitStatus(clt, model.CommitStateSuccess, commitStatus("ci", model.CommitStateSuccess)).Times(1)
				clt.EXPECT().
					FetchPullRequest(gomock.Any(), gomock.Eq(1)).
					Return(model.PullRequestMetadata{}, errFetch).
					Times(1)
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

			mockctrl := gomock.NewController(t)
			ghClient := mocks.NewMockGithubClient(mockctrl)
			mockFetchPullRequest(ghClient, blocked).Times(1)
			tc.mock(ghClient)
			mockFailureHandling(ghClient, 1)

			svc, rec := newTestMergeService(t, ghClient, []model.PullRequest{pr}, testConfig())
			runUntilIdle(t, svc)

			assert.Equal(t, failedIntegrationStatuses, rec.statuses())

			failed := failedStatus(t, rec)
			assert.Equal(t, FailureCheckingCommitChecksFailed, failed.FailureReason)
			assert.Equal(t, blocked, failed.Metadata)
		})
	}
}

func TestUnstablePullRequestIsMergedWhenNotAllChecksAreRequired(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := newPR(1)

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, metadata(pr, model.MergeStateUnstable)).Times(1)
	mockSuccessfulMerge(ghClient, pr)
	comments := commentRecorder{}
	comments.mock(ghClient).Times(1)

	cfg := testConfig()
	cfg.RequiresAllStatusChecks = false

	svc, rec := newTestMergeService(t, ghClient, []model.PullRequest{pr}, cfg)
	runUntilIdle(t, svc)

	assert.Equal(t,
		[]StatusKind{StatusStarting, StatusReady, StatusIntegrating, StatusReady, StatusIdle},
		rec.statuses(),
	)
}

func TestUnstablePullRequestIsCheckedWhenAllChecksAreRequired(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := newPR(1)

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, metadata(pr, model.MergeStateUnstable)).Times(1)
	mockCheckRuns(ghClient,
		model.StatusCheck{Name: "ci", State: model.CheckStateSuccess, Required: true},
		model.StatusCheck{Name: "lint", State: model.CheckStateFailure, Required: true},
	).Times(1)
	mockFailureHandling(ghClient, 1)

	cfg := testConfig()
	cfg.RequiresAllStatusChecks = true

	svc, rec := newTestMergeService(t, ghClient, []model.PullRequest{pr}, cfg)
	runUntilIdle(t, svc)

	assert.Equal(t, failedIntegrationStatuses, rec.statuses())
	assert.Equal(t, FailureChecksFailing, failedStatus(t, rec).FailureReason)
}

func TestRequiredCheckRunIsAwaited(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := newPR(1)
	blocked := metadata(pr, model.MergeStateBlocked)
	clean := metadata(pr, model.MergeStateClean)
	checkRunFetches := atomic.NewInt32(0)

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, blocked).Times(1)
	mockFetchPullRequest(ghClient, clean).AnyTimes()
	ghClient.EXPECT().
		FetchAllStatusChecks(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, model.PullRequest) ([]model.StatusCheck, error) {
			state := model.CheckStateSuccess
			if checkRunFetches.Inc() == 1 {
				state = model.CheckStatePending
			}

			return []model.StatusCheck{{Name: "build", State: state, Required: true}}, nil
		}).
		AnyTimes()
	// the check run is not part of the combined commit status
	mockCommitStatus(ghClient, model.CommitStatePending).AnyTimes()
	ghClient.EXPECT().
		FetchRequiredStatusChecks(gomock.Any(), gomock.Eq("main")).
		Return(model.RequiredStatusChecks{Contexts: []string{"build"}}, nil).
		AnyTimes()
	mockSuccessfulMerge(ghClient, pr)
	comments := commentRecorder{}
	comments.mock(ghClient).Times(1)

	cfg := testConfig()
	cfg.StatusChecksTimeout = 300 * time.Millisecond

	svc, rec := newTestMergeService(t, ghClient, []model.PullRequest{pr}, cfg)
	runUntilIdle(t, svc)

	assert.Equal(t,
		[]StatusKind{
			StatusStarting,
			StatusReady,
			StatusIntegrating,
			StatusRunningStatusChecks,
			StatusIntegrating,
			StatusReady,
			StatusIdle,
		},
		rec.statuses(),
	)
	assert.Equal(t, clean, rec.all()[4].Status.Metadata)
	assert.GreaterOrEqual(t, checkRunFetches.Load(), int32(2))
}

func TestStatusEventsDelayEvaluation(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	pr := newPR(1)
	blocked := metadata(pr, model.MergeStateBlocked)
	clean := metadata(pr, model.MergeStateClean)
	evaluations := atomic.NewInt32(0)
	checkRunFetches := atomic.NewInt32(0)

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockFetchPullRequest(ghClient, blocked).Times(1)
	mockFetchPullRequest(ghClient, clean).AnyTimes()
	ghClient.EXPECT().
		FetchAllStatusChecks(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, model.PullRequest) ([]model.StatusCheck, error) {
			state := model.CheckStateSuccess
			if checkRunFetches.Inc() == 1 {
				state = model.CheckStatePending
			}

			return []model.StatusCheck{{Name: "ci", State: state, Required: true}}, nil
		}).
		AnyTimes()
	ghClient.EXPECT().
		FetchCommitStatus(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, model.PullRequest) (model.CombinedStatus, error) {
			evaluations.Inc()
			return model.CombinedStatus{
				State:    model.CommitStateSuccess,
				Statuses: []model.CommitStatus{commitStatus("ci", model.CommitStateSuccess)},
			}, nil
		}).
		AnyTimes()
	ghClient.EXPECT().
		FetchRequiredStatusChecks(gomock.Any(), gomock.Eq("main")).
		Return(model.RequiredStatusChecks{Contexts: []string{"ci"}}, nil).
		AnyTimes()
	mockSuccessfulMerge(ghClient, pr)
	ghClient.EXPECT().PostComment(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	tm := testTimings()
	tm.statusChecksDebounce = 200 * time.Millisecond

	svc, _ := newTestMergeService(t, ghClient, []model.PullRequest{pr}, testConfig(), withTimings(tm))
	svc.Start()

	waitForStatus(t, svc, StatusRunningStatusChecks)

	for i := 0; i < 20; i++ {
		svc.StatusChecksDidChange(&model.StatusEvent{
			SHA:      pr.Source.SHA,
			Context:  "lint",
			State:    model.CommitStateSuccess,
			Branches: []string{pr.Source.Ref},
		})
		time.Sleep(20 * time.Millisecond)
	}

	assert.Zero(t, evaluations.Load(), "status checks were evaluated while status events were received")

	waitForStatus(t, svc, StatusIdle)
	svc.Stop()

	assert.Equal(t, int32(1), evaluations.Load())
}

func TestTopPriorityLabelReordersQueue(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var once sync.Once
	headChanged := make(chan struct{})

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	mockBlockingFetchPullRequest(ghClient, 1).AnyTimes()
	ghClient.EXPECT().
		FetchPullRequest(gomock.Any(), gomock.Eq(3)).
		DoAndReturn(func(ctx context.Context, _ int) (model.PullRequestMetadata, error) {
			once.Do(func() { close(headChanged) })
			<-ctx.Done()
			return model.PullRequestMetadata{}, ctx.Err()
		}).
		AnyTimes()
	comments := commentRecorder{}
	comments.mock(ghClient).Times(3)

	svc, _ := newTestMergeService(t, ghClient, []model.PullRequest{newPR(1), newPR(2), newPR(3)}, testConfig())
	svc.Start()

	waitForStatus(t, svc, StatusReady)
	require.Equal(t, []int{1, 2, 3}, queueNumbers(svc.State().Queue))

	svc.PullRequestDidChange(&model.PullRequestEvent{
		Action:   model.ActionLabeled,
		Metadata: metadata(newPR(3, topPriorityLabel), model.MergeStateUnknown),
	})

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{3, 1, 2}, queueNumbers(svc.State().Queue))
	}, condWaitTimeout, condCheckInterval)

	select {
	case <-headChanged:
	case <-time.After(condWaitTimeout):
		t.Fatal("integration of the new queue head was not started")
	}

	svc.Stop()

	assert.Equal(t, StatusReady, svc.State().Status.Kind)
	assert.Len(t, comments.get(3), 1, "requeued pull request was announced again")
}
