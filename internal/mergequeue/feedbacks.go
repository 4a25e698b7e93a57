package mergequeue

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/githubclt"
	"github.com/simplesurance/mergequeue/internal/logfields"
	"github.com/simplesurance/mergequeue/internal/model"
)

func (s *MergeService) loadPullRequests(ctx context.Context) {
	s.logger.Debug(
		"loading pull requests",
		logfields.Event("merge_queue_loading_pull_requests"),
		zap.Int("merge_queue.length", len(s.initialPRs)),
	)

	s.emit(ctx, &EventPullRequestsLoaded{PullRequests: s.initialPRs})
}

// startNextIntegration retrieves the current metadata of the first pull
// request in the queue and starts its integration.
func (s *MergeService) startNextIntegration(ctx context.Context, queue []model.PullRequest) {
	if len(queue) == 0 {
		s.emit(ctx, &EventNoMorePullRequests{})
		return
	}

	head := queue[0]
	logger := s.logger.With(head.LogFields()...)

	md, err := s.ghClient.FetchPullRequest(ctx, head.Number)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		logger.Warn(
			"retrieving pull request failed, starting integration with unknown merge state",
			logfields.Event("github_fetch_pull_request_failed"),
			zap.Error(err),
		)

		s.emit(ctx, &EventIntegrate{
			Metadata: model.PullRequestMetadata{Reference: head, MergeState: model.MergeStateUnknown},
		})
		return
	}

	if !md.Reference.HasLabel(s.cfg.IntegrationLabel) || md.Reference.Target.Ref != s.branch {
		logger.Info(
			"pull request is not labeled for integration into the branch anymore, removing it from the queue",
			logfields.Event("merge_queue_pull_request_outdated"),
			logfields.BaseBranch(md.Reference.Target.Ref),
		)

		s.emit(ctx, &EventPullRequestDidChange{Outcome: OutcomeExclude, PullRequest: head})
		return
	}

	s.emit(ctx, &EventIntegrate{Metadata: md})
}

// integrate runs the integration step for the merge state of the pull
// request.
func (s *MergeService) integrate(ctx context.Context, md model.PullRequestMetadata) {
	logger := s.logger.With(md.LogFields()...)

	switch {
	case md.IsMerged:
		logger.Info("pull request was already merged", logfields.Event("pull_request_already_merged"))
		s.integrationDone(ctx, md)

	case md.MergeState == model.MergeStateClean,
		md.MergeState == model.MergeStateUnstable && !s.cfg.RequiresAllStatusChecks:
		s.mergePullRequest(ctx, logger, md)

	case md.MergeState == model.MergeStateBehind:
		s.synchronize(ctx, logger, md)

	case md.MergeState == model.MergeStateBlocked,
		md.MergeState == model.MergeStateUnstable:
		s.checkBlockedPullRequest(ctx, logger, md)

	case md.MergeState == model.MergeStateDirty:
		s.integrationFailed(ctx, md, FailureConflicts)

	case md.MergeState == model.MergeStateDraft:
		s.integrationFailed(ctx, md, FailureBlocked)

	default:
		s.awaitMergeState(ctx, logger, md)
	}
}

func (s *MergeService) integrationDone(ctx context.Context, md model.PullRequestMetadata) {
	s.emit(ctx, &EventIntegrationDidChangeStatus{Status: IntegrationDone, Metadata: md})
}

func (s *MergeService) integrationUpdating(ctx context.Context, md model.PullRequestMetadata) {
	s.emit(ctx, &EventIntegrationDidChangeStatus{Status: IntegrationUpdating, Metadata: md})
}

func (s *MergeService) integrationFailed(ctx context.Context, md model.PullRequestMetadata, reason FailureReason) {
	s.emit(ctx, &EventIntegrationDidChangeStatus{Status: IntegrationFailed, Reason: reason, Metadata: md})
}

func (s *MergeService) mergePullRequest(ctx context.Context, logger *zap.Logger, md model.PullRequestMetadata) {
	pr := &md.Reference

	if err := s.ghClient.MergePullRequest(ctx, *pr); err != nil {
		if ctx.Err() != nil {
			return
		}

		logger.Info(
			"merging pull request failed",
			logfields.Event("github_merge_pull_request_failed"),
			zap.Error(err),
		)

		s.integrationFailed(ctx, md, FailureMergeFailed)
		return
	}

	logger.Info("pull request merged", logfields.Event("pull_request_merged"))

	if err := s.ghClient.DeleteBranch(ctx, pr.Source.Ref); err != nil {
		logger.Warn(
			"deleting pull request branch failed",
			logfields.Event("github_delete_branch_failed"),
			zap.Error(err),
		)
	}

	s.integrationDone(ctx, md)
}

// synchronize merges the target branch into the pull request branch and
// waits until GitHub reported the update of the pull request.
func (s *MergeService) synchronize(ctx context.Context, logger *zap.Logger, md model.PullRequestMetadata) {
	pr := &md.Reference

	// subscribe before merging, the synchronize event can arrive before
	// Merge returns
	sub := s.prChanges.subscribe()
	defer sub.cancel()

	result, err := s.ghClient.Merge(ctx, pr.Target.Ref, pr.Source.Ref)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		logger.Info(
			"updating pull request branch failed",
			logfields.Event("github_branch_update_failed"),
			zap.Error(err),
		)

		s.integrationFailed(ctx, md, FailureSynchronizationFailed)
		return
	}

	switch result {
	case model.MergeResultConflict:
		logger.Info("pull request branch has merge conflicts", logfields.Event("github_branch_update_conflict"))
		s.integrationFailed(ctx, md, FailureConflicts)
		return

	case model.MergeResultUpToDate:
		logger.Debug("pull request branch is up to date", logfields.Event("github_branch_up_to_date"))
		s.integrationUpdating(ctx, md)
		return
	}

	logger.Info(
		"pull request branch was updated, waiting for synchronization",
		logfields.Event("github_branch_updated"),
	)

	timer := time.NewTimer(s.timings.synchronizationTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			logger.Info(
				"pull request was not synchronized in time",
				logfields.Event("pull_request_synchronization_timeout"),
				zap.Duration("timeout", s.timings.synchronizationTimeout),
			)

			s.integrationFailed(ctx, md, FailureSynchronizationFailed)
			return

		case ev := <-sub.C:
			if ev.Action != model.ActionSynchronize ||
				ev.Metadata.Reference.Number != pr.Number ||
				ev.Metadata.Reference.Source.Ref != pr.Source.Ref {
				continue
			}

			logger.Debug(
				"pull request was synchronized",
				logfields.Event("pull_request_synchronized"),
				logfields.Commit(ev.Metadata.Reference.Source.SHA),
			)

			s.integrationUpdating(ctx, ev.Metadata)
			return
		}
	}
}

// checkBlockedPullRequest finds out why a pull request can not be merged.
// Pending status checks are awaited. When all checks succeeded, the
// integration is retried if GitHub reports the pull request as mergeable
// now.
func (s *MergeService) checkBlockedPullRequest(ctx context.Context, logger *zap.Logger, md model.PullRequestMetadata) {
	pr := &md.Reference

	fetchFailed := func(what string, err error) {
		if ctx.Err() != nil {
			return
		}

		logger.Info(
			"retrieving "+what+" failed",
			logfields.Event("github_fetch_status_failed"),
			zap.Error(err),
		)

		s.integrationFailed(ctx, md, FailureCheckingCommitChecksFailed)
	}

	checks, err := s.ghClient.FetchAllStatusChecks(ctx, *pr)
	if err != nil {
		fetchFailed("status checks", err)
		return
	}

	switch githubclt.OverallCheckState(checks) {
	case model.CheckStatePending:
		logger.Debug("status checks are pending", logfields.Event("status_checks_pending"))
		s.integrationUpdating(ctx, md)
		return

	case model.CheckStateFailure:
		s.integrationFailed(ctx, md, FailureChecksFailing)
		return
	}

	status, err := s.ghClient.FetchCommitStatus(ctx, *pr)
	if err != nil {
		fetchFailed("commit status", err)
		return
	}

	switch status.State {
	case model.CommitStatePending:
		// GitHub reports pending for commits without any status
		if len(status.Statuses) > 0 {
			s.integrationUpdating(ctx, md)
			return
		}

	case model.CommitStateFailure, model.CommitStateError:
		s.integrationFailed(ctx, md, FailureChecksFailing)
		return
	}

	refreshed, err := s.ghClient.FetchPullRequest(ctx, pr.Number)
	if err != nil {
		fetchFailed("pull request", err)
		return
	}

	if refreshed.MergeState == model.MergeStateClean {
		s.emit(ctx, &EventRetryIntegration{Metadata: refreshed})
		return
	}

	logger.Info(
		"pull request is blocked",
		logfields.Event("pull_request_blocked"),
		logfields.MergeState(string(refreshed.MergeState)),
	)

	s.integrationFailed(ctx, refreshed, FailureBlocked)
}

// awaitMergeState retrieves the pull request repeatedly until GitHub
// computed its merge state.
func (s *MergeService) awaitMergeState(ctx context.Context, logger *zap.Logger, md model.PullRequestMetadata) {
	timer := time.NewTimer(s.timings.unknownRetryDelay)
	defer timer.Stop()

	for attempt := 1; attempt <= s.timings.unknownRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		refreshed, err := s.ghClient.FetchPullRequest(ctx, md.Reference.Number)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			logger.Info(
				"retrieving pull request failed",
				logfields.Event("github_fetch_pull_request_failed"),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else if refreshed.MergeState != model.MergeStateUnknown {
			s.emit(ctx, &EventRetryIntegration{Metadata: refreshed})
			return
		}

		timer.Reset(s.timings.unknownRetryDelay)
	}

	logger.Info(
		"merge state of pull request is still unknown, giving up",
		logfields.Event("pull_request_merge_state_unknown"),
		zap.Int("attempts", s.timings.unknownRetries),
	)

	s.integrationFailed(ctx, md, FailureUnknown)
}

// awaitStatusChecks waits until the status checks of the pull request
// completed.
// The checks are evaluated when no status change happened for the debounce
// duration. As long as they are pending they are evaluated again
// periodically, commit status events are not sent for check runs.
func (s *MergeService) awaitStatusChecks(ctx context.Context, md model.PullRequestMetadata) {
	logger := s.logger.With(md.LogFields()...)

	timeoutCtx, cancel := context.WithTimeout(ctx, s.cfg.StatusChecksTimeout)
	defer cancel()

	sub := s.statusEvents.subscribe()
	defer sub.cancel()

	debounce := time.NewTimer(s.timings.statusChecksDebounce)
	defer debounce.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return
			}

			logger.Info(
				"status checks did not complete in time",
				logfields.Event("status_checks_timeout"),
				zap.Duration("timeout", s.cfg.StatusChecksTimeout),
			)

			s.emit(ctx, &EventStatusChecksDidComplete{Result: ChecksTimedOut, Metadata: md})
			return

		case ev := <-sub.C:
			if ev.State == model.CommitStatePending || !isStatusOf(ev, &md.Reference) {
				continue
			}

			logger.Debug(
				"status check completed",
				logfields.Event("status_check_completed"),
				logfields.StatusContext(ev.Context),
				zap.String("github.status_state", string(ev.State)),
			)

			debounce.Reset(s.timings.statusChecksDebounce)

		case <-debounce.C:
			result, refreshed, completed := s.evaluateStatusChecks(timeoutCtx, logger, md)
			if !completed {
				debounce.Reset(s.timings.statusChecksDebounce)
				continue
			}

			s.emit(ctx, &EventStatusChecksDidComplete{Result: result, Metadata: refreshed})
			return
		}
	}
}

func isStatusOf(ev *model.StatusEvent, pr *model.PullRequest) bool {
	if pr.Source.SHA != "" && ev.SHA == pr.Source.SHA {
		return true
	}

	return slices.Contains(ev.Branches, pr.Source.Ref)
}

// evaluateStatusChecks retrieves the current status of the pull request.
// completed is false if the checks are pending or the status could not be
// retrieved.
func (s *MergeService) evaluateStatusChecks(
	ctx context.Context,
	logger *zap.Logger,
	md model.PullRequestMetadata,
) (result ChecksResult, refreshed model.PullRequestMetadata, completed bool) {
	logFetchErr := func(what string, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}

		logger.Info(
			"retrieving "+what+" failed, evaluating status checks later again",
			logfields.Event("github_fetch_status_failed"),
			zap.Error(err),
		)
	}

	refreshed, err := s.ghClient.FetchPullRequest(ctx, md.Reference.Number)
	if err != nil {
		logFetchErr("pull request", err)
		return 0, md, false
	}

	if refreshed.IsMerged {
		return ChecksPassed, refreshed, true
	}

	status, err := s.ghClient.FetchCommitStatus(ctx, refreshed.Reference)
	if err != nil {
		logFetchErr("commit status", err)
		return 0, md, false
	}

	checks, err := s.ghClient.FetchAllStatusChecks(ctx, refreshed.Reference)
	if err != nil {
		logFetchErr("check runs", err)
		return 0, md, false
	}

	var required []string
	if !s.cfg.RequiresAllStatusChecks {
		requiredChecks, err := s.ghClient.FetchRequiredStatusChecks(ctx, s.branch)
		if err != nil {
			logFetchErr("required status checks", err)
			return 0, md, false
		}

		required = requiredChecks.Contexts
	}

	state := consolidatedCommitState(&status, checks, required, s.cfg.RequiresAllStatusChecks)

	logger.Debug(
		"evaluated status checks",
		logfields.Event("status_checks_evaluated"),
		zap.String("github.status_state", string(state)),
	)

	switch state {
	case model.CommitStateSuccess:
		return ChecksPassed, refreshed, true
	case model.CommitStateFailure:
		return ChecksFailed, refreshed, true
	default:
		return 0, refreshed, false
	}
}

// handleIntegrationFailure notifies the author about the failed
// integration and removes the integration label from the pull request.
func (s *MergeService) handleIntegrationFailure(ctx context.Context, md model.PullRequestMetadata, reason FailureReason) {
	pr := &md.Reference
	logger := s.logger.With(md.LogFields()...).With(logfields.FailureReason(reason.String()))

	logger.Info("integration of pull request failed", logfields.Event("integration_failed"))

	opCtx, cancel := context.WithTimeout(ctx, s.timings.commentTimeout)
	defer cancel()

	if err := s.ghClient.PostComment(opCtx, pr.Number, failureComment(pr, reason, s.cfg.IntegrationLabel)); err != nil {
		logger.Warn(
			"posting integration failure comment failed",
			logfields.Event("github_comment_failed"),
			zap.Error(err),
		)
	}

	if err := s.ghClient.RemoveLabel(opCtx, pr.Number, s.cfg.IntegrationLabel); err != nil {
		logger.Warn(
			"removing integration label failed",
			logfields.Event("github_remove_label_failed"),
			logfields.Label(s.cfg.IntegrationLabel),
			zap.Error(err),
		)
	}

	s.emit(ctx, &EventIntegrationFailureHandled{})
}

// announceQueuedPullRequests posts a comment on every pull request that was
// added to the queue.
func (s *MergeService) announceQueuedPullRequests(prev, next *State) {
	if next.Status.Kind == StatusStarting {
		return
	}

	var known map[int]struct{}
	if prev != nil && prev.Status.Kind != StatusStarting {
		known = make(map[int]struct{}, len(prev.Queue))
		for _, pr := range prev.Queue {
			known[pr.Number] = struct{}{}
		}
	}

	inFlight := next.Status.hasIntegration()

	for i, pr := range next.Queue {
		if _, exists := known[pr.Number]; exists {
			continue
		}

		s.queueComment(pr, acceptedComment(i, inFlight))
	}
}

func (s *MergeService) queueComment(pr model.PullRequest, comment string) {
	logger := s.logger.With(pr.LogFields()...)

	s.commentPool.Queue(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timings.commentTimeout)
		defer cancel()

		if err := s.ghClient.PostComment(ctx, pr.Number, comment); err != nil {
			logger.Warn(
				"posting comment failed",
				logfields.Event("github_comment_failed"),
				zap.Error(err),
			)
			return
		}

		logger.Debug("posted comment", logfields.Event("github_comment_posted"))
	})
}
