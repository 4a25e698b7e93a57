package mergequeue

import (
	"reflect"

	"github.com/simplesurance/mergequeue/internal/model"
)

// Reduce returns the state that results from applying ev to state.
// It has no side effects, state is not modified.
// Events that are not applicable in the current status are ignored, except
// queue changes which are always applied.
func Reduce(state State, ev Event) State {
	next := reduce(state, ev)

	if !reflect.DeepEqual(next.Status, state.Status) || isAppliedRetry(&state, ev) {
		next.statusSerial = state.statusSerial + 1
	}

	return next
}

func reduce(state State, ev Event) State {
	status := &state.Status

	switch ev := ev.(type) {
	case *EventPullRequestsLoaded:
		if status.Kind != StatusStarting {
			return state
		}

		state.Queue = include(&state, state.Queue, ev.PullRequests...)
		if len(state.Queue) == 0 {
			state.Status = Status{Kind: StatusIdle}
		} else {
			state.Status = Status{Kind: StatusReady}
		}

		return state

	case *EventNoMorePullRequests:
		// a pull request might have been queued after the event was
		// emitted, the state stays ready then
		if status.Kind == StatusReady && len(state.Queue) == 0 {
			state.Status = Status{Kind: StatusIdle}
		}

		return state

	case *EventPullRequestDidChange:
		return reducePullRequestChange(state, ev)

	case *EventIntegrate:
		if status.Kind != StatusReady {
			return state
		}

		state.Queue = exclude(state.Queue, ev.Metadata.Reference.Number)
		state.Status = Status{Kind: StatusIntegrating, Metadata: ev.Metadata}

		return state

	case *EventRetryIntegration:
		if !isIntegrationOf(status, StatusIntegrating, &ev.Metadata) {
			return state
		}

		state.Status = Status{Kind: StatusIntegrating, Metadata: ev.Metadata}

		return state

	case *EventIntegrationDidChangeStatus:
		if !isIntegrationOf(status, StatusIntegrating, &ev.Metadata) {
			return state
		}

		switch ev.Status {
		case IntegrationDone:
			state.Status = Status{Kind: StatusReady}
		case IntegrationFailed:
			state.Status = Status{Kind: StatusIntegrationFailed, Metadata: ev.Metadata, FailureReason: ev.Reason}
		case IntegrationUpdating:
			state.Status = Status{Kind: StatusRunningStatusChecks, Metadata: ev.Metadata}
		}

		return state

	case *EventStatusChecksDidComplete:
		if !isIntegrationOf(status, StatusRunningStatusChecks, &ev.Metadata) {
			return state
		}

		switch ev.Result {
		case ChecksPassed:
			state.Status = Status{Kind: StatusIntegrating, Metadata: ev.Metadata}
		case ChecksFailed:
			state.Status = Status{Kind: StatusIntegrationFailed, Metadata: ev.Metadata, FailureReason: FailureChecksFailing}
		case ChecksTimedOut:
			state.Status = Status{Kind: StatusIntegrationFailed, Metadata: ev.Metadata, FailureReason: FailureTimedOut}
		}

		return state

	case *EventIntegrationFailureHandled:
		if status.Kind == StatusIntegrationFailed {
			state.Status = Status{Kind: StatusReady}
		}

		return state

	default:
		return state
	}
}

func reducePullRequestChange(state State, ev *EventPullRequestDidChange) State {
	pr := &ev.PullRequest

	switch ev.Outcome {
	case OutcomeInclude:
		// the pull request that is integrated must not be queued
		// again, after its integration failed it can be
		if isIntegrationInProgress(&state.Status, pr.Number) {
			return state
		}

		state.Queue = include(&state, state.Queue, *pr)

		if state.Status.Kind == StatusIdle {
			state.Status = Status{Kind: StatusReady}
		}

	case OutcomeExclude:
		state.Queue = exclude(state.Queue, pr.Number)

		if isIntegrationInProgress(&state.Status, pr.Number) {
			state.Status = Status{Kind: StatusReady}
		}
	}

	return state
}

// isAppliedRetry returns true if ev restarts the current integration.
// The status might not change, the integration must be started again anyway.
func isAppliedRetry(state *State, ev Event) bool {
	retry, ok := ev.(*EventRetryIntegration)
	return ok && isIntegrationOf(&state.Status, StatusIntegrating, &retry.Metadata)
}

func isIntegrationInProgress(status *Status, prNumber int) bool {
	switch status.Kind {
	case StatusIntegrating, StatusRunningStatusChecks:
		return status.Metadata.Reference.Number == prNumber
	default:
		return false
	}
}

func isIntegrationOf(status *Status, kind StatusKind, md *model.PullRequestMetadata) bool {
	return status.Kind == kind && status.Metadata.Reference.Number == md.Reference.Number
}

// include returns a new queue, containing the elements of queue and prs.
// Pull requests that are already queued are replaced in place, others are
// appended. The result is partitioned so that pull requests with a top
// priority label precede the others, the relative order inside both
// partitions is preserved.
func include(state *State, queue []model.PullRequest, prs ...model.PullRequest) []model.PullRequest {
	result := make([]model.PullRequest, len(queue), len(queue)+len(prs))
	copy(result, queue)

	for _, pr := range prs {
		if idx := queueIndex(result, pr.Number); idx != -1 {
			result[idx] = pr
			continue
		}

		result = append(result, pr)
	}

	return partitionByPriority(result, state.TopPriorityLabels)
}

func partitionByPriority(queue []model.PullRequest, topPriorityLabels []string) []model.PullRequest {
	if len(queue) == 0 {
		return nil
	}

	result := make([]model.PullRequest, 0, len(queue))

	for _, pr := range queue {
		if pr.HasAnyLabel(topPriorityLabels) {
			result = append(result, pr)
		}
	}

	for _, pr := range queue {
		if !pr.HasAnyLabel(topPriorityLabels) {
			result = append(result, pr)
		}
	}

	return result
}

// exclude returns a copy of queue without the pull request with the given
// number. If it is not queued, queue is returned.
func exclude(queue []model.PullRequest, prNumber int) []model.PullRequest {
	idx := queueIndex(queue, prNumber)
	if idx == -1 {
		return queue
	}

	if len(queue) == 1 {
		return nil
	}

	result := make([]model.PullRequest, 0, len(queue)-1)
	result = append(result, queue[:idx]...)

	return append(result, queue[idx+1:]...)
}
