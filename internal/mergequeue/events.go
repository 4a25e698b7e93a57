package mergequeue

import (
	"github.com/simplesurance/mergequeue/internal/model"
)

// Event is an input of the Reduce function.
type Event interface {
	eventName() string
}

// EventPullRequestsLoaded contains the pull requests a MergeService starts
// with.
type EventPullRequestsLoaded struct {
	PullRequests []model.PullRequest
}

// EventNoMorePullRequests is emitted when the queue is empty and no
// integration is in progress.
type EventNoMorePullRequests struct{}

// Outcome describes how a change of a pull request affects the queue.
type Outcome int

const (
	OutcomeInclude Outcome = iota + 1
	OutcomeExclude
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInclude:
		return "include"
	case OutcomeExclude:
		return "exclude"
	default:
		return "none"
	}
}

type EventPullRequestDidChange struct {
	Outcome     Outcome
	PullRequest model.PullRequest
}

// EventIntegrate starts the integration of the first pull request in the
// queue, Metadata contains its current mergeability.
type EventIntegrate struct {
	Metadata model.PullRequestMetadata
}

// EventRetryIntegration restarts the integration of the current pull request
// with updated metadata.
type EventRetryIntegration struct {
	Metadata model.PullRequestMetadata
}

type IntegrationStatus int

const (
	// IntegrationUpdating means the pull request branch changed or its
	// status checks are not finished yet.
	IntegrationUpdating IntegrationStatus = iota + 1
	IntegrationDone
	IntegrationFailed
)

type EventIntegrationDidChangeStatus struct {
	Status IntegrationStatus
	// Reason is set when Status is IntegrationFailed.
	Reason   FailureReason
	Metadata model.PullRequestMetadata
}

type ChecksResult int

const (
	ChecksPassed ChecksResult = iota + 1
	ChecksFailed
	ChecksTimedOut
)

type EventStatusChecksDidComplete struct {
	Result   ChecksResult
	Metadata model.PullRequestMetadata
}

// EventIntegrationFailureHandled is emitted after the author of a pull
// request, that could not be integrated, was notified.
type EventIntegrationFailureHandled struct{}

func (*EventPullRequestsLoaded) eventName() string         { return "pull_requests_loaded" }
func (*EventNoMorePullRequests) eventName() string         { return "no_more_pull_requests" }
func (*EventPullRequestDidChange) eventName() string       { return "pull_request_did_change" }
func (*EventIntegrate) eventName() string                  { return "integrate" }
func (*EventRetryIntegration) eventName() string           { return "retry_integration" }
func (*EventIntegrationDidChangeStatus) eventName() string { return "integration_did_change_status" }
func (*EventStatusChecksDidComplete) eventName() string    { return "status_checks_did_complete" }
func (*EventIntegrationFailureHandled) eventName() string  { return "integration_failure_handled" }

// EventOutcome classifies a pull request webhook action.
// It returns false when the action does not affect the queue.
func EventOutcome(md *model.PullRequestMetadata, action model.PullRequestAction, integrationLabel string) (Outcome, bool) {
	hasLabel := md.Reference.HasLabel(integrationLabel)

	switch action {
	case model.ActionOpened:
		if hasLabel {
			return OutcomeInclude, true
		}

	case model.ActionLabeled:
		if hasLabel && !md.IsMerged {
			return OutcomeInclude, true
		}

	case model.ActionUnlabeled:
		if !hasLabel {
			return OutcomeExclude, true
		}

	case model.ActionClosed:
		return OutcomeExclude, true
	}

	return 0, false
}
