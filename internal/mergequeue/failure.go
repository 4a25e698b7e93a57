package mergequeue

// FailureReason classifies why the integration of a pull request failed.
type FailureReason int

const (
	FailureConflicts FailureReason = iota + 1
	FailureMergeFailed
	FailureSynchronizationFailed
	FailureCheckingCommitChecksFailed
	FailureChecksFailing
	FailureTimedOut
	FailureBlocked
	FailureUnknown
)

func (r FailureReason) String() string {
	switch r {
	case FailureConflicts:
		return "conflicts"
	case FailureMergeFailed:
		return "merge_failed"
	case FailureSynchronizationFailed:
		return "synchronization_failed"
	case FailureCheckingCommitChecksFailed:
		return "checking_commit_checks_failed"
	case FailureChecksFailing:
		return "checks_failing"
	case FailureTimedOut:
		return "timed_out"
	case FailureBlocked:
		return "blocked"
	case FailureUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// Description returns a sentence explaining the failure to the author of the
// pull request.
func (r FailureReason) Description() string {
	switch r {
	case FailureConflicts:
		return "The pull request has merge conflicts with its target branch."
	case FailureMergeFailed:
		return "Merging the pull request failed."
	case FailureSynchronizationFailed:
		return "Updating the pull request branch with its target branch failed."
	case FailureCheckingCommitChecksFailed:
		return "Retrieving the status checks of the pull request failed."
	case FailureChecksFailing:
		return "Status checks of the pull request are failing."
	case FailureTimedOut:
		return "Status checks of the pull request did not complete in time."
	case FailureBlocked:
		return "The pull request is blocked by the branch protection rules, e.g. it is a draft or lacks an approving review."
	case FailureUnknown:
		return "GitHub could not determine if the pull request is mergeable."
	default:
		return "The integration failed."
	}
}
