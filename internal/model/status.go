package model

// CommitState is the state of a commit status or of the combination of all
// statuses of a commit.
type CommitState string

const (
	CommitStatePending CommitState = "pending"
	CommitStateSuccess CommitState = "success"
	CommitStateFailure CommitState = "failure"
	CommitStateError   CommitState = "error"
)

// ParseCommitState converts a GitHub status state string.
// Unrecognized values are returned as CommitStatePending.
func ParseCommitState(s string) CommitState {
	switch CommitState(s) {
	case CommitStateSuccess, CommitStateFailure, CommitStateError:
		return CommitState(s)
	default:
		return CommitStatePending
	}
}

// CommitStatus is a single status reported for a commit, identified by its
// context.
type CommitStatus struct {
	Context     string
	State       CommitState
	Description string
}

// CombinedStatus is the combined state of all statuses of a commit.
type CombinedStatus struct {
	State    CommitState
	Statuses []CommitStatus
}

// RequiredStatusChecks are the branch protection settings for status checks.
type RequiredStatusChecks struct {
	Strict   bool
	Contexts []string
}

// CheckState abstracts GitHub check runs and commit statuses into a single
// value.
type CheckState string

const (
	CheckStateSuccess CheckState = "SUCCESS"
	CheckStatePending CheckState = "PENDING"
	CheckStateFailure CheckState = "FAILURE"
)

// StatusCheck is a check run or a commit status of a pull request's head
// commit.
type StatusCheck struct {
	Name     string
	State    CheckState
	Required bool
}

// MergeResult is the outcome of merging one branch into another.
type MergeResult int

const (
	MergeResultSuccess MergeResult = iota
	MergeResultUpToDate
	MergeResultConflict
)

func (r MergeResult) String() string {
	switch r {
	case MergeResultSuccess:
		return "success"
	case MergeResultUpToDate:
		return "up_to_date"
	case MergeResultConflict:
		return "conflict"
	default:
		return "invalid"
	}
}
