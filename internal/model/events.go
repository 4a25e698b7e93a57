package model

// Event is a change notification received from GitHub.
// It is one of *PullRequestEvent, *StatusEvent or *PingEvent.
type Event interface {
	EventType() string
}

type PullRequestAction string

const (
	ActionOpened      PullRequestAction = "opened"
	ActionReopened    PullRequestAction = "reopened"
	ActionLabeled     PullRequestAction = "labeled"
	ActionUnlabeled   PullRequestAction = "unlabeled"
	ActionClosed      PullRequestAction = "closed"
	ActionSynchronize PullRequestAction = "synchronize"
)

type PullRequestEvent struct {
	Action   PullRequestAction
	Metadata PullRequestMetadata
}

func (*PullRequestEvent) EventType() string {
	return "pull_request"
}

// StatusEvent is sent when the status of a commit changes.
// Branches contains the names of the branches that have SHA as head commit.
type StatusEvent struct {
	SHA         string
	Context     string
	Description string
	State       CommitState
	Branches    []string
}

func (*StatusEvent) EventType() string {
	return "status"
}

type PingEvent struct {
	Zen string
}

func (*PingEvent) EventType() string {
	return "ping"
}
