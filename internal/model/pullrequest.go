package model

import (
	"slices"

	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/logfields"
)

type Label string

// Branch is a git branch and the commit it pointed to when the pull request
// was retrieved.
type Branch struct {
	Ref string
	SHA string
}

// PullRequest is an immutable snapshot of a GitHub pull request.
type PullRequest struct {
	Number int
	Title  string
	Author string
	Source Branch
	Target Branch
	Labels []Label
}

func (pr *PullRequest) HasLabel(name string) bool {
	return slices.Contains(pr.Labels, Label(name))
}

// HasAnyLabel returns true if the pull request has at least one of the labels.
func (pr *PullRequest) HasAnyLabel(names []string) bool {
	for _, n := range names {
		if pr.HasLabel(n) {
			return true
		}
	}

	return false
}

func (pr *PullRequest) LogFields() []zap.Field {
	return []zap.Field{
		logfields.PullRequest(pr.Number),
		logfields.Branch(pr.Source.Ref),
		logfields.Commit(pr.Source.SHA),
		logfields.BaseBranch(pr.Target.Ref),
	}
}

// MergeState is GitHub's computed mergeability of a pull request.
type MergeState string

const (
	MergeStateDraft    MergeState = "draft"
	MergeStateDirty    MergeState = "dirty"
	MergeStateUnknown  MergeState = "unknown"
	MergeStateBlocked  MergeState = "blocked"
	MergeStateBehind   MergeState = "behind"
	MergeStateUnstable MergeState = "unstable"
	MergeStateClean    MergeState = "clean"
)

// ParseMergeState converts the mergeable_state value of the GitHub REST API
// to a MergeState.
// "has_hooks" is reported when the pull request is mergeable and the
// repository has pre-receive hooks, it is treated as clean.
// Unrecognized values are returned as MergeStateUnknown.
func ParseMergeState(s string) MergeState {
	switch s {
	case "draft":
		return MergeStateDraft
	case "dirty":
		return MergeStateDirty
	case "blocked":
		return MergeStateBlocked
	case "behind":
		return MergeStateBehind
	case "unstable":
		return MergeStateUnstable
	case "clean", "has_hooks":
		return MergeStateClean
	default:
		return MergeStateUnknown
	}
}

// PullRequestMetadata is a pull request together with the information that
// decides how it can be integrated.
type PullRequestMetadata struct {
	Reference  PullRequest
	IsMerged   bool
	MergeState MergeState
}

func (m *PullRequestMetadata) LogFields() []zap.Field {
	return append(
		m.Reference.LogFields(),
		logfields.MergeState(string(m.MergeState)),
		zap.Bool("github.pull_request_merged", m.IsMerged),
	)
}
