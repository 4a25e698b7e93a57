package mergequeue

import (
	"context"

	"github.com/simplesurance/mergequeue/internal/model"
)

//go:generate mockgen -source githubclient.go -destination mocks/mock_githubclient.go -package mocks

// GithubClient executes operations on a GitHub repository.
type GithubClient interface {
	FetchPullRequests(ctx context.Context) ([]model.PullRequest, error)
	FetchPullRequest(ctx context.Context, number int) (model.PullRequestMetadata, error)
	FetchCommitStatus(ctx context.Context, pr model.PullRequest) (model.CombinedStatus, error)
	FetchRequiredStatusChecks(ctx context.Context, branch string) (model.RequiredStatusChecks, error)
	FetchAllStatusChecks(ctx context.Context, pr model.PullRequest) ([]model.StatusCheck, error)
	Merge(ctx context.Context, head, base string) (model.MergeResult, error)
	MergePullRequest(ctx context.Context, pr model.PullRequest) error
	DeleteBranch(ctx context.Context, branch string) error
	PostComment(ctx context.Context, prNumber int, comment string) error
	RemoveLabel(ctx context.Context, prNumber int, label string) error
}
