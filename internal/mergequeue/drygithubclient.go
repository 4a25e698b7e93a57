package mergequeue

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/logfields"
	"github.com/simplesurance/mergequeue/internal/model"
)

// DryGithubClient is a github-client that does not do any changes on github.
// All operations that could cause a change are simulated and always succeed.
// All other operations are forwarded to a wrapped GithubClient.
type DryGithubClient struct {
	clt    GithubClient
	logger *zap.Logger
}

func NewDryGithubClient(clt GithubClient, logger *zap.Logger) *DryGithubClient {
	return &DryGithubClient{
		clt:    clt,
		logger: logger.Named("dry_github_client"),
	}
}

func (c *DryGithubClient) FetchPullRequests(ctx context.Context) ([]model.PullRequest, error) {
	return c.clt.FetchPullRequests(ctx)
}

func (c *DryGithubClient) FetchPullRequest(ctx context.Context, number int) (model.PullRequestMetadata, error) {
	return c.clt.FetchPullRequest(ctx, number)
}

func (c *DryGithubClient) FetchCommitStatus(ctx context.Context, pr model.PullRequest) (model.CombinedStatus, error) {
	return c.clt.FetchCommitStatus(ctx, pr)
}

func (c *DryGithubClient) FetchRequiredStatusChecks(ctx context.Context, branch string) (model.RequiredStatusChecks, error) {
	return c.clt.FetchRequiredStatusChecks(ctx, branch)
}

func (c *DryGithubClient) FetchAllStatusChecks(ctx context.Context, pr model.PullRequest) ([]model.StatusCheck, error) {
	return c.clt.FetchAllStatusChecks(ctx, pr)
}

func (c *DryGithubClient) Merge(_ context.Context, head, base string) (model.MergeResult, error) {
	c.logger.Info(
		"simulated merging of branches, returning is uptodate",
		zap.String("head", head),
		zap.String("base", base),
	)

	return model.MergeResultUpToDate, nil
}

func (c *DryGithubClient) MergePullRequest(_ context.Context, pr model.PullRequest) error {
	c.logger.Info("simulated merging of pull request", pr.LogFields()...)
	return nil
}

func (c *DryGithubClient) DeleteBranch(_ context.Context, branch string) error {
	c.logger.Info("simulated deletion of branch", logfields.Branch(branch))
	return nil
}

func (c *DryGithubClient) PostComment(_ context.Context, prNumber int, comment string) error {
	c.logger.Info(
		"simulated creating of github issue comment, no comment created on github",
		logfields.PullRequest(prNumber),
		zap.String("comment", comment),
	)

	return nil
}

func (*DryGithubClient) RemoveLabel(context.Context, int, string) error {
	return nil
}
