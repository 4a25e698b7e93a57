// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/mergequeue/internal/goorderr"
	"github.com/simplesurance/mergequeue/internal/logfields"
	"github.com/simplesurance/mergequeue/internal/model"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// Methods that can be passed to WithMergeMethod.
const (
	MergeMethodMerge  = "merge"
	MergeMethodSquash = "squash"
	MergeMethodRebase = "rebase"
)

// Client is an github API client for a single repository.
// All methods return a goorderr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt     *github.Client
	graphQLClt  *githubv4.Client
	logger      *zap.Logger
	owner       string
	repo        string
	mergeMethod string
}

type options struct {
	apiToken string

	appID             int64
	appInstallationID int64
	appPrivateKeyFile string

	enterpriseURL string
	httpClient    *http.Client
	mergeMethod   string
}

type Option func(*options)

// WithAPIToken authenticates requests with a personal access token.
func WithAPIToken(token string) Option {
	return func(o *options) {
		o.apiToken = token
	}
}

// WithAppInstallation authenticates as the installation of a GitHub App.
// It takes precedence over WithAPIToken.
func WithAppInstallation(appID, installationID int64, privateKeyFile string) Option {
	return func(o *options) {
		o.appID = appID
		o.appInstallationID = installationID
		o.appPrivateKeyFile = privateKeyFile
	}
}

// WithEnterpriseURL sends requests to a GitHub Enterprise server instead of
// github.com.
func WithEnterpriseURL(baseURL string) Option {
	return func(o *options) {
		o.enterpriseURL = baseURL
	}
}

// WithHTTPClient sets the http client that is used when no authentication
// option is set.
func WithHTTPClient(clt *http.Client) Option {
	return func(o *options) {
		o.httpClient = clt
	}
}

// WithMergeMethod sets the method that is used to merge pull requests,
// supported are "merge", "squash" and "rebase".
func WithMergeMethod(method string) Option {
	return func(o *options) {
		o.mergeMethod = method
	}
}

// New returns a new github api client for the repository owner/repo.
func New(owner, repo string, opts ...Option) (*Client, error) {
	o := options{mergeMethod: MergeMethodMerge}
	for _, opt := range opts {
		opt(&o)
	}

	httpClient, err := newHTTPClient(&o)
	if err != nil {
		return nil, err
	}

	clt := Client{
		restClt:     github.NewClient(httpClient),
		graphQLClt:  githubv4.NewClient(httpClient),
		logger:      zap.L().Named(loggerName).With(logfields.RepositoryOwner(owner), logfields.Repository(repo)),
		owner:       owner,
		repo:        repo,
		mergeMethod: o.mergeMethod,
	}

	if o.enterpriseURL != "" {
		clt.restClt, err = clt.restClt.WithEnterpriseURLs(o.enterpriseURL, o.enterpriseURL)
		if err != nil {
			return nil, fmt.Errorf("setting enterprise url failed: %w", err)
		}

		clt.graphQLClt = githubv4.NewEnterpriseClient(
			strings.TrimSuffix(o.enterpriseURL, "/")+"/api/graphql",
			httpClient,
		)
	}

	return &clt, nil
}

func newHTTPClient(o *options) (*http.Client, error) {
	if o.appID != 0 {
		tr, err := ghinstallation.NewKeyFromFile(
			http.DefaultTransport,
			o.appID,
			o.appInstallationID,
			o.appPrivateKeyFile,
		)
		if err != nil {
			return nil, fmt.Errorf("creating github app transport failed: %w", err)
		}

		if o.enterpriseURL != "" {
			tr.BaseURL = strings.TrimSuffix(o.enterpriseURL, "/") + "/api/v3"
		}

		return &http.Client{Transport: tr, Timeout: DefaultHTTPClientTimeout}, nil
	}

	if o.apiToken != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: o.apiToken},
		)

		tc := oauth2.NewClient(context.Background(), ts)
		tc.Timeout = DefaultHTTPClientTimeout

		return tc, nil
	}

	if o.httpClient != nil {
		return o.httpClient, nil
	}

	return &http.Client{
		Timeout: DefaultHTTPClientTimeout,
	}, nil
}

// FetchPullRequests returns all open pull requests of the repository.
func (clt *Client) FetchPullRequests(ctx context.Context) ([]model.PullRequest, error) {
	var result []model.PullRequest

	it := clt.listPullRequests(ctx, "open", "created", "asc")
	for {
		pr, err := it.Next()
		if err != nil {
			return nil, err
		}

		if pr == nil {
			return result, nil
		}

		result = append(result, ToPullRequest(pr))
	}
}

// FetchPullRequest retrieves a pull request together with its current
// mergeability.
func (clt *Client) FetchPullRequest(ctx context.Context, number int) (model.PullRequestMetadata, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, clt.owner, clt.repo, number)
	if err != nil {
		return model.PullRequestMetadata{}, clt.wrapRetryableErrors(err)
	}

	return ToPullRequestMetadata(pr), nil
}

// FetchCommitStatus returns the combined commit status of the head commit of
// the pull request.
func (clt *Client) FetchCommitStatus(ctx context.Context, pr model.PullRequest) (model.CombinedStatus, error) {
	ref := pr.Source.SHA
	if ref == "" {
		ref = pr.Source.Ref
	}

	var result model.CombinedStatus
	opts := github.ListOptions{PerPage: 100}

	for {
		status, resp, err := clt.restClt.Repositories.GetCombinedStatus(ctx, clt.owner, clt.repo, ref, &opts)
		if err != nil {
			return model.CombinedStatus{}, clt.wrapRetryableErrors(err)
		}

		result.State = model.ParseCommitState(status.GetState())

		for _, s := range status.Statuses {
			result.Statuses = append(result.Statuses, model.CommitStatus{
				Context:     s.GetContext(),
				State:       model.ParseCommitState(s.GetState()),
				Description: s.GetDescription(),
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// FetchRequiredStatusChecks returns the status check protection settings of
// branch.
// If the branch is not protected an empty result is returned.
func (clt *Client) FetchRequiredStatusChecks(ctx context.Context, branch string) (model.RequiredStatusChecks, error) {
	checks, _, err := clt.restClt.Repositories.GetRequiredStatusChecks(ctx, clt.owner, clt.repo, branch)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
			clt.logger.Debug(
				"branch has no required status checks",
				logfields.Event("github_branch_not_protected"),
				logfields.BaseBranch(branch),
			)

			return model.RequiredStatusChecks{}, nil
		}

		return model.RequiredStatusChecks{}, clt.wrapRetryableErrors(err)
	}

	result := model.RequiredStatusChecks{Strict: checks.Strict}
	if checks.Contexts != nil {
		result.Contexts = append(result.Contexts, *checks.Contexts...)
	}

	if checks.Checks != nil {
		for _, c := range *checks.Checks {
			if c == nil || slices.Contains(result.Contexts, c.Context) {
				continue
			}
			result.Contexts = append(result.Contexts, c.Context)
		}
	}

	return result, nil
}

// Merge merges the branch head into base.
// If base already contains all changes of head, MergeResultUpToDate is
// returned. When the branches can not be merged because of a merge conflict
// MergeResultConflict is returned.
func (clt *Client) Merge(ctx context.Context, head, base string) (model.MergeResult, error) {
	_, resp, err := clt.restClt.Repositories.Merge(ctx, clt.owner, clt.repo, &github.RepositoryMergeRequest{
		Base: github.Ptr(base),
		Head: github.Ptr(head),
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusConflict {
			return model.MergeResultConflict, nil
		}

		return 0, clt.wrapRetryableErrors(err)
	}

	if resp.StatusCode == http.StatusNoContent {
		return model.MergeResultUpToDate, nil
	}

	return model.MergeResultSuccess, nil
}

// MergePullRequest merges the pull request into its base branch.
// The merge only succeeds if the head commit of the pull request is
// pr.Source.SHA.
func (clt *Client) MergePullRequest(ctx context.Context, pr model.PullRequest) error {
	res, _, err := clt.restClt.PullRequests.Merge(
		ctx,
		clt.owner,
		clt.repo,
		pr.Number,
		"",
		&github.PullRequestOptions{
			CommitTitle: fmt.Sprintf("%s (#%d)", pr.Title, pr.Number),
			SHA:         pr.Source.SHA,
			MergeMethod: clt.mergeMethod,
		},
	)
	if err != nil {
		return clt.wrapRetryableErrors(err)
	}

	if !res.GetMerged() {
		return fmt.Errorf("pull request was not merged: %s", res.GetMessage())
	}

	return nil
}

// DeleteBranch deletes a branch.
// If the branch does not exist, the operation succeeds.
func (clt *Client) DeleteBranch(ctx context.Context, branch string) error {
	_, err := clt.restClt.Git.DeleteRef(ctx, clt.owner, clt.repo, "heads/"+branch)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) &&
			respErr.Response.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(respErr.Message, "Reference does not exist") {
			clt.logger.Debug("branch does not exist, interpreting deletion as success",
				logfields.Branch(branch),
				logfields.Event("github_delete_branch_not_exist"),
			)

			return nil
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// PostComment creates a comment in a issue or pull request
func (clt *Client) PostComment(ctx context.Context, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, clt.owner, clt.repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a Pull-Request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *Client) RemoveLabel(ctx context.Context, pullRequestOrIssueNumber int, label string) error {
	_, err := clt.restClt.Issues.RemoveLabelForIssue(
		ctx,
		clt.owner,
		clt.repo,
		pullRequestOrIssueNumber,
		label,
	)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
			clt.logger.Debug("removing label returned a not found response, interpreting it as success",
				logfields.PullRequest(pullRequestOrIssueNumber),
				logfields.Label(label),
				logfields.Event("github_remove_label_returned_not_found"),
				zap.Error(err),
			)

			return nil
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

type prIter struct {
	clt *Client
	ctx context.Context

	state         string
	sort          string
	sortDirection string

	unseen []*github.PullRequest

	nextPage int
	finished bool
}

// Next returns the next pullRequest.
// When the last result was returned a nil PullRequest is returned.
func (it *prIter) Next() (*github.PullRequest, error) {
	if len(it.unseen) > 0 {
		result := it.unseen[0]
		it.unseen = it.unseen[1:]

		return result, nil
	}

	if it.finished {
		return nil, nil
	}

	prs, resp, err := it.clt.restClt.PullRequests.List(it.ctx, it.clt.owner, it.clt.repo, &github.PullRequestListOptions{
		State:     it.state,
		Sort:      it.sort,
		Direction: it.sortDirection,
		ListOptions: github.ListOptions{
			Page:    it.nextPage,
			PerPage: 100,
		},
	})
	if err != nil {
		return nil, it.clt.wrapRetryableErrors(err)
	}

	if resp.NextPage == 0 || len(prs) == 0 {
		it.finished = true
	} else {
		it.nextPage = resp.NextPage
	}

	it.unseen = prs

	if len(it.unseen) == 0 {
		return nil, nil
	}

	return it.Next()
}

func (clt *Client) listPullRequests(ctx context.Context, state, sort, sortDirection string) *prIter {
	return &prIter{
		clt:           clt,
		ctx:           ctx,
		state:         state,
		sort:          sort,
		sortDirection: sortDirection,
		nextPage:      1,
	}
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return goorderr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		if v.RetryAfter != nil {
			return goorderr.NewRetryableError(err, time.Now().Add(*v.RetryAfter))
		}

		return goorderr.NewRetryableAnytimeError(err)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return goorderr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return goorderr.NewRetryableAnytimeError(err)
	}

	return err
}
