package githubclt

import (
	"github.com/google/go-github/v75/github"

	"github.com/simplesurance/mergequeue/internal/model"
)

// ToPullRequest converts a pull request object of the GitHub API.
func ToPullRequest(pr *github.PullRequest) model.PullRequest {
	result := model.PullRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		Author: pr.GetUser().GetLogin(),
		Source: model.Branch{
			Ref: pr.GetHead().GetRef(),
			SHA: pr.GetHead().GetSHA(),
		},
		Target: model.Branch{
			Ref: pr.GetBase().GetRef(),
			SHA: pr.GetBase().GetSHA(),
		},
	}

	for _, l := range pr.Labels {
		if name := l.GetName(); name != "" {
			result.Labels = append(result.Labels, model.Label(name))
		}
	}

	return result
}

// ToPullRequestMetadata converts a pull request object of the GitHub API
// including its mergeability.
func ToPullRequestMetadata(pr *github.PullRequest) model.PullRequestMetadata {
	mergeState := model.ParseMergeState(pr.GetMergeableState())
	if pr.GetDraft() {
		mergeState = model.MergeStateDraft
	}

	return model.PullRequestMetadata{
		Reference:  ToPullRequest(pr),
		IsMerged:   pr.GetMerged(),
		MergeState: mergeState,
	}
}
