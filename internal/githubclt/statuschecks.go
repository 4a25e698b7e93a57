package githubclt

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"

	"github.com/simplesurance/mergequeue/internal/model"
)

// FetchAllStatusChecks returns the check runs and commit statuses of the
// head commit of the pull request.
// Checks that are required by the branch protection of the base branch but
// have not been reported yet are returned with state
// [model.CheckStatePending].
func (clt *Client) FetchAllStatusChecks(ctx context.Context, pr model.PullRequest) ([]model.StatusCheck, error) {
	queryResult, err := clt.statusCheckRollup(ctx, pr.Number)
	if err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	return toStatusChecks(queryResult.RequiredStatusCheckContexts, queryResult.CheckRuns, queryResult.StatusContext)
}

// OverallCheckState consolidates the states of status checks.
// The result is [model.CheckStatePending] if any check is pending,
// [model.CheckStateFailure] if a required check failed and
// [model.CheckStateSuccess] otherwise.
func OverallCheckState(checks []model.StatusCheck) model.CheckState {
	result := model.CheckStateSuccess
	for _, check := range checks {
		if check.State == model.CheckStatePending {
			result = model.CheckStatePending
			continue
		}

		if check.Required && check.State == model.CheckStateFailure {
			return model.CheckStateFailure
		}
	}

	return result
}

func toStatusChecks(
	requiredChecks []string,
	checkRuns []*queryCheckStatus,
	commitStatuses []*queryStatusContext,
) ([]model.StatusCheck, error) {
	var order []string
	statusesByName := make(map[string]*model.StatusCheck, len(checkRuns)+len(commitStatuses)+len(requiredChecks))

	add := func(name string, state model.CheckState, required bool) {
		if entry, exists := statusesByName[name]; exists {
			entry.State = state
			return
		}

		statusesByName[name] = &model.StatusCheck{Name: name, State: state, Required: required}
		order = append(order, name)
	}

	for _, context := range requiredChecks {
		if _, exists := statusesByName[context]; exists {
			return nil, fmt.Errorf("found 2 required status with the same context values: %q, context values must be unique", context)
		}

		add(context, model.CheckStatePending, true)
	}

	for _, run := range checkRuns {
		state, err := checkRunResultToCheckState(run.Status, run.Conclusion)
		if err != nil {
			return nil, fmt.Errorf("converting checkRun %q state failed: %w", run.Name, err)
		}

		add(run.Name, state, false)
	}

	for _, commitStatus := range commitStatuses {
		state, err := contextStatusStateToCheckState(commitStatus.State)
		if err != nil {
			return nil, fmt.Errorf("converting %q status context state failed: %w",
				commitStatus.Context, err)
		}

		add(commitStatus.Context, state, false)
	}

	result := make([]model.StatusCheck, 0, len(order))
	for _, name := range order {
		result = append(result, *statusesByName[name])
	}

	return result, nil
}

func checkRunResultToCheckState(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) (model.CheckState, error) {
	switch status {
	case githubv4.CheckStatusStateInProgress,
		githubv4.CheckStatusStatePending,
		githubv4.CheckStatusStateQueued,
		githubv4.CheckStatusStateRequested,
		githubv4.CheckStatusStateWaiting:
		return model.CheckStatePending, nil

	case githubv4.CheckStatusStateCompleted:
		return checkConclusionToCheckState(conclusion)

	default:
		return "", fmt.Errorf("unsupported status value: %q", status)
	}
}

func checkConclusionToCheckState(conclusion githubv4.CheckConclusionState) (model.CheckState, error) {
	switch conclusion {
	case githubv4.CheckConclusionStateCancelled,
		githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateStale,
		githubv4.CheckConclusionStateStartupFailure,
		githubv4.CheckConclusionStateTimedOut:
		return model.CheckStateFailure, nil

	case githubv4.CheckConclusionStateActionRequired:
		return model.CheckStatePending, nil

	case githubv4.CheckConclusionStateNeutral,
		githubv4.CheckConclusionStateSkipped,
		githubv4.CheckConclusionStateSuccess:
		return model.CheckStateSuccess, nil

	default:
		return "", fmt.Errorf("unsupported conclusion value: %q", conclusion)
	}
}

func contextStatusStateToCheckState(state githubv4.StatusState) (model.CheckState, error) {
	switch state {
	case githubv4.StatusStateError,
		githubv4.StatusStateFailure:
		return model.CheckStateFailure, nil

	case githubv4.StatusStateExpected,
		githubv4.StatusStatePending:
		return model.CheckStatePending, nil

	case githubv4.StatusStateSuccess:
		return model.CheckStateSuccess, nil

	default:
		return "", fmt.Errorf("unsupported status state value: %q", state)
	}
}

type queryCheckStatus struct {
	Name       string
	Conclusion githubv4.CheckConclusionState
	Status     githubv4.CheckStatusState
}

type queryStatusContext struct {
	State   githubv4.StatusState
	Context string
}

type queryStatusRollupResult struct {
	RequiredStatusCheckContexts []string
	CheckRuns                   []*queryCheckStatus
	StatusContext               []*queryStatusContext
	Commit                      string
}

func (clt *Client) statusCheckRollup(ctx context.Context, prNumber int) (*queryStatusRollupResult, error) {
	type graphQLQueryStatusRollup struct {
		Repository struct {
			PullRequest struct {
				BaseRef struct {
					BranchProtectionRule struct {
						// RequiredStatusCheckContexts
						// contains required commit
						// statuses and checkRuns.
						RequiredStatusCheckContexts []string
					}
				}

				Commits struct {
					Nodes []struct {
						Commit struct {
							Oid               string
							StatusCheckRollup struct {
								Contexts struct {
									PageInfo struct {
										EndCursor   string
										HasNextPage bool
									}
									Edges []struct {
										Node struct {
											CheckRun      queryCheckStatus   `graphql:"... on CheckRun"`
											StatusContext queryStatusContext `graphql:"... on StatusContext"`
										}
									}
								} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
							}
						}
					}
				} `graphql:"commits(last: $commitsLast)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var prHEADCommitID string
	var result queryStatusRollupResult

	vars := map[string]any{
		"owner":         githubv4.String(clt.owner),
		"name":          githubv4.String(clt.repo),
		"number":        githubv4.Int(prNumber),
		"commitsLast":   githubv4.Int(1),
		"contextsFirst": githubv4.Int(100),
		"contextsAfter": (*githubv4.String)(nil),
	}

	for {
		var q graphQLQueryStatusRollup

		err := clt.graphQLClt.Query(ctx, &q, vars)
		if err != nil {
			return nil, err
		}

		if len(q.Repository.PullRequest.Commits.Nodes) == 0 {
			return nil, fmt.Errorf("pull request %d has no commits", prNumber)
		}

		commitsNode := q.Repository.PullRequest.Commits.Nodes[0].Commit

		// the head commit changed while paginating, start again
		if prHEADCommitID == "" {
			prHEADCommitID = commitsNode.Oid
		} else if prHEADCommitID != commitsNode.Oid {
			vars["contextsAfter"] = (*githubv4.String)(nil)
			prHEADCommitID = ""
			result = queryStatusRollupResult{}

			continue
		}

		for _, edge := range commitsNode.StatusCheckRollup.Contexts.Edges {
			node := edge.Node
			if node.CheckRun.Name != "" && node.StatusContext.Context != "" {
				return nil, fmt.Errorf("internal error: node contains checkRun and context, expecting only one")
			}

			if node.CheckRun.Name != "" {
				result.CheckRuns = append(result.CheckRuns, &node.CheckRun)
				continue
			}

			result.StatusContext = append(result.StatusContext, &node.StatusContext)
		}

		pageInfo := commitsNode.StatusCheckRollup.Contexts.PageInfo
		if !pageInfo.HasNextPage {
			result.RequiredStatusCheckContexts = q.Repository.PullRequest.BaseRef.BranchProtectionRule.RequiredStatusCheckContexts
			result.Commit = prHEADCommitID

			return &result, nil
		}

		if pageInfo.EndCursor == "" {
			return nil, fmt.Errorf("retrieving all contexts failed, HasNextPage is true, expected non-empty EndCursor")
		}

		vars["contextsAfter"] = githubv4.String(pageInfo.EndCursor)
	}
}
