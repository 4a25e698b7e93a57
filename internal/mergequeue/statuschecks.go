package mergequeue

import (
	"github.com/simplesurance/mergequeue/internal/model"
)

// consolidatedCommitState returns the state of the status checks that must
// succeed before a pull request is merged.
// status are the commit statuses of the head commit, checks are its check
// runs. Check runs are not part of the combined commit status, their states
// are merged into the result.
// If requireAll is true, the state of all statuses and check runs is
// returned, otherwise only the ones named by requiredContexts are considered.
// Failures precede pending states which precede success. A required context
// without a reported status or check run is pending.
func consolidatedCommitState(
	status *model.CombinedStatus,
	checks []model.StatusCheck,
	requiredContexts []string,
	requireAll bool,
) model.CommitState {
	if requireAll {
		var result model.CommitState

		switch status.State {
		case model.CommitStateFailure, model.CommitStateError:
			return model.CommitStateFailure
		case model.CommitStatePending:
			// GitHub reports pending for commits without any status
			if len(status.Statuses) == 0 {
				result = model.CommitStateSuccess
			} else {
				result = model.CommitStatePending
			}
		default:
			result = model.CommitStateSuccess
		}

		for _, c := range checks {
			switch c.State {
			case model.CheckStateFailure:
				return model.CommitStateFailure
			case model.CheckStatePending:
				result = model.CommitStatePending
			}
		}

		return result
	}

	byContext := make(map[string]model.CommitState, len(status.Statuses)+len(checks))
	for _, st := range status.Statuses {
		if _, exists := byContext[st.Context]; !exists {
			byContext[st.Context] = st.State
		}
	}

	for _, c := range checks {
		if _, exists := byContext[c.Name]; !exists {
			byContext[c.Name] = checkStateToCommitState(c.State)
		}
	}

	result := model.CommitStateSuccess

	for _, name := range requiredContexts {
		state, exists := byContext[name]
		if !exists {
			result = model.CommitStatePending
			continue
		}

		switch state {
		case model.CommitStateFailure, model.CommitStateError:
			return model.CommitStateFailure
		case model.CommitStatePending:
			result = model.CommitStatePending
		}
	}

	return result
}

func checkStateToCommitState(s model.CheckState) model.CommitState {
	switch s {
	case model.CheckStateSuccess:
		return model.CommitStateSuccess
	case model.CheckStateFailure:
		return model.CommitStateFailure
	default:
		return model.CommitStatePending
	}
}
