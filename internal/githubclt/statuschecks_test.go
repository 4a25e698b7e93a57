package githubclt

import (
	"testing"

	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/mergequeue/internal/model"
)

func TestOverallCheckState_optionalFailedChecksAreIgnored(t *testing.T) {
	state := OverallCheckState([]model.StatusCheck{
		{Name: "optional_check", State: model.CheckStateFailure},
		{Name: "required_check", State: model.CheckStateSuccess, Required: true},
	})

	require.Equal(t, model.CheckStateSuccess, state)
}

func TestOverallCheckState_optionalPendingChecksAreHonored(t *testing.T) {
	state := OverallCheckState([]model.StatusCheck{
		{Name: "optional_check", State: model.CheckStatePending},
		{Name: "required_check", State: model.CheckStateSuccess, Required: true},
	})

	require.Equal(t, model.CheckStatePending, state)
}

func TestOverallCheckState_requiredFailedCheck(t *testing.T) {
	state := OverallCheckState([]model.StatusCheck{
		{Name: "optional_check", State: model.CheckStatePending},
		{Name: "required_check", State: model.CheckStateFailure, Required: true},
	})

	require.Equal(t, model.CheckStateFailure, state)
}

func TestOverallCheckState_noChecks(t *testing.T) {
	require.Equal(t, model.CheckStateSuccess, OverallCheckState(nil))
}

func TestToStatusChecks_missingRequiredCheckIsPending(t *testing.T) {
	checks, err := toStatusChecks(
		[]string{"build", "test"},
		[]*queryCheckStatus{
			{Name: "build", Status: githubv4.CheckStatusStateCompleted, Conclusion: githubv4.CheckConclusionStateSuccess},
			{Name: "lint", Status: githubv4.CheckStatusStateCompleted, Conclusion: githubv4.CheckConclusionStateFailure},
		},
		[]*queryStatusContext{
			{Context: "deploy-preview", State: githubv4.StatusStateSuccess},
		},
	)
	require.NoError(t, err)

	assert.Equal(t, []model.StatusCheck{
		{Name: "build", State: model.CheckStateSuccess, Required: true},
		{Name: "test", State: model.CheckStatePending, Required: true},
		{Name: "lint", State: model.CheckStateFailure},
		{Name: "deploy-preview", State: model.CheckStateSuccess},
	}, checks)

	assert.Equal(t, model.CheckStatePending, OverallCheckState(checks))
}

func TestToStatusChecks_duplicateRequiredContext(t *testing.T) {
	_, err := toStatusChecks([]string{"build", "build"}, nil, nil)
	require.Error(t, err)
}

func TestToStatusChecks_unsupportedConclusion(t *testing.T) {
	_, err := toStatusChecks(nil, []*queryCheckStatus{
		{Name: "build", Status: githubv4.CheckStatusStateCompleted, Conclusion: "NEW_VALUE"},
	}, nil)
	require.Error(t, err)
}
