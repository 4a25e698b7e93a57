package mergequeue

import (
	"fmt"

	"github.com/simplesurance/mergequeue/internal/model"
)

func acceptedComment(position int, integrationInFlight bool) string {
	if position == 0 && !integrationInFlight {
		return "Your pull request was accepted by the merge queue, it will be handled right away."
	}

	return fmt.Sprintf("Your pull request was accepted by the merge queue, it is currently #%d in the queue.", position+1)
}

func failureComment(pr *model.PullRequest, reason FailureReason, integrationLabel string) string {
	return fmt.Sprintf(
		"@%s the merge queue could not integrate this pull request: %s\n\n"+
			"The `%s` label was removed. Add it again to retry the integration.",
		pr.Author, reason.Description(), integrationLabel,
	)
}
