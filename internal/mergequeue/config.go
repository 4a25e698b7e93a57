package mergequeue

import (
	"errors"
	"time"
)

// Config contains the settings of the merge queues of all branches.
type Config struct {
	// IntegrationLabel marks pull requests that should be merged.
	IntegrationLabel string
	// TopPriorityLabels mark pull requests that are queued in front of
	// all others.
	TopPriorityLabels []string
	// RequiresAllStatusChecks defines if all status checks of a pull
	// request must succeed, or only the ones required by the branch
	// protection rules.
	RequiresAllStatusChecks bool
	// StatusChecksTimeout is the maximum duration to wait for the status
	// checks of a pull request to complete.
	StatusChecksTimeout time.Duration
	// IdleCleanupDelay is the duration after that an idle MergeService is
	// removed.
	IdleCleanupDelay time.Duration
}

func (c *Config) validate() error {
	if c.IntegrationLabel == "" {
		return errors.New("integration label is empty")
	}

	if c.StatusChecksTimeout <= 0 {
		return errors.New("status checks timeout must be positive")
	}

	if c.IdleCleanupDelay < 0 {
		return errors.New("idle cleanup delay is negative")
	}

	return nil
}

// timings contains durations of the feedback operations that are not
// configurable by the user.
type timings struct {
	// synchronizationTimeout is the maximum duration to wait for GitHub to
	// report that a pull request branch was updated after the target
	// branch was merged into it.
	synchronizationTimeout time.Duration
	// statusChecksDebounce is the duration to wait after a status check
	// completed, before the status of all checks is evaluated. A completed
	// check can cause that a new check is added.
	statusChecksDebounce time.Duration
	// unknownRetryDelay is the pause between retrieving a pull request
	// again when GitHub has not determined its mergeability yet.
	unknownRetryDelay time.Duration
	unknownRetries    int
	// commentTimeout limits the duration of posting a comment and
	// removing a label.
	commentTimeout time.Duration
}

func defaultTimings() timings {
	return timings{
		synchronizationTimeout: time.Minute,
		statusChecksDebounce:   time.Minute,
		unknownRetryDelay:      30 * time.Second,
		unknownRetries:         4,
		commentTimeout:         5 * time.Minute,
	}
}
