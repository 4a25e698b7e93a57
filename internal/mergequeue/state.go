package mergequeue

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/logfields"
	"github.com/simplesurance/mergequeue/internal/model"
)

type StatusKind int

const (
	StatusStarting StatusKind = iota
	StatusIdle
	StatusReady
	StatusIntegrating
	StatusRunningStatusChecks
	StatusIntegrationFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusStarting:
		return "starting"
	case StatusIdle:
		return "idle"
	case StatusReady:
		return "ready"
	case StatusIntegrating:
		return "integrating"
	case StatusRunningStatusChecks:
		return "running_status_checks"
	case StatusIntegrationFailed:
		return "integration_failed"
	default:
		return fmt.Sprintf("invalid(%d)", int(k))
	}
}

// Status is the integration status of a MergeService.
// Metadata is only set when Kind is StatusIntegrating,
// StatusRunningStatusChecks or StatusIntegrationFailed, FailureReason only
// for StatusIntegrationFailed.
type Status struct {
	Kind          StatusKind
	Metadata      model.PullRequestMetadata
	FailureReason FailureReason
}

// hasIntegration returns true if a pull request is currently being
// integrated.
func (s Status) hasIntegration() bool {
	switch s.Kind {
	case StatusIntegrating, StatusRunningStatusChecks, StatusIntegrationFailed:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s.Kind {
	case StatusIntegrating, StatusRunningStatusChecks:
		return fmt.Sprintf("%s(#%d)", s.Kind, s.Metadata.Reference.Number)
	case StatusIntegrationFailed:
		return fmt.Sprintf("%s(#%d, %s)", s.Kind, s.Metadata.Reference.Number, s.FailureReason)
	default:
		return s.Kind.String()
	}
}

// State is the immutable state of a MergeService.
// It is replaced on every transition, values are never modified in place.
type State struct {
	Status Status
	// Queue contains the pull requests waiting for their integration.
	// Pull requests with a top priority label precede all others.
	// The pull request that is being integrated is never part of the
	// Queue.
	Queue []model.PullRequest

	TargetBranch        string
	IntegrationLabel    string
	TopPriorityLabels   []string
	StatusChecksTimeout time.Duration

	// statusSerial is incremented on every status change and when an
	// integration is retried. Feedback operations that depend on the
	// status are keyed on it.
	statusSerial uint64
}

func newState(targetBranch string, cfg *Config) State {
	return State{
		Status:              Status{Kind: StatusStarting},
		TargetBranch:        targetBranch,
		IntegrationLabel:    cfg.IntegrationLabel,
		TopPriorityLabels:   cfg.TopPriorityLabels,
		StatusChecksTimeout: cfg.StatusChecksTimeout,
	}
}

// queueIndex returns the index of the pull request with the number in the
// queue, or -1.
func queueIndex(queue []model.PullRequest, prNumber int) int {
	for i := range queue {
		if queue[i].Number == prNumber {
			return i
		}
	}

	return -1
}

func (s *State) LogFields() []zap.Field {
	fields := []zap.Field{
		logfields.BaseBranch(s.TargetBranch),
		logfields.QueueStatus(s.Status.Kind.String()),
		zap.Int("merge_queue.length", len(s.Queue)),
	}

	if s.Status.hasIntegration() {
		fields = append(fields, logfields.PullRequest(s.Status.Metadata.Reference.Number))
	}

	if s.Status.Kind == StatusIntegrationFailed {
		fields = append(fields, logfields.FailureReason(s.Status.FailureReason.String()))
	}

	return fields
}

// Description returns a human-readable multi-line representation.
func (s *State) Description() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s: %s\n", s.TargetBranch, s.Status.Kind)

	if s.Status.hasIntegration() {
		pr := &s.Status.Metadata.Reference
		fmt.Fprintf(&sb, "  integrating: #%d %s (%s, merge state: %s)",
			pr.Number, pr.Title, pr.Author, s.Status.Metadata.MergeState)
		if s.Status.Kind == StatusIntegrationFailed {
			fmt.Fprintf(&sb, ", failed: %s", s.Status.FailureReason)
		}
		sb.WriteString("\n")
	}

	if len(s.Queue) == 0 {
		sb.WriteString("  queue: empty\n")
		return sb.String()
	}

	sb.WriteString("  queue:\n")
	for i, pr := range s.Queue {
		fmt.Fprintf(&sb, "    %d. #%d %s (%s)", i+1, pr.Number, pr.Title, pr.Author)
		if pr.HasAnyLabel(s.TopPriorityLabels) {
			sb.WriteString(" [top priority]")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
