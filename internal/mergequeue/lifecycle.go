package mergequeue

import (
	"encoding/json"
	"time"
)

type LifecycleEventType int

const (
	LifecycleCreated LifecycleEventType = iota + 1
	LifecycleStateChanged
	LifecycleDestroyed
)

func (t LifecycleEventType) String() string {
	switch t {
	case LifecycleCreated:
		return "created"
	case LifecycleStateChanged:
		return "state_changed"
	case LifecycleDestroyed:
		return "destroyed"
	default:
		return "invalid"
	}
}

// LifecycleEvent is emitted by the DispatchService when a MergeService was
// created, destroyed or changed its state.
type LifecycleEvent struct {
	Type      LifecycleEventType
	Branch    string
	ServiceID string
	// State is set for LifecycleStateChanged events.
	State State
	Time  time.Time
}

type lifecycleEventJSON struct {
	Type        string `json:"type"`
	Branch      string `json:"branch"`
	ServiceID   string `json:"service_id"`
	Status      string `json:"status,omitempty"`
	PullRequest int    `json:"pull_request,omitempty"`
	Queue       []int  `json:"queue,omitempty"`
	Time        string `json:"time"`
}

func (e *LifecycleEvent) MarshalJSON() ([]byte, error) {
	v := lifecycleEventJSON{
		Type:      e.Type.String(),
		Branch:    e.Branch,
		ServiceID: e.ServiceID,
		Time:      e.Time.Format(time.RFC3339),
	}

	if e.Type == LifecycleStateChanged {
		v.Status = e.State.Status.Kind.String()

		if e.State.Status.hasIntegration() {
			v.PullRequest = e.State.Status.Metadata.Reference.Number
		}

		for _, pr := range e.State.Queue {
			v.Queue = append(v.Queue, pr.Number)
		}
	}

	return json.Marshal(&v)
}
