package mergequeue

import (
	"sync"
	"time"
)

type UnhealthyReason string

const ReasonPotentialDeadlock UnhealthyReason = "potential_deadlock"

// HealthStatus is the health of a MergeService.
type HealthStatus struct {
	OK bool
	// Reason is set when OK is false.
	Reason UnhealthyReason
}

func (h HealthStatus) String() string {
	if h.OK {
		return "ok"
	}

	return "unhealthy(" + string(h.Reason) + ")"
}

// Healthcheck derives the health of a MergeService from its status.
// A MergeService is healthy when it is starting or idle. When it is in
// another status, it becomes unhealthy after deadlockTimeout elapsed without
// a status change.
type Healthcheck struct {
	deadlockTimeout time.Duration
	onChange        func(HealthStatus)

	mu         sync.Mutex
	status     HealthStatus
	timer      *time.Timer
	generation uint64
	stopped    bool
}

func newHealthcheck(statusChecksTimeout time.Duration, onChange func(HealthStatus)) *Healthcheck {
	return &Healthcheck{
		deadlockTimeout: statusChecksTimeout + statusChecksTimeout/2,
		onChange:        onChange,
		status:          HealthStatus{OK: true},
	}
}

func (h *Healthcheck) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status
}

// update evaluates a new status of the MergeService.
// A pending unhealthy transition is cancelled.
func (h *Healthcheck) update(kind StatusKind) {
	h.mu.Lock()

	if h.stopped {
		h.mu.Unlock()
		return
	}

	h.generation++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}

	if kind == StatusStarting || kind == StatusIdle {
		changed := h.set(HealthStatus{OK: true})
		h.mu.Unlock()

		if changed {
			h.notify(HealthStatus{OK: true})
		}

		return
	}

	gen := h.generation
	h.timer = time.AfterFunc(h.deadlockTimeout, func() {
		h.mu.Lock()

		if h.stopped || h.generation != gen {
			h.mu.Unlock()
			return
		}

		unhealthy := HealthStatus{Reason: ReasonPotentialDeadlock}
		changed := h.set(unhealthy)
		h.mu.Unlock()

		if changed {
			h.notify(unhealthy)
		}
	})

	h.mu.Unlock()
}

// set must be called with mu held.
func (h *Healthcheck) set(status HealthStatus) (changed bool) {
	if h.status == status {
		return false
	}

	h.status = status
	return true
}

func (h *Healthcheck) notify(status HealthStatus) {
	if h.onChange != nil {
		h.onChange(status)
	}
}

// stop cancels a pending status transition, further updates are ignored.
func (h *Healthcheck) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	h.generation++

	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
