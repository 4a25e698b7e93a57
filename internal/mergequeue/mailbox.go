package mergequeue

import (
	"context"
	"sync"
)

// envelope is an event in the mailbox of a MergeService.
// If ctx is cancelled when the event is dequeued, it is discarded. It is the
// context of the feedback operation that emitted the event, it is cancelled
// when the operation became obsolete.
type envelope struct {
	ctx   context.Context
	event Event
}

// mailbox is an unbounded FIFO queue. Pushing never blocks, ready is
// signaled when elements are available.
type mailbox struct {
	mu    sync.Mutex
	items []envelope
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(e envelope) {
	m.mu.Lock()
	m.items = append(m.items, e)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// popAll removes and returns all queued elements.
func (m *mailbox) popAll() []envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.items
	m.items = nil

	return result
}
