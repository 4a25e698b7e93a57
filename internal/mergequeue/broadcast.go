package mergequeue

import (
	"sync"
)

const subscriptionBufferSize = 64

// subscription receives the values published to a broadcaster after
// subscribe was called.
type subscription[T any] struct {
	C <-chan T

	ch          chan T
	broadcaster *broadcaster[T]
}

// broadcaster distributes published values to all subscribers.
// Publishing never blocks, values for subscribers that do not consume fast
// enough are dropped.
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[*subscription[T]]struct{}
}

func (b *broadcaster[T]) subscribe() *subscription[T] {
	ch := make(chan T, subscriptionBufferSize)
	sub := subscription[T]{C: ch, ch: ch, broadcaster: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = map[*subscription[T]]struct{}{}
	}
	b.subs[&sub] = struct{}{}

	return &sub
}

// publish sends v to all subscribers and returns how many subscribers did
// not receive it because their buffer was full.
func (b *broadcaster[T]) publish(v T) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- v:
		default:
			dropped++
		}
	}

	return dropped
}

func (s *subscription[T]) cancel() {
	s.broadcaster.mu.Lock()
	defer s.broadcaster.mu.Unlock()

	delete(s.broadcaster.subs, s)
}
