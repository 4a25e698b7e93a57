package mergequeue

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/logfields"
)

// runningTask is a feedback operation that was started for a specific key.
// The operation is cancelled when it is scheduled with a different key or
// becomes inactive.
type runningTask struct {
	name       string
	active     bool
	key        any
	cancelFunc context.CancelFunc
}

// schedule starts fn in a new go-routine if active is true and no operation
// for the same key is running.
// A running operation for another key is cancelled.
// Operations are not cancelled when fn returns. Events they emitted must
// still be processed.
func (s *MergeService) schedule(t *runningTask, active bool, key any, fn func(context.Context)) {
	if active && t.active && t.key == key {
		return
	}

	if t.cancelFunc != nil {
		t.cancelFunc()
		t.cancelFunc = nil

		s.logger.Debug(
			"cancelled feedback operation",
			logfields.Event("feedback_operation_cancelled"),
			zap.String("operation", t.name),
			zap.Any("key", t.key),
		)
	}

	t.active = active
	t.key = key

	if !active {
		return
	}

	ctx, cancelFunc := context.WithCancel(s.ctx)
	t.cancelFunc = cancelFunc

	s.logger.Debug(
		"starting feedback operation",
		logfields.Event("feedback_operation_started"),
		zap.String("operation", t.name),
		zap.Any("key", key),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}
