// Package retry runs operations repeatedly until they succeed or fail with
// an error that is not a goorderr.RetryableError.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/mergequeue/internal/goorderr"
	"github.com/simplesurance/mergequeue/internal/logfields"
)

const (
	defTimeout                    = 2 * time.Hour
	defBackoffInitialInterval     = 5 * time.Second
	defBackoffRandomizationFactor = backoff.DefaultRandomizationFactor
)

// Retryer executes a function repeatedly until it was successful or cancel
// condition happened.
type Retryer struct {
	logger       *zap.Logger
	shutdownChan chan struct{}

	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
}

type Option func(*Retryer)

// WithTimeout sets the maximum duration that Run retries an operation when
// the passed context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Retryer) {
		r.defTimeout = d
	}
}

func WithBackoffInitialInterval(d time.Duration) Option {
	return func(r *Retryer) {
		r.backoffInitialInterval = d
	}
}

func NewRetryer(opts ...Option) *Retryer {
	r := Retryer{
		logger:                     zap.L().Named("retryer"),
		shutdownChan:               make(chan struct{}),
		defTimeout:                 defTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: defBackoffRandomizationFactor,
	}

	for _, o := range opts {
		o(&r)
	}

	return &r
}

// Run executes fn until it was successful, it returned an error that
// does not wrap goorderr.RetryableError or the execution was aborted via the
// context.
// If ctx has no deadline, the retry duration is limited by the default
// timeout of the Retryer.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, r.defTimeout)
		defer cancelFn()
	}

	deadline, _ := ctx.Deadline()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"operation execution cancelled",
				logfields.Event("operation_execution_cancelled"),
				zap.Error(ctx.Err()),
			)

			return ctx.Err()

		case <-retryTimer.C:
			logger.Debug(
				"running operation",
				logfields.Event("operation_running"),
				zap.Duration("age", bo.GetElapsedTime()),
			)

			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"operation executed successfully",
					logfields.Event("operation_executed_successfully"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info(
					"operation cancelled",
					logfields.Event("operation_cancelled"),
				)

				return err
			}

			var retryError *goorderr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Warn(
					"operation failed, not retryable",
					logfields.Event("operation_failed"),
				)

				return err
			}

			if retryError.After.After(deadline) {
				logger.Warn(
					"operation failed, next possible retry time is after timeout expiration",
					logfields.Event("operation_failed"),
					zap.Time("earliest_allowed_retry", retryError.After),
					zap.Time("deadline", deadline),
				)

				return err
			}

			retryIn := bo.NextBackOff()
			if wait := time.Until(retryError.After); wait > retryIn {
				retryIn = wait
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"operation failed, retry scheduled",
				logfields.Event("operation_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, operation not executed",
				logfields.Event("operation_execution_cancelled_retryer_terminated"),
			)

			return errors.New("retryer was stopped")
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
