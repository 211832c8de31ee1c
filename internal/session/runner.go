package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runner tracks background submissions so the control loop can cancel
// them and wait for them on exit. A failed task is logged and counted; it
// never cancels its siblings. Cancellation is not a failure.
type Runner struct {
	// ctx is passed to every task.
	ctx context.Context
	// cancel stops every task.
	cancel context.CancelFunc
	// group waits for tasks.
	group errgroup.Group
	// running counts tasks that have not returned.
	running atomic.Int64
	// failures counts tasks that returned an error or panicked.
	failures atomic.Int64
	// logger records task failures.
	logger zerolog.Logger
}

// NewRunner returns a Runner whose tasks stop when ctx is cancelled.
func NewRunner(ctx context.Context, logger zerolog.Logger) *Runner {
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{ctx: ctx, cancel: cancel, logger: logger}
}

// Go starts task in the background.
func (r *Runner) Go(name string, task func(ctx context.Context) error) {
	r.running.Add(1)
	r.group.Go(func() (err error) {
		defer r.running.Add(-1)
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("task %s panicked: %v", name, recovered)
			}
			if errors.Is(err, context.Canceled) {
				r.logger.Debug().Str("task", name).Msg("background task cancelled")
			} else if err != nil {
				r.failures.Add(1)
				r.logger.Error().Err(err).Str("task", name).Msg("background task failed")
			}
			// Failures are reported above; Wait only signals completion.
			err = nil
		}()
		return task(r.ctx)
	})
}

// Running returns how many tasks are still in flight.
func (r *Runner) Running() int {
	return int(r.running.Load())
}

// Failures returns how many tasks have failed so far.
func (r *Runner) Failures() int {
	return int(r.failures.Load())
}

// Cancel stops every task without waiting.
func (r *Runner) Cancel() {
	r.cancel()
}

// Wait blocks until every task has returned.
func (r *Runner) Wait() {
	_ = r.group.Wait()
}

// Shutdown cancels every task and waits for them.
func (r *Runner) Shutdown() {
	r.Cancel()
	r.Wait()
}
