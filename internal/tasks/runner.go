package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Job is a unit of asynchronous work. Execute must be idempotent: with
// at-least-once delivery a job can run more than once.
type Job interface {
	Name() string
	Execute(ctx context.Context) error
}

// RetryPolicy bounds how a job type is retried. Attempts are strictly
// sequential; a job that keeps failing runs exactly MaxRetries+1 times.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// PermanentError marks a failure that must not be retried, such as a
// structural precondition violation.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the runner fails the job immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Failure is reported on the operator channel when a job exhausts its
// retry budget or hits a permanent error. Failures are never dropped
// silently; when nobody drains the channel they still reach the log.
type Failure struct {
	Job      string
	Attempts int
	Err      error
	At       time.Time
}

type queuedJob struct {
	job    Job
	policy RetryPolicy
}

// Runner executes queued jobs on a fixed worker pool with bounded,
// sequential retries per job instance.
type Runner struct {
	queue    chan queuedJob
	failures chan Failure
	workers  int
	logger   *logrus.Logger

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewRunner creates a task runner with the given worker count and
// queue capacity.
func NewRunner(workers, queueSize int, logger *logrus.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Runner{
		queue:    make(chan queuedJob, queueSize),
		failures: make(chan Failure, 64),
		workers:  workers,
		logger:   logger,
	}
}

// Failures exposes the operator channel for terminal job failures.
func (r *Runner) Failures() <-chan Failure {
	return r.failures
}

// Start launches the worker pool. Workers drain the queue until Stop
// is called or the context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	group, ctx := errgroup.WithContext(ctx)
	r.group = group

	for i := 0; i < r.workers; i++ {
		worker := i
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case item, ok := <-r.queue:
					if !ok {
						return nil
					}
					r.runJob(ctx, worker, item)
				}
			}
		})
	}

	r.logger.WithField("workers", r.workers).Info("Task runner started")
}

// Stop drains no further work and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	close(r.queue)
	if r.group != nil {
		r.group.Wait()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.logger.Info("Task runner stopped")
}

// Enqueue submits a job without blocking the caller. A full queue is
// reported as an error rather than waited on; the mutation path never
// blocks on asynchronous work.
func (r *Runner) Enqueue(job Job, policy RetryPolicy) error {
	select {
	case r.queue <- queuedJob{job: job, policy: policy}:
		return nil
	default:
		return fmt.Errorf("task queue full, dropping %s", job.Name())
	}
}

// runJob executes one job with bounded sequential retries.
func (r *Runner) runJob(ctx context.Context, worker int, item queuedJob) {
	maxAttempts := item.policy.MaxRetries + 1
	log := r.logger.WithFields(logrus.Fields{
		"job":    item.job.Name(),
		"worker": worker,
	})

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err := item.job.Execute(ctx)
		if err == nil {
			if attempt > 1 {
				log.WithField("attempt", attempt).Info("Job succeeded after retry")
			}
			return
		}
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			log.WithError(perm.Err).Error("Job failed permanently")
			r.reportFailure(Failure{Job: item.job.Name(), Attempts: attempt, Err: perm.Err, At: time.Now()})
			return
		}

		if attempt < maxAttempts {
			log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   item.policy.Delay.String(),
			}).Warn("Job failed, retrying")

			select {
			case <-ctx.Done():
				return
			case <-time.After(item.policy.Delay):
			}
		}
	}

	log.WithError(lastErr).WithField("attempts", maxAttempts).Error("Job retry budget exhausted")
	r.reportFailure(Failure{Job: item.job.Name(), Attempts: maxAttempts, Err: lastErr, At: time.Now()})
}

func (r *Runner) reportFailure(f Failure) {
	select {
	case r.failures <- f:
	default:
		// Operator channel saturated; the error log above still records it.
		r.logger.WithField("job", f.Job).Warn("Failure channel full")
	}
}
