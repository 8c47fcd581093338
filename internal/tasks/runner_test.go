package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name     string
	attempts atomic.Int32
	fn       func(attempt int32) error
	done     chan struct{}
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Execute(context.Context) error {
	n := j.attempts.Add(1)
	err := j.fn(n)
	if err == nil && j.done != nil {
		close(j.done)
	}
	return err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestRetryBudgetExhausted(t *testing.T) {
	runner := NewRunner(1, 8, testLogger())
	runner.Start(context.Background())

	job := &countingJob{
		name: "always-fails",
		fn:   func(int32) error { return errors.New("transient") },
	}
	require.NoError(t, runner.Enqueue(job, RetryPolicy{MaxRetries: 3, Delay: time.Millisecond}))

	select {
	case failure := <-runner.Failures():
		require.Equal(t, "always-fails", failure.Job)
		require.Equal(t, 4, failure.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("terminal failure never reported")
	}

	// Exactly MaxRetries+1 attempts, never more.
	require.Equal(t, int32(4), job.attempts.Load())
	runner.Stop()
	require.Equal(t, int32(4), job.attempts.Load())
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	runner := NewRunner(1, 8, testLogger())
	runner.Start(context.Background())

	job := &countingJob{
		name: "structural",
		fn:   func(int32) error { return Permanent(errors.New("no edges")) },
	}
	require.NoError(t, runner.Enqueue(job, RetryPolicy{MaxRetries: 5, Delay: time.Millisecond}))

	select {
	case failure := <-runner.Failures():
		require.Equal(t, 1, failure.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("permanent failure never reported")
	}

	runner.Stop()
	require.Equal(t, int32(1), job.attempts.Load())
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	runner := NewRunner(2, 8, testLogger())
	runner.Start(context.Background())

	done := make(chan struct{})
	job := &countingJob{
		name: "flaky",
		done: done,
		fn: func(attempt int32) error {
			if attempt < 3 {
				return errors.New("not yet visible")
			}
			return nil
		},
	}
	require.NoError(t, runner.Enqueue(job, RetryPolicy{MaxRetries: 3, Delay: time.Millisecond}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}

	runner.Stop()
	require.Equal(t, int32(3), job.attempts.Load())

	select {
	case f := <-runner.Failures():
		t.Fatalf("unexpected failure report: %+v", f)
	default:
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	runner := NewRunner(1, 1, testLogger())
	// Runner not started: the queue holds one entry, the second must
	// be rejected instead of blocking the mutation path.
	job := &countingJob{name: "a", fn: func(int32) error { return nil }}

	require.NoError(t, runner.Enqueue(job, RetryPolicy{}))
	require.Error(t, runner.Enqueue(job, RetryPolicy{}))
}
