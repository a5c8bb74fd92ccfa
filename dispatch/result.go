package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/taskops/queue"
	"github.com/jonwraymond/taskops/task"
)

var (
	// ErrTaskFailed is matched by every *TaskFailedError.
	ErrTaskFailed = errors.New("dispatch: task failed")

	// ErrTaskTimeout is returned by Get when no terminal result arrived in time.
	ErrTaskTimeout = errors.New("dispatch: timed out waiting for task result")
)

// TaskFailedError reports a task that ended in FAILURE or REVOKED.
type TaskFailedError struct {
	TaskID    string
	Status    task.Status
	Message   string
	Traceback string
}

func (e *TaskFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dispatch: task %s ended %s", e.TaskID, e.Status)
	}
	return fmt.Sprintf("dispatch: task %s ended %s: %s", e.TaskID, e.Status, e.Message)
}

// Is matches ErrTaskFailed.
func (e *TaskFailedError) Is(target error) bool { return target == ErrTaskFailed }

// AsyncResult is a handle on a sent task.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - A terminal result is cached; later calls do not reach the queue.
//   - Unknown task ids read as PENDING.
type AsyncResult struct {
	id   string
	q    queue.Queue
	poll time.Duration

	mu    sync.Mutex
	final *task.Result
}

// NewAsyncResult returns a handle for id whose status is read from q.
// pollInterval <= 0 means 1s.
func NewAsyncResult(id string, q queue.Queue, pollInterval time.Duration) *AsyncResult {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &AsyncResult{id: id, q: q, poll: pollInterval}
}

// ID returns the task id.
func (r *AsyncResult) ID() string { return r.id }

// Result returns the latest known result. A task with no recorded result
// yields a PENDING result.
func (r *AsyncResult) Result(ctx context.Context) (*task.Result, error) {
	r.mu.Lock()
	final := r.final
	r.mu.Unlock()
	if final != nil {
		return final, nil
	}

	res, ok, err := r.q.GetTaskResult(ctx, r.id)
	if err != nil {
		return nil, fmt.Errorf("dispatch: fetch result of %s: %w", r.id, err)
	}
	if !ok {
		return task.Pending(r.id), nil
	}
	if res.Status.Terminal() {
		r.mu.Lock()
		r.final = res
		r.mu.Unlock()
	}
	return res, nil
}

// Status returns the current task status.
func (r *AsyncResult) Status(ctx context.Context) (task.Status, error) {
	res, err := r.Result(ctx)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

// Ready reports whether the task reached a terminal status.
func (r *AsyncResult) Ready(ctx context.Context) (bool, error) {
	s, err := r.Status(ctx)
	return err == nil && s.Terminal(), err
}

// Successful reports whether the task succeeded.
func (r *AsyncResult) Successful(ctx context.Context) (bool, error) {
	s, err := r.Status(ctx)
	return err == nil && s == task.StatusSuccess, err
}

// Failed reports whether the task failed.
func (r *AsyncResult) Failed(ctx context.Context) (bool, error) {
	s, err := r.Status(ctx)
	return err == nil && s == task.StatusFailure, err
}

// Get waits for a terminal result and returns the task's value. FAILURE and
// REVOKED yield *TaskFailedError. timeout <= 0 waits until ctx is done.
func (r *AsyncResult) Get(ctx context.Context, timeout time.Duration) (any, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		res, err := r.Result(ctx)
		if err != nil {
			return nil, err
		}
		switch res.Status {
		case task.StatusSuccess:
			return res.Result, nil
		case task.StatusFailure, task.StatusRevoked:
			return nil, &TaskFailedError{
				TaskID:    r.id,
				Status:    res.Status,
				Message:   failureMessage(res),
				Traceback: res.Traceback,
			}
		}

		select {
		case <-ticker.C:
		case <-deadline:
			return nil, fmt.Errorf("%w: %s after %s", ErrTaskTimeout, r.id, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Revoke cancels the task. It reports false when the task already finished
// or is unknown.
func (r *AsyncResult) Revoke(ctx context.Context) (bool, error) {
	ok, err := r.q.CancelTask(ctx, r.id)
	if err != nil {
		return false, fmt.Errorf("dispatch: revoke %s: %w", r.id, err)
	}
	return ok, nil
}

func failureMessage(r *task.Result) string {
	if r.Error != "" {
		return r.Error
	}
	if reason, ok := r.Metadata["reason"].(string); ok {
		return reason
	}
	return ""
}
