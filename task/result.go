package task

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusRetry   Status = "retry"
	StatusRevoked Status = "revoked"
)

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailure, StatusRetry, StatusRevoked:
		return true
	}
	return false
}

// ParseStatus parses a status name. Upper-case names are accepted.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, v)
	}
	return s, nil
}

// Result is the outcome of one execution attempt.
//
// Result is set only for SUCCESS; Error and Traceback only for FAILURE.
type Result struct {
	TaskID      string         `json:"task_id"`
	Status      Status         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Traceback   string         `json:"traceback,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewResult returns a result in the given state.
func NewResult(taskID string, status Status) *Result {
	return &Result{TaskID: taskID, Status: status, Metadata: map[string]any{}}
}

// Pending is the result recorded when a message is enqueued.
func Pending(taskID string) *Result {
	return NewResult(taskID, StatusPending)
}

// Running marks the start of an attempt on workerID.
func Running(taskID, workerID string, startedAt time.Time) *Result {
	r := NewResult(taskID, StatusRunning)
	r.WorkerID = workerID
	r.StartedAt = startedAt
	return r
}

// Succeed completes r with value.
func (r *Result) Succeed(value any, at time.Time) *Result {
	r.Status = StatusSuccess
	r.Result = value
	r.Error = ""
	r.Traceback = ""
	r.CompletedAt = at
	return r
}

// Fail completes r with err. trace may be empty.
func (r *Result) Fail(err error, trace string, at time.Time) *Result {
	r.Status = StatusFailure
	r.Result = nil
	if err != nil {
		r.Error = err.Error()
	}
	r.Traceback = trace
	r.CompletedAt = at
	return r
}

// Retrying marks r as awaiting a resend.
func (r *Result) Retrying(err error, at time.Time) *Result {
	r.Status = StatusRetry
	r.Result = nil
	if err != nil {
		r.Error = err.Error()
	}
	r.CompletedAt = at
	return r
}

// Revoke marks r as cancelled.
func (r *Result) Revoke(reason string, at time.Time) *Result {
	r.Status = StatusRevoked
	r.Result = nil
	r.CompletedAt = at
	if reason != "" {
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		r.Metadata["reason"] = reason
	}
	return r
}

// Validate checks the result invariants.
func (r *Result) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil result", ErrInvalidResult)
	case r.TaskID == "":
		return fmt.Errorf("%w: missing task id", ErrInvalidResult)
	case !r.Status.Valid():
		return fmt.Errorf("%w: %q", ErrUnknownStatus, r.Status)
	case r.Status != StatusSuccess && r.Result != nil:
		return fmt.Errorf("%w: result set for status %s", ErrInvalidResult, r.Status)
	}
	return nil
}
