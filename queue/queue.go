package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonwraymond/taskops/storage"
	"github.com/jonwraymond/taskops/task"
)

// Sentinel errors for queue operations.
var (
	ErrNotConnected     = errors.New("queue: not connected")
	ErrInvalidQueueName = errors.New("queue: invalid queue name")
)

// Queue moves task messages between producers and workers.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - ReceiveTask returns (nil, nil) when nothing arrived within timeout.
//   - A received message stays in flight until AckTask or NackTask.
//   - NackTask with requeue makes the message deliverable again; without
//     requeue it is dropped or dead-lettered where the backend supports it.
//   - Ack and Nack report false for ids that are not in flight.
//   - CancelTask marks a pending task REVOKED; workers skip revoked tasks.
type Queue interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SendTask(ctx context.Context, msg *task.Message) (string, error)
	ReceiveTask(ctx context.Context, queue string, timeout time.Duration) (*task.Message, error)
	AckTask(ctx context.Context, taskID string) (bool, error)
	NackTask(ctx context.Context, taskID string, requeue bool) (bool, error)

	GetTaskStatus(ctx context.Context, taskID string) (task.Status, bool, error)
	GetTaskResult(ctx context.Context, taskID string) (*task.Result, bool, error)
	SubmitResult(ctx context.Context, result *task.Result) error
	CancelTask(ctx context.Context, taskID string) (bool, error)

	PurgeQueue(ctx context.Context, name string) (int, error)
	GetQueueSize(ctx context.Context, name string) (int, error)
	HealthCheck(ctx context.Context) error
}

// ValidateQueueName rejects names no backend can address.
func ValidateQueueName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidQueueName)
	}
	if strings.ContainsAny(name, " \t\r\n/") {
		return fmt.Errorf("%w: %q", ErrInvalidQueueName, name)
	}
	return nil
}

// prepare normalizes msg and returns a private copy ready for transport.
func prepare(msg *task.Message) (*task.Message, []byte, error) {
	if msg == nil {
		return nil, nil, fmt.Errorf("%w: nil message", task.ErrInvalidMessage)
	}
	msg.Normalize()
	if err := ValidateQueueName(msg.Queue); err != nil {
		return nil, nil, err
	}
	data, err := task.Encode(msg)
	if err != nil {
		return nil, nil, err
	}
	cp, err := task.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	return cp, data, nil
}

// statusBook is the ResultStore-backed status tracking shared by backends.
type statusBook struct {
	results *storage.ResultStore
	now     func() time.Time
}

func newStatusBook(results *storage.ResultStore) statusBook {
	if results == nil {
		results = storage.NewResultStore(
			storage.NewMemory(storage.MemoryConfig{}), storage.DefaultRetentionPolicy())
	}
	return statusBook{results: results, now: time.Now}
}

// pending records taskID as PENDING. Backends call it before the message
// becomes receivable so a worker's RUNNING and terminal writes always land
// after it.
func (b statusBook) pending(ctx context.Context, taskID string) error {
	return b.results.Save(ctx, task.Pending(taskID))
}

// withdraw drops the PENDING record of a message that was never published.
func (b statusBook) withdraw(ctx context.Context, taskID string) {
	_, _ = b.results.Delete(context.WithoutCancel(ctx), taskID)
}

func (b statusBook) status(ctx context.Context, taskID string) (task.Status, bool, error) {
	return b.results.Status(ctx, taskID)
}

func (b statusBook) result(ctx context.Context, taskID string) (*task.Result, bool, error) {
	return b.results.Load(ctx, taskID)
}

func (b statusBook) submit(ctx context.Context, r *task.Result) error {
	return b.results.Save(ctx, r)
}

// revoke marks a non-terminal task REVOKED and reports whether it did.
func (b statusBook) revoke(ctx context.Context, taskID, reason string) (bool, error) {
	r, ok, err := b.results.Load(ctx, taskID)
	if err != nil || !ok {
		return false, err
	}
	if r.Status.Terminal() {
		return false, nil
	}
	if err := b.results.Save(ctx, r.Revoke(reason, b.now())); err != nil {
		return false, err
	}
	return true, nil
}

// revoked reports whether taskID was cancelled.
func (b statusBook) revoked(ctx context.Context, taskID string) bool {
	s, ok, err := b.results.Status(ctx, taskID)
	return err == nil && ok && s == task.StatusRevoked
}
