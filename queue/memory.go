package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/storage"
	"github.com/jonwraymond/taskops/task"
)

// MemoryConfig configures a Memory queue.
type MemoryConfig struct {
	// Results holds task status. Default: a private in-memory store.
	Results *storage.ResultStore

	// Logger receives diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// Memory is an in-process queue with strict FIFO order per queue name.
// Messages are copied through the wire codec, so senders and receivers never
// share state.
type Memory struct {
	mu        sync.Mutex
	queues    map[string][]memoryItem
	inflight  map[string]memoryItem
	connected bool
	wake      chan struct{}

	book   statusBook
	logger observe.Logger
}

type memoryItem struct {
	id    string
	queue string
	data  []byte
}

// NewMemory creates an in-process queue.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &Memory{
		queues:   make(map[string][]memoryItem),
		inflight: make(map[string]memoryItem),
		wake:     make(chan struct{}),
		book:     newStatusBook(cfg.Results),
		logger:   cfg.Logger,
	}
}

// Connect marks the queue usable.
func (q *Memory) Connect(_ context.Context) error {
	q.mu.Lock()
	q.connected = true
	q.mu.Unlock()
	return nil
}

// Disconnect marks the queue unusable and wakes blocked receivers. Queued
// messages are kept.
func (q *Memory) Disconnect(_ context.Context) error {
	q.mu.Lock()
	q.connected = false
	q.broadcastLocked()
	q.mu.Unlock()
	return nil
}

// broadcastLocked wakes every waiting receiver. Caller holds q.mu.
func (q *Memory) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// SendTask appends msg to the tail of its queue.
func (q *Memory) SendTask(ctx context.Context, msg *task.Message) (string, error) {
	cp, data, err := prepare(msg)
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	connected := q.connected
	q.mu.Unlock()
	if !connected {
		return "", ErrNotConnected
	}
	if err := q.book.pending(ctx, cp.ID); err != nil {
		return "", err
	}

	q.mu.Lock()
	if !q.connected {
		q.mu.Unlock()
		q.book.withdraw(ctx, cp.ID)
		return "", ErrNotConnected
	}
	q.queues[cp.Queue] = append(q.queues[cp.Queue], memoryItem{id: cp.ID, queue: cp.Queue, data: data})
	q.broadcastLocked()
	q.mu.Unlock()
	q.logger.Debug(ctx, "task enqueued",
		observe.F("task_id", cp.ID), observe.F("task_name", cp.Name), observe.F("queue", cp.Queue))
	return cp.ID, nil
}

// ReceiveTask pops the head of the named queue, waiting up to timeout.
func (q *Memory) ReceiveTask(ctx context.Context, name string, timeout time.Duration) (*task.Message, error) {
	if err := ValidateQueueName(name); err != nil {
		return nil, err
	}
	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()
	for {
		q.mu.Lock()
		if !q.connected {
			q.mu.Unlock()
			return nil, ErrNotConnected
		}
		if items := q.queues[name]; len(items) > 0 {
			item := items[0]
			q.queues[name] = items[1:]
			q.inflight[item.id] = item
			q.mu.Unlock()
			return task.Decode(item.data)
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AckTask settles an in-flight message.
func (q *Memory) AckTask(_ context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[taskID]; !ok {
		return false, nil
	}
	delete(q.inflight, taskID)
	return true, nil
}

// NackTask settles an in-flight message, appending it to the tail of its
// queue when requeue is set and dropping it otherwise.
func (q *Memory) NackTask(_ context.Context, taskID string, requeue bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.inflight[taskID]
	if !ok {
		return false, nil
	}
	delete(q.inflight, taskID)
	if requeue {
		q.queues[item.queue] = append(q.queues[item.queue], item)
		q.broadcastLocked()
	}
	return true, nil
}

// GetTaskStatus returns the last recorded status.
func (q *Memory) GetTaskStatus(ctx context.Context, taskID string) (task.Status, bool, error) {
	return q.book.status(ctx, taskID)
}

// GetTaskResult returns the last recorded result.
func (q *Memory) GetTaskResult(ctx context.Context, taskID string) (*task.Result, bool, error) {
	return q.book.result(ctx, taskID)
}

// SubmitResult records a worker's result.
func (q *Memory) SubmitResult(ctx context.Context, r *task.Result) error {
	return q.book.submit(ctx, r)
}

// CancelTask removes a waiting message and marks the task REVOKED. A task
// already in flight is only marked; the worker skips it before running.
func (q *Memory) CancelTask(ctx context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	for name, items := range q.queues {
		if i := slices.IndexFunc(items, func(it memoryItem) bool { return it.id == taskID }); i >= 0 {
			q.queues[name] = slices.Delete(items, i, i+1)
			break
		}
	}
	q.mu.Unlock()
	return q.book.revoke(ctx, taskID, "cancelled")
}

// PurgeQueue drops every waiting message and returns how many there were.
func (q *Memory) PurgeQueue(_ context.Context, name string) (int, error) {
	if err := ValidateQueueName(name); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.queues[name])
	delete(q.queues, name)
	return n, nil
}

// GetQueueSize returns the number of waiting messages. In-flight messages
// are not counted.
func (q *Memory) GetQueueSize(_ context.Context, name string) (int, error) {
	if err := ValidateQueueName(name); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[name]), nil
}

// InFlight returns the number of received but unsettled messages.
func (q *Memory) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// HealthCheck fails when the queue is disconnected.
func (q *Memory) HealthCheck(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.connected {
		return ErrNotConnected
	}
	return nil
}

var _ Queue = (*Memory)(nil)
