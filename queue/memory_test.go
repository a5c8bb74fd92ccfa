package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/taskops/task"
)

func newConnectedMemory(t *testing.T) *Memory {
	t.Helper()
	q := NewMemory(MemoryConfig{})
	if err := q.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestMemory_FIFO(t *testing.T) {
	q := newConnectedMemory(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"m1", "m2", "m3"} {
		id, err := q.SendTask(ctx, task.NewMessage(name, task.WithQueue("Q")))
		if err != nil {
			t.Fatalf("SendTask(%s) error = %v", name, err)
		}
		ids = append(ids, id)
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		msg, err := q.ReceiveTask(ctx, "Q", 0)
		if err != nil || msg == nil {
			t.Fatalf("ReceiveTask #%d = %v, %v", i, msg, err)
		}
		if msg.Name != want || msg.ID != ids[i] {
			t.Errorf("ReceiveTask #%d = %s/%s, want %s/%s", i, msg.Name, msg.ID, want, ids[i])
		}
	}
	if msg, _ := q.ReceiveTask(ctx, "Q", 0); msg != nil {
		t.Errorf("ReceiveTask on empty queue = %v, want nil", msg)
	}
}

func TestMemory_PurgeAndSize(t *testing.T) {
	q := newConnectedMemory(t)
	ctx := context.Background()
	for range 4 {
		_, _ = q.SendTask(ctx, task.NewMessage("noop", task.WithQueue("bulk")))
	}
	_, _ = q.SendTask(ctx, task.NewMessage("noop"))

	if n, _ := q.GetQueueSize(ctx, "bulk"); n != 4 {
		t.Errorf("GetQueueSize = %d, want 4", n)
	}
	n, err := q.PurgeQueue(ctx, "bulk")
	if err != nil || n != 4 {
		t.Errorf("PurgeQueue = %d, %v; want 4", n, err)
	}
	if n, _ := q.GetQueueSize(ctx, "bulk"); n != 0 {
		t.Errorf("GetQueueSize after purge = %d, want 0", n)
	}
	if n, _ := q.GetQueueSize(ctx, task.DefaultQueue); n != 1 {
		t.Errorf("other queue size = %d, want 1", n)
	}
}

func TestMemory_AckNack(t *testing.T) {
	q := newConnectedMemory(t)
	ctx := context.Background()
	first, _ := q.SendTask(ctx, task.NewMessage("a"))
	_, _ = q.SendTask(ctx, task.NewMessage("b"))

	msg, _ := q.ReceiveTask(ctx, task.DefaultQueue, 0)
	if q.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", q.InFlight())
	}
	if ok, _ := q.NackTask(ctx, msg.ID, true); !ok {
		t.Fatal("NackTask(requeue) = false")
	}
	// requeued message goes to the tail
	next, _ := q.ReceiveTask(ctx, task.DefaultQueue, 0)
	if next.Name != "b" {
		t.Errorf("after requeue got %s, want b", next.Name)
	}
	again, _ := q.ReceiveTask(ctx, task.DefaultQueue, 0)
	if again.ID != first {
		t.Errorf("requeued message id = %s, want %s", again.ID, first)
	}

	if ok, _ := q.AckTask(ctx, next.ID); !ok {
		t.Error("AckTask = false")
	}
	if ok, _ := q.AckTask(ctx, next.ID); ok {
		t.Error("second AckTask = true")
	}
	if ok, _ := q.NackTask(ctx, again.ID, false); !ok {
		t.Error("NackTask(drop) = false")
	}
	if n, _ := q.GetQueueSize(ctx, task.DefaultQueue); n != 0 || q.InFlight() != 0 {
		t.Errorf("size = %d, inflight = %d; want 0, 0", n, q.InFlight())
	}
}

func TestMemory_ReceiveWaitsForSend(t *testing.T) {
	q := newConnectedMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var got *task.Message
	go func() {
		defer wg.Done()
		got, _ = q.ReceiveTask(ctx, "late", 2*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	_, _ = q.SendTask(ctx, task.NewMessage("late-task", task.WithQueue("late")))
	wg.Wait()

	if got == nil || got.Name != "late-task" {
		t.Errorf("ReceiveTask = %v, want late-task", got)
	}
}

func TestMemory_ReceiveTimeout(t *testing.T) {
	q := newConnectedMemory(t)
	start := time.Now()
	msg, err := q.ReceiveTask(context.Background(), "empty", 30*time.Millisecond)
	if err != nil || msg != nil {
		t.Fatalf("ReceiveTask = %v, %v", msg, err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("ReceiveTask returned after %v, want >= 30ms", elapsed)
	}
}

func TestMemory_ReceiveHonorsContext(t *testing.T) {
	q := newConnectedMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := q.ReceiveTask(ctx, "empty", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ReceiveTask error = %v, want context.Canceled", err)
	}
}

func TestMemory_MessagesAreCopied(t *testing.T) {
	q := newConnectedMemory(t)
	ctx := context.Background()
	msg := task.NewMessage("copy", task.WithKwargs(map[string]any{"k": "v"}))
	_, _ = q.SendTask(ctx, msg)
	msg.Kwargs["k"] = "mutated"

	got, _ := q.ReceiveTask(ctx, task.DefaultQueue, 0)
	if got.Kwargs["k"] != "v" {
		t.Errorf("received kwargs = %v, sender mutation leaked", got.Kwargs)
	}
}

func TestMemory_StatusLifecycle(t *testing.T) {
	q := newConnectedMemory(t)
	ctx := context.Background()
	id, _ := q.SendTask(ctx, task.NewMessage("add", task.WithArgs(2, 3)))

	if s, ok, _ := q.GetTaskStatus(ctx, id); !ok || s != task.StatusPending {
		t.Errorf("status after send = %v, %v; want pending", s, ok)
	}
	res := task.Running(id, "w1", time.Now()).Succeed(5, time.Now())
	if err := q.SubmitResult(ctx, res); err != nil {
		t.Fatal(err)
	}
	got, ok, _ := q.GetTaskResult(ctx, id)
	if !ok || got.Status != task.StatusSuccess || got.Result != float64(5) {
		t.Errorf("GetTaskResult = %+v, %v", got, ok)
	}
	if _, ok, _ := q.GetTaskStatus(ctx, "unknown"); ok {
		t.Error("status for unknown id found")
	}
}

func TestMemory_Cancel(t *testing.T) {
	q := newConnectedMemory(t)
	ctx := context.Background()
	id, _ := q.SendTask(ctx, task.NewMessage("slow"))

	ok, err := q.CancelTask(ctx, id)
	if err != nil || !ok {
		t.Fatalf("CancelTask = %v, %v", ok, err)
	}
	if n, _ := q.GetQueueSize(ctx, task.DefaultQueue); n != 0 {
		t.Errorf("cancelled message still queued: size %d", n)
	}
	if s, _, _ := q.GetTaskStatus(ctx, id); s != task.StatusRevoked {
		t.Errorf("status = %v, want revoked", s)
	}
	if ok, _ := q.CancelTask(ctx, id); ok {
		t.Error("cancelling a revoked task = true")
	}
	if ok, _ := q.CancelTask(ctx, "unknown"); ok {
		t.Error("cancelling an unknown task = true")
	}
}

func TestMemory_NotConnected(t *testing.T) {
	q := NewMemory(MemoryConfig{})
	ctx := context.Background()
	if _, err := q.SendTask(ctx, task.NewMessage("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendTask error = %v, want ErrNotConnected", err)
	}
	if err := q.HealthCheck(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck error = %v, want ErrNotConnected", err)
	}
}

func TestValidateQueueName(t *testing.T) {
	for _, name := range []string{"default", "filings.high", "a-b_c"} {
		if err := ValidateQueueName(name); err != nil {
			t.Errorf("ValidateQueueName(%q) = %v", name, err)
		}
	}
	for _, name := range []string{"", "  ", "a b", "a/b"} {
		if err := ValidateQueueName(name); !errors.Is(err, ErrInvalidQueueName) {
			t.Errorf("ValidateQueueName(%q) = %v, want ErrInvalidQueueName", name, err)
		}
	}
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	q := newConnectedMemory(t)
	_, err := q.SendTask(context.Background(), &task.Message{})
	if !errors.Is(err, task.ErrInvalidMessage) {
		t.Errorf("SendTask(no name) error = %v, want ErrInvalidMessage", err)
	}
	_, err = q.SendTask(context.Background(), nil)
	if !errors.Is(err, task.ErrInvalidMessage) {
		t.Errorf("SendTask(nil) error = %v, want ErrInvalidMessage", err)
	}
}
