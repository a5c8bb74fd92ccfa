package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonwraymond/taskops/queue"
	"github.com/jonwraymond/taskops/task"
	"github.com/jonwraymond/taskops/worker"
)

func Add(_ context.Context, args []any, _ map[string]any) (any, error) {
	var sum float64
	for _, a := range args {
		n, _ := a.(float64)
		sum += n
	}
	return sum, nil
}

func newStack(t *testing.T) (*Service, *queue.Memory, *worker.Local) {
	t.Helper()
	q := queue.NewMemory(queue.MemoryConfig{})
	if err := q.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	w := worker.NewLocal(q, worker.LocalConfig{
		PollTimeout:    10 * time.Millisecond,
		MinSleep:       time.Millisecond,
		MaxSleep:       5 * time.Millisecond,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	})
	svc, err := NewService(ServiceConfig{Queue: q, Worker: w, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, q, w
}

func start(t *testing.T, w worker.Worker) {
	t.Helper()
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
}

func TestNewTask_InfersName(t *testing.T) {
	tests := []struct {
		name    string
		given   string
		handler task.Handler
		want    string
	}{
		{"explicit", "math.add", task.HandlerFunc(Add), "math.add"},
		{"package func", "", task.HandlerFunc(Add), "dispatch.Add"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk, err := NewTask(tt.given, tt.handler)
			if err != nil {
				t.Fatalf("NewTask() error = %v", err)
			}
			if tk.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", tk.Name(), tt.want)
			}
		})
	}

	if _, err := NewTask("x", nil); err == nil {
		t.Error("NewTask(nil handler) error = nil, want error")
	}
}

func TestTask_DelayEndToEnd(t *testing.T) {
	svc, _, w := newStack(t)
	add, _ := NewTask("add", task.HandlerFunc(Add))
	if err := svc.Register(add); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	start(t, w)

	res, err := add.Delay(context.Background(), 2, 3)
	if err != nil {
		t.Fatalf("Delay() error = %v", err)
	}
	got, err := res.Get(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != float64(5) {
		t.Errorf("Get() = %v, want 5", got)
	}

	ctx := context.Background()
	if ok, _ := res.Ready(ctx); !ok {
		t.Error("Ready() = false after Get")
	}
	if ok, _ := res.Successful(ctx); !ok {
		t.Error("Successful() = false after Get")
	}
	if ok, _ := res.Failed(ctx); ok {
		t.Error("Failed() = true for a successful task")
	}
}

func TestTask_ApplyAsyncUsesDefaultsAndOverrides(t *testing.T) {
	svc, q, _ := newStack(t)
	tk, _ := NewTask("report", task.HandlerFunc(Add),
		WithQueue("reports"),
		WithPriority(task.PriorityHigh),
		WithMaxRetries(5),
		WithTimeout(30*time.Second),
	)
	_ = svc.Register(tk)

	ctx := context.Background()
	res, err := tk.ApplyAsync(ctx, []any{1}, map[string]any{"k": "v"}, task.WithPriority(task.PriorityCritical))
	if err != nil {
		t.Fatalf("ApplyAsync() error = %v", err)
	}

	msg, err := q.ReceiveTask(ctx, "reports", time.Second)
	if err != nil || msg == nil {
		t.Fatalf("ReceiveTask() = %v, %v", msg, err)
	}
	if msg.ID != res.ID() {
		t.Errorf("ID = %q, want %q", msg.ID, res.ID())
	}
	if msg.Priority != task.PriorityCritical {
		t.Errorf("Priority = %v, want CRITICAL", msg.Priority)
	}
	if msg.MaxRetries != 5 || msg.Timeout != 30*time.Second {
		t.Errorf("MaxRetries, Timeout = %d, %v; want 5, 30s", msg.MaxRetries, msg.Timeout)
	}
	if msg.Kwargs["k"] != "v" {
		t.Errorf("Kwargs = %v", msg.Kwargs)
	}
}

func TestAsyncResult_FailureAndTimeout(t *testing.T) {
	svc, _, w := newStack(t)
	boom, _ := NewTask("boom", task.HandlerFunc(func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("exploded")
	}), WithMaxRetries(0))
	_ = svc.Register(boom)
	start(t, w)

	ctx := context.Background()
	res, _ := boom.Delay(ctx)
	_, err := res.Get(ctx, 5*time.Second)
	var tfe *TaskFailedError
	if !errors.As(err, &tfe) || !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("Get() error = %v, want *TaskFailedError", err)
	}
	if tfe.Status != task.StatusFailure || !strings.Contains(tfe.Message, "exploded") {
		t.Errorf("TaskFailedError = %+v", tfe)
	}
	if ok, _ := res.Failed(ctx); !ok {
		t.Error("Failed() = false")
	}

	// Nothing consumes this queue.
	orphan, _ := svc.SendTask(ctx, "add", []any{1, 2}, nil, task.WithQueue("nobody"))
	if _, err := orphan.Get(ctx, 30*time.Millisecond); !errors.Is(err, ErrTaskTimeout) {
		t.Errorf("Get() error = %v, want ErrTaskTimeout", err)
	}
	if s, _ := orphan.Status(ctx); s != task.StatusPending {
		t.Errorf("Status() = %s, want PENDING", s)
	}
}

func TestAsyncResult_Revoke(t *testing.T) {
	svc, _, _ := newStack(t)
	ctx := context.Background()
	res, err := svc.SendTask(ctx, "later", nil, nil)
	if err != nil {
		t.Fatalf("SendTask() error = %v", err)
	}

	ok, err := res.Revoke(ctx)
	if err != nil || !ok {
		t.Fatalf("Revoke() = %v, %v; want true, nil", ok, err)
	}
	_, err = res.Get(ctx, time.Second)
	var tfe *TaskFailedError
	if !errors.As(err, &tfe) || tfe.Status != task.StatusRevoked {
		t.Fatalf("Get() error = %v, want REVOKED failure", err)
	}
	if ok, _ := res.Revoke(ctx); ok {
		t.Error("second Revoke() = true, want false")
	}
}

func TestAsyncResult_UnknownIsPending(t *testing.T) {
	svc, _, _ := newStack(t)
	r := svc.AsyncResult("no-such-task")
	if s, err := r.Status(context.Background()); err != nil || s != task.StatusPending {
		t.Errorf("Status() = %s, %v; want PENDING", s, err)
	}
}

func TestAsyncResult_GetHonorsContext(t *testing.T) {
	svc, _, _ := newStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	res, _ := svc.SendTask(ctx, "never", nil, nil)
	cancel()
	if _, err := res.Get(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Get() error = %v, want context.Canceled", err)
	}
}

func TestTask_UnregisteredCannotSend(t *testing.T) {
	tk, _ := NewTask("lonely", task.HandlerFunc(Add))
	if _, err := tk.Delay(context.Background()); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Delay() error = %v, want ErrNotRegistered", err)
	}
}

// flakyWorker fails the first registration of every task.
type flakyWorker struct {
	worker.Worker
	attempts map[string]int
}

func (f *flakyWorker) RegisterTask(name string, h task.Handler) error {
	f.attempts[name]++
	if f.attempts[name] == 1 {
		return errors.New("registry busy")
	}
	return f.Worker.RegisterTask(name, h)
}

func TestService_RetriesFailedRegistrationOnce(t *testing.T) {
	q := queue.NewMemory(queue.MemoryConfig{})
	_ = q.Connect(context.Background())
	fw := &flakyWorker{Worker: worker.NewLocal(q, worker.LocalConfig{}), attempts: map[string]int{}}
	svc, _ := NewService(ServiceConfig{Queue: q, Worker: fw})

	tk, _ := NewTask("add", task.HandlerFunc(Add))
	if err := svc.Register(tk); err != nil {
		t.Fatalf("Register() error = %v, want nil", err)
	}
	if got := fw.Tasks(); len(got) != 0 {
		t.Fatalf("worker tasks = %v, want none after failed registration", got)
	}

	ctx := context.Background()
	if _, err := tk.Delay(ctx, 1); err != nil {
		t.Fatalf("Delay() error = %v", err)
	}
	if _, err := tk.Delay(ctx, 2); err != nil {
		t.Fatalf("Delay() error = %v", err)
	}
	if fw.attempts["add"] != 2 {
		t.Errorf("registration attempts = %d, want 2", fw.attempts["add"])
	}
	if got := fw.Tasks(); len(got) != 1 || got[0] != "add" {
		t.Errorf("worker tasks = %v, want [add]", got)
	}
}

func TestService_RegisterConflicts(t *testing.T) {
	svc, _, _ := newStack(t)
	a, _ := NewTask("same", task.HandlerFunc(Add))
	b, _ := NewTask("same", task.HandlerFunc(Add))
	if err := svc.Register(a, a); err != nil {
		t.Errorf("Register(a, a) error = %v, want nil", err)
	}
	if err := svc.Register(b); err == nil {
		t.Error("Register(b) error = nil, want conflict")
	}
	if err := svc.Register(nil); err == nil {
		t.Error("Register(nil) error = nil, want error")
	}
	if got := svc.Tasks(); len(got) != 1 {
		t.Errorf("Tasks() = %v, want [same]", got)
	}
	if _, ok := svc.Task("same"); !ok {
		t.Error("Task(same) not found")
	}
}

func TestNewService_RequiresQueue(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Error("NewService() error = nil, want error")
	}
}
