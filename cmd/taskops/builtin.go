package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonwraymond/taskops/dispatch"
	"github.com/jonwraymond/taskops/task"
	"github.com/jonwraymond/taskops/worker"
)

// Built-in tasks let a fresh deployment be smoke-tested from the CLI.
const (
	taskEcho  = "taskops.echo"
	taskSleep = "taskops.sleep"
	taskFail  = "taskops.fail"
)

func echo(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return map[string]any{"args": args, "kwargs": kwargs}, nil
}

// sleep waits args[0] seconds.
func sleep(ctx context.Context, args []any, _ map[string]any) (any, error) {
	var secs float64
	if len(args) > 0 {
		n, ok := args[0].(float64)
		if !ok || n < 0 {
			return nil, fmt.Errorf("sleep: want non-negative seconds, got %v", args[0])
		}
		secs = n
	}
	d := time.Duration(secs * float64(time.Second))
	select {
	case <-time.After(d):
		return secs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail always errors with args[0] as the message.
func fail(_ context.Context, args []any, _ map[string]any) (any, error) {
	msg := "requested failure"
	if len(args) > 0 {
		msg = fmt.Sprint(args[0])
	}
	return nil, errors.New(msg)
}

var builtins = map[string]task.HandlerFunc{
	taskEcho:  echo,
	taskSleep: sleep,
	taskFail:  fail,
}

// registerBuiltins binds the built-in tasks to svc.
func registerBuiltins(svc *dispatch.Service) error {
	var tasks []*dispatch.Task
	for name, h := range builtins {
		t, err := dispatch.NewTask(name, h)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	return svc.Register(tasks...)
}

// registerBuiltinFunctions exposes the built-in tasks on fs under the
// function names a function worker with prefix would invoke.
func registerBuiltinFunctions(fs *worker.FunctionServer, prefix string) error {
	for name, h := range builtins {
		if err := fs.Register(prefix+name, h); err != nil {
			return err
		}
	}
	return nil
}
