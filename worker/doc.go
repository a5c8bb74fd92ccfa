// Package worker executes tasks taken from a queue.
//
// Local polls one or more queues and runs handlers in-process:
//
//	w := worker.NewLocal(q, worker.LocalConfig{Logger: logger})
//	_ = w.RegisterTask("add", task.HandlerFunc(add))
//	if err := w.Start(ctx, "default"); err != nil {
//	    return err
//	}
//	defer w.Stop(context.Background())
//
// A failed execution is resent with RetryCount+1 after an exponential,
// jittered delay until MaxRetries is reached; the last failure is recorded
// and the message dead-lettered.
//
// Function has no poll loop. It maps task names to remotely deployed
// functions and invokes them through an Invoker: LambdaInvoker for AWS
// Lambda, HTTPInvoker for any host speaking the FunctionServer protocol.
package worker
