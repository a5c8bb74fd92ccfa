// Package dispatch is the producer-facing API: named tasks, a Service that
// sends them, and AsyncResult handles for waiting on outcomes.
//
//	add, _ := dispatch.NewTask("math.add", task.HandlerFunc(addFn))
//	svc, _ := dispatch.NewService(dispatch.ServiceConfig{Queue: q, Worker: w})
//	_ = svc.Register(add)
//
//	res, _ := add.Delay(ctx, 2, 3)
//	sum, err := res.Get(ctx, 10*time.Second)
//
// Registration is explicit. A task sent before Service.Register returns
// ErrNotRegistered.
package dispatch
