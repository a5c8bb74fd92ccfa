// Package registry wires storage, queue and worker together from a
// config.Config and owns their lifecycle.
//
// The factories (NewStorage, NewQueue, NewWorker, NewInvoker) map the
// configured backend kind to a concrete implementation and return it behind
// its interface. A Registry calls them in dependency order:
//
//	reg, err := registry.New(cfg, registry.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := reg.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer reg.Cleanup(context.Background())
//
//	res, err := reg.Dispatcher().SendTask(ctx, "reports.build", nil, nil)
//
// Processes that need a single shared registry use InitializeServices,
// GetRegistry and CleanupServices instead.
package registry
