// Package health reports whether a taskops process can do its job.
//
// A Checker reports one component. NewQueueChecker, NewStorageChecker,
// NewWorkerChecker and NewBreakerChecker cover the pieces a registry wires
// together; NewRuntimeChecker watches the process itself. An Aggregator runs
// a set of checkers under one deadline and folds them into the worst status:
//
//	agg := health.NewAggregator(health.AggregatorConfig{Timeout: 5 * time.Second})
//	agg.Register(health.NewQueueChecker(q))
//	agg.Register(health.NewBreakerChecker(breakers))
//	report := agg.Run(ctx)
//
// RegisterHandlers exposes the aggregator as liveness, readiness and
// detailed JSON endpoints. Degraded answers 200 and unhealthy answers 503.
package health
