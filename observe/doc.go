// Package observe provides observability primitives for task execution.
//
// It is a pure instrumentation library: structured logging, OpenTelemetry
// metrics and tracing, and a middleware that wraps a task handler call. The
// worker and queue backends take a Logger; the worker takes a Middleware.
package observe
