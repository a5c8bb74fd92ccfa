// Package task defines the unit of queued work and its outcome.
//
// A Message names a registered handler and carries JSON-serializable
// arguments. A Result records one execution attempt. Both have a stable JSON
// wire form (Encode, Decode, EncodeResult, DecodeResult) shared by every
// queue and storage backend.
//
// Arguments travel as JSON, so numeric values arrive in handlers as float64
// after a round trip through any backend.
package task
