// Package storage provides key/value persistence with optional TTL.
//
// Every backend implements Storage: Memory (process lifetime, used in tests),
// File (one JSON blob per key on local disk), S3 (object storage), Postgres
// and Redis. Values must be JSON-serializable and come back in their decoded
// JSON form (objects as map[string]any, numbers as float64).
//
// Expiry is checked lazily on Get and Exists, and a background sweep removes
// expired keys where the backend runs one.
//
// Keys are opaque strings. Callers namespace them with colon-delimited
// prefixes such as "filing:<cik>/<accession>"; the prefix before the first
// colon selects a subdirectory in the File and S3 backends.
//
// ResultStore layers typed task.Result persistence over any Storage.
package storage
