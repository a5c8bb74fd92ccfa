package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a key.
const MaxKeyLength = 1024

// Sentinel errors for storage operations.
var (
	ErrInvalidKey   = errors.New("storage: key is invalid")
	ErrKeyTooLong   = errors.New("storage: key exceeds max length")
	ErrNotConnected = errors.New("storage: not connected")
	ErrEncode       = errors.New("storage: value is not JSON-serializable")
	ErrCorrupt      = errors.New("storage: stored value is corrupt")
)

// Storage is the key/value persistence contract.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Context: every method honors cancellation where it performs I/O.
//   - Expiry: an expired key is reported absent by Get and Exists and is
//     removed on that read.
//   - Set without WithTTL clears any TTL the key had.
//   - Increment treats a missing or non-numeric value as 0.
//   - Delete is idempotent and reports whether the key existed.
type Storage interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, opts ...SetOption) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// SetHash stores a string-keyed map. A hash is an ordinary value.
	SetHash(ctx context.Context, key string, mapping map[string]any, opts ...SetOption) (bool, error)

	// GetHash returns the map stored at key; a non-map value reports absent.
	GetHash(ctx context.Context, key string) (map[string]any, bool, error)

	// ClearPattern deletes every key matching a glob (*, ? and [...]) and
	// returns how many were removed.
	ClearPattern(ctx context.Context, pattern string) (int, error)

	HealthCheck(ctx context.Context) error
}

// SetOption configures a Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl    time.Duration
	hasTTL bool
}

// WithTTL expires the key after ttl. A zero or negative ttl expires it
// immediately.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
		o.hasTTL = true
	}
}

func applySetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// expiresAt returns the absolute expiry, or nil for none.
func (o setOptions) expiresAt(now time.Time) *time.Time {
	if !o.hasTTL {
		return nil
	}
	t := now.Add(max(o.ttl, 0))
	return &t
}

// ValidateKey checks if a key is usable by every backend.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r\x00") {
		return ErrInvalidKey
	}
	return nil
}

func expired(exp *time.Time, now time.Time) bool {
	return exp != nil && !now.Before(*exp)
}
