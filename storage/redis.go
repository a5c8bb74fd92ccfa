package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/resilience"
)

// RedisConfig configures a Redis backend.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	// Default: "redis://localhost:6379/0"
	URL string `yaml:"url" mapstructure:"url"`

	// KeyPrefix namespaces every key in the shared keyspace.
	// Default: "taskops:"
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`

	// ScanCount is the COUNT hint for SCAN during ClearPattern.
	// Default: 100
	ScanCount int64 `yaml:"scan_count" mapstructure:"scan_count"`

	// Client replaces the client built on Connect.
	Client redis.UniversalClient `yaml:"-" mapstructure:"-"`

	// Breaker guards every command when set.
	Breaker *resilience.CircuitBreaker `yaml:"-" mapstructure:"-"`

	// Logger receives diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger `yaml:"-" mapstructure:"-"`
}

// Redis stores values as JSON strings with native key expiry.
type Redis struct {
	cfg    RedisConfig
	client redis.UniversalClient
	owned  bool
}

// incrementScript adds ARGV[1] to an integer value, treating anything else
// as 0, and preserves the key's remaining TTL.
var incrementScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]))
if n == nil or n ~= math.floor(n) then n = 0 end
n = n + tonumber(ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], string.format('%d', n), 'PX', ttl)
else
  redis.call('SET', KEYS[1], string.format('%d', n))
end
return n
`)

// NewRedis creates a Redis-backed store. The client is built on Connect
// unless cfg.Client is set.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.URL == "" {
		cfg.URL = "redis://localhost:6379/0"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "taskops:"
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &Redis{cfg: cfg, client: cfg.Client}
}

// Connect dials the server and pings it.
func (r *Redis) Connect(ctx context.Context) error {
	if r.client == nil {
		opts, err := redis.ParseURL(r.cfg.URL)
		if err != nil {
			return fmt.Errorf("storage: parse redis url: %w", err)
		}
		r.client = redis.NewClient(opts)
		r.owned = true
	}
	return r.HealthCheck(ctx)
}

// Disconnect closes a client created by Connect.
func (r *Redis) Disconnect(_ context.Context) error {
	if r.client == nil || !r.owned {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	r.owned = false
	return err
}

func (r *Redis) guard(ctx context.Context, op func(context.Context) error) error {
	if r.client == nil {
		return ErrNotConnected
	}
	if r.cfg.Breaker == nil {
		return op(ctx)
	}
	return r.cfg.Breaker.Execute(ctx, op)
}

func (r *Redis) key(k string) string { return r.cfg.KeyPrefix + k }

// Get returns the decoded value for key.
func (r *Redis) Get(ctx context.Context, key string) (any, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	var (
		data  []byte
		found = true
	)
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		data, err = r.client.Get(ctx, r.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("storage: redis get %s: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	v, err := decodeValue(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value under key. A non-positive TTL deletes the key, which is
// what an immediately expired write looks like to readers.
func (r *Redis) Set(ctx context.Context, key string, value any, opts ...SetOption) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	data, err := encodeValue(value)
	if err != nil {
		return false, err
	}
	o := applySetOptions(opts)
	err = r.guard(ctx, func(ctx context.Context) error {
		if o.hasTTL && o.ttl <= 0 {
			return r.client.Del(ctx, r.key(key)).Err()
		}
		// Expiration 0 means no TTL and clears any existing one.
		return r.client.Set(ctx, r.key(key), data, o.ttl).Err()
	})
	if err != nil {
		return false, fmt.Errorf("storage: redis set %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key. Idempotent.
func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	var n int64
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.client.Del(ctx, r.key(key)).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: redis delete %s: %w", key, err)
	}
	return n > 0, nil
}

// Exists reports whether key holds an unexpired value.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	var n int64
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.client.Exists(ctx, r.key(key)).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Increment adds amount to the counter at key atomically, keeping any
// existing TTL.
func (r *Redis) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	var next int64
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		next, err = incrementScript.Run(ctx, r.client, []string{r.key(key)}, amount).Int64()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: redis increment %s: %w", key, err)
	}
	return next, nil
}

// SetHash stores mapping under key as a JSON object.
func (r *Redis) SetHash(ctx context.Context, key string, mapping map[string]any, opts ...SetOption) (bool, error) {
	if mapping == nil {
		mapping = map[string]any{}
	}
	return r.Set(ctx, key, mapping, opts...)
}

// GetHash returns the map stored at key.
func (r *Redis) GetHash(ctx context.Context, key string) (map[string]any, bool, error) {
	v, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	h, ok := asHash(v)
	return h, ok, nil
}

// ClearPattern deletes every key matching pattern using SCAN, so it never
// blocks the server the way KEYS would.
func (r *Redis) ClearPattern(ctx context.Context, pattern string) (int, error) {
	re, err := compileGlob(pattern)
	if err != nil {
		return 0, err
	}
	match := escapeRedisGlob(r.cfg.KeyPrefix) + pattern
	var keys []string
	err = r.guard(ctx, func(ctx context.Context) error {
		iter := r.client.Scan(ctx, 0, match, r.cfg.ScanCount).Iterator()
		for iter.Next(ctx) {
			k := strings.TrimPrefix(iter.Val(), r.cfg.KeyPrefix)
			if re.MatchString(k) {
				keys = append(keys, iter.Val())
			}
		}
		return iter.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("storage: redis scan: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err = r.guard(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.client.Del(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: redis clear: %w", err)
	}
	return int(n), nil
}

func escapeRedisGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// HealthCheck pings the server.
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.guard(ctx, func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}

var _ Storage = (*Redis)(nil)
