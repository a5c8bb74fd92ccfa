package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/resilience"
)

// PostgresConfig configures a Postgres backend.
type PostgresConfig struct {
	// DSN is a libpq connection string or URL. Empty uses the PG* environment
	// variables.
	DSN string `yaml:"dsn" mapstructure:"dsn"`

	// Table holds the key/value rows. It is created on Connect.
	// Default: "taskops_kv"
	Table string `yaml:"table" mapstructure:"table"`

	// Breaker guards every query when set.
	Breaker *resilience.CircuitBreaker `yaml:"-" mapstructure:"-"`

	// Logger receives diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger `yaml:"-" mapstructure:"-"`
}

// Postgres stores values as JSONB rows with an optional expiry column.
type Postgres struct {
	cfg   PostgresConfig
	table string
	pool  *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed store. The pool opens on Connect.
func NewPostgres(cfg PostgresConfig) *Postgres {
	if cfg.Table == "" {
		cfg.Table = "taskops_kv"
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &Postgres{cfg: cfg, table: pgx.Identifier{cfg.Table}.Sanitize()}
}

// Connect opens the pool and creates the table if needed.
func (p *Postgres) Connect(ctx context.Context) error {
	if p.pool != nil {
		return nil
	}
	pool, err := pgxpool.New(ctx, p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("storage: open postgres pool: %w", err)
	}
	p.pool = pool
	ddl := `CREATE TABLE IF NOT EXISTS ` + p.table + ` (
		key        TEXT PRIMARY KEY,
		value      JSONB NOT NULL,
		expires_at TIMESTAMPTZ
	)`
	if err := p.guard(ctx, func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, ddl)
		return err
	}); err != nil {
		pool.Close()
		p.pool = nil
		return fmt.Errorf("storage: create table: %w", err)
	}
	return nil
}

// Disconnect closes the pool.
func (p *Postgres) Disconnect(_ context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

func (p *Postgres) guard(ctx context.Context, op func(context.Context) error) error {
	if p.pool == nil {
		return ErrNotConnected
	}
	if p.cfg.Breaker == nil {
		return op(ctx)
	}
	return p.cfg.Breaker.Execute(ctx, op)
}

// Get returns the decoded value for key. Expired rows are deleted in the same
// statement.
func (p *Postgres) Get(ctx context.Context, key string) (any, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	data, ok, err := p.load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := decodeValue(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (p *Postgres) load(ctx context.Context, key string) ([]byte, bool, error) {
	if _, err := p.purgeKey(ctx, key); err != nil {
		return nil, false, err
	}
	var data []byte
	found := true
	err := p.guard(ctx, func(ctx context.Context) error {
		err := p.pool.QueryRow(ctx,
			`SELECT value FROM `+p.table+` WHERE key = $1`, key).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("storage: postgres get %s: %w", key, err)
	}
	return data, found, nil
}

// purgeKey deletes key if it has expired.
func (p *Postgres) purgeKey(ctx context.Context, key string) (bool, error) {
	var n int64
	err := p.guard(ctx, func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx,
			`DELETE FROM `+p.table+` WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= now()`, key)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: postgres expire %s: %w", key, err)
	}
	return n > 0, nil
}

// Set stores value under key.
func (p *Postgres) Set(ctx context.Context, key string, value any, opts ...SetOption) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	data, err := encodeValue(value)
	if err != nil {
		return false, err
	}
	exp := applySetOptions(opts).expiresAt(time.Now())
	err = p.guard(ctx, func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `INSERT INTO `+p.table+` (key, value, expires_at)
			VALUES ($1, $2::jsonb, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
			key, string(data), exp)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: postgres set %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key. Idempotent.
func (p *Postgres) Delete(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	var live bool
	err := p.guard(ctx, func(ctx context.Context) error {
		err := p.pool.QueryRow(ctx, `DELETE FROM `+p.table+` WHERE key = $1
			RETURNING (expires_at IS NULL OR expires_at > now())`, key).Scan(&live)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: postgres delete %s: %w", key, err)
	}
	return live, nil
}

// Exists reports whether key holds an unexpired value.
func (p *Postgres) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	if _, err := p.purgeKey(ctx, key); err != nil {
		return false, err
	}
	var ok bool
	err := p.guard(ctx, func(ctx context.Context) error {
		return p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+p.table+` WHERE key = $1)`, key).Scan(&ok)
	})
	if err != nil {
		return false, fmt.Errorf("storage: postgres exists %s: %w", key, err)
	}
	return ok, nil
}

// Increment adds amount to the counter at key in a single upsert, keeping any
// existing TTL. A non-integer value restarts from 0.
func (p *Postgres) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if _, err := p.purgeKey(ctx, key); err != nil {
		return 0, err
	}
	t := p.table
	query := `INSERT INTO ` + t + ` AS t (key, value, expires_at)
		VALUES ($1, to_jsonb($2::bigint), NULL)
		ON CONFLICT (key) DO UPDATE SET value = to_jsonb(
			CASE WHEN jsonb_typeof(t.value) = 'number' AND t.value::text ~ '^-?[0-9]+$'
				THEN (t.value::text)::bigint ELSE 0 END + $2::bigint)
		RETURNING (value::text)::bigint`
	var next int64
	err := p.guard(ctx, func(ctx context.Context) error {
		return p.pool.QueryRow(ctx, query, key, amount).Scan(&next)
	})
	if err != nil {
		return 0, fmt.Errorf("storage: postgres increment %s: %w", key, err)
	}
	return next, nil
}

// SetHash stores mapping under key.
func (p *Postgres) SetHash(ctx context.Context, key string, mapping map[string]any, opts ...SetOption) (bool, error) {
	if mapping == nil {
		mapping = map[string]any{}
	}
	return p.Set(ctx, key, mapping, opts...)
}

// GetHash returns the map stored at key.
func (p *Postgres) GetHash(ctx context.Context, key string) (map[string]any, bool, error) {
	v, ok, err := p.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	h, ok := asHash(v)
	return h, ok, nil
}

// ClearPattern deletes every key matching pattern. Candidates are narrowed by
// the pattern's literal prefix in SQL and matched exactly in Go.
func (p *Postgres) ClearPattern(ctx context.Context, pattern string) (int, error) {
	re, err := compileGlob(pattern)
	if err != nil {
		return 0, err
	}
	var keys []string
	err = p.guard(ctx, func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx,
			`SELECT key FROM `+p.table+` WHERE starts_with(key, $1)`, literalPrefix(pattern))
		if err != nil {
			return err
		}
		keys, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: postgres scan: %w", err)
	}
	matched := keys[:0]
	for _, k := range keys {
		if re.MatchString(k) {
			matched = append(matched, k)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}
	var n int64
	err = p.guard(ctx, func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, `DELETE FROM `+p.table+` WHERE key = ANY($1)`, matched)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: postgres clear: %w", err)
	}
	return int(n), nil
}

// PurgeExpired deletes every expired row and returns how many were removed.
func (p *Postgres) PurgeExpired(ctx context.Context) (int, error) {
	var n int64
	err := p.guard(ctx, func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx,
			`DELETE FROM `+p.table+` WHERE expires_at IS NOT NULL AND expires_at <= now()`)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: postgres purge: %w", err)
	}
	return int(n), nil
}

// HealthCheck pings the database.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.guard(ctx, func(ctx context.Context) error {
		return p.pool.Ping(ctx)
	})
}

var _ Storage = (*Postgres)(nil)
