package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonwraymond/taskops/observe"
)

// FileConfig configures a File backend.
type FileConfig struct {
	// BasePath is the root directory. It is created on Connect.
	// Default: "./data"
	BasePath string `yaml:"base_path" mapstructure:"base_path"`

	// Logger receives diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger `yaml:"-" mapstructure:"-"`
}

// File stores each key as a JSON blob under BasePath/<content-type>/ with a
// sidecar metadata file holding the original key and expiry. Writes are
// atomic. Data survives process restarts.
type File struct {
	cfg FileConfig

	// mu serializes mutations within the process. Separate processes sharing
	// a directory may race on Increment.
	mu  sync.Mutex
	now func() time.Time
}

type fileMeta struct {
	Key       string     `json:"key"`
	ExpiresAt *time.Time `json:"expires_at"`
	StoredAt  time.Time  `json:"stored_at"`
}

// NewFile creates a file-backed store.
func NewFile(cfg FileConfig) *File {
	if cfg.BasePath == "" {
		cfg.BasePath = "./data"
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &File{cfg: cfg, now: time.Now}
}

// BasePath returns the root directory.
func (f *File) BasePath() string { return f.cfg.BasePath }

// Connect creates the base directory.
func (f *File) Connect(_ context.Context) error {
	if err := os.MkdirAll(f.cfg.BasePath, 0o755); err != nil {
		return fmt.Errorf("storage: create base path: %w", err)
	}
	return nil
}

// Disconnect is a no-op.
func (f *File) Disconnect(_ context.Context) error { return nil }

func (f *File) paths(key string) (data, meta string) {
	base := filepath.Join(f.cfg.BasePath, filepath.FromSlash(relPath(key)))
	return base + dataSuffix, base + metaSuffix
}

// Get returns the decoded value for key.
func (f *File) Get(_ context.Context, key string) (any, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	data, ok, err := f.read(key)
	f.mu.Unlock()
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := decodeValue(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// read returns the raw value, deleting it if expired. Caller holds f.mu.
func (f *File) read(key string) ([]byte, bool, error) {
	dataPath, metaPath := f.paths(key)
	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, false, err
	}
	if meta != nil && expired(meta.ExpiresAt, f.now()) {
		if err := removeFiles(dataPath, metaPath); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	data, err := os.ReadFile(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, true, nil
}

func readMeta(path string) (*fileMeta, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read metadata: %w", err)
	}
	var m fileMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return &m, nil
}

// Set stores value under key.
func (f *File) Set(_ context.Context, key string, value any, opts ...SetOption) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	data, err := encodeValue(value)
	if err != nil {
		return false, err
	}
	o := applySetOptions(opts)
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if err := f.write(key, data, o.expiresAt(now), now); err != nil {
		return false, err
	}
	return true, nil
}

// write stores data and metadata. Caller holds f.mu.
func (f *File) write(key string, data []byte, exp *time.Time, now time.Time) error {
	dataPath, metaPath := f.paths(key)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return fmt.Errorf("storage: create directory: %w", err)
	}
	meta, err := json.Marshal(fileMeta{Key: key, ExpiresAt: exp, StoredAt: now.UTC()})
	if err != nil {
		return fmt.Errorf("storage: encode metadata: %w", err)
	}
	if err := writeAtomic(dataPath, data); err != nil {
		return err
	}
	return writeAtomic(metaPath, meta)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("storage: close temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("storage: rename temp file: %w", err)
	}
	return nil
}

func removeFiles(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storage: remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// Delete removes key. Idempotent.
func (f *File) Delete(_ context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok, err := f.read(key)
	if err != nil {
		return false, err
	}
	dataPath, metaPath := f.paths(key)
	if err := removeFiles(dataPath, metaPath); err != nil {
		return false, err
	}
	return ok, nil
}

// Exists reports whether key holds an unexpired value.
func (f *File) Exists(_ context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok, err := f.read(key)
	return ok, err
}

// Increment adds amount to the counter at key, keeping any existing TTL.
func (f *File) Increment(_ context.Context, key string, amount int64) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok, err := f.read(key)
	if err != nil {
		return 0, err
	}
	var exp *time.Time
	if ok {
		_, metaPath := f.paths(key)
		if meta, err := readMeta(metaPath); err == nil && meta != nil {
			exp = meta.ExpiresAt
		}
	}
	next := counterValue(data) + amount
	enc, err := encodeValue(next)
	if err != nil {
		return 0, err
	}
	if err := f.write(key, enc, exp, f.now()); err != nil {
		return 0, err
	}
	return next, nil
}

// SetHash stores mapping under key.
func (f *File) SetHash(ctx context.Context, key string, mapping map[string]any, opts ...SetOption) (bool, error) {
	if mapping == nil {
		mapping = map[string]any{}
	}
	return f.Set(ctx, key, mapping, opts...)
}

// GetHash returns the map stored at key.
func (f *File) GetHash(ctx context.Context, key string) (map[string]any, bool, error) {
	v, ok, err := f.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	h, ok := asHash(v)
	return h, ok, nil
}

// ClearPattern deletes every key matching pattern. Keys are recovered from
// metadata files, so entries without metadata are skipped. Expired keys are
// removed but not counted.
func (f *File) ClearPattern(ctx context.Context, pattern string) (int, error) {
	re, err := compileGlob(pattern)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	n := 0
	err = filepath.WalkDir(f.cfg.BasePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		meta, err := readMeta(path)
		if err != nil {
			f.cfg.Logger.Warn(ctx, "skipping unreadable metadata",
				observe.F("path", path), observe.Err(err))
			return nil
		}
		if meta == nil || !re.MatchString(meta.Key) {
			return nil
		}
		dataPath := strings.TrimSuffix(path, metaSuffix) + dataSuffix
		if err := removeFiles(dataPath, path); err != nil {
			return err
		}
		if !expired(meta.ExpiresAt, now) {
			n++
		}
		return nil
	})
	return n, err
}

// HealthCheck verifies the base directory is writable.
func (f *File) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(f.cfg.BasePath, 0o755); err != nil {
		return fmt.Errorf("storage: base path unavailable: %w", err)
	}
	marker := filepath.Join(f.cfg.BasePath, ".health")
	if err := writeAtomic(marker, []byte("ok")); err != nil {
		return err
	}
	return removeFiles(marker)
}

var _ Storage = (*File)(nil)
