package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.Storage.Backend != StorageMemory || cfg.Queue.Backend != QueueMemory || cfg.Worker.Backend != WorkerLocal {
		t.Errorf("backends = %s/%s/%s, want memory/memory/local",
			cfg.Storage.Backend, cfg.Queue.Backend, cfg.Worker.Backend)
	}
	if cfg.Worker.Local.PollTimeout != time.Second || cfg.Worker.Local.PoolSize != 4 ||
		cfg.Worker.Local.ErrorPause != time.Second || cfg.Worker.Local.RetryJitter != 0.2 {
		t.Errorf("local worker defaults = %+v", cfg.Worker.Local)
	}
	if cfg.Queue.Kafka.PublishTimeout != 5*time.Second || cfg.Queue.Kafka.MaxRequeues != 3 {
		t.Errorf("kafka defaults = %+v", cfg.Queue.Kafka)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown storage", func(c *Config) { c.Storage.Backend = "tape" }, `unknown storage backend "tape"`},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = StorageS3 }, "storage.s3.bucket is required"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = StoragePostgres }, "storage.postgres.dsn is required"},
		{"kafka without brokers", func(c *Config) {
			c.Queue.Backend = QueueKafka
			c.Queue.Kafka.Brokers = nil
		}, "queue.kafka.brokers is required"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "amqp" }, `unknown queue backend "amqp"`},
		{"blank queue name", func(c *Config) { c.Queue.Names = []string{"a", ""} }, "queue.names"},
		{"http invoker without url", func(c *Config) {
			c.Worker.Backend = WorkerFunction
			c.Worker.Function.Invoker = InvokerHTTP
		}, "worker.function.http.base_url is required"},
		{"unknown worker", func(c *Config) { c.Worker.Backend = "thread" }, `unknown worker backend "thread"`},
		{"bad backoff", func(c *Config) { c.Worker.Local.BackoffFactor = 0.5 }, "backoff_factor"},
		{"bad jitter", func(c *Config) { c.Worker.Local.RetryJitter = 1.5 }, "retry_jitter"},
		{"bad jitter for function worker", func(c *Config) {
			c.Worker.Backend = WorkerFunction
			c.Worker.Local.RetryJitter = -0.1
		}, "retry_jitter"},
		{"bad log level", func(c *Config) { c.Observe.Logging.Level = "loud" }, "observe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "x"
	cfg.Queue.Backend = "y"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), `"x"`) || !strings.Contains(err.Error(), `"y"`) {
		t.Errorf("Validate() = %v, want both problems", err)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskops.yaml")
	content := `
storage:
  backend: file
  file:
    base_path: /var/lib/taskops
queue:
  backend: kafka
  names: [default, reports]
  kafka:
    brokers: [k1:9092]
    publish_timeout: 2s
worker:
  local:
    pool_size: 8
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKOPS_WORKER_LOCAL_POOL_SIZE", "16")
	t.Setenv("TASKOPS_QUEUE_KAFKA_GROUP", "reporting")
	t.Setenv("TASKOPS_WORKER_LOCAL_ERROR_PAUSE", "250ms")
	t.Setenv("TASKOPS_WORKER_LOCAL_RETRY_JITTER", "0.1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != StorageFile || cfg.Storage.File.BasePath != "/var/lib/taskops" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Queue.Backend != QueueKafka || len(cfg.Queue.Names) != 2 || cfg.Queue.Names[1] != "reports" {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.Kafka.PublishTimeout != 2*time.Second {
		t.Errorf("publish_timeout = %v, want 2s", cfg.Queue.Kafka.PublishTimeout)
	}
	if cfg.Queue.Kafka.Group != "reporting" {
		t.Errorf("kafka group = %q, want env override", cfg.Queue.Kafka.Group)
	}
	if cfg.Worker.Local.PoolSize != 16 {
		t.Errorf("pool_size = %d, want env override 16", cfg.Worker.Local.PoolSize)
	}
	if cfg.Worker.Local.ErrorPause != 250*time.Millisecond || cfg.Worker.Local.RetryJitter != 0.1 {
		t.Errorf("error_pause, retry_jitter = %v, %v; want 250ms, 0.1",
			cfg.Worker.Local.ErrorPause, cfg.Worker.Local.RetryJitter)
	}
	// Untouched keys keep their defaults.
	if cfg.Worker.Local.RetryMaxDelay != 60*time.Second {
		t.Errorf("retry_max_delay = %v, want default 60s", cfg.Worker.Local.RetryMaxDelay)
	}
	if cfg.Queue.Kafka.MaxRequeues != 3 {
		t.Errorf("max_requeues = %d, want default 3", cfg.Queue.Kafka.MaxRequeues)
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	old := SearchPaths
	SearchPaths = []string{t.TempDir()}
	t.Cleanup(func() { SearchPaths = old })
	t.Setenv("TASKOPS_STORAGE_BACKEND", "redis")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != StorageRedis {
		t.Errorf("storage backend = %q, want redis from env", cfg.Storage.Backend)
	}
	if cfg.Storage.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q, want default", cfg.Storage.Redis.URL)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load(missing explicit path) error = nil")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("queue:\n  backend: carrier-pigeon\n"), 0o600)
	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Load(invalid) error = %v, want ErrInvalidConfig", err)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskops.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Error("second WriteDefault() error = nil, want refusal to overwrite")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(written default) error = %v", err)
	}
	def := DefaultConfig()
	if cfg.Storage.ResultTTL != def.Storage.ResultTTL || cfg.Server.Addr != def.Server.Addr {
		t.Errorf("round trip = %+v / %+v", cfg.Storage, cfg.Server)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	_ = os.WriteFile(path, []byte("TASKOPS_TEST_DOTENV=loaded\nTASKOPS_TEST_PRESET=from-file\n"), 0o600)
	t.Setenv("TASKOPS_TEST_PRESET", "from-env")
	t.Cleanup(func() { os.Unsetenv("TASKOPS_TEST_DOTENV") })

	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadEnvFiles() error = %v", err)
	}
	if got := os.Getenv("TASKOPS_TEST_DOTENV"); got != "loaded" {
		t.Errorf("TASKOPS_TEST_DOTENV = %q, want loaded", got)
	}
	if got := os.Getenv("TASKOPS_TEST_PRESET"); got != "from-env" {
		t.Errorf("TASKOPS_TEST_PRESET = %q, want existing value kept", got)
	}
}

func TestResolveSecrets(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "pg"), []byte("hunter2"), 0o600)
	t.Setenv("TASKOPS_TEST_BROKER", "kafka-1:9092")

	cfg := DefaultConfig()
	cfg.Secrets.Providers = map[string]map[string]any{"file": {"base_dir": dir}}
	cfg.Storage.Postgres.DSN = "postgres://app:secretref:file:pg@db/tasks"
	cfg.Queue.Kafka.Brokers = []string{"${TASKOPS_TEST_BROKER}"}

	r, err := cfg.SecretResolver()
	if err != nil {
		t.Fatalf("SecretResolver() error = %v", err)
	}
	if err := cfg.ResolveSecrets(context.Background(), r); err != nil {
		t.Fatalf("ResolveSecrets() error = %v", err)
	}
	if cfg.Storage.Postgres.DSN != "postgres://app:hunter2@db/tasks" {
		t.Errorf("dsn = %q", cfg.Storage.Postgres.DSN)
	}
	if cfg.Queue.Kafka.Brokers[0] != "kafka-1:9092" {
		t.Errorf("brokers = %v", cfg.Queue.Kafka.Brokers)
	}

	cfg.Storage.Redis.URL = "redis://:${TASKOPS_TEST_UNSET}@cache"
	if err := cfg.ResolveSecrets(context.Background(), r); err == nil {
		t.Error("ResolveSecrets() error = nil for unset variable")
	}
}
