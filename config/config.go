package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/resilience"
	"github.com/jonwraymond/taskops/secret"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// StorageBackend names a storage implementation.
type StorageBackend string

// Storage backends.
const (
	StorageMemory   StorageBackend = "memory"
	StorageFile     StorageBackend = "file"
	StorageS3       StorageBackend = "s3"
	StoragePostgres StorageBackend = "postgres"
	StorageRedis    StorageBackend = "redis"
)

// QueueBackend names a queue implementation.
type QueueBackend string

// Queue backends.
const (
	QueueMemory QueueBackend = "memory"
	QueueKafka  QueueBackend = "kafka"
	QueueSQS    QueueBackend = "sqs"
)

// WorkerBackend names a worker implementation.
type WorkerBackend string

// Worker backends.
const (
	WorkerLocal    WorkerBackend = "local"
	WorkerFunction WorkerBackend = "function"
)

// InvokerKind names a function invoker.
type InvokerKind string

// Function invokers.
const (
	InvokerLambda InvokerKind = "lambda"
	InvokerHTTP   InvokerKind = "http"
)

// Config is the complete process configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Queue    QueueConfig    `yaml:"queue" mapstructure:"queue"`
	Worker   WorkerConfig   `yaml:"worker" mapstructure:"worker"`
	Breakers BreakersConfig `yaml:"breakers" mapstructure:"breakers"`
	Observe  observe.Config `yaml:"observe" mapstructure:"observe"`
	Secrets  SecretsConfig  `yaml:"secrets" mapstructure:"secrets"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend" mapstructure:"backend"`

	// ResultTTL is how long task results are kept. Zero keeps them forever.
	ResultTTL time.Duration `yaml:"result_ttl" mapstructure:"result_ttl"`

	// MaxResultTTL caps any per-result TTL. Zero means no cap.
	MaxResultTTL time.Duration `yaml:"max_result_ttl" mapstructure:"max_result_ttl"`

	Memory   MemoryStorageConfig   `yaml:"memory" mapstructure:"memory"`
	File     FileStorageConfig     `yaml:"file" mapstructure:"file"`
	S3       S3StorageConfig       `yaml:"s3" mapstructure:"s3"`
	Postgres PostgresStorageConfig `yaml:"postgres" mapstructure:"postgres"`
	Redis    RedisStorageConfig    `yaml:"redis" mapstructure:"redis"`
}

// MemoryStorageConfig configures the memory backend.
type MemoryStorageConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// FileStorageConfig configures the file backend.
type FileStorageConfig struct {
	BasePath string `yaml:"base_path" mapstructure:"base_path"`
}

// S3StorageConfig configures the object storage backend.
type S3StorageConfig struct {
	Bucket   string `yaml:"bucket" mapstructure:"bucket"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// PostgresStorageConfig configures the SQL backend.
type PostgresStorageConfig struct {
	DSN   string `yaml:"dsn" mapstructure:"dsn"`
	Table string `yaml:"table" mapstructure:"table"`
}

// RedisStorageConfig configures the key-value server backend.
type RedisStorageConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// QueueConfig selects and configures the queue backend.
type QueueConfig struct {
	Backend QueueBackend `yaml:"backend" mapstructure:"backend"`

	// Names are the queues workers consume and kafka subscribes to.
	Names []string `yaml:"names" mapstructure:"names"`

	Kafka KafkaQueueConfig `yaml:"kafka" mapstructure:"kafka"`
	SQS   SQSQueueConfig   `yaml:"sqs" mapstructure:"sqs"`
}

// KafkaQueueConfig configures the message broker backend.
type KafkaQueueConfig struct {
	Brokers        []string      `yaml:"brokers" mapstructure:"brokers"`
	Group          string        `yaml:"group" mapstructure:"group"`
	TopicPrefix    string        `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	MessageTTL     time.Duration `yaml:"message_ttl" mapstructure:"message_ttl"`
	PublishTimeout time.Duration `yaml:"publish_timeout" mapstructure:"publish_timeout"`
	MaxRequeues    int           `yaml:"max_requeues" mapstructure:"max_requeues"`
}

// SQSQueueConfig configures the managed cloud queue backend.
type SQSQueueConfig struct {
	QueuePrefix       string        `yaml:"queue_prefix" mapstructure:"queue_prefix"`
	Region            string        `yaml:"region" mapstructure:"region"`
	Endpoint          string        `yaml:"endpoint" mapstructure:"endpoint"`
	CreateQueues      bool          `yaml:"create_queues" mapstructure:"create_queues"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" mapstructure:"visibility_timeout"`
}

// WorkerConfig selects and configures the worker.
type WorkerConfig struct {
	Backend  WorkerBackend        `yaml:"backend" mapstructure:"backend"`
	ID       string               `yaml:"id" mapstructure:"id"`
	Local    LocalWorkerConfig    `yaml:"local" mapstructure:"local"`
	Function FunctionWorkerConfig `yaml:"function" mapstructure:"function"`
}

// LocalWorkerConfig tunes the receive loop and retry schedule. The function
// worker uses the same settings when it consumes a queue. A zero RetryJitter
// selects the default 0.2.
type LocalWorkerConfig struct {
	PollTimeout    time.Duration `yaml:"poll_timeout" mapstructure:"poll_timeout"`
	MinSleep       time.Duration `yaml:"min_sleep" mapstructure:"min_sleep"`
	MaxSleep       time.Duration `yaml:"max_sleep" mapstructure:"max_sleep"`
	BackoffFactor  float64       `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	ErrorPause     time.Duration `yaml:"error_pause" mapstructure:"error_pause"`
	PoolSize       int           `yaml:"pool_size" mapstructure:"pool_size"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" mapstructure:"retry_max_delay"`
	RetryJitter    float64       `yaml:"retry_jitter" mapstructure:"retry_jitter"`
}

// FunctionWorkerConfig configures the function-invocation worker.
type FunctionWorkerConfig struct {
	Invoker        InvokerKind       `yaml:"invoker" mapstructure:"invoker"`
	FunctionPrefix string            `yaml:"function_prefix" mapstructure:"function_prefix"`
	Lambda         LambdaConfig      `yaml:"lambda" mapstructure:"lambda"`
	HTTP           HTTPInvokerConfig `yaml:"http" mapstructure:"http"`
}

// LambdaConfig configures the AWS Lambda invoker.
type LambdaConfig struct {
	Region    string `yaml:"region" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Qualifier string `yaml:"qualifier" mapstructure:"qualifier"`
}

// HTTPInvokerConfig configures the HTTP invoker.
type HTTPInvokerConfig struct {
	BaseURL    string                       `yaml:"base_url" mapstructure:"base_url"`
	SigningKey string                       `yaml:"signing_key" mapstructure:"signing_key"`
	Issuer     string                       `yaml:"issuer" mapstructure:"issuer"`
	Timeout    time.Duration                `yaml:"timeout" mapstructure:"timeout"`
	RateLimit  resilience.RateLimiterConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// BreakerConfig is the serializable subset of resilience.CircuitBreakerConfig.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" mapstructure:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold" mapstructure:"success_threshold"`
}

// BreakersConfig sets thresholds for the breakers guarding remote backends.
type BreakersConfig struct {
	Storage BreakerConfig `yaml:"storage" mapstructure:"storage"`
	Queue   BreakerConfig `yaml:"queue" mapstructure:"queue"`
	Invoker BreakerConfig `yaml:"invoker" mapstructure:"invoker"`
}

// SecretsConfig configures secret resolution for connection strings.
type SecretsConfig struct {
	// Strict rejects secret references that resolve to "".
	Strict bool `yaml:"strict" mapstructure:"strict"`

	// Providers maps provider names to their settings. The env provider is
	// always available.
	Providers map[string]map[string]any `yaml:"providers" mapstructure:"providers"`
}

// ServerConfig configures the operations HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns an in-memory configuration usable without any
// external service.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:   StorageMemory,
			ResultTTL: 24 * time.Hour,
			Memory:    MemoryStorageConfig{SweepInterval: time.Minute},
			File:      FileStorageConfig{BasePath: "./data"},
			Postgres:  PostgresStorageConfig{Table: "taskops_kv"},
			Redis: RedisStorageConfig{
				URL:       "redis://localhost:6379/0",
				KeyPrefix: "taskops:",
			},
		},
		Queue: QueueConfig{
			Backend: QueueMemory,
			Names:   []string{"default"},
			Kafka: KafkaQueueConfig{
				Brokers:        []string{"localhost:9092"},
				Group:          "taskops-workers",
				MessageTTL:     24 * time.Hour,
				PublishTimeout: 5 * time.Second,
				MaxRequeues:    3,
			},
			SQS: SQSQueueConfig{
				QueuePrefix:       "taskops-",
				VisibilityTimeout: 30 * time.Second,
			},
		},
		Worker: WorkerConfig{
			Backend: WorkerLocal,
			Local: LocalWorkerConfig{
				PollTimeout:    time.Second,
				MinSleep:       100 * time.Millisecond,
				MaxSleep:       5 * time.Second,
				BackoffFactor:  1.5,
				ErrorPause:     time.Second,
				PoolSize:       4,
				RetryBaseDelay: time.Second,
				RetryMaxDelay:  60 * time.Second,
				RetryJitter:    0.2,
			},
			Function: FunctionWorkerConfig{
				Invoker:        InvokerLambda,
				FunctionPrefix: "taskops-",
				HTTP: HTTPInvokerConfig{
					Issuer:  "taskops",
					Timeout: 30 * time.Second,
					RateLimit: resilience.RateLimiterConfig{
						MaxRequestsPerSecond: 10,
						WindowSize:           time.Second,
						BaseBackoff:          time.Second,
						BackoffMultiplier:    2,
						MaxBackoff:           60 * time.Second,
						MaxBackoffAttempts:   5,
						JitterMin:            50 * time.Millisecond,
						JitterMax:            200 * time.Millisecond,
					},
				},
			},
		},
		Breakers: BreakersConfig{
			Storage: BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 1},
			Queue:   BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 1},
			Invoker: BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 1},
		},
		Observe: observe.Config{
			ServiceName: "taskops",
			Logging:     observe.LoggingConfig{Enabled: true, Level: "info"},
			Metrics:     observe.MetricsConfig{Enabled: true, Exporter: "prometheus"},
			Tracing:     observe.TracingConfig{Enabled: false, Exporter: "none", SamplePct: 0.1},
		},
		Secrets: SecretsConfig{Providers: map[string]map[string]any{}},
		Server:  ServerConfig{Addr: ":9090", ShutdownTimeout: 10 * time.Second},
	}
}

// Validate checks backend names and the settings each selected backend needs.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile:
		if c.Storage.File.BasePath == "" {
			bad("storage.file.base_path is required")
		}
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			bad("storage.s3.bucket is required")
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			bad("storage.postgres.dsn is required")
		}
	case StorageRedis:
		if c.Storage.Redis.URL == "" {
			bad("storage.redis.url is required")
		}
	default:
		bad("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.ResultTTL < 0 || c.Storage.MaxResultTTL < 0 {
		bad("storage result TTLs must not be negative")
	}

	switch c.Queue.Backend {
	case QueueMemory, QueueSQS:
	case QueueKafka:
		if len(c.Queue.Kafka.Brokers) == 0 {
			bad("queue.kafka.brokers is required")
		}
	default:
		bad("unknown queue backend %q", c.Queue.Backend)
	}
	if len(c.Queue.Names) == 0 || slices.Contains(c.Queue.Names, "") {
		bad("queue.names must list non-empty queue names")
	}

	// The poll loop and retry settings serve both worker backends.
	if c.Worker.Local.PoolSize < 0 {
		bad("worker.local.pool_size must not be negative")
	}
	if c.Worker.Local.BackoffFactor != 0 && c.Worker.Local.BackoffFactor < 1 {
		bad("worker.local.backoff_factor must be at least 1")
	}
	if j := c.Worker.Local.RetryJitter; j < 0 || j >= 1 {
		bad("worker.local.retry_jitter must be in [0, 1)")
	}
	switch c.Worker.Backend {
	case WorkerLocal:
	case WorkerFunction:
		switch c.Worker.Function.Invoker {
		case InvokerLambda:
		case InvokerHTTP:
			if c.Worker.Function.HTTP.BaseURL == "" {
				bad("worker.function.http.base_url is required")
			}
		default:
			bad("unknown function invoker %q", c.Worker.Function.Invoker)
		}
	default:
		bad("unknown worker backend %q", c.Worker.Backend)
	}

	if err := c.Observe.Validate(); err != nil {
		bad("observe: %v", err)
	}
	return errors.Join(errs...)
}

// SecretResolver builds the resolver described by c.Secrets. The env
// provider is always included.
func (c *Config) SecretResolver() (*secret.Resolver, error) {
	specs := make(map[string]map[string]any, len(c.Secrets.Providers)+1)
	for name, spec := range c.Secrets.Providers {
		specs[name] = spec
	}
	if _, ok := specs["env"]; !ok {
		specs["env"] = nil
	}
	return secret.DefaultRegistry.NewResolver(c.Secrets.Strict, specs)
}

// ResolveSecrets expands environment variables and secret references in
// every connection string and credential of c.
func (c *Config) ResolveSecrets(ctx context.Context, r *secret.Resolver) error {
	if err := r.ResolveFields(ctx,
		&c.Storage.File.BasePath,
		&c.Storage.S3.Bucket,
		&c.Storage.S3.Endpoint,
		&c.Storage.Postgres.DSN,
		&c.Storage.Redis.URL,
		&c.Queue.SQS.Endpoint,
		&c.Worker.Function.Lambda.Endpoint,
		&c.Worker.Function.HTTP.BaseURL,
		&c.Worker.Function.HTTP.SigningKey,
	); err != nil {
		return fmt.Errorf("config: resolve secrets: %w", err)
	}
	brokers, err := r.ResolveSlice(ctx, c.Queue.Kafka.Brokers)
	if err != nil {
		return fmt.Errorf("config: resolve kafka brokers: %w", err)
	}
	c.Queue.Kafka.Brokers = brokers
	return nil
}
