package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonwraymond/taskops/config"
	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/queue"
	"github.com/jonwraymond/taskops/resilience"
	"github.com/jonwraymond/taskops/storage"
	"github.com/jonwraymond/taskops/worker"
)

// ErrUnknownBackend is returned by the factories for backend kinds they do
// not know.
var ErrUnknownBackend = errors.New("registry: unknown backend")

// Breaker names registered in the Manager built by NewBreakerManager.
const (
	BreakerStorage = "storage"
	BreakerQueue   = "queue"
	BreakerInvoker = "invoker"
)

// Deps are the shared collaborators handed to every factory.
type Deps struct {
	// Breakers owns the breakers guarding remote backends.
	// Default: a Manager without per-service thresholds
	Breakers *resilience.Manager

	// Middleware wraps task executions.
	Middleware *observe.Middleware

	// Logger is passed to every component.
	// Default: observe.NopLogger()
	Logger observe.Logger

	// Invoker replaces the invoker a function worker would build from
	// configuration.
	Invoker worker.Invoker
}

func (d Deps) withDefaults() Deps {
	if d.Breakers == nil {
		d.Breakers = resilience.NewManager()
	}
	if d.Logger == nil {
		d.Logger = observe.NopLogger()
	}
	return d
}

func (d Deps) breaker(name string) *resilience.CircuitBreaker {
	return d.Breakers.Get(name, resilience.CircuitBreakerConfig{})
}

// NewBreakerManager returns a Manager carrying the configured thresholds for
// the storage, queue and invoker breakers.
func NewBreakerManager(cfg config.BreakersConfig, logger observe.Logger) *resilience.Manager {
	opts := []resilience.ManagerOption{
		resilience.WithServiceConfig(BreakerStorage, breakerConfig(cfg.Storage)),
		resilience.WithServiceConfig(BreakerQueue, breakerConfig(cfg.Queue)),
		resilience.WithServiceConfig(BreakerInvoker, breakerConfig(cfg.Invoker)),
	}
	if logger != nil {
		opts = append(opts, resilience.WithManagerLogger(logger))
	}
	return resilience.NewManager(opts...)
}

func breakerConfig(b config.BreakerConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: b.FailureThreshold,
		RecoveryTimeout:  b.RecoveryTimeout,
		SuccessThreshold: b.SuccessThreshold,
	}
}

// NewStorage builds the storage backend selected by cfg. It is not connected.
func NewStorage(cfg config.StorageConfig, deps Deps) (storage.Storage, error) {
	deps = deps.withDefaults()
	logger := deps.Logger.With(observe.F("component", "storage"))

	switch cfg.Backend {
	case config.StorageMemory:
		return storage.NewMemory(storage.MemoryConfig{
			SweepInterval: cfg.Memory.SweepInterval,
			Logger:        logger,
		}), nil
	case config.StorageFile:
		return storage.NewFile(storage.FileConfig{
			BasePath: cfg.File.BasePath,
			Logger:   logger,
		}), nil
	case config.StorageS3:
		return storage.NewS3(storage.S3Config{
			Bucket:   cfg.S3.Bucket,
			Prefix:   cfg.S3.Prefix,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Breaker:  deps.breaker(BreakerStorage),
			Logger:   logger,
		}), nil
	case config.StoragePostgres:
		return storage.NewPostgres(storage.PostgresConfig{
			DSN:     cfg.Postgres.DSN,
			Table:   cfg.Postgres.Table,
			Breaker: deps.breaker(BreakerStorage),
			Logger:  logger,
		}), nil
	case config.StorageRedis:
		return storage.NewRedis(storage.RedisConfig{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Breaker:   deps.breaker(BreakerStorage),
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: storage %q", ErrUnknownBackend, cfg.Backend)
	}
}

// NewResultStore wraps s with the retention configured in cfg.
func NewResultStore(s storage.Storage, cfg config.StorageConfig) *storage.ResultStore {
	return storage.NewResultStore(s, storage.RetentionPolicy{
		DefaultTTL: cfg.ResultTTL,
		MaxTTL:     cfg.MaxResultTTL,
	})
}

// NewQueue builds the queue backend selected by cfg. Task status is kept in
// results. It is not connected.
func NewQueue(cfg config.QueueConfig, results *storage.ResultStore, deps Deps) (queue.Queue, error) {
	deps = deps.withDefaults()
	logger := deps.Logger.With(observe.F("component", "queue"))

	switch cfg.Backend {
	case config.QueueMemory:
		return queue.NewMemory(queue.MemoryConfig{
			Results: results,
			Logger:  logger,
		}), nil
	case config.QueueKafka:
		// Kafka keeps one breaker per operation kind, each built from the queue
		// thresholds and owned by the shared manager.
		breakers, _ := deps.Breakers.ServiceConfig(BreakerQueue)
		return queue.NewKafka(queue.KafkaConfig{
			Brokers:        cfg.Kafka.Brokers,
			Group:          cfg.Kafka.Group,
			TopicPrefix:    cfg.Kafka.TopicPrefix,
			Queues:         cfg.Names,
			MessageTTL:     cfg.Kafka.MessageTTL,
			PublishTimeout: cfg.Kafka.PublishTimeout,
			MaxRequeues:    cfg.Kafka.MaxRequeues,
			Breaker:        breakers,
			Breakers:       deps.Breakers,
			Results:        results,
			Logger:         logger,
		}), nil
	case config.QueueSQS:
		return queue.NewSQS(queue.SQSConfig{
			QueuePrefix:       cfg.SQS.QueuePrefix,
			Region:            cfg.SQS.Region,
			Endpoint:          cfg.SQS.Endpoint,
			CreateQueues:      cfg.SQS.CreateQueues,
			VisibilityTimeout: cfg.SQS.VisibilityTimeout,
			Breaker:           deps.breaker(BreakerQueue),
			Results:           results,
			Logger:            logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: queue %q", ErrUnknownBackend, cfg.Backend)
	}
}

// NewWorker builds the worker selected by cfg on top of q. It is not started.
func NewWorker(ctx context.Context, cfg config.WorkerConfig, q queue.Queue, deps Deps) (worker.Worker, error) {
	deps = deps.withDefaults()
	logger := deps.Logger.With(observe.F("component", "worker"))

	switch cfg.Backend {
	case config.WorkerLocal:
		return worker.NewLocal(q, worker.LocalConfig{
			WorkerID:       cfg.ID,
			PollTimeout:    cfg.Local.PollTimeout,
			MinSleep:       cfg.Local.MinSleep,
			MaxSleep:       cfg.Local.MaxSleep,
			BackoffFactor:  cfg.Local.BackoffFactor,
			ErrorPause:     cfg.Local.ErrorPause,
			PoolSize:       cfg.Local.PoolSize,
			RetryBaseDelay: cfg.Local.RetryBaseDelay,
			RetryMaxDelay:  cfg.Local.RetryMaxDelay,
			RetryJitter:    cfg.Local.RetryJitter,
			Middleware:     deps.Middleware,
			Logger:         logger,
		}), nil
	case config.WorkerFunction:
		inv := deps.Invoker
		if inv == nil {
			var err error
			if inv, err = NewInvoker(ctx, cfg.Function, deps); err != nil {
				return nil, err
			}
		}
		// The function worker consumes q with the local loop and retry settings.
		w, err := worker.NewFunction(worker.FunctionConfig{
			Invoker:        inv,
			Queue:          q,
			FunctionPrefix: cfg.Function.FunctionPrefix,
			WorkerID:       cfg.ID,
			PollTimeout:    cfg.Local.PollTimeout,
			MinSleep:       cfg.Local.MinSleep,
			MaxSleep:       cfg.Local.MaxSleep,
			BackoffFactor:  cfg.Local.BackoffFactor,
			ErrorPause:     cfg.Local.ErrorPause,
			RetryBaseDelay: cfg.Local.RetryBaseDelay,
			RetryMaxDelay:  cfg.Local.RetryMaxDelay,
			RetryJitter:    cfg.Local.RetryJitter,
			Middleware:     deps.Middleware,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("%w: worker %q", ErrUnknownBackend, cfg.Backend)
	}
}

// NewInvoker builds the remote function invoker selected by cfg.
func NewInvoker(ctx context.Context, cfg config.FunctionWorkerConfig, deps Deps) (worker.Invoker, error) {
	deps = deps.withDefaults()

	switch cfg.Invoker {
	case config.InvokerLambda:
		inv, err := worker.NewLambdaInvoker(ctx, worker.LambdaConfig{
			Region:    cfg.Lambda.Region,
			Endpoint:  cfg.Lambda.Endpoint,
			Qualifier: cfg.Lambda.Qualifier,
			Breaker:   deps.breaker(BreakerInvoker),
		})
		if err != nil {
			return nil, err
		}
		return inv, nil
	case config.InvokerHTTP:
		rl := cfg.HTTP.RateLimit
		rl.Name = "function-http"
		rl.Logger = deps.Logger.With(observe.F("component", "invoker"))
		hc := worker.HTTPConfig{
			BaseURL:    cfg.HTTP.BaseURL,
			SigningKey: []byte(cfg.HTTP.SigningKey),
			Issuer:     cfg.HTTP.Issuer,
			Limiter:    resilience.NewRateLimiter(rl),
			Breaker:    deps.breaker(BreakerInvoker),
		}
		if cfg.HTTP.Timeout > 0 {
			hc.Client = &http.Client{Timeout: cfg.HTTP.Timeout}
		}
		inv, err := worker.NewHTTPInvoker(hc)
		if err != nil {
			return nil, err
		}
		return inv, nil
	default:
		return nil, fmt.Errorf("%w: invoker %q", ErrUnknownBackend, cfg.Invoker)
	}
}
