package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/resilience"
	"github.com/jonwraymond/taskops/storage"
	"github.com/jonwraymond/taskops/task"
)

// Record header keys.
const (
	HeaderTaskName         = "task_name"
	HeaderPriority         = "priority"
	HeaderRequeueCount     = "requeue_count"
	HeaderDeadLetterReason = "dead_letter_reason"
)

// DeadLetterSuffix is appended to a queue's topic to name its dead-letter
// topic.
const DeadLetterSuffix = ".dead"

// KafkaClient is the subset of *kgo.Client the backend uses.
type KafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AddConsumeTopics(topics ...string)
	Ping(ctx context.Context) error
	Close()
}

// KafkaAdmin is the subset of *kadm.Client the backend uses.
type KafkaAdmin interface {
	ListStartOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	ListEndOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	FetchOffsets(ctx context.Context, group string) (kadm.OffsetResponses, error)
	DeleteRecords(ctx context.Context, os kadm.Offsets) (kadm.DeleteRecordsResponses, error)
}

// KafkaConfig configures a Kafka queue.
type KafkaConfig struct {
	// Brokers are the seed broker addresses.
	// Default: ["localhost:9092"]
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`

	// Group is the consumer group shared by workers.
	// Default: "taskops-workers"
	Group string `yaml:"group" mapstructure:"group"`

	// TopicPrefix is prepended to queue names to form topic names.
	TopicPrefix string `yaml:"topic_prefix" mapstructure:"topic_prefix"`

	// Queues are subscribed on Connect. Others are added on first receive.
	Queues []string `yaml:"queues" mapstructure:"queues"`

	// MessageTTL is the expiry given to messages sent without one.
	// Default: 24h
	MessageTTL time.Duration `yaml:"message_ttl" mapstructure:"message_ttl"`

	// PublishTimeout bounds each publish confirmation.
	// Default: 5s
	PublishTimeout time.Duration `yaml:"publish_timeout" mapstructure:"publish_timeout"`

	// MaxRequeues is how often a nacked message is republished before it is
	// dead-lettered.
	// Default: 3
	MaxRequeues int `yaml:"max_requeues" mapstructure:"max_requeues"`

	// FetchMaxWait bounds how long the broker holds a fetch open.
	// Default: 500ms
	FetchMaxWait time.Duration `yaml:"fetch_max_wait" mapstructure:"fetch_max_wait"`

	// Breaker holds thresholds shared by the connect, health and publish
	// breakers. Zero fields keep each breaker's own default.
	Breaker resilience.CircuitBreakerConfig `yaml:"-" mapstructure:"-"`

	// Breakers, when set, owns the three breakers so they are reported
	// with the other managed breakers.
	Breakers *resilience.Manager `yaml:"-" mapstructure:"-"`

	// Client and Admin replace the clients built on Connect.
	Client KafkaClient `yaml:"-" mapstructure:"-"`
	Admin  KafkaAdmin  `yaml:"-" mapstructure:"-"`

	// Results holds task status. Default: a private in-memory store.
	Results *storage.ResultStore `yaml:"-" mapstructure:"-"`

	// Logger receives diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger `yaml:"-" mapstructure:"-"`
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.Group == "" {
		c.Group = "taskops-workers"
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 24 * time.Hour
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 3
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = observe.NopLogger()
	}
	return c
}

// Kafka is a durable queue with one topic per queue name. Records carry the
// task id as key and the wire JSON as value. Publishing waits for all in-sync
// replicas.
//
// Connect, health checks and publishing each run behind their own circuit
// breaker because they fail and recover differently.
type Kafka struct {
	cfg    KafkaConfig
	logger observe.Logger
	book   statusBook

	connectBreaker *resilience.CircuitBreaker
	healthBreaker  *resilience.CircuitBreaker
	publishBreaker *resilience.CircuitBreaker
	publish        *resilience.Executor

	mu         sync.Mutex
	client     KafkaClient
	admin      KafkaAdmin
	owned      bool
	subscribed map[string]bool
	buffered   map[string][]*kgo.Record
	inflight   map[string]kafkaDelivery

	// pollMu admits one PollRecords call at a time.
	pollMu sync.Mutex
}

type kafkaDelivery struct {
	rec      *kgo.Record
	requeues int
}

// NewKafka creates a Kafka queue. Clients are built on Connect unless
// injected through cfg.
func NewKafka(cfg KafkaConfig) *Kafka {
	cfg = cfg.withDefaults()
	k := &Kafka{
		cfg:        cfg,
		logger:     cfg.Logger,
		book:       newStatusBook(cfg.Results),
		client:     cfg.Client,
		admin:      cfg.Admin,
		subscribed: make(map[string]bool),
		buffered:   make(map[string][]*kgo.Record),
		inflight:   make(map[string]kafkaDelivery),
	}
	k.connectBreaker = k.breaker("kafka.connect", resilience.CircuitBreakerConfig{
		FailureThreshold: 3, RecoveryTimeout: 30 * time.Second,
	})
	k.healthBreaker = k.breaker("kafka.health", resilience.CircuitBreakerConfig{
		FailureThreshold: 5, RecoveryTimeout: 10 * time.Second,
	})
	k.publishBreaker = k.breaker("kafka.publish", resilience.CircuitBreakerConfig{
		FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 3,
	})
	k.publish = resilience.NewExecutor(
		resilience.WithCircuitBreaker(k.publishBreaker),
		resilience.WithTimeout(cfg.PublishTimeout),
	)
	return k
}

// breaker builds a breaker from cfg.Breaker, falling back to def per field.
func (k *Kafka) breaker(name string, def resilience.CircuitBreakerConfig) *resilience.CircuitBreaker {
	c := k.cfg.Breaker
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	c.Logger = k.logger
	if k.cfg.Breakers != nil {
		return k.cfg.Breakers.Get(name, c)
	}
	c.Name = name
	return resilience.NewCircuitBreaker(c)
}

// Breakers returns the connect, health and publish breakers.
func (k *Kafka) Breakers() []*resilience.CircuitBreaker {
	return []*resilience.CircuitBreaker{k.connectBreaker, k.healthBreaker, k.publishBreaker}
}

// Topic returns the topic backing a queue name.
func (k *Kafka) Topic(queue string) string {
	return k.cfg.TopicPrefix + queue
}

// Connect builds the client and verifies a broker answers.
func (k *Kafka) Connect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := k.connectBreaker.Execute(ctx, func(ctx context.Context) error {
		if k.client != nil {
			return k.client.Ping(ctx)
		}
		topics := make([]string, 0, len(k.cfg.Queues))
		for _, q := range k.cfg.Queues {
			topics = append(topics, k.Topic(q))
		}
		opts := []kgo.Opt{
			kgo.SeedBrokers(k.cfg.Brokers...),
			kgo.ConsumerGroup(k.cfg.Group),
			kgo.DisableAutoCommit(),
			kgo.AllowAutoTopicCreation(),
			kgo.RequiredAcks(kgo.AllISRAcks()),
			kgo.FetchMaxWait(k.cfg.FetchMaxWait),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		}
		if len(topics) > 0 {
			opts = append(opts, kgo.ConsumeTopics(topics...))
		}
		cl, err := kgo.NewClient(opts...)
		if err != nil {
			return err
		}
		if err := cl.Ping(ctx); err != nil {
			cl.Close()
			return err
		}
		k.client = cl
		k.owned = true
		if k.admin == nil {
			k.admin = kadm.NewClient(cl)
		}
		for _, t := range topics {
			k.subscribed[t] = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: kafka connect: %w", err)
	}
	k.logger.Info(ctx, "kafka connected",
		observe.F("brokers", k.cfg.Brokers), observe.F("group", k.cfg.Group))
	return nil
}

// Disconnect closes a client built by Connect. Unacknowledged messages are
// redelivered to the group later.
func (k *Kafka) Disconnect(_ context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client != nil && k.owned {
		k.client.Close()
		k.client = nil
		k.admin = nil
		k.owned = false
		clear(k.subscribed)
	}
	clear(k.buffered)
	clear(k.inflight)
	return nil
}

func (k *Kafka) conn() (KafkaClient, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client == nil {
		return nil, ErrNotConnected
	}
	return k.client, nil
}

func (k *Kafka) record(msg *task.Message, topic string, value []byte, requeues int) *kgo.Record {
	headers := []kgo.RecordHeader{
		{Key: HeaderTaskName, Value: []byte(msg.Name)},
		{Key: HeaderPriority, Value: []byte(strconv.Itoa(int(msg.Priority)))},
	}
	if requeues > 0 {
		headers = append(headers, kgo.RecordHeader{Key: HeaderRequeueCount, Value: []byte(strconv.Itoa(requeues))})
	}
	return &kgo.Record{Topic: topic, Key: []byte(msg.ID), Value: value, Headers: headers}
}

func (k *Kafka) produce(ctx context.Context, rec *kgo.Record) error {
	cl, err := k.conn()
	if err != nil {
		return err
	}
	err = k.publish.Execute(ctx, func(ctx context.Context) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	})
	if err != nil {
		return fmt.Errorf("queue: kafka publish to %s: %w", rec.Topic, err)
	}
	return nil
}

// SendTask records msg as PENDING, publishes it and waits for the broker to
// confirm it. Messages without an expiry get MessageTTL.
func (k *Kafka) SendTask(ctx context.Context, msg *task.Message) (string, error) {
	cp, _, err := prepare(msg)
	if err != nil {
		return "", err
	}
	if cp.Expires == nil {
		exp := time.Now().Add(k.cfg.MessageTTL).UTC()
		cp.Expires = &exp
	}
	data, err := task.Encode(cp)
	if err != nil {
		return "", err
	}
	if err := k.book.pending(ctx, cp.ID); err != nil {
		return "", err
	}
	if err := k.produce(ctx, k.record(cp, k.Topic(cp.Queue), data, 0)); err != nil {
		k.book.withdraw(ctx, cp.ID)
		return "", err
	}
	k.logger.Debug(ctx, "task published",
		observe.F("task_id", cp.ID), observe.F("task_name", cp.Name), observe.F("queue", cp.Queue))
	return cp.ID, nil
}

func (k *Kafka) subscribe(topic string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client == nil || k.subscribed[topic] {
		return
	}
	k.client.AddConsumeTopics(topic)
	k.subscribed[topic] = true
}

func (k *Kafka) popBuffered(topic string) *kgo.Record {
	k.mu.Lock()
	defer k.mu.Unlock()
	recs := k.buffered[topic]
	if len(recs) == 0 {
		return nil
	}
	k.buffered[topic] = recs[1:]
	return recs[0]
}

// ReceiveTask returns the next live message on the queue's topic, waiting up
// to timeout. Expired and undecodable records are settled and skipped.
func (k *Kafka) ReceiveTask(ctx context.Context, queue string, timeout time.Duration) (*task.Message, error) {
	if err := ValidateQueueName(queue); err != nil {
		return nil, err
	}
	if _, err := k.conn(); err != nil {
		return nil, err
	}
	topic := k.Topic(queue)
	k.subscribe(topic)
	deadline := time.Now().Add(timeout)
	for {
		if rec := k.popBuffered(topic); rec != nil {
			if msg := k.accept(ctx, rec); msg != nil {
				return msg, nil
			}
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := k.poll(ctx, remaining); err != nil {
			return nil, err
		}
	}
}

// poll fetches once and buffers the records by topic.
func (k *Kafka) poll(ctx context.Context, wait time.Duration) error {
	k.pollMu.Lock()
	defer k.pollMu.Unlock()
	cl, err := k.conn()
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, wait)
	fetches := cl.PollRecords(pctx, 100)
	cancel()
	if fetches.IsClientClosed() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var errs []error
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err))
	}
	recs := fetches.Records()
	if len(recs) == 0 && len(errs) > 0 {
		return fmt.Errorf("queue: kafka poll: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		k.logger.Warn(ctx, "kafka fetch error", observe.Err(err))
	}
	k.mu.Lock()
	for _, rec := range recs {
		k.buffered[rec.Topic] = append(k.buffered[rec.Topic], rec)
	}
	k.mu.Unlock()
	return nil
}

// accept decodes rec and tracks it in flight. It returns nil when the record
// was settled instead.
func (k *Kafka) accept(ctx context.Context, rec *kgo.Record) *task.Message {
	msg, err := task.Decode(rec.Value)
	if err != nil {
		k.logger.Error(ctx, "undecodable record dead-lettered",
			observe.F("topic", rec.Topic), observe.F("offset", rec.Offset), observe.Err(err))
		k.settle(ctx, rec, k.deadLetter(ctx, rec, "undecodable: "+err.Error()))
		return nil
	}
	now := time.Now()
	if msg.IsExpired(now) {
		k.logger.Info(ctx, "expired task discarded",
			observe.F("task_id", msg.ID), observe.F("task_name", msg.Name))
		if err := k.book.submit(ctx, task.NewResult(msg.ID, task.StatusRevoked).Revoke("expired", now)); err != nil {
			k.logger.Warn(ctx, "record expiry failed", observe.F("task_id", msg.ID), observe.Err(err))
		}
		k.settle(ctx, rec, nil)
		return nil
	}
	k.mu.Lock()
	k.inflight[msg.ID] = kafkaDelivery{rec: rec, requeues: requeueCount(rec)}
	k.mu.Unlock()
	return msg
}

func requeueCount(rec *kgo.Record) int {
	for _, h := range rec.Headers {
		if h.Key == HeaderRequeueCount {
			n, _ := strconv.Atoi(string(h.Value))
			return n
		}
	}
	return 0
}

// settle commits rec unless the preceding republish failed, in which case
// the record is left for redelivery.
func (k *Kafka) settle(ctx context.Context, rec *kgo.Record, republishErr error) {
	if republishErr != nil {
		k.logger.Error(ctx, "republish failed, leaving record uncommitted",
			observe.F("topic", rec.Topic), observe.F("offset", rec.Offset), observe.Err(republishErr))
		return
	}
	cl, err := k.conn()
	if err != nil {
		return
	}
	if err := cl.CommitRecords(ctx, rec); err != nil {
		k.logger.Warn(ctx, "offset commit failed",
			observe.F("topic", rec.Topic), observe.F("offset", rec.Offset), observe.Err(err))
	}
}

func (k *Kafka) deadLetter(ctx context.Context, rec *kgo.Record, reason string) error {
	dead := &kgo.Record{
		Topic:   rec.Topic + DeadLetterSuffix,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: append(withoutHeader(rec.Headers, HeaderDeadLetterReason), kgo.RecordHeader{Key: HeaderDeadLetterReason, Value: []byte(reason)}),
	}
	return k.produce(ctx, dead)
}

func withoutHeader(hs []kgo.RecordHeader, key string) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(hs)+1)
	for _, h := range hs {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return out
}

func (k *Kafka) takeInflight(taskID string) (kafkaDelivery, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.inflight[taskID]
	if ok {
		delete(k.inflight, taskID)
	}
	return d, ok
}

// AckTask commits the message's offset.
func (k *Kafka) AckTask(ctx context.Context, taskID string) (bool, error) {
	d, ok := k.takeInflight(taskID)
	if !ok {
		return false, nil
	}
	cl, err := k.conn()
	if err != nil {
		return false, err
	}
	if err := cl.CommitRecords(ctx, d.rec); err != nil {
		return false, fmt.Errorf("queue: kafka commit %s: %w", taskID, err)
	}
	return true, nil
}

// NackTask republishes the message when requeue is set and it has been
// requeued fewer than MaxRequeues times. Otherwise it goes to the
// dead-letter topic. The original offset is committed once the republish
// is confirmed.
func (k *Kafka) NackTask(ctx context.Context, taskID string, requeue bool) (bool, error) {
	d, ok := k.takeInflight(taskID)
	if !ok {
		return false, nil
	}
	var err error
	switch {
	case requeue && d.requeues < k.cfg.MaxRequeues:
		again := &kgo.Record{
			Topic: d.rec.Topic,
			Key:   d.rec.Key,
			Value: d.rec.Value,
			Headers: append(withoutHeader(d.rec.Headers, HeaderRequeueCount),
				kgo.RecordHeader{Key: HeaderRequeueCount, Value: []byte(strconv.Itoa(d.requeues + 1))}),
		}
		err = k.produce(ctx, again)
	case requeue:
		err = k.deadLetter(ctx, d.rec, "requeue limit reached")
	default:
		err = k.deadLetter(ctx, d.rec, "rejected")
	}
	if err != nil {
		k.settle(ctx, d.rec, err)
		return false, err
	}
	k.settle(ctx, d.rec, nil)
	return true, nil
}

// GetTaskStatus returns the last recorded status.
func (k *Kafka) GetTaskStatus(ctx context.Context, taskID string) (task.Status, bool, error) {
	return k.book.status(ctx, taskID)
}

// GetTaskResult returns the last recorded result.
func (k *Kafka) GetTaskResult(ctx context.Context, taskID string) (*task.Result, bool, error) {
	return k.book.result(ctx, taskID)
}

// SubmitResult records a worker's result.
func (k *Kafka) SubmitResult(ctx context.Context, r *task.Result) error {
	return k.book.submit(ctx, r)
}

// CancelTask marks the task REVOKED. The record stays in the topic and is
// skipped by the worker that receives it.
func (k *Kafka) CancelTask(ctx context.Context, taskID string) (bool, error) {
	return k.book.revoke(ctx, taskID, "cancelled")
}

func (k *Kafka) adminClient() (KafkaAdmin, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.admin == nil {
		return nil, ErrNotConnected
	}
	return k.admin, nil
}

// offsets returns per-partition start and end offsets for topic. An unknown
// topic has no partitions.
func (k *Kafka) offsets(ctx context.Context, adm KafkaAdmin, topic string) (start, end map[int32]int64, err error) {
	collect := func(listed kadm.ListedOffsets, listErr error) (map[int32]int64, error) {
		if listErr != nil {
			return nil, listErr
		}
		out := make(map[int32]int64)
		for p, lo := range listed[topic] {
			if errors.Is(lo.Err, kerr.UnknownTopicOrPartition) {
				continue
			}
			if lo.Err != nil {
				return nil, lo.Err
			}
			out[p] = lo.Offset
		}
		return out, nil
	}
	if start, err = collect(adm.ListStartOffsets(ctx, topic)); err != nil {
		return nil, nil, err
	}
	if end, err = collect(adm.ListEndOffsets(ctx, topic)); err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

// PurgeQueue deletes every record in the queue's topic and returns how many
// there were.
func (k *Kafka) PurgeQueue(ctx context.Context, name string) (int, error) {
	if err := ValidateQueueName(name); err != nil {
		return 0, err
	}
	adm, err := k.adminClient()
	if err != nil {
		return 0, err
	}
	topic := k.Topic(name)
	start, end, err := k.offsets(ctx, adm, topic)
	if err != nil {
		return 0, fmt.Errorf("queue: kafka list offsets %s: %w", topic, err)
	}
	var (
		n   int64
		del = make(kadm.Offsets)
	)
	for p, hi := range end {
		if lo := start[p]; hi > lo {
			n += hi - lo
			del.Add(kadm.Offset{Topic: topic, Partition: p, At: hi})
		}
	}
	if len(del) > 0 {
		resps, err := adm.DeleteRecords(ctx, del)
		if err != nil {
			return 0, fmt.Errorf("queue: kafka delete records %s: %w", topic, err)
		}
		for _, r := range resps[topic] {
			if r.Err != nil {
				return 0, fmt.Errorf("queue: kafka delete records %s[%d]: %w", topic, r.Partition, r.Err)
			}
		}
	}
	k.mu.Lock()
	delete(k.buffered, topic)
	k.mu.Unlock()
	return int(n), nil
}

// GetQueueSize returns the records not yet committed by the consumer group.
func (k *Kafka) GetQueueSize(ctx context.Context, name string) (int, error) {
	if err := ValidateQueueName(name); err != nil {
		return 0, err
	}
	adm, err := k.adminClient()
	if err != nil {
		return 0, err
	}
	topic := k.Topic(name)
	start, end, err := k.offsets(ctx, adm, topic)
	if err != nil {
		return 0, fmt.Errorf("queue: kafka list offsets %s: %w", topic, err)
	}
	committed, err := adm.FetchOffsets(ctx, k.cfg.Group)
	if err != nil {
		return 0, fmt.Errorf("queue: kafka fetch offsets %s: %w", k.cfg.Group, err)
	}
	var n int64
	for p, hi := range end {
		from := start[p]
		if c, ok := committed[topic][p]; ok && c.Err == nil && c.At > from {
			from = c.At
		}
		if hi > from {
			n += hi - from
		}
	}
	return int(n), nil
}

// HealthCheck pings a broker.
func (k *Kafka) HealthCheck(ctx context.Context) error {
	cl, err := k.conn()
	if err != nil {
		return err
	}
	return k.healthBreaker.Execute(ctx, func(ctx context.Context) error {
		return cl.Ping(ctx)
	})
}

var _ Queue = (*Kafka)(nil)
