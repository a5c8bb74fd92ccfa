package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/resilience"
	"github.com/jonwraymond/taskops/storage"
	"github.com/jonwraymond/taskops/task"
)

// maxSQSWait is the longest long-poll SQS allows.
const maxSQSWait = 20 * time.Second

// SQSClient is the subset of the SQS API the backend uses. *sqs.Client
// satisfies it.
type SQSClient interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	PurgeQueue(ctx context.Context, in *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	ListQueues(ctx context.Context, in *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
}

// SQSConfig configures an SQS queue.
type SQSConfig struct {
	// QueuePrefix is prepended to queue names. The ".fifo" suffix is added.
	// Default: "taskops-"
	QueuePrefix string `yaml:"queue_prefix" mapstructure:"queue_prefix"`

	// Region overrides the region from the AWS default chain.
	Region string `yaml:"region" mapstructure:"region"`

	// Endpoint points the client at an SQS-compatible service.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`

	// CreateQueues creates missing FIFO queues on first use.
	CreateQueues bool `yaml:"create_queues" mapstructure:"create_queues"`

	// VisibilityTimeout hides a received message from other consumers. A
	// message nacked with requeue reappears once it elapses.
	// Default: 30s
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" mapstructure:"visibility_timeout"`

	// Client replaces the client built on Connect.
	Client SQSClient `yaml:"-" mapstructure:"-"`

	// Breaker guards every SQS call when set.
	Breaker *resilience.CircuitBreaker `yaml:"-" mapstructure:"-"`

	// Results holds task status. Default: a private in-memory store.
	Results *storage.ResultStore `yaml:"-" mapstructure:"-"`

	// Logger receives diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger `yaml:"-" mapstructure:"-"`
}

// SQS is a managed FIFO queue per queue name. Ordering is strict within a
// queue name because it is the message group id. Duplicate sends within the
// SQS deduplication window collapse on task.DeduplicationID.
type SQS struct {
	cfg    SQSConfig
	logger observe.Logger
	book   statusBook

	mu       sync.Mutex
	client   SQSClient
	urls     map[string]string
	receipts map[string]sqsReceipt
}

type sqsReceipt struct {
	queueURL string
	handle   string
}

// NewSQS creates an SQS queue. The client is built on Connect unless
// cfg.Client is set.
func NewSQS(cfg SQSConfig) *SQS {
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "taskops-"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &SQS{
		cfg:      cfg,
		logger:   cfg.Logger,
		book:     newStatusBook(cfg.Results),
		client:   cfg.Client,
		urls:     make(map[string]string),
		receipts: make(map[string]sqsReceipt),
	}
}

// QueueName returns the SQS queue name backing a queue name.
func (q *SQS) QueueName(name string) string {
	return q.cfg.QueuePrefix + name + ".fifo"
}

// Connect builds the client from the AWS default credential chain and
// verifies the service answers.
func (q *SQS) Connect(ctx context.Context) error {
	q.mu.Lock()
	if q.client == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if q.cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(q.cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			q.mu.Unlock()
			return fmt.Errorf("queue: load aws config: %w", err)
		}
		endpoint := q.cfg.Endpoint
		q.client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}
	q.mu.Unlock()
	return q.HealthCheck(ctx)
}

// Disconnect forgets receipt handles. Unsettled messages reappear after
// their visibility timeout.
func (q *SQS) Disconnect(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.receipts)
	return nil
}

func (q *SQS) guard(ctx context.Context, op func(context.Context, SQSClient) error) error {
	q.mu.Lock()
	cl := q.client
	q.mu.Unlock()
	if cl == nil {
		return ErrNotConnected
	}
	run := func(ctx context.Context) error { return op(ctx, cl) }
	if q.cfg.Breaker == nil {
		return run(ctx)
	}
	return q.cfg.Breaker.Execute(ctx, run)
}

// queueURL resolves and caches the URL for a queue name, creating the queue
// when CreateQueues is set.
func (q *SQS) queueURL(ctx context.Context, name string) (string, error) {
	if err := ValidateQueueName(name); err != nil {
		return "", err
	}
	q.mu.Lock()
	url, ok := q.urls[name]
	q.mu.Unlock()
	if ok {
		return url, nil
	}

	sqsName := q.QueueName(name)
	err := q.guard(ctx, func(ctx context.Context, cl SQSClient) error {
		out, err := cl.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(sqsName)})
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) && q.cfg.CreateQueues {
			created, cerr := cl.CreateQueue(ctx, &sqs.CreateQueueInput{
				QueueName: aws.String(sqsName),
				Attributes: map[string]string{
					string(types.QueueAttributeNameFifoQueue):                 "true",
					string(types.QueueAttributeNameContentBasedDeduplication): "false",
					string(types.QueueAttributeNameVisibilityTimeout):         strconv.Itoa(int(q.cfg.VisibilityTimeout.Seconds())),
				},
			})
			if cerr != nil {
				return cerr
			}
			url = aws.ToString(created.QueueUrl)
			return nil
		}
		if err != nil {
			return err
		}
		url = aws.ToString(out.QueueUrl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("queue: sqs resolve %s: %w", sqsName, err)
	}
	q.mu.Lock()
	q.urls[name] = url
	q.mu.Unlock()
	return url, nil
}

// SendTask sends msg to its FIFO queue. The queue name is the message group
// and task.DeduplicationID is the deduplication id.
func (q *SQS) SendTask(ctx context.Context, msg *task.Message) (string, error) {
	cp, data, err := prepare(msg)
	if err != nil {
		return "", err
	}
	url, err := q.queueURL(ctx, cp.Queue)
	if err != nil {
		return "", err
	}
	if err := q.book.pending(ctx, cp.ID); err != nil {
		return "", err
	}
	err = q.guard(ctx, func(ctx context.Context, cl SQSClient) error {
		_, err := cl.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:               aws.String(url),
			MessageBody:            aws.String(string(data)),
			MessageGroupId:         aws.String(cp.Queue),
			MessageDeduplicationId: aws.String(task.DeduplicationID(cp)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"task_name": {DataType: aws.String("String"), StringValue: aws.String(cp.Name)},
				"priority":  {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(int(cp.Priority)))},
			},
		})
		return err
	})
	if err != nil {
		q.book.withdraw(ctx, cp.ID)
		return "", fmt.Errorf("queue: sqs send %s: %w", cp.ID, err)
	}
	q.logger.Debug(ctx, "task sent",
		observe.F("task_id", cp.ID), observe.F("task_name", cp.Name), observe.F("queue", cp.Queue))
	return cp.ID, nil
}

// waitSeconds converts a receive timeout into the SQS long-poll wait.
func waitSeconds(timeout time.Duration) int32 {
	if timeout <= 0 {
		return 0
	}
	return int32(math.Ceil(min(timeout, maxSQSWait).Seconds()))
}

// ReceiveTask long-polls for one message, waiting at most 20s.
func (q *SQS) ReceiveTask(ctx context.Context, name string, timeout time.Duration) (*task.Message, error) {
	url, err := q.queueURL(ctx, name)
	if err != nil {
		return nil, err
	}
	var out *sqs.ReceiveMessageOutput
	err = q.guard(ctx, func(ctx context.Context, cl SQSClient) error {
		var err error
		out, err = cl.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(url),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       waitSeconds(timeout),
			VisibilityTimeout:     int32(q.cfg.VisibilityTimeout.Seconds()),
			MessageAttributeNames: []string{"All"},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("queue: sqs receive %s: %w", name, err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	m := out.Messages[0]
	handle := aws.ToString(m.ReceiptHandle)
	msg, err := task.Decode([]byte(aws.ToString(m.Body)))
	if err != nil {
		// Left for the queue's redrive policy.
		q.logger.Error(ctx, "undecodable message skipped",
			observe.F("queue", name), observe.F("message_id", aws.ToString(m.MessageId)), observe.Err(err))
		return nil, nil
	}
	now := time.Now()
	if msg.IsExpired(now) {
		q.logger.Info(ctx, "expired task discarded", observe.F("task_id", msg.ID))
		if err := q.book.submit(ctx, task.NewResult(msg.ID, task.StatusRevoked).Revoke("expired", now)); err != nil {
			q.logger.Warn(ctx, "record expiry failed", observe.F("task_id", msg.ID), observe.Err(err))
		}
		if err := q.deleteMessage(ctx, url, handle); err != nil {
			q.logger.Warn(ctx, "delete expired message failed", observe.F("task_id", msg.ID), observe.Err(err))
		}
		return nil, nil
	}
	q.mu.Lock()
	q.receipts[msg.ID] = sqsReceipt{queueURL: url, handle: handle}
	q.mu.Unlock()
	return msg, nil
}

func (q *SQS) deleteMessage(ctx context.Context, url, handle string) error {
	return q.guard(ctx, func(ctx context.Context, cl SQSClient) error {
		_, err := cl.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(url),
			ReceiptHandle: aws.String(handle),
		})
		return err
	})
}

func (q *SQS) takeReceipt(taskID string) (sqsReceipt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.receipts[taskID]
	if ok {
		delete(q.receipts, taskID)
	}
	return r, ok
}

// AckTask deletes the message.
func (q *SQS) AckTask(ctx context.Context, taskID string) (bool, error) {
	r, ok := q.takeReceipt(taskID)
	if !ok {
		return false, nil
	}
	if err := q.deleteMessage(ctx, r.queueURL, r.handle); err != nil {
		return false, fmt.Errorf("queue: sqs delete %s: %w", taskID, err)
	}
	return true, nil
}

// NackTask with requeue does nothing, so the message reappears when its
// visibility timeout elapses. Without requeue the message is deleted.
func (q *SQS) NackTask(ctx context.Context, taskID string, requeue bool) (bool, error) {
	r, ok := q.takeReceipt(taskID)
	if !ok {
		return false, nil
	}
	if requeue {
		return true, nil
	}
	if err := q.deleteMessage(ctx, r.queueURL, r.handle); err != nil {
		return false, fmt.Errorf("queue: sqs delete %s: %w", taskID, err)
	}
	return true, nil
}

// GetTaskStatus returns the last recorded status.
func (q *SQS) GetTaskStatus(ctx context.Context, taskID string) (task.Status, bool, error) {
	return q.book.status(ctx, taskID)
}

// GetTaskResult returns the last recorded result.
func (q *SQS) GetTaskResult(ctx context.Context, taskID string) (*task.Result, bool, error) {
	return q.book.result(ctx, taskID)
}

// SubmitResult records a worker's result.
func (q *SQS) SubmitResult(ctx context.Context, r *task.Result) error {
	return q.book.submit(ctx, r)
}

// CancelTask marks the task REVOKED. The worker that receives it skips it.
func (q *SQS) CancelTask(ctx context.Context, taskID string) (bool, error) {
	return q.book.revoke(ctx, taskID, "cancelled")
}

// PurgeQueue purges the queue and returns its approximate size beforehand.
// SQS completes a purge asynchronously within 60s.
func (q *SQS) PurgeQueue(ctx context.Context, name string) (int, error) {
	n, err := q.GetQueueSize(ctx, name)
	if err != nil {
		return 0, err
	}
	url, err := q.queueURL(ctx, name)
	if err != nil {
		return 0, err
	}
	err = q.guard(ctx, func(ctx context.Context, cl SQSClient) error {
		_, err := cl.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(url)})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("queue: sqs purge %s: %w", name, err)
	}
	return n, nil
}

// GetQueueSize returns ApproximateNumberOfMessages.
func (q *SQS) GetQueueSize(ctx context.Context, name string) (int, error) {
	url, err := q.queueURL(ctx, name)
	if err != nil {
		return 0, err
	}
	attr := types.QueueAttributeNameApproximateNumberOfMessages
	var raw string
	err = q.guard(ctx, func(ctx context.Context, cl SQSClient) error {
		out, err := cl.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(url),
			AttributeNames: []types.QueueAttributeName{attr},
		})
		if err != nil {
			return err
		}
		raw = out.Attributes[string(attr)]
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: sqs attributes %s: %w", name, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("queue: sqs size %s: %w", name, err)
	}
	return n, nil
}

// HealthCheck lists queues under the prefix.
func (q *SQS) HealthCheck(ctx context.Context) error {
	return q.guard(ctx, func(ctx context.Context, cl SQSClient) error {
		_, err := cl.ListQueues(ctx, &sqs.ListQueuesInput{
			QueueNamePrefix: aws.String(q.cfg.QueuePrefix),
			MaxResults:      aws.Int32(1),
		})
		return err
	})
}

var _ Queue = (*SQS)(nil)
