package task

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults applied to new messages.
const (
	DefaultQueue      = "default"
	DefaultMaxRetries = 3
)

// Metadata keys written by the retry path.
const (
	MetaLastError         = "last_error"
	MetaRetryDelaySeconds = "retry_delay_seconds"
	MetaOriginalTaskID    = "original_task_id"
	MetaDedupKey          = "dedup_key"
)

// Priority orders messages. Higher values are more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses a priority name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
}

// Message is a unit of queued work.
type Message struct {
	// ID is unique and immutable once the message is sent.
	ID string

	// Name selects the registered handler.
	Name string

	Args   []any
	Kwargs map[string]any

	Priority Priority

	// RetryCount starts at 0 and is incremented on every resend.
	RetryCount int

	// MaxRetries bounds RetryCount; exceeding it dead-letters the message.
	MaxRetries int

	// Timeout bounds one handler invocation. Zero means unbounded.
	Timeout time.Duration

	// ETA is the earliest time the message may run.
	ETA *time.Time

	// Expires is the time after which the message is discarded.
	Expires *time.Time

	Queue    string
	Metadata map[string]any
}

// Option configures a Message built by NewMessage.
type Option func(*Message)

// WithID sets an explicit task id.
func WithID(id string) Option {
	return func(m *Message) { m.ID = id }
}

// WithArgs sets positional arguments.
func WithArgs(args ...any) Option {
	return func(m *Message) { m.Args = args }
}

// WithKwargs sets keyword arguments.
func WithKwargs(kwargs map[string]any) Option {
	return func(m *Message) { m.Kwargs = kwargs }
}

// WithPriority sets the priority.
func WithPriority(p Priority) Option {
	return func(m *Message) { m.Priority = p }
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) Option {
	return func(m *Message) { m.MaxRetries = n }
}

// WithTimeout bounds each execution.
func WithTimeout(d time.Duration) Option {
	return func(m *Message) { m.Timeout = d }
}

// WithETA delays execution until t.
func WithETA(t time.Time) Option {
	return func(m *Message) { m.ETA = &t }
}

// WithCountdown delays execution by d from now.
func WithCountdown(d time.Duration) Option {
	return func(m *Message) {
		t := time.Now().Add(d)
		m.ETA = &t
	}
}

// WithExpires discards the message if it has not run by t.
func WithExpires(t time.Time) Option {
	return func(m *Message) { m.Expires = &t }
}

// WithQueue routes the message to a named queue.
func WithQueue(name string) Option {
	return func(m *Message) { m.Queue = name }
}

// WithMetadata sets one metadata entry.
func WithMetadata(key string, value any) Option {
	return func(m *Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		m.Metadata[key] = value
	}
}

// NewMessage builds a message for the named handler with defaults applied.
func NewMessage(name string, opts ...Option) *Message {
	m := &Message{
		Name:       name,
		Priority:   PriorityNormal,
		MaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Normalize()
	return m
}

// Normalize fills in a generated id, the default queue and empty
// containers. It never overwrites values that are already set.
func (m *Message) Normalize() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Queue == "" {
		m.Queue = DefaultQueue
	}
	if m.Args == nil {
		m.Args = []any{}
	}
	if m.Kwargs == nil {
		m.Kwargs = map[string]any{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
}

// Validate checks the fields every backend relies on.
func (m *Message) Validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	case m.ID == "":
		return fmt.Errorf("%w: missing task id", ErrInvalidMessage)
	case m.Name == "":
		return fmt.Errorf("%w: missing task name", ErrInvalidMessage)
	case !m.Priority.Valid():
		return fmt.Errorf("%w: %d", ErrUnknownPriority, int(m.Priority))
	case m.RetryCount < 0 || m.MaxRetries < 0:
		return fmt.Errorf("%w: negative retry counters", ErrInvalidMessage)
	}
	return nil
}

// IsExpired reports whether the message should be discarded at now.
func (m *Message) IsExpired(now time.Time) bool {
	return m.Expires != nil && now.After(*m.Expires)
}

// IsDue reports whether the message may run at now.
func (m *Message) IsDue(now time.Time) bool {
	return m.ETA == nil || !now.Before(*m.ETA)
}

// CanRetry reports whether another attempt fits the retry budget.
func (m *Message) CanRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// Clone returns a copy whose maps and slices are not shared with m. Nested
// values inside Args, Kwargs and Metadata are shared.
func (m *Message) Clone() *Message {
	c := *m
	c.Args = slices.Clone(m.Args)
	c.Kwargs = maps.Clone(m.Kwargs)
	c.Metadata = maps.Clone(m.Metadata)
	if m.ETA != nil {
		eta := *m.ETA
		c.ETA = &eta
	}
	if m.Expires != nil {
		exp := *m.Expires
		c.Expires = &exp
	}
	return &c
}

// NextRetry builds the message resent after a failed attempt. It keeps the
// task id so status lookups keep working, bumps RetryCount by one and records
// why and how long the worker waited. The ETA is cleared because the worker
// has already waited out the delay.
func (m *Message) NextRetry(reason string, delay time.Duration) *Message {
	next := m.Clone()
	next.RetryCount = m.RetryCount + 1
	next.ETA = nil
	if next.Metadata == nil {
		next.Metadata = map[string]any{}
	}
	next.Metadata[MetaLastError] = reason
	next.Metadata[MetaRetryDelaySeconds] = delay.Seconds()
	if _, ok := next.Metadata[MetaOriginalTaskID]; !ok {
		next.Metadata[MetaOriginalTaskID] = m.ID
	}
	return next
}
