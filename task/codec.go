package task

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// wireMessage is the JSON shape shared by every transport.
type wireMessage struct {
	TaskID     string         `json:"task_id"`
	TaskName   string         `json:"task_name"`
	Args       []any          `json:"args"`
	Kwargs     map[string]any `json:"kwargs"`
	Priority   int            `json:"priority"`
	RetryCount int            `json:"retry_count"`
	MaxRetries *int           `json:"max_retries"`
	Timeout    *float64       `json:"timeout"`
	ETA        *string        `json:"eta"`
	Expires    *string        `json:"expires"`
	Queue      string         `json:"queue"`
	Metadata   map[string]any `json:"metadata"`
}

// Timestamp layouts accepted on decode. Naive timestamps are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Encode renders m in its wire form. Timeout is written as whole seconds,
// rounded up.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	w := wireMessage{
		TaskID:     m.ID,
		TaskName:   m.Name,
		Args:       m.Args,
		Kwargs:     m.Kwargs,
		Priority:   int(m.Priority),
		RetryCount: m.RetryCount,
		MaxRetries: &m.MaxRetries,
		Queue:      m.Queue,
		Metadata:   m.Metadata,
	}
	if w.Args == nil {
		w.Args = []any{}
	}
	if w.Kwargs == nil {
		w.Kwargs = map[string]any{}
	}
	if w.Metadata == nil {
		w.Metadata = map[string]any{}
	}
	if m.Timeout > 0 {
		secs := math.Ceil(m.Timeout.Seconds())
		w.Timeout = &secs
	}
	w.ETA = formatTime(m.ETA)
	w.Expires = formatTime(m.Expires)

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("task: encode %s: %w", m.ID, err)
	}
	return data, nil
}

// Decode parses a wire-form message and applies defaults for absent fields.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	m := &Message{
		ID:         w.TaskID,
		Name:       w.TaskName,
		Args:       w.Args,
		Kwargs:     w.Kwargs,
		Priority:   Priority(w.Priority),
		RetryCount: w.RetryCount,
		MaxRetries: DefaultMaxRetries,
		Queue:      w.Queue,
		Metadata:   w.Metadata,
	}
	if w.MaxRetries != nil {
		m.MaxRetries = *w.MaxRetries
	}
	if w.Timeout != nil && *w.Timeout > 0 {
		m.Timeout = time.Duration(*w.Timeout * float64(time.Second))
	}

	var err error
	if m.ETA, err = parseTime(w.ETA); err != nil {
		return nil, fmt.Errorf("%w: eta: %w", ErrInvalidMessage, err)
	}
	if m.Expires, err = parseTime(w.Expires); err != nil {
		return nil, fmt.Errorf("%w: expires: %w", ErrInvalidMessage, err)
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

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeResult renders r as JSON.
func EncodeResult(r *Result) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("task: encode result %s: %w", r.TaskID, err)
	}
	return data, nil
}

// DecodeResult parses a JSON result.
func DecodeResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}
	status, err := ParseStatus(string(r.Status))
	if err != nil {
		return nil, err
	}
	r.Status = status
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// RoundTrip returns a deep copy of m as another process would see it after
// a trip through any backend.
func RoundTrip(m *Message) (*Message, error) {
	data, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, *s)
		if err == nil {
			return &t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
