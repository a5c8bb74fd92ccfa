package task

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestEncode_WireShape(t *testing.T) {
	eta := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMessage("add",
		WithID("6f1c"),
		WithArgs(2, 3),
		WithPriority(PriorityHigh),
		WithTimeout(1500*time.Millisecond),
		WithETA(eta),
	)

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	want := map[string]any{
		"task_id":     "6f1c",
		"task_name":   "add",
		"args":        []any{2.0, 3.0},
		"kwargs":      map[string]any{},
		"priority":    2.0,
		"retry_count": 0.0,
		"max_retries": 3.0,
		"timeout":     2.0,
		"eta":         "2030-05-01T12:00:00Z",
		"expires":     nil,
		"queue":       "default",
		"metadata":    map[string]any{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("wire = %v\nwant %v", got, want)
	}
}

func TestDecode_Defaults(t *testing.T) {
	m, err := Decode([]byte(`{"task_id":"a","task_name":"ping"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if m.Queue != DefaultQueue || m.MaxRetries != DefaultMaxRetries || m.Timeout != 0 || m.ETA != nil {
		t.Errorf("Decode() = %+v, want defaults", m)
	}
	if m.Metadata == nil || m.Args == nil || m.Kwargs == nil {
		t.Error("containers not initialized")
	}
}

func TestDecode_NaiveTimestamp(t *testing.T) {
	m, err := Decode([]byte(`{"task_id":"a","task_name":"ping","expires":"2030-01-02T03:04:05.123456","timeout":10}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := time.Date(2030, 1, 2, 3, 4, 5, 123456000, time.UTC)
	if m.Expires == nil || !m.Expires.Equal(want) {
		t.Errorf("Expires = %v, want %v", m.Expires, want)
	}
	if m.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", m.Timeout)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := map[string]string{
		"not json":     `{`,
		"missing id":   `{"task_name":"x"}`,
		"missing name": `{"task_id":"x"}`,
		"bad eta":      `{"task_id":"x","task_name":"y","eta":"tomorrow"}`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(in)); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("Decode() error = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestRoundTrip_PreservesMessage(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	m := NewMessage("process_filing",
		WithKwargs(map[string]any{"filing_id": "f-1", "nested": map[string]any{"a": []any{"b"}}}),
		WithExpires(exp),
		WithMetadata("k", "v"),
	)
	m.RetryCount = 1

	got, err := RoundTrip(m)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if got.ID != m.ID || got.Name != m.Name || got.RetryCount != 1 || got.Queue != m.Queue {
		t.Errorf("RoundTrip() = %+v", got)
	}
	if !reflect.DeepEqual(got.Kwargs, m.Kwargs) || !reflect.DeepEqual(got.Metadata, m.Metadata) {
		t.Errorf("payload changed: %v %v", got.Kwargs, got.Metadata)
	}
	if got.Expires == nil || !got.Expires.Equal(exp) {
		t.Errorf("Expires = %v, want %v", got.Expires, exp)
	}
}

func TestResultCodec(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Running("id", "w1", now).Succeed(map[string]any{"sum": 5.0}, now.Add(time.Second))

	data, err := EncodeResult(r)
	if err != nil {
		t.Fatalf("EncodeResult() error = %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	if raw["status"] != "success" || raw["task_id"] != "id" || raw["worker_id"] != "w1" {
		t.Errorf("wire = %v", raw)
	}

	got, err := DecodeResult(data)
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if !reflect.DeepEqual(got.Result, r.Result) || !got.CompletedAt.Equal(r.CompletedAt) {
		t.Errorf("DecodeResult() = %+v", got)
	}

	if _, err := DecodeResult([]byte(`{"task_id":"x","status":"weird"}`)); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("DecodeResult(weird) error = %v, want ErrUnknownStatus", err)
	}
}
