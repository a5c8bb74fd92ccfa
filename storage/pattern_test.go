package storage

import (
	"strings"
	"testing"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"filing:*", "filing:123/abc", true},
		{"filing:*", "analysis:123", false},
		{"*", "anything:at/all", true},
		{"filing:12?/abc", "filing:123/abc", true},
		{"filing:12?/abc", "filing:12/abc", false},
		{"filing:[12]*", "filing:2/x", true},
		{"filing:[!12]*", "filing:2/x", false},
		{"filing:[!12]*", "filing:3/x", true},
		{`literal\*`, "literal*", true},
		{`literal\*`, "literalX", false},
		{"a.b", "aXb", false},
		{"unclosed[", "unclosed[", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestLiteralPrefix(t *testing.T) {
	tests := map[string]string{
		"filing:*":     "filing:",
		"filing:1?":    "filing:1",
		"plain":        "plain",
		"*":            "",
		"a[bc]":        "a",
		`esc\*aped`:    "esc",
		"task_result:": "task_result:",
	}
	for in, want := range tests {
		if got := literalPrefix(in); got != want {
			t.Errorf("literalPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"filing:123/abc":   "filing",
		"analysis:1/2":     "analysis",
		"no-prefix":        "misc",
		":leading":         "misc",
		"we ird/type:x":    "we_ird_type",
		"task_result:uuid": "task_result",
	}
	for in, want := range tests {
		if got := contentType(in); got != want {
			t.Errorf("contentType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEscapeName(t *testing.T) {
	name := escapeName("a.b/c:d")
	if strings.ContainsAny(name, "./:") {
		t.Errorf("escapeName left separators: %q", name)
	}
	if key, ok := unescapeName(name); !ok || key != "a.b/c:d" {
		t.Errorf("unescapeName(%q) = %q, %v", name, key, ok)
	}

	long := escapeName(strings.Repeat("k", 500))
	if !strings.HasPrefix(long, hashedPrefix) || len(long) > maxNameLength {
		t.Errorf("long name not hashed: %q", long)
	}
	if _, ok := unescapeName(long); ok {
		t.Error("unescapeName accepted a hashed name")
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr error
	}{
		{"filing:1", nil},
		{"", ErrInvalidKey},
		{"   ", ErrInvalidKey},
		{"a\rb", ErrInvalidKey},
		{"a\x00b", ErrInvalidKey},
		{strings.Repeat("k", MaxKeyLength), nil},
		{strings.Repeat("k", MaxKeyLength+1), ErrKeyTooLong},
	}
	for _, tt := range tests {
		if err := ValidateKey(tt.key); err != tt.wantErr {
			t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
		}
	}
}

func TestCounterValue(t *testing.T) {
	tests := map[string]int64{
		"":        0,
		"7":       7,
		"-3":      -3,
		"4.0":     4,
		"4.5":     0,
		`"12"`:    12,
		`"abc"`:   0,
		`{"a":1}`: 0,
		"null":    0,
	}
	for in, want := range tests {
		if got := counterValue([]byte(in)); got != want {
			t.Errorf("counterValue(%q) = %d, want %d", in, got, want)
		}
	}
}
