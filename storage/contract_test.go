package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// runContract exercises the behavior every backend shares. newStore must
// return a connected, empty store.
func runContract(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Helper()

	t.Run("RoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cases := []struct {
			key   string
			value any
			want  any
		}{
			{"str", "hello", "hello"},
			{"num", 42, float64(42)},
			{"bool", true, true},
			{"null", nil, nil},
			{"list", []any{"a", 1}, []any{"a", float64(1)}},
			{"filing:123/abc", map[string]any{"type": "10-K"}, map[string]any{"type": "10-K"}},
			{"nested", map[string]any{"a": map[string]any{"b": []string{"c"}}},
				map[string]any{"a": map[string]any{"b": []any{"c"}}}},
		}
		for _, tc := range cases {
			ok, err := s.Set(ctx, tc.key, tc.value)
			if err != nil || !ok {
				t.Fatalf("Set(%q) = %v, %v", tc.key, ok, err)
			}
			got, found, err := s.Get(ctx, tc.key)
			if err != nil {
				t.Fatalf("Get(%q) error = %v", tc.key, err)
			}
			if !found {
				t.Fatalf("Get(%q) found = false, want true", tc.key)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Get(%q) = %#v, want %#v", tc.key, got, tc.want)
			}
		}
	})

	t.Run("Missing", func(t *testing.T) {
		s := newStore(t)
		got, found, err := s.Get(context.Background(), "nope")
		if err != nil || found || got != nil {
			t.Errorf("Get(missing) = %v, %v, %v; want nil, false, nil", got, found, err)
		}
	})

	t.Run("ZeroTTLExpiresImmediately", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.Set(ctx, "k", "v", WithTTL(0)); err != nil {
			t.Fatalf("Set error = %v", err)
		}
		if _, found, _ := s.Get(ctx, "k"); found {
			t.Error("Get after zero TTL found = true, want false")
		}
		if ok, _ := s.Exists(ctx, "k"); ok {
			t.Error("Exists after zero TTL = true, want false")
		}
	})

	t.Run("FutureTTL", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.Set(ctx, "k", "v", WithTTL(time.Hour)); err != nil {
			t.Fatalf("Set error = %v", err)
		}
		if ok, err := s.Exists(ctx, "k"); err != nil || !ok {
			t.Errorf("Exists = %v, %v; want true", ok, err)
		}
	})

	t.Run("Increment", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		n, err := s.Increment(ctx, "counter", 1)
		if err != nil || n != 1 {
			t.Fatalf("Increment(absent) = %d, %v; want 1", n, err)
		}
		n, err = s.Increment(ctx, "counter", 5)
		if err != nil || n != 6 {
			t.Fatalf("Increment = %d, %v; want 6", n, err)
		}
		n, err = s.Increment(ctx, "counter", -2)
		if err != nil || n != 4 {
			t.Fatalf("Increment(-2) = %d, %v; want 4", n, err)
		}
		got, _, _ := s.Get(ctx, "counter")
		if got != float64(4) {
			t.Errorf("Get(counter) = %#v, want 4", got)
		}

		if _, err := s.Set(ctx, "word", "abc"); err != nil {
			t.Fatal(err)
		}
		n, err = s.Increment(ctx, "word", 3)
		if err != nil || n != 3 {
			t.Errorf("Increment(non-numeric) = %d, %v; want 3", n, err)
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.Set(ctx, "k", "v"); err != nil {
			t.Fatal(err)
		}
		existed, err := s.Delete(ctx, "k")
		if err != nil || !existed {
			t.Errorf("first Delete = %v, %v; want true", existed, err)
		}
		existed, err = s.Delete(ctx, "k")
		if err != nil || existed {
			t.Errorf("second Delete = %v, %v; want false", existed, err)
		}
		if ok, _ := s.Exists(ctx, "k"); ok {
			t.Error("Exists after Delete = true")
		}
	})

	t.Run("Hash", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := map[string]any{"form": "10-K", "pages": 120}
		if ok, err := s.SetHash(ctx, "h", in); err != nil || !ok {
			t.Fatalf("SetHash = %v, %v", ok, err)
		}
		got, found, err := s.GetHash(ctx, "h")
		if err != nil || !found {
			t.Fatalf("GetHash = %v, %v", found, err)
		}
		want := map[string]any{"form": "10-K", "pages": float64(120)}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("GetHash = %#v, want %#v", got, want)
		}

		if _, err := s.Set(ctx, "scalar", 7); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := s.GetHash(ctx, "scalar"); found {
			t.Error("GetHash(non-map) found = true, want false")
		}
	})

	t.Run("ClearPattern", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"filing:1/a", "filing:2/b", "analysis:1/a/analysis_9"} {
			if _, err := s.Set(ctx, k, k); err != nil {
				t.Fatal(err)
			}
		}
		n, err := s.ClearPattern(ctx, "filing:*")
		if err != nil {
			t.Fatalf("ClearPattern error = %v", err)
		}
		if n != 2 {
			t.Errorf("ClearPattern = %d, want 2", n)
		}
		if ok, _ := s.Exists(ctx, "filing:1/a"); ok {
			t.Error("filing:1/a survived ClearPattern")
		}
		if ok, _ := s.Exists(ctx, "analysis:1/a/analysis_9"); !ok {
			t.Error("analysis key removed by unrelated pattern")
		}
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.Set(ctx, "", "v"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Set(\"\") error = %v, want ErrInvalidKey", err)
		}
		if _, _, err := s.Get(ctx, "a\nb"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Get(newline) error = %v, want ErrInvalidKey", err)
		}
	})

	t.Run("UnencodableValue", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Set(context.Background(), "k", make(chan int)); !errors.Is(err, ErrEncode) {
			t.Errorf("Set(chan) error = %v, want ErrEncode", err)
		}
	})

	t.Run("HealthCheck", func(t *testing.T) {
		s := newStore(t)
		if err := s.HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck error = %v", err)
		}
	})
}
