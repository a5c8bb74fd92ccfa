package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestFile(t *testing.T) Storage {
	t.Helper()
	f := NewFile(FileConfig{BasePath: t.TempDir()})
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	return f
}

func TestFile_Contract(t *testing.T) {
	runContract(t, newTestFile)
}

func TestFile_DurableAcrossInstances(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	first := NewFile(FileConfig{BasePath: base})
	if err := first.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Set(ctx, "filing:123/abc", map[string]any{"type": "10-K"}); err != nil {
		t.Fatalf("Set error = %v", err)
	}
	_ = first.Disconnect(ctx)

	second := NewFile(FileConfig{BasePath: base})
	if err := second.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	got, found, err := second.Get(ctx, "filing:123/abc")
	if err != nil || !found {
		t.Fatalf("Get after restart = %v, %v", found, err)
	}
	want := map[string]any{"type": "10-K"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Get after restart = %#v, want %#v", got, want)
	}
}

func TestFile_Layout(t *testing.T) {
	base := t.TempDir()
	f := NewFile(FileConfig{BasePath: base})
	ctx := context.Background()
	if _, err := f.Set(ctx, "filing:123/abc", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Set(ctx, "plain.key", "y"); err != nil {
		t.Fatal(err)
	}

	for _, rel := range []string{
		"filing/filing%3A123%2Fabc.json",
		"filing/filing%3A123%2Fabc.meta.json",
		"misc/plain%2Ekey.json",
		"misc/plain%2Ekey.meta.json",
	} {
		if _, err := os.Stat(filepath.Join(base, filepath.FromSlash(rel))); err != nil {
			t.Errorf("expected %s: %v", rel, err)
		}
	}
}

func TestFile_LongKeyIsHashed(t *testing.T) {
	f := NewFile(FileConfig{BasePath: t.TempDir()})
	ctx := context.Background()
	key := "analysis:" + strings.Repeat("x", 400)

	if _, err := f.Set(ctx, key, 1); err != nil {
		t.Fatalf("Set error = %v", err)
	}
	got, found, err := f.Get(ctx, key)
	if err != nil || !found || got != float64(1) {
		t.Fatalf("Get = %v, %v, %v", got, found, err)
	}
	n, err := f.ClearPattern(ctx, "analysis:x*")
	if err != nil || n != 1 {
		t.Errorf("ClearPattern = %d, %v; want 1", n, err)
	}
}

func TestFile_ExpiredReadRemovesFiles(t *testing.T) {
	base := t.TempDir()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f := NewFile(FileConfig{BasePath: base})
	f.now = clock.now
	ctx := context.Background()

	if _, err := f.Set(ctx, "session:1", "v", WithTTL(time.Minute)); err != nil {
		t.Fatal(err)
	}
	clock.advance(time.Minute)
	if _, found, _ := f.Get(ctx, "session:1"); found {
		t.Fatal("expired key found")
	}
	entries, err := os.ReadDir(filepath.Join(base, "session"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("files left after expiry: %d", len(entries))
	}
}

func TestFile_ClearPatternSkipsExpired(t *testing.T) {
	base := t.TempDir()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f := NewFile(FileConfig{BasePath: base})
	f.now = clock.now
	ctx := context.Background()

	if _, err := f.Set(ctx, "job:1", "v", WithTTL(time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Set(ctx, "job:2", "v"); err != nil {
		t.Fatal(err)
	}
	clock.advance(time.Minute)

	n, err := f.ClearPattern(ctx, "job:*")
	if err != nil || n != 1 {
		t.Errorf("ClearPattern = %d, %v; want 1", n, err)
	}
	if ok, _ := f.Exists(ctx, "job:2"); ok {
		t.Error("job:2 survived ClearPattern")
	}
}

func TestFile_HealthCheckFailsOnUnwritablePath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := NewFile(FileConfig{BasePath: file})
	if err := f.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck on a regular file succeeded")
	}
}
