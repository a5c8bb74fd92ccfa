package secret

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistry_RegisterAndCreate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("stub", func(map[string]any) (Provider, error) {
		return &stubProvider{name: "stub"}, nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p, err := reg.Create("stub", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if p.Name() != "stub" {
		t.Errorf("Name() = %q, want stub", p.Name())
	}
	if err := reg.Register("stub", func(map[string]any) (Provider, error) { return nil, nil }); err == nil {
		t.Error("duplicate Register() error = nil")
	}
	if _, err := reg.Create("missing", nil); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("Create(missing) error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestDefaultRegistry_Builtins(t *testing.T) {
	got := DefaultRegistry.List()
	if len(got) < 2 || got[0] != "env" || got[1] != "file" {
		t.Fatalf("List() = %v, want [env file ...]", got)
	}
}

func TestRegistry_NewResolverWithBuiltins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pg_password"), []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKOPS_REDIS_PASS", "from-env")

	r, err := DefaultRegistry.NewResolver(true, map[string]map[string]any{
		"env":  nil,
		"file": {"base_dir": dir},
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	if v, err := r.ResolveValue(ctx, "secretref:file:pg_password"); err != nil || v != "from-file" {
		t.Errorf("file ref = %q, %v; want from-file", v, err)
	}
	if v, err := r.ResolveValue(ctx, "redis://:secretref:env:TASKOPS_REDIS_PASS@cache:6379/0"); err != nil ||
		v != "redis://:from-env@cache:6379/0" {
		t.Errorf("env ref = %q, %v", v, err)
	}
	if _, err := r.ResolveValue(ctx, "secretref:file:../etc/passwd"); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("escaping file ref error = %v, want ErrInvalidRef", err)
	}
	if _, err := r.ResolveValue(ctx, "secretref:env:TASKOPS_UNSET_VAR"); !errors.Is(err, ErrMissingEnv) {
		t.Errorf("unset env ref error = %v, want ErrMissingEnv", err)
	}
}

func TestRegistry_NewResolverBadConfig(t *testing.T) {
	_, err := DefaultRegistry.NewResolver(true, map[string]map[string]any{"file": {"base_dir": 7}})
	if err == nil {
		t.Error("NewResolver() error = nil for non-string base_dir")
	}
	_, err = DefaultRegistry.NewResolver(true, map[string]map[string]any{"vault": nil})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("NewResolver() error = %v, want ErrProviderNotRegistered", err)
	}
}
