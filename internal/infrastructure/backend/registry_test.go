package backend

import (
	"context"
	"reflect"
	"testing"
)

type stubBackend struct{ name string }

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) Complete(context.Context, Request) (*Response, error) {
	return nil, nil
}
func (s *stubBackend) OpenStream(context.Context, Request) (*Stream, error) {
	return nil, nil
}
func (s *stubBackend) Models(context.Context, string) ([]string, error) {
	return nil, nil
}

func TestRegistryFunctional(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubBackend{name: "openai"}, []Key{
		{Name: "OPENAI_API_KEY", Value: "sk-1"},
		{Name: "OPENAI_API_KEY_1", Value: "sk-2"},
	})
	r.Register(&stubBackend{name: "gemini"}, nil)
	r.Register(&stubBackend{name: "anthropic"}, []Key{{Name: "ANTHROPIC_API_KEY", Value: "sk-a"}})

	if got := r.Names(); !reflect.DeepEqual(got, []string{"anthropic", "gemini", "openai"}) {
		t.Fatalf("names %v", got)
	}
	if got := r.Functional(); !reflect.DeepEqual(got, []string{"anthropic", "openai"}) {
		t.Fatalf("functional %v", got)
	}
	if _, ok := r.Get("gemini"); !ok {
		t.Fatal("keyless backend should still resolve")
	}
	if _, ok := r.FirstKey("gemini"); ok {
		t.Fatal("keyless backend has no first key")
	}
	if key, ok := r.FirstKey("openai"); !ok || key.Name != "OPENAI_API_KEY" {
		t.Fatalf("first key %+v", key)
	}
}

func TestRegistryKeysAreCopied(t *testing.T) {
	r := NewRegistry()
	keys := []Key{{Name: "OPENAI_API_KEY", Value: "sk-1"}}
	r.Register(&stubBackend{name: "openai"}, keys)
	keys[0].Value = "mutated"

	got := r.Keys("openai")
	if len(got) != 1 || got[0].Value != "sk-1" {
		t.Fatalf("keys %v, want the registered copy", got)
	}
	got[0].Value = "mutated-again"
	if r.Keys("openai")[0].Value != "sk-1" {
		t.Fatal("returned slice must not alias registry state")
	}
}

func TestRegistrySetKeysReload(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubBackend{name: "openai"}, []Key{{Name: "OPENAI_API_KEY", Value: "old"}})
	r.SetKeys("openai", []Key{
		{Name: "OPENAI_API_KEY", Value: "new-1"},
		{Name: "OPENAI_API_KEY_1", Value: "new-2"},
	})
	got := r.Keys("openai")
	if len(got) != 2 || got[0].Value != "new-1" || got[1].Value != "new-2" {
		t.Fatalf("keys %v", got)
	}

	// Unknown names are ignored rather than creating phantom entries.
	r.SetKeys("nope", []Key{{Name: "X", Value: "x"}})
	if got := r.Keys("nope"); len(got) != 0 {
		t.Fatalf("phantom keys %v", got)
	}
}

func TestRegistryAllSecrets(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubBackend{name: "openai"}, []Key{
		{Name: "OPENAI_API_KEY", Value: "sk-1"},
		{Name: "OPENAI_API_KEY_1", Value: "sk-2"},
	})
	r.Register(&stubBackend{name: "anthropic"}, []Key{{Name: "ANTHROPIC_API_KEY", Value: "sk-a"}})

	secrets := r.AllSecrets()
	if len(secrets) != 3 {
		t.Fatalf("got %d secrets, want 3", len(secrets))
	}
	seen := map[string]bool{}
	for _, s := range secrets {
		seen[s] = true
	}
	for _, want := range []string{"sk-1", "sk-2", "sk-a"} {
		if !seen[want] {
			t.Fatalf("missing secret %q in %v", want, secrets)
		}
	}
}
