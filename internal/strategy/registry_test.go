package strategy

import (
	"context"
	"net/http"
	"testing"
)

func replaceRegistry(t *testing.T) func() {
	t.Helper()
	prev := globalRegistry
	globalRegistry = newRegistry()
	return func() { globalRegistry = prev }
}

func noopPolicy() Policy {
	return PolicyFunc(func(context.Context, *http.Request, Env) (Result, error) { return Result{}, nil })
}

func TestBuiltinStrategiesRegistered(t *testing.T) {
	keys := Keys()
	want := []string{KeyCacheFirst, KeyNetworkFirst, KeyStaleWhileRevalidate}
	if len(keys) != len(want) {
		t.Fatalf("unexpected keys: %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %s at %d, got %v", want[i], i, keys)
		}
	}
}

func TestRegisterResolveAndList(t *testing.T) {
	cleanup := replaceRegistry(t)
	defer cleanup()

	if err := Register(Definition{Key: "network-only", Policy: noopPolicy()}); err != nil {
		t.Fatalf("register network-only failed: %v", err)
	}
	if err := Register(Definition{Key: " Cache-Only ", Policy: noopPolicy()}); err != nil {
		t.Fatalf("register cache-only failed: %v", err)
	}

	if _, ok := Resolve("network-only"); !ok {
		t.Fatalf("expected network-only to resolve")
	}
	if _, ok := Resolve("CACHE-ONLY"); !ok {
		t.Fatalf("resolve should be case-insensitive")
	}

	list := List()
	if len(list) != 2 {
		t.Fatalf("list length mismatch: %d", len(list))
	}
	if list[0].Key != "cache-only" || list[1].Key != "network-only" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestRegisterRejectsInvalidDefinitions(t *testing.T) {
	cleanup := replaceRegistry(t)
	defer cleanup()

	if err := Register(Definition{Key: "cache-first", Policy: noopPolicy()}); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := Register(Definition{Key: "cache-first", Policy: noopPolicy()}); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
	if err := Register(Definition{Key: "  ", Policy: noopPolicy()}); err == nil {
		t.Fatalf("empty key should fail")
	}
	if err := Register(Definition{Key: "nil-policy"}); err == nil {
		t.Fatalf("nil policy should fail")
	}
}
