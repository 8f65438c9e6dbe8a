package server

import (
	"context"
	"testing"

	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/worker"
)

func TestScopeRegistryLookupByHost(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Scopes: []config.ScopeConfig{
			testScope("cards", "cards.local", "https://cards.example.com", "v1"),
			testScope("notes", "notes.local", "https://notes.example.com/app/", "n1"),
		},
	}
	registry, _ := newTestRegistry(t, cfg)

	route, ok := registry.Lookup("cards.local")
	if !ok {
		t.Fatalf("expected cards route")
	}
	if route.Name != "cards" || route.ListenPort != 5000 {
		t.Fatalf("unexpected route: %+v", route)
	}
	if route.Upstream.Origin().String() != "https://cards.example.com" {
		t.Fatalf("unexpected origin: %s", route.Upstream.Origin())
	}
	if route.Worker.State() != worker.StateIdle {
		t.Fatalf("worker should stay idle until Start")
	}

	if _, ok := registry.Lookup("notes.local:6000"); !ok {
		t.Fatalf("expected lookup to ignore host header port")
	}
	if _, ok := registry.Lookup("NOTES.LOCAL."); !ok {
		t.Fatalf("expected case/trailing dot insensitive lookup")
	}
	if _, ok := registry.Lookup(""); ok {
		t.Fatalf("empty host must not match")
	}
	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
	if _, ok := registry.ByName("notes"); !ok {
		t.Fatalf("expected notes by name")
	}
}

func TestScopeRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := &config.Config{
		Scopes: []config.ScopeConfig{
			testScope("cards", "cards.local", "https://cards.example.com", "v1"),
			testScope("cards-alt", "CARDS.local", "https://alt.example.com", "v1"),
		},
	}
	if _, err := NewScopeRegistry(cfg, RegistryDeps{Backend: nil}); err == nil {
		t.Fatalf("expected missing backend error")
	}
	registryCfg := *cfg
	_, err := NewScopeRegistry(&registryCfg, RegistryDeps{Backend: newBackend()})
	if err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestScopeRegistryStartActivatesScopes(t *testing.T) {
	origin := newOriginStub(t)
	origin.serve("/", "root")
	origin.serve("/index.html", "shell")

	cfg := &config.Config{
		Scopes: []config.ScopeConfig{
			testScope("cards", "cards.local", origin.URL, "v1"),
			testScope("broken", "broken.local", origin.URL+"/missing", "b1"),
		},
	}
	registry, backend := newTestRegistry(t, cfg)
	registry.Start(context.Background())

	cards, _ := registry.ByName("cards")
	if tag, ok := cards.Worker.Active(); !ok || tag != "v1" {
		t.Fatalf("cards should be active on v1, got %q", tag)
	}
	broken, _ := registry.ByName("broken")
	if _, ok := broken.Worker.Active(); ok {
		t.Fatalf("broken scope must stay in passthrough")
	}
	names, err := backend.Namespace("broken").ListGenerations(context.Background())
	if err != nil || len(names) != 0 {
		t.Fatalf("failed install must leave no generation: %v %v", names, err)
	}
}

func TestScopeRegistryReload(t *testing.T) {
	origin := newOriginStub(t)
	origin.serve("/", "root")
	origin.serve("/index.html", "shell")

	base := &config.Config{
		Scopes: []config.ScopeConfig{
			testScope("cards", "cards.local", origin.URL, "v1"),
			testScope("old", "old.local", origin.URL, "o1"),
		},
	}
	registry, backend := newTestRegistry(t, base)
	registry.Start(context.Background())

	next := &config.Config{
		Scopes: []config.ScopeConfig{
			testScope("cards", "cards.local", origin.URL, "v2"),
			testScope("fresh", "fresh.local", origin.URL, "f1"),
		},
	}
	registry.Reload(context.Background(), next)

	cards, _ := registry.ByName("cards")
	if tag, _ := cards.Worker.Active(); tag != "v2" {
		t.Fatalf("cards should move to v2, got %s", tag)
	}
	names, _ := backend.Namespace("cards").ListGenerations(context.Background())
	if len(names) != 1 || names[0] != "v2" {
		t.Fatalf("old generation should be gone: %v", names)
	}

	fresh, ok := registry.Lookup("fresh.local")
	if !ok {
		t.Fatalf("added scope should be routed")
	}
	if tag, _ := fresh.Worker.Active(); tag != "f1" {
		t.Fatalf("added scope should be started, got %s", tag)
	}
	if _, ok := registry.Lookup("old.local"); ok {
		t.Fatalf("removed scope should no longer be routed")
	}
	if len(registry.List()) != 2 {
		t.Fatalf("unexpected scope count: %d", len(registry.List()))
	}

	hits := origin.hitCount("/index.html")
	registry.Reload(context.Background(), next)
	if origin.hitCount("/index.html") != hits {
		t.Fatalf("unchanged generation must not reinstall")
	}
}

func TestScopeRegistryReloadRetriesFailedUpdate(t *testing.T) {
	origin := newOriginStub(t)
	origin.serve("/", "root")
	origin.serve("/index.html", "shell")

	registry, _ := newTestRegistry(t, &config.Config{
		Scopes: []config.ScopeConfig{testScope("cards", "cards.local", origin.URL, "v1")},
	})
	registry.Start(context.Background())

	next := &config.Config{
		Scopes: []config.ScopeConfig{testScope("cards", "cards.local", origin.URL, "v2")},
	}
	origin.setOffline(true)
	registry.Reload(context.Background(), next)

	cards, _ := registry.ByName("cards")
	if tag, _ := cards.Worker.Active(); tag != "v1" {
		t.Fatalf("v1 must keep serving after a failed update, got %s", tag)
	}
	if got := cards.Scope().Generation; got != "v1" {
		t.Fatalf("failed update must not be reported as applied, got %s", got)
	}

	origin.setOffline(false)
	registry.Reload(context.Background(), next)
	if tag, _ := cards.Worker.Active(); tag != "v2" {
		t.Fatalf("reloading the same config should retry the update, got %s", tag)
	}
	if got := cards.Scope().Generation; got != "v2" {
		t.Fatalf("scope settings should follow the successful update, got %s", got)
	}
}
