package routes

import (
	"context"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/strategy"
	"github.com/shellcache/shellcache/internal/version"
	"github.com/shellcache/shellcache/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 诊断接口，供运维查询作用域、代际与策略绑定。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.ScopeRegistry, tasks *strategy.Tasks) {
	if app == nil || registry == nil {
		return
	}

	app.Get(server.DiagnosticsPrefix+"healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Full(),
			"scopes":  len(registry.List()),
		})
	})

	app.Get(server.DiagnosticsPrefix+"scopes", func(c fiber.Ctx) error {
		routes := registry.List()
		sort.Slice(routes, func(i, j int) bool {
			return routes[i].Name < routes[j].Name
		})
		payload := make([]scopePayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeScope(c.Context(), route))
		}
		return c.JSON(fiber.Map{"scopes": payload})
	})

	app.Get(server.DiagnosticsPrefix+"scopes/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "scope_name_required"})
		}
		route, ok := registry.ByName(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scope_not_found"})
		}
		detail := scopeDetailPayload{scopePayload: encodeScope(c.Context(), route)}
		keys, err := route.Worker.ActiveKeys(c.Context())
		if err != nil {
			detail.KeysError = err.Error()
		}
		detail.Keys = encodeKeys(keys)
		return c.JSON(detail)
	})

	app.Get(server.DiagnosticsPrefix+"strategies", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"strategies": encodeStrategies(strategy.List()),
			"defaults":   encodeDefaults(),
		}
		if tasks != nil {
			payload["background_tasks"] = tasks.Stats()
		}
		return c.JSON(payload)
	})
}

type scopePayload struct {
	worker.Snapshot
	StoredGenerations []string `json:"stored_generations"`
	StoreError        string   `json:"store_error,omitempty"`
}

type scopeDetailPayload struct {
	scopePayload
	Keys      []string `json:"keys"`
	KeysError string   `json:"keys_error,omitempty"`
}

type strategyPayload struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

func encodeScope(ctx context.Context, route *server.ScopeRoute) scopePayload {
	payload := scopePayload{Snapshot: route.Worker.Snapshot(), StoredGenerations: []string{}}
	stored, err := route.Store.ListGenerations(ctx)
	if err != nil {
		payload.StoreError = err.Error()
		return payload
	}
	if stored != nil {
		payload.StoredGenerations = stored
	}
	return payload
}

func encodeKeys(keys []cache.Key) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.String())
	}
	return out
}

func encodeStrategies(defs []strategy.Definition) []strategyPayload {
	result := make([]strategyPayload, 0, len(defs))
	for _, def := range defs {
		result = append(result, strategyPayload{Key: def.Key, Description: def.Description})
	}
	return result
}

func encodeDefaults() map[string]string {
	out := make(map[string]string)
	for cat, key := range worker.DefaultStrategies() {
		out[string(cat)] = key
	}
	return out
}
