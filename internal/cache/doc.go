// Package cache defines the versioned response store behind every scope.
// A Backend is split into per-scope namespaces (Store); each namespace holds
// any number of generations, and each generation maps a request Key to a
// captured Response. Generations are created with Open and destroyed in bulk
// with Delete; there is no per-entry expiry and no eviction. Freshness is
// decided entirely by the caching strategies that read and write the store.
//
// Backends: filesystem (temp file + rename under StoragePath), SQLite,
// PostgreSQL, DynamoDB and an in-memory map. All of them persist responses as
// an opaque HTTP/1.1 wire-format blob produced by EncodeResponse.
package cache
