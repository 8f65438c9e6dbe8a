// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the scope registry that maps Host headers to per-scope workers.
// Each scope owns an Upstream (its origin), a Worker (its generation
// lifecycle) and a namespace of the shared response store. Diagnostics live
// under /-/ and are registered by the routes package.
package server
