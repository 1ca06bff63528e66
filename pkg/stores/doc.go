// Package stores provides commit-graph persistence for DriftDB. It
// includes an in-memory store for tests and embedding, and a
// SQLite-based store with WAL mode, connection pooling, and embedded
// schema migrations.
//
// Every store operation is asynchronous: it accepts a completion
// callback and returns immediately. Callbacks are invoked exactly once,
// in submission order, from a store-owned dispatcher goroutine and
// never from the caller's stack. Callers that need synchronous behavior
// block on a channel or yield a coroutine until the callback fires.
package stores
