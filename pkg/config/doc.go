// Package config loads the configuration documents the driftdb
// binaries start from.
//
// A document is CUE or YAML and fills the same Config struct either
// way; absent fields take the defaults in DefaultConfig. Every loaded
// document passes two validation layers: the embedded CUE schema, which
// knows the value shapes and enums, and the struct tags, which carry
// the cross-field rules (a sqlite backend needs a path, a custom
// strategy needs a target).
//
// A minimal CUE document:
//
//	storage: {
//	    backend: "sqlite"
//	    path:    "/var/lib/driftdb/store.db"
//	}
//	resolver: strategy: "policy"
//	policy: {
//	    paths: ["/etc/driftdb/policies"]
//	    watch: true
//	}
//
// The library packages never read files themselves; they take typed
// configs. This package is the one place operator documents are turned
// into those, and both driftctl and drift-resolver go through it.
package config
