// Package resolver connects the merge engine to out-of-process conflict
// resolvers.
//
// The wire format is newline-delimited JSON, defined in the protocol
// subpackage. The engine side is WireSession, an engine.ResolverSession
// that frames each merge as a RESOLVE and turns the peer's MERGE,
// MERGE_NON_CONFLICTING and DONE frames back into resolver instructions.
// The resolver side is Serve, which answers merges with a pluggable
// Decider; the drift-resolver binary is a thin wrapper around it.
//
// Sessions reach their peer three ways: Spawn runs a resolver binary and
// speaks over its stdio, Dial connects to a unix or TCP listener, and
// NewStarlarkSession evaluates a local script in process. Connect picks
// between them from a scheme-prefixed target string. Spawned binaries
// can be pinned with a ResolverManifest, which records the binary's
// SHA-256 and is verified before every spawn.
//
// A session failure, a protocol violation or a peer that disconnects
// mid-merge all surface the same way: the stream closes, the engine
// rolls the merge journal back, and the merge is abandoned without a
// commit.
package resolver
