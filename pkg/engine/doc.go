// Package engine converges a DriftDB store's divergent heads into a
// single commit line.
//
// # Overview
//
// Replicas of a DriftDB store commit independently, so a store's commit
// graph can hold several heads at once. The engine's job is to fold them
// back together. A merge of two heads runs through a fixed pipeline:
//
//  1. Ancestor - Walk both histories to their nearest shared commit
//  2. Diff - Compare each head against the ancestor (ComputeDiff)
//  3. Partition - Split keys into unique, agreed, and conflicting sets
//  4. Resolve - Stream the conflicts to a resolver session
//  5. Apply - Materialize the decisions in a merge journal
//  6. Commit - Seal the journal into a merge commit with both parents
//
// The MergeResolver automates the pipeline: it watches the head set and,
// whenever more than one head exists, merges the two lowest in
// (timestamp, id) order, repeating until one head remains. Identical
// pairs merge to identical commits, so replicas running the same
// deterministic strategy converge without coordinating.
//
// # Execution Model
//
// Storage is callback-based and never completes on the caller's stack.
// Rather than chaining callbacks, a merge runs as a single coroutine
// from the coroutine package: each storage call suspends the body and
// the completion callback resumes it, so the protocol in
// ConflictResolverClient reads top to bottom. Interrupting the runtime
// unwinds in-flight merges at their next suspension point.
//
// Shutdown order matters: close the resolver first (it cancels and waits
// out the in-flight merge), then the store (it drains pending
// callbacks), and the coroutine runtime last.
//
// # Merge Strategies
//
// A MergeStrategy owns at most one merge at a time:
//
//   - NewLastOneWinsStrategy: every conflict takes the later head's state
//   - NewPolicyStrategy: conflicts are decided by a MergePolicy
//   - NewCustomMergeStrategy: conflicts stream to a ResolverSession,
//     in-process or remote
//
// A session answers each merge with an instruction stream: explicit
// per-key decisions, a sweep of the non-conflicting remainder, then
// done. A decision naming a key outside the merge is answered with
// StatusKeyNotFound and the session is forcibly disconnected; the merge
// journal rolls back and nothing is committed.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: storage hiccups worth retrying
//   - Conflict: the commit graph changed while a merge was prepared
//   - Throttled: load shedding that requires backoff
//   - Permanent: protocol violations and invalid decisions
//
// Use the error helper functions to classify and inspect errors:
//
//	if IsRetryable(err) {
//	    // Retry the operation
//	}
//
// Failed merges retry with exponential backoff; a resolver that walks
// away mid-protocol pauses auto-merging until a new strategy is
// installed.
//
// # Events
//
// Merge lifecycle events (started, completed, failed, cancelled,
// conflicts detected, heads converged) flow through an EventPublisher.
// Delivery is best-effort and never influences a merge's outcome.
package engine
