package engine

import (
	"context"

	"github.com/driftdb/driftdb/pkg/stores"
)

// ResolverSession is a long-lived connection to one conflict resolver.
// A session serves any number of merges, one at a time; the strategy that
// owns the session serializes its use.
//
// All callbacks fire asynchronously on a session-owned goroutine, never
// on the caller's stack.
type ResolverSession interface {
	// Resolve hands the resolver both heads, the common ancestor, and
	// the conflict set, and asks it to drive one merge. On success the
	// callback delivers a ResultProvider streaming the resolver's
	// instructions.
	Resolve(left, right, ancestor Snapshot, conflicts []ConflictInfo, done func(stores.Status, ResultProvider))

	// SetOnError registers a callback for transport-level session
	// failures. It fires after the session has cleaned up the failed
	// exchange. Passing nil clears the callback.
	SetOnError(cb func(error))

	// Close tears the session down. A merge in flight on the session
	// observes a closed stream.
	Close() error
}

// ResultProvider streams one merge's resolver instructions to the client.
type ResultProvider interface {
	// Next delivers the next instruction. At most one Next may be
	// outstanding. After RequestDone, or once the callback has reported
	// a non-OK status, no further instructions follow; a closed stream
	// reports StatusChannelClosed.
	Next(done func(stores.Status, *ResolverRequest))

	// Disconnect severs the stream. A pending Next callback fires with
	// StatusChannelClosed. Used both for cancellation and to forcibly
	// drop a resolver that violated the protocol.
	Disconnect()
}

// MergeStrategy merges two head commits into one.
type MergeStrategy interface {
	// Merge launches an asynchronous merge of left and right, whose
	// lowest common ancestor is ancestor (nil when the heads share no
	// history). The callback fires exactly once with the outcome; on
	// success it carries the new merge commit.
	//
	// Preconditions, enforced by panic: left precedes right in
	// (timestamp, id) order, and no merge is in flight on this strategy.
	Merge(store stores.Store, pager Pager, left, right, ancestor *stores.Commit, done func(stores.Status, *stores.Commit))

	// Cancel asks an in-flight merge to wind down. Cancellation is
	// cooperative: staged journal state is rolled back and the original
	// callback still fires, with StatusCancelled. Without a merge in
	// flight Cancel is a no-op.
	Cancel()

	// SetOnError registers a callback for resolver failures observed
	// during merges. It fires after the failed merge has been cleaned
	// up. Passing nil clears the callback.
	SetOnError(cb func(error))
}

// Pager provides read access to object payloads during a merge. Every
// Store satisfies it; external page managers can stand in for tests or
// tiered storage.
type Pager interface {
	// GetObject loads an object's bytes.
	GetObject(id stores.ObjectID, location stores.ObjectLocation, done func(stores.Status, []byte))
}

// MergePolicy decides conflicted keys without an external resolver
// process. Implementations must be safe for concurrent use.
type MergePolicy interface {
	// Decide returns the verdict for one conflicted key.
	Decide(ctx context.Context, conflict ConflictInfo) (*MergeDecision, error)
}

// EventPublisher publishes merge timeline events to subscribers.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error

	// Subscribe subscribes to events matching a filter. The returned
	// channel closes when the publisher shuts down or the subscription
	// is removed.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, string, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(ctx context.Context, subscriptionID string) error
}
