package engine

import (
	"encoding/json"
	"fmt"
)

// MergeState represents the lifecycle state of a single merge attempt.
type MergeState string

const (
	// MergeStateCreated indicates the merge client exists but has not started.
	MergeStateCreated MergeState = "created"

	// MergeStateDiffing indicates snapshot contents are being read and diffed.
	MergeStateDiffing MergeState = "diffing"

	// MergeStateAwaitingResolution indicates the conflict set has been handed
	// to the resolver and the client is consuming its decisions.
	MergeStateAwaitingResolution MergeState = "awaiting_resolution"

	// MergeStateCommitting indicates the resolver finished and the merge
	// journal is being finalized.
	MergeStateCommitting MergeState = "committing"

	// MergeStateDone indicates the merge commit was created.
	MergeStateDone MergeState = "done"

	// MergeStateCancelled indicates the merge was cancelled and rolled back.
	MergeStateCancelled MergeState = "cancelled"

	// MergeStateError indicates the merge failed and was rolled back.
	MergeStateError MergeState = "error"
)

// IsTerminal returns true if the merge state represents a final state.
func (s MergeState) IsTerminal() bool {
	return s == MergeStateDone || s == MergeStateCancelled || s == MergeStateError
}

// IsActive returns true if the merge is still in progress.
func (s MergeState) IsActive() bool {
	return s == MergeStateCreated || s == MergeStateDiffing ||
		s == MergeStateAwaitingResolution || s == MergeStateCommitting
}

// Validate checks if the merge state is valid.
func (s MergeState) Validate() error {
	switch s {
	case MergeStateCreated, MergeStateDiffing, MergeStateAwaitingResolution,
		MergeStateCommitting, MergeStateDone, MergeStateCancelled, MergeStateError:
		return nil
	default:
		return fmt.Errorf("invalid merge state: %s", s)
	}
}

// ResolverState represents the overall state of the merge resolver.
type ResolverState string

const (
	// ResolverStateIdle indicates the resolver is watching heads with no
	// merge in flight.
	ResolverStateIdle ResolverState = "idle"

	// ResolverStateMerging indicates a merge attempt is in flight.
	ResolverStateMerging ResolverState = "merging"

	// ResolverStateBackoff indicates the last attempt failed and the
	// resolver is waiting before retrying.
	ResolverStateBackoff ResolverState = "backoff"

	// ResolverStateStopped indicates the resolver has been closed.
	ResolverStateStopped ResolverState = "stopped"
)

// Validate checks if the resolver state is valid.
func (s ResolverState) Validate() error {
	switch s {
	case ResolverStateIdle, ResolverStateMerging, ResolverStateBackoff, ResolverStateStopped:
		return nil
	default:
		return fmt.Errorf("invalid resolver state: %s", s)
	}
}

// DecisionSource represents where a conflicted key's merged state comes from.
type DecisionSource string

const (
	// SourceLeft takes the key's state as of the left (earlier) head.
	SourceLeft DecisionSource = "left"

	// SourceRight takes the key's state as of the right (later) head.
	SourceRight DecisionSource = "right"

	// SourceNew installs a resolver-provided value.
	SourceNew DecisionSource = "new"
)

// Validate checks if the decision source is valid.
func (s DecisionSource) Validate() error {
	switch s {
	case SourceLeft, SourceRight, SourceNew:
		return nil
	default:
		return fmt.Errorf("invalid decision source: %s", s)
	}
}

// ChangeKind represents the effect one side of a merge had on a key,
// relative to the common ancestor.
type ChangeKind string

const (
	// ChangeAdded indicates the key does not exist in the ancestor.
	ChangeAdded ChangeKind = "added"

	// ChangeModified indicates the key exists in the ancestor with
	// different state.
	ChangeModified ChangeKind = "modified"

	// ChangeRemoved indicates the key was deleted relative to the ancestor.
	ChangeRemoved ChangeKind = "removed"
)

// Validate checks if the change kind is valid.
func (k ChangeKind) Validate() error {
	switch k {
	case ChangeAdded, ChangeModified, ChangeRemoved:
		return nil
	default:
		return fmt.Errorf("invalid change kind: %s", k)
	}
}

// RequestKind identifies an instruction sent by a conflict resolver.
type RequestKind string

const (
	// RequestMerge carries explicit per-key decisions.
	RequestMerge RequestKind = "merge"

	// RequestMergeNonConflicting asks the client to apply every
	// non-conflicting change that has not been explicitly decided.
	RequestMergeNonConflicting RequestKind = "merge_non_conflicting"

	// RequestDone finalizes the merge.
	RequestDone RequestKind = "done"
)

// Validate checks if the request kind is valid.
func (k RequestKind) Validate() error {
	switch k {
	case RequestMerge, RequestMergeNonConflicting, RequestDone:
		return nil
	default:
		return fmt.Errorf("invalid request kind: %s", k)
	}
}

// EventType represents the type of event in the merge timeline.
type EventType string

const (
	// EventTypeMergeStarted indicates a merge attempt has started.
	EventTypeMergeStarted EventType = "merge_started"

	// EventTypeMergeCompleted indicates a merge commit was created.
	EventTypeMergeCompleted EventType = "merge_completed"

	// EventTypeMergeFailed indicates a merge attempt failed and was rolled back.
	EventTypeMergeFailed EventType = "merge_failed"

	// EventTypeMergeCancelled indicates a merge attempt was cancelled.
	EventTypeMergeCancelled EventType = "merge_cancelled"

	// EventTypeConflictDetected indicates conflicting changes were found.
	EventTypeConflictDetected EventType = "conflict_detected"

	// EventTypeHeadsConverged indicates the head set shrank to at most one.
	EventTypeHeadsConverged EventType = "heads_converged"

	// EventTypeResolverDisconnected indicates a resolver stream closed
	// before completing.
	EventTypeResolverDisconnected EventType = "resolver_disconnected"

	// EventTypeError indicates an error occurred.
	EventTypeError EventType = "error"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"

	// EventTypeInfo indicates informational event.
	EventTypeInfo EventType = "info"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeMergeFailed, EventTypeResolverDisconnected, EventTypeError:
		return "error"
	case EventTypeMergeCancelled, EventTypeWarning:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s MergeState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *MergeState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = MergeState(str)
	return s.Validate()
}
