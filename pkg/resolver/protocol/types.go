// Package protocol defines the newline-delimited JSON protocol spoken
// between a merge client and an external conflict resolver.
//
// The client opens each merge with a RESOLVE frame carrying both head
// snapshots, their common ancestor, and the conflict set. The resolver
// answers with any number of MERGE and MERGE_NON_CONFLICTING frames,
// each acknowledged by a STATUS frame from the client, and finishes with
// DONE. Closing the stream before DONE abandons the merge.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeResolve opens a merge: client to resolver, once.
	MessageTypeResolve MessageType = "RESOLVE"
	// MessageTypeMerge carries explicit conflict decisions: resolver to client.
	MessageTypeMerge MessageType = "MERGE"
	// MessageTypeMergeNonConflicting asks the client to apply all
	// non-conflicting changes: resolver to client.
	MessageTypeMergeNonConflicting MessageType = "MERGE_NON_CONFLICTING"
	// MessageTypeDone ends the instruction stream: resolver to client.
	MessageTypeDone MessageType = "DONE"
	// MessageTypeStatus acknowledges one instruction: client to resolver.
	MessageTypeStatus MessageType = "STATUS"
	// MessageTypeError reports a fatal failure by either side.
	MessageTypeError MessageType = "ERROR"
)

// Decision sources.
const (
	// SourceLeft takes the left head's state for the key.
	SourceLeft = "left"
	// SourceRight takes the right head's state for the key.
	SourceRight = "right"
	// SourceNew installs a resolver-provided value.
	SourceNew = "new"
)

// Message is the base message structure for all protocol frames.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Entry is one key in a snapshot's materialized view.
type Entry struct {
	Key      string `json:"key"`
	ObjectID string `json:"object_id"`
	Priority string `json:"priority,omitempty"`
}

// Snapshot is a commit plus its full view at that commit.
type Snapshot struct {
	CommitID   string   `json:"commit_id"`
	Parents    []string `json:"parents,omitempty"`
	Timestamp  int64    `json:"timestamp"`
	Generation uint64   `json:"generation"`
	Entries    []Entry  `json:"entries"`
}

// ValueState is one side's state for a conflicted key. A nil ValueState
// in a Conflict means that side deleted the key.
type ValueState struct {
	ObjectID string `json:"object_id"`
	Priority string `json:"priority,omitempty"`
	Value    []byte `json:"value,omitempty"`
}

// Conflict is a key both sides changed to different effect.
type Conflict struct {
	Key      string      `json:"key"`
	Left     *ValueState `json:"left,omitempty"`
	Right    *ValueState `json:"right,omitempty"`
	Ancestor *ValueState `json:"ancestor,omitempty"`
}

// ResolveRequest opens a merge.
type ResolveRequest struct {
	MergeID   string     `json:"merge_id"`
	Left      Snapshot   `json:"left"`
	Right     Snapshot   `json:"right"`
	Ancestor  *Snapshot  `json:"ancestor,omitempty"`
	Conflicts []Conflict `json:"conflicts"`
}

// Decision is one explicit key resolution.
type Decision struct {
	Key      string `json:"key"`
	Source   string `json:"source"`
	Value    []byte `json:"value,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// MergeRequest carries a batch of explicit decisions.
type MergeRequest struct {
	MergeID   string     `json:"merge_id"`
	Decisions []Decision `json:"decisions"`
}

// MergeNonConflictingRequest asks the client to apply every change that
// was never in contention.
type MergeNonConflictingRequest struct {
	MergeID string `json:"merge_id"`
}

// DoneRequest signals the resolver has no more decisions.
type DoneRequest struct {
	MergeID string `json:"merge_id"`
}

// StatusReply reports the outcome of applying one instruction.
type StatusReply struct {
	MergeID   string      `json:"merge_id"`
	InReplyTo MessageType `json:"in_reply_to"`
	Status    string      `json:"status"`
	Message   string      `json:"message,omitempty"`
}

// ErrorMessage reports a fatal protocol-level failure.
type ErrorMessage struct {
	MergeID string            `json:"merge_id,omitempty"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeResolve, MessageTypeMerge, MessageTypeMergeNonConflicting,
		MessageTypeDone, MessageTypeStatus, MessageTypeError:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the resolve request is valid.
func (r *ResolveRequest) Validate() error {
	if r.MergeID == "" {
		return fmt.Errorf("merge ID is required")
	}
	if r.Left.CommitID == "" {
		return fmt.Errorf("left snapshot commit ID is required")
	}
	if r.Right.CommitID == "" {
		return fmt.Errorf("right snapshot commit ID is required")
	}
	if r.Ancestor != nil && r.Ancestor.CommitID == "" {
		return fmt.Errorf("ancestor snapshot commit ID is required when present")
	}
	for i := range r.Conflicts {
		if r.Conflicts[i].Key == "" {
			return fmt.Errorf("conflict %d: key is required", i)
		}
	}
	return nil
}

// Validate checks if the decision is valid.
func (d *Decision) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("decision key is required")
	}
	switch d.Source {
	case SourceLeft, SourceRight, SourceNew:
		return nil
	default:
		return fmt.Errorf("invalid decision source: %s", d.Source)
	}
}

// Validate checks if the merge request is valid.
func (m *MergeRequest) Validate() error {
	if m.MergeID == "" {
		return fmt.Errorf("merge ID is required")
	}
	for i := range m.Decisions {
		if err := m.Decisions[i].Validate(); err != nil {
			return fmt.Errorf("decision %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks if the status reply is valid.
func (s *StatusReply) Validate() error {
	if s.MergeID == "" {
		return fmt.Errorf("merge ID is required")
	}
	if s.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}
