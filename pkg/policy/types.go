package policy

import (
	"time"
)

// Policy is one merge rule with its Rego code. A policy's module must
// define a complete rule named verdict in its own package; the engine
// queries data.<package>.verdict once per conflicted key.
type Policy struct {
	// Name is the unique name of the policy. Policies are consulted in
	// name order, so the name doubles as the precedence key.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is consulted.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryState is one side's state for a conflicted key as a policy sees
// it in the input document. A null state means that side deleted the
// key.
type EntryState struct {
	// Value is the entry's payload.
	Value string `json:"value"`

	// Priority is the entry's synchronization priority.
	Priority string `json:"priority"`
}

// Verdict is the shape a policy's verdict rule produces.
type Verdict struct {
	// Source selects where the merged state comes from: left, right or
	// new.
	Source string `json:"source"`

	// Value is the merged payload when Source is new.
	Value string `json:"value,omitempty"`

	// Priority is the merged entry's priority when Source is new.
	Priority string `json:"priority,omitempty"`
}
