package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in merge policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		preferDeletesPolicy(),
		preferHigherPriorityPolicy(),
		preferLeftPolicy(),
	}
}

// preferDeletesPolicy lets a deletion win over a concurrent edit. Its
// name sorts before the other built-ins, so it is consulted first.
func preferDeletesPolicy() Policy {
	return Policy{
		Name:        "prefer-deletes",
		Description: "A key deleted on one side stays deleted, even when the other side edited it",
		Enabled:     true,
		Tags:        []string{"builtin", "deletes"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package driftdb.merge.deletes

import rego.v1

# Taking the deleting side's state applies the deletion.
verdict := {"source": "left"} if {
	input.left == null
	input.right != null
}

verdict := {"source": "right"} if {
	input.right == null
	input.left != null
}`,
	}
}

// preferHigherPriorityPolicy keeps the eagerly synchronized side when
// the two sides disagree on priority.
func preferHigherPriorityPolicy() Policy {
	return Policy{
		Name:        "prefer-higher-priority",
		Description: "When exactly one side is eager, its state wins the conflict",
		Enabled:     true,
		Tags:        []string{"builtin", "priority"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package driftdb.merge.priority

import rego.v1

verdict := {"source": "left"} if {
	input.left != null
	input.right != null
	input.left.priority == "eager"
	input.right.priority == "lazy"
}

verdict := {"source": "right"} if {
	input.left != null
	input.right != null
	input.right.priority == "eager"
	input.left.priority == "lazy"
}`,
	}
}

// preferLeftPolicy pins every remaining conflict to the earlier head.
// Disabled by default; enabling it replaces the engine's last-one-wins
// fallback with first-one-wins.
func preferLeftPolicy() Policy {
	return Policy{
		Name:        "prefer-left",
		Description: "Keeps the earlier head's state for any conflict no other policy decided",
		Enabled:     false,
		Tags:        []string{"builtin", "ordering"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package driftdb.merge.ordering

import rego.v1

verdict := {"source": "left"} if {
	input.left != null
}

verdict := {"source": "right"} if {
	input.left == null
}`,
	}
}
