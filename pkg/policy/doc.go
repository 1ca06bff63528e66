// Package policy decides merge conflicts with Open Policy Agent rules.
//
// A conflict is a key whose two heads disagree relative to their common
// ancestor. The policy engine hands each conflict to a set of Rego
// policies and turns the first verdict into a merge decision. Policies
// are consulted in name order and every replica carries the same set,
// so replicas that see the same conflict reach the same decision.
//
// # Writing a policy
//
// A policy is a Rego module whose package lives anywhere under data and
// which defines a document named verdict. The input document carries
// the conflicted key and the three observed states:
//
//	{
//	    "key": "settings/theme",
//	    "left": {"value": "...", "priority": "eager"},
//	    "right": null,
//	    "ancestor": {"value": "...", "priority": "eager"}
//	}
//
// A null state means the side deleted the key or never had it. The
// verdict names a source and, for source "new", the replacement value:
//
//	package driftdb.merge.example
//
//	import rego.v1
//
//	verdict := {"source": "left"} if {
//	    input.right == null
//	}
//
// When no enabled policy yields a verdict the engine falls back to the
// later head, matching the last-one-wins strategy.
//
// # Components
//
// Engine compiles policies and implements the merge engine's
// MergePolicy interface. Loader reads .rego and .json policy files and
// can watch them for changes. Manager ties both to a MergeResolver:
// it loads the configured paths, installs a policy-driven strategy,
// and reinstalls it on every reload so merging resumes after a broken
// policy set is fixed on disk.
//
//	mgr, err := policy.NewManager(ctx, policy.ManagerConfig{
//	    Runtime:  rt,
//	    Resolver: resolver,
//	    Paths:    []string{"/etc/driftdb/policies"},
//	    Logger:   logger,
//	})
//	if err != nil {
//	    return err
//	}
//	mgr.Install()
//	if err := mgr.Watch(ctx); err != nil {
//	    return err
//	}
//
// GetBuiltinPolicies returns the built-in set: prefer-deletes and
// prefer-higher-priority are enabled by default, prefer-left ships
// disabled.
package policy
