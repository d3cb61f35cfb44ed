// Package engine reconciles cloud instances and spot requests against the
// state store.
//
// # Overview
//
// The engine sits between an at-least-once, unordered stream of instance
// lifecycle notifications and a relational state store. Four workflows
// operate on the store:
//
//  1. Listener - applies "EC2 Instance State-change Notification" events
//  2. Provisioner - launches instances and places spot requests
//  3. Terminator - terminates instances and cancels spot requests, by id or for
//     a whole worker type across every region
//  4. KeyPairManager and Housekeeper - key pair distribution and EBS usage
//
// # Ordering
//
// Every instance row carries the timestamp of the last event applied to it.
// State changes are conditional single statements in the store, so an
// older or duplicate event never overwrites newer state and a terminated
// instance is never reinserted by a late event:
//
//	applied, err := store.ApplyInstanceEvent(ctx, region, id, state, at)
//
// # Collaborators
//
// The engine depends only on narrow interfaces:
//
//   - Provider: one remote cloud operation per method, per region
//   - LaunchSpecValidator: policy check of a launch specification
//   - Tagger: resource tags for a worker type
//   - Authorizer: scope checks for the current caller
//
// # Error Classification
//
// Errors returned by the workflows are classified:
//
//   - invalid-input: rejected by validation, policy or the provider's
//     bad-input codes. Never retried.
//   - conflict: uniqueness violation, treated as success on retried inserts
//   - denied: caller lacks the scope, including for unknown resources
//   - inconsistent: more than one row matched a unique key
//   - malformed: a notification could not be parsed; must not be acknowledged
//
// Other provider errors are returned unchanged so callers can inspect the
// provider's code.
package engine
