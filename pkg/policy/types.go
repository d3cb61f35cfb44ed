package policy

import (
	"time"

	"github.com/openfroyo/ec2-manager/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that do not block a launch.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the launch.
	SeverityError Severity = "error"

	// SeverityCritical blocks the launch.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a launch.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The policy reports violations
	// through a "deny" set in its package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Field is the launch specification field at fault, if reported.
	Field string `json:"field,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating a launch specification.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies are evaluated against, exposed as
// "input" in Rego.
type Input struct {
	// Region is the region the launch targets.
	Region string `json:"region"`

	// LaunchSpec is the launch specification under review.
	LaunchSpec engine.LaunchSpec `json:"launchSpec"`
}
