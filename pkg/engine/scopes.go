package engine

import (
	"fmt"
	"strings"
)

// Scope prefixes checked by the termination workflow.
const (
	scopeManageInstances = "ec2-manager:manage-instances"
	scopeManageResources = "ec2-manager:manage-resources"
	scopeManageKeyPairs  = "ec2-manager:manage-key-pairs"
)

// InstanceScope is the direct ownership scope for one instance.
func InstanceScope(region, id string) string {
	return fmt.Sprintf("%s:%s:%s", scopeManageInstances, region, id)
}

// WorkerTypeScope is the group-level scope for a worker type.
func WorkerTypeScope(workerType string) string {
	return fmt.Sprintf("%s:%s", scopeManageResources, workerType)
}

// KeyPairScope is the scope for managing a named key pair.
func KeyPairScope(name string) string {
	return fmt.Sprintf("%s:%s", scopeManageKeyPairs, name)
}

// ScopeSet is an Authorizer backed by a fixed list of granted scopes. A
// granted scope ending in "*" satisfies every scope sharing its prefix.
type ScopeSet []string

// Satisfies reports whether any granted scope covers the required one.
func (s ScopeSet) Satisfies(scope string) bool {
	for _, granted := range s {
		if strings.HasSuffix(granted, "*") {
			if strings.HasPrefix(scope, strings.TrimSuffix(granted, "*")) {
				return true
			}
			continue
		}
		if granted == scope {
			return true
		}
	}
	return false
}

var _ Authorizer = ScopeSet(nil)

// AuthorizeKeyPair checks that auth may create or delete the named key pair.
func AuthorizeKeyPair(auth Authorizer, name string) error {
	if auth.Satisfies(KeyPairScope(name)) {
		return nil
	}
	return NewDeniedError(fmt.Sprintf("not authorized to manage key pair %s", name))
}
