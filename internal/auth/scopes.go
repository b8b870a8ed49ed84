// Package auth - scopes.go defines the permission scopes carried on bearer tokens and provides
// HasScope, HasAnyScope, and HasAllScopes helper functions for scope checking.
package auth

import (
	"errors"
	"fmt"
)

// Scope represents a permission/scope type
type Scope string

const (
	// Contract scopes
	ScopeContractsRead        Scope = "contracts:read"        // View contracts, signatures and activity
	ScopeContractsSign        Scope = "contracts:sign"        // Sign as the first party
	ScopeContractsCountersign Scope = "contracts:countersign" // Sign as the counter-party (organization)
	ScopeContractsManage      Scope = "contracts:manage"      // Create, send, resend and void contracts

	// Audit log scopes
	ScopeAuditRead Scope = "audit:read"

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeContractsRead,
		ScopeContractsSign,
		ScopeContractsCountersign,
		ScopeContractsManage,
		ScopeAuditRead,
		ScopeAdmin,
	}
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()

	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}

	return nil
}

// HasScope checks if a user has a required scope.
// admin grants everything; contracts:manage also grants contracts:read and audit:read.
func HasScope(userScopes []string, required Scope) bool {
	requiredStr := string(required)

	for _, scope := range userScopes {
		if scope == requiredStr {
			return true
		}

		if scope == string(ScopeAdmin) {
			return true
		}

		if scope == string(ScopeContractsManage) &&
			(required == ScopeContractsRead || required == ScopeAuditRead) {
			return true
		}
	}

	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}

// HasAllScopes checks if a user has all of the required scopes
func HasAllScopes(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if !HasScope(userScopes, required) {
			return false
		}
	}
	return true
}

// ValidateScopeString validates a single scope string
func ValidateScopeString(scope string) error {
	if scope == "" {
		return errors.New("scope cannot be empty")
	}

	if !ValidScopes()[scope] {
		return fmt.Errorf("invalid scope: %s", scope)
	}

	return nil
}
