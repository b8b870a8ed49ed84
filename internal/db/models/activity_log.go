// Package models - activity_log.go defines the append-only ActivityLog entry written for every
// mutating contract action.
package models

import "time"

// ActivityLog is an immutable audit record
type ActivityLog struct {
	ID           string                 `json:"id"`
	UserID       *string                `json:"user_id,omitempty"` // nil for anonymous signing-link actors
	ActionType   string                 `json:"action_type"`       // "contract.signed", "contract.completed", "contract.sent", "contract.voided"
	ResourceType *string                `json:"resource_type,omitempty"`
	ResourceID   *string                `json:"resource_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"` // JSONB
	IPAddress    *string                `json:"ip_address,omitempty"`
	UserAgent    *string                `json:"user_agent,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
