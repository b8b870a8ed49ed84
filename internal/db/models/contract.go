// Package models - contract.go defines the Contract model and its lifecycle status values.
package models

import "time"

// ContractStatus is the persisted lifecycle state of a contract
type ContractStatus string

const (
	ContractStatusDraft           ContractStatus = "draft"
	ContractStatusSent            ContractStatus = "sent"
	ContractStatusPartiallySigned ContractStatus = "partially_signed"
	ContractStatusCompleted       ContractStatus = "completed"
	ContractStatusVoid            ContractStatus = "void"
)

// IsTerminal reports whether no further transitions are possible from s
func (s ContractStatus) IsTerminal() bool {
	return s == ContractStatusCompleted || s == ContractStatusVoid
}

// Valid reports whether s is a known status
func (s ContractStatus) Valid() bool {
	switch s {
	case ContractStatusDraft, ContractStatusSent, ContractStatusPartiallySigned,
		ContractStatusCompleted, ContractStatusVoid:
		return true
	}
	return false
}

// SigningPolicy decides how many signatures complete a contract
type SigningPolicy string

const (
	// SigningPolicyTwoParty requires a first signer and a counter-signer
	SigningPolicyTwoParty SigningPolicy = "two_party"
	// SigningPolicySingleParty completes on the first signature (legacy single-step mode)
	SigningPolicySingleParty SigningPolicy = "single_party"
)

// Valid reports whether p is a known policy
func (p SigningPolicy) Valid() bool {
	return p == SigningPolicyTwoParty || p == SigningPolicySingleParty
}

// Contract is an agreement document moving through the signing lifecycle
type Contract struct {
	ID            string         `db:"id" json:"id"`
	Title         string         `db:"title" json:"title"`
	Content       string         `db:"content" json:"content"`
	Status        ContractStatus `db:"status" json:"status"`
	SigningPolicy SigningPolicy  `db:"signing_policy" json:"signing_policy"`
	CreatedBy     *string        `db:"created_by" json:"created_by,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
	VoidedAt      *time.Time     `db:"voided_at" json:"voided_at,omitempty"`
	VoidReason    *string        `db:"void_reason" json:"void_reason,omitempty"`
}
