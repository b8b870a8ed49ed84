// Package models - signature.go defines the per-party Signature record and the signed artifact
// fields attached to the completing signature.
package models

import "time"

// SignerRole identifies one of the two fixed signer slots on a contract
type SignerRole string

const (
	SignerRoleFirst   SignerRole = "first_signer"
	SignerRoleCounter SignerRole = "counter_signer"
)

// Valid reports whether r is a known role
func (r SignerRole) Valid() bool {
	return r == SignerRoleFirst || r == SignerRoleCounter
}

// Other returns the opposite role
func (r SignerRole) Other() SignerRole {
	if r == SignerRoleFirst {
		return SignerRoleCounter
	}
	return SignerRoleFirst
}

// SignatureStatus is the sub-status of a single signature record
type SignatureStatus string

const (
	SignatureStatusSigned                  SignatureStatus = "signed"
	SignatureStatusPendingCounterSignature SignatureStatus = "pending_counter_signature"
	SignatureStatusCompleted               SignatureStatus = "completed"
)

// Signature is one party's signing event. At most one exists per (contract, role).
type Signature struct {
	ID                  string          `db:"id" json:"id"`
	ContractID          string          `db:"contract_id" json:"contract_id"`
	Role                SignerRole      `db:"role" json:"role"`
	SignatureData       string          `db:"signature_data" json:"-"` // data-URL image, never echoed back
	SignerIP            *string         `db:"signer_ip" json:"signer_ip,omitempty"`
	SignerName          *string         `db:"signer_name" json:"signer_name,omitempty"`
	SignedAt            time.Time       `db:"signed_at" json:"signed_at"`
	DateSigned          string          `db:"date_signed" json:"date_signed"`
	Status              SignatureStatus `db:"status" json:"status"`
	ArtifactPath        *string         `db:"artifact_path" json:"artifact_path,omitempty"`
	ArtifactURL         *string         `db:"artifact_url" json:"artifact_url,omitempty"`
	ArtifactChecksum    *string         `db:"artifact_checksum" json:"artifact_checksum,omitempty"`
	ArtifactGeneratedAt *time.Time      `db:"artifact_generated_at" json:"artifact_generated_at,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// HasImage reports whether the record carries non-empty signature image data
func (s *Signature) HasImage() bool {
	return s != nil && s.SignatureData != ""
}

// HasArtifact reports whether the signed artifact fields are populated
func (s *Signature) HasArtifact() bool {
	return s != nil && s.ArtifactPath != nil && *s.ArtifactPath != ""
}
