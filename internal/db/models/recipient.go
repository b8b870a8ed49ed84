// Package models - recipient.go defines ContractRecipient, one row per send or resend of a
// signing invitation.
package models

import "time"

// Email delivery states recorded on a recipient row
const (
	EmailStatusPending = "pending"
	EmailStatusSent    = "sent"
	EmailStatusFailed  = "failed"
)

// ContractRecipient records a signing invitation and the hash of its single-contract token
type ContractRecipient struct {
	ID               string    `db:"id" json:"id"`
	ContractID       string    `db:"contract_id" json:"contract_id"`
	RecipientEmail   string    `db:"recipient_email" json:"recipient_email"`
	RecipientName    *string   `db:"recipient_name" json:"recipient_name,omitempty"`
	CustomMessage    *string   `db:"custom_message" json:"custom_message,omitempty"`
	IsResend         bool      `db:"is_resend" json:"is_resend"`
	ResendReason     *string   `db:"resend_reason" json:"resend_reason,omitempty"`
	EmailStatus      string    `db:"email_status" json:"email_status"`
	SigningTokenHash string    `db:"signing_token_hash" json:"-"`
	TokenExpiresAt   time.Time `db:"token_expires_at" json:"token_expires_at"`
	SentBy           *string   `db:"sent_by" json:"sent_by,omitempty"`
	SentAt           time.Time `db:"sent_at" json:"sent_at"`
}

// TokenExpired reports whether the signing token on this row is no longer usable at now
func (r *ContractRecipient) TokenExpired(now time.Time) bool {
	return !now.Before(r.TokenExpiresAt)
}
