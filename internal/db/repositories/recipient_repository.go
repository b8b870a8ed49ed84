// recipient_repository.go implements RecipientRepository, recording every send and resend of a
// signing invitation together with the hash of the signing-link token it carried.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/membershiphub/esign/internal/db/models"
)

// RecipientRepository handles contract recipient database operations
type RecipientRepository struct {
	db *sqlx.DB
}

// NewRecipientRepository creates a new RecipientRepository
func NewRecipientRepository(db *sqlx.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

const recipientColumns = `id, contract_id, recipient_email, recipient_name, custom_message, is_resend, resend_reason,
	email_status, signing_token_hash, token_expires_at, sent_by, sent_at`

// CreateRecipient inserts rec and moves its contract from `from` to `to` in one transaction.
// The contract row is locked and its status re-checked first, so a contract voided or sent
// concurrently yields ErrStatusConflict and no recipient row. Pass from == to for a resend.
func (r *RecipientRepository) CreateRecipient(ctx context.Context, rec *models.ContractRecipient, from, to models.ContractStatus) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	if rec.EmailStatus == "" {
		rec.EmailStatus = models.EmailStatusPending
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := lockStatus(ctx, tx, rec.ContractID, from); err != nil {
		return err
	}

	query := `
		INSERT INTO contract_recipients (` + recipientColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = tx.ExecContext(ctx, query,
		rec.ID, rec.ContractID, rec.RecipientEmail, rec.RecipientName, rec.CustomMessage,
		rec.IsResend, rec.ResendReason, rec.EmailStatus, rec.SigningTokenHash, rec.TokenExpiresAt,
		rec.SentBy, rec.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create recipient: %w", err)
	}

	if from != to {
		_, err = tx.ExecContext(ctx,
			`UPDATE contracts SET status = $1, updated_at = $2 WHERE id = $3`,
			to, rec.SentAt, rec.ContractID)
		if err != nil {
			return fmt.Errorf("failed to update contract status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recipient: %w", err)
	}
	return nil
}

// UpdateEmailStatus records the outcome of the invitation email
func (r *RecipientRepository) UpdateEmailStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE contract_recipients SET email_status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update recipient email status: %w", err)
	}
	return nil
}

// ListRecipients returns every invitation for a contract, newest first
func (r *RecipientRepository) ListRecipients(ctx context.Context, contractID string) ([]*models.ContractRecipient, error) {
	recs := make([]*models.ContractRecipient, 0)
	query := `SELECT ` + recipientColumns + ` FROM contract_recipients WHERE contract_id = $1 ORDER BY sent_at DESC`
	if err := r.db.SelectContext(ctx, &recs, query, contractID); err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	return recs, nil
}
