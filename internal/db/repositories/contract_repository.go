// contract_repository.go implements ContractRepository, the contract store: contract rows,
// their signature records, and the transactional status transitions between them.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/membershiphub/esign/internal/db/models"
)

var (
	// ErrDuplicateSignature is returned when (contract_id, role) already has a signature row.
	ErrDuplicateSignature = errors.New("signature already recorded for this role")
	// ErrStatusConflict is returned when the persisted contract status no longer matches the
	// status the caller validated against.
	ErrStatusConflict = errors.New("contract status changed concurrently")
	// ErrContractNotFound is returned by mutating calls when the contract row is gone.
	ErrContractNotFound = errors.New("contract not found")
)

const uniqueViolation = "23505"

// FieldSealer encrypts column values at rest
type FieldSealer interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

// ContractRepository handles contract and signature database operations
type ContractRepository struct {
	db     *sqlx.DB
	sealer FieldSealer
}

// NewContractRepository creates a new ContractRepository
func NewContractRepository(db *sqlx.DB) *ContractRepository {
	return &ContractRepository{db: db}
}

// WithSealer encrypts signature images with s on write and decrypts them on read
func (r *ContractRepository) WithSealer(s FieldSealer) *ContractRepository {
	r.sealer = s
	return r
}

func (r *ContractRepository) openSignatures(sigs []*models.Signature) error {
	if r.sealer == nil {
		return nil
	}
	for _, sig := range sigs {
		data, err := r.sealer.Open(sig.SignatureData)
		if err != nil {
			return fmt.Errorf("failed to decrypt signature %s: %w", sig.ID, err)
		}
		sig.SignatureData = data
	}
	return nil
}

const contractColumns = `id, title, content, status, signing_policy, created_by, created_at, updated_at, voided_at, void_reason`

const signatureColumns = `id, contract_id, role, signature_data, signer_ip, signer_name, signed_at, date_signed, status,
	artifact_path, artifact_url, artifact_checksum, artifact_generated_at, created_at`

// CreateContract inserts a new draft contract
func (r *ContractRepository) CreateContract(ctx context.Context, c *models.Contract) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = models.ContractStatusDraft
	}
	if c.SigningPolicy == "" {
		c.SigningPolicy = models.SigningPolicyTwoParty
	}

	query := `
		INSERT INTO contracts (id, title, content, status, signing_policy, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.Title, c.Content, c.Status, c.SigningPolicy, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create contract: %w", err)
	}
	return nil
}

// GetContract retrieves a contract by ID. Returns (nil, nil) when not found.
func (r *ContractRepository) GetContract(ctx context.Context, id string) (*models.Contract, error) {
	var c models.Contract
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`
	err := r.db.GetContext(ctx, &c, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return &c, nil
}

// ListSignatures returns all signature records for a contract, first signer first
func (r *ContractRepository) ListSignatures(ctx context.Context, contractID string) ([]*models.Signature, error) {
	sigs := make([]*models.Signature, 0, 2)
	query := `SELECT ` + signatureColumns + ` FROM contract_signatures WHERE contract_id = $1 ORDER BY signed_at ASC`
	if err := r.db.SelectContext(ctx, &sigs, query, contractID); err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	if err := r.openSignatures(sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// RecordSignature inserts sig and moves the contract from `from` to `to` in one transaction.
//
// The contract row is locked with SELECT ... FOR UPDATE and its status re-checked, so a
// concurrent caller that already moved the contract gets ErrStatusConflict. A second
// signature for the same role is rejected by the UNIQUE(contract_id, role) constraint and
// surfaces as ErrDuplicateSignature. When `to` is completed, every other signature on the
// contract is marked completed as well.
func (r *ContractRepository) RecordSignature(ctx context.Context, sig *models.Signature, from, to models.ContractStatus) error {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sig.CreatedAt = now

	data := sig.SignatureData
	if r.sealer != nil {
		sealed, err := r.sealer.Seal(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt signature: %w", err)
		}
		data = sealed
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := lockStatus(ctx, tx, sig.ContractID, from); err != nil {
		return err
	}

	insert := `
		INSERT INTO contract_signatures (
			id, contract_id, role, signature_data, signer_ip, signer_name, signed_at, date_signed, status,
			artifact_path, artifact_url, artifact_checksum, artifact_generated_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = tx.ExecContext(ctx, insert,
		sig.ID, sig.ContractID, sig.Role, data, sig.SignerIP, sig.SignerName,
		sig.SignedAt, sig.DateSigned, sig.Status,
		sig.ArtifactPath, sig.ArtifactURL, sig.ArtifactChecksum, sig.ArtifactGeneratedAt, sig.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSignature
		}
		return fmt.Errorf("failed to insert signature: %w", err)
	}

	if to == models.ContractStatusCompleted {
		_, err = tx.ExecContext(ctx,
			`UPDATE contract_signatures SET status = $1 WHERE contract_id = $2 AND id <> $3`,
			models.SignatureStatusCompleted, sig.ContractID, sig.ID)
		if err != nil {
			return fmt.Errorf("failed to complete prior signatures: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE contracts SET status = $1, updated_at = $2 WHERE id = $3`,
		to, now, sig.ContractID)
	if err != nil {
		return fmt.Errorf("failed to update contract status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit signature: %w", err)
	}
	return nil
}

// TransitionContract moves a contract from `from` to `to` without touching signatures.
// Used by void. reason is stored as void_reason when `to` is void.
func (r *ContractRepository) TransitionContract(ctx context.Context, id string, from, to models.ContractStatus, reason *string) error {
	now := time.Now().UTC()

	var voidedAt *time.Time
	if to == models.ContractStatusVoid {
		voidedAt = &now
	} else {
		reason = nil
	}

	query := `
		UPDATE contracts
		SET status = $1, updated_at = $2,
			voided_at = COALESCE($3, voided_at),
			void_reason = COALESCE($4, void_reason)
		WHERE id = $5 AND status = $6`
	result, err := r.db.ExecContext(ctx, query, to, now, voidedAt, reason, id, from)
	if err != nil {
		return fmt.Errorf("failed to transition contract: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListCompletionMismatches returns ids of contracts that violate "completed iff an artifact
// exists": completed contracts without an artifact, and non-completed contracts with one.
func (r *ContractRepository) ListCompletionMismatches(ctx context.Context) ([]string, error) {
	query := `
		SELECT c.id
		FROM contracts c
		LEFT JOIN contract_signatures s
			ON s.contract_id = c.id AND s.artifact_path IS NOT NULL AND s.artifact_path <> ''
		GROUP BY c.id, c.status
		HAVING (c.status = 'completed' AND COUNT(s.id) <> 1)
			OR (c.status <> 'completed' AND COUNT(s.id) > 0)
		ORDER BY c.id`
	ids := make([]string, 0)
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to check completion invariant: %w", err)
	}
	return ids, nil
}

// ListArtifactSignatures returns every signature that carries a stored artifact, oldest first
func (r *ContractRepository) ListArtifactSignatures(ctx context.Context) ([]*models.Signature, error) {
	sigs := make([]*models.Signature, 0)
	query := `SELECT ` + signatureColumns + ` FROM contract_signatures
		WHERE artifact_path IS NOT NULL AND artifact_path <> ''
		ORDER BY signed_at ASC`
	if err := r.db.SelectContext(ctx, &sigs, query); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	if err := r.openSignatures(sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// ReminderCandidate is a contract still waiting for its counter-signature
type ReminderCandidate struct {
	ContractID string    `db:"contract_id"`
	Title      string    `db:"title"`
	SignerName *string   `db:"signer_name"`
	DateSigned string    `db:"date_signed"`
	SignedAt   time.Time `db:"signed_at"`
}

// ListReminderCandidates returns partially signed contracts whose first signature is older
// than signedBefore and whose counter-signer has not been reminded yet, oldest first.
func (r *ContractRepository) ListReminderCandidates(ctx context.Context, signedBefore time.Time, limit int) ([]ReminderCandidate, error) {
	query := `
		SELECT c.id AS contract_id, c.title, s.signer_name, s.date_signed, s.signed_at
		FROM contracts c
		JOIN contract_signatures s ON s.contract_id = c.id AND s.role = $1
		WHERE c.status = $2 AND c.counter_sign_reminded_at IS NULL AND s.signed_at < $3
		ORDER BY s.signed_at ASC
		LIMIT $4`
	out := make([]ReminderCandidate, 0)
	if err := r.db.SelectContext(ctx, &out, query,
		models.SignerRoleFirst, models.ContractStatusPartiallySigned, signedBefore, limit); err != nil {
		return nil, fmt.Errorf("failed to list reminder candidates: %w", err)
	}
	return out, nil
}

// MarkReminderSent records that the counter-signer was reminded. It returns false when the
// contract has left partially_signed or was already marked.
func (r *ContractRepository) MarkReminderSent(ctx context.Context, contractID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE contracts SET counter_sign_reminded_at = NOW()
		WHERE id = $1 AND status = $2 AND counter_sign_reminded_at IS NULL`,
		contractID, models.ContractStatusPartiallySigned)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	return n == 1, nil
}

// lockStatus takes a row lock on the contract and verifies it is still in `expected`.
func lockStatus(ctx context.Context, tx *sqlx.Tx, contractID string, expected models.ContractStatus) error {
	var current models.ContractStatus
	err := tx.GetContext(ctx, &current, `SELECT status FROM contracts WHERE id = $1 FOR UPDATE`, contractID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrContractNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock contract: %w", err)
	}
	if current != expected {
		return ErrStatusConflict
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
