package signing

import (
	"errors"
	"fmt"

	"github.com/membershiphub/esign/internal/artifact"
	"github.com/membershiphub/esign/internal/db/models"
)

// ErrInconsistentState is returned when persisted signature records disagree with the contract status.
var ErrInconsistentState = errors.New("contract signatures do not match its status")

// ErrInvalidSigningToken is returned when a signing-link token matches no live invitation.
var ErrInvalidSigningToken = errors.New("invalid or expired signing link")

// ValidationError reports a malformed request. Nothing has been written when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports a missing contract or prerequisite row
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

// AlreadySignedError reports a second signature for a role that has already signed
type AlreadySignedError struct {
	ContractID string
	Role       models.SignerRole
}

func (e *AlreadySignedError) Error() string {
	return fmt.Sprintf("contract has already been signed by the %s", roleName(e.Role))
}

// InvalidTransitionError reports an operation the contract's current status does not allow
type InvalidTransitionError struct {
	ContractID string
	From       models.ContractStatus
	To         models.ContractStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("contract is %s and cannot be changed", e.From)
	}
	return fmt.Sprintf("contract cannot move from %s to %s", e.From, e.To)
}

// StorageError reports an artifact that could not be stored. The signing call made no change.
type StorageError = artifact.StorageError

func roleName(r models.SignerRole) string {
	if r == models.SignerRoleCounter {
		return "counter-signer"
	}
	return "first signer"
}
