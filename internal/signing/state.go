// Package signing implements the contract signing workflow: the contract state machine and the
// collector that records each party's signature, finalizes the signed artifact and dispatches
// the resulting side effects.
package signing

import "github.com/membershiphub/esign/internal/db/models"

// transitions lists every allowed status change. completed and void have no outgoing edges.
var transitions = map[models.ContractStatus][]models.ContractStatus{
	models.ContractStatusDraft: {
		models.ContractStatusSent,
		models.ContractStatusVoid,
	},
	models.ContractStatusSent: {
		models.ContractStatusPartiallySigned,
		models.ContractStatusCompleted, // single_party only
		models.ContractStatusVoid,
	},
	models.ContractStatusPartiallySigned: {
		models.ContractStatusCompleted,
		models.ContractStatusVoid,
	},
}

// CanTransition reports whether a contract may move from one status to another
func CanTransition(from, to models.ContractStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AcceptsSignatures reports whether a contract in status s can be signed
func AcceptsSignatures(s models.ContractStatus) bool {
	return s == models.ContractStatusSent || s == models.ContractStatusPartiallySigned
}

// signingPlan is the outcome of dispatching a sign request on the persisted status
type signingPlan struct {
	role      models.SignerRole
	from      models.ContractStatus
	to        models.ContractStatus
	completes bool
	// prior is the other party's signature on the completing call of a two-party contract
	prior *models.Signature
}

// planSignature decides what a signature by role does to contract c, given its existing
// signature records. Status is the dispatch key; the records only confirm it.
// An empty role is derived from the status.
func planSignature(c *models.Contract, sigs []*models.Signature, role models.SignerRole) (*signingPlan, error) {
	byRole := make(map[models.SignerRole]*models.Signature, len(sigs))
	for _, s := range sigs {
		byRole[s.Role] = s
	}

	if role == "" {
		role = deriveRole(c.Status, sigs)
	}
	if existing := byRole[role]; existing.HasImage() {
		return nil, &AlreadySignedError{ContractID: c.ID, Role: role}
	}

	switch c.Status {
	case models.ContractStatusSent:
		if len(sigs) > 0 {
			return nil, ErrInconsistentState
		}
		if c.SigningPolicy == models.SigningPolicySingleParty {
			return &signingPlan{role: role, from: c.Status, to: models.ContractStatusCompleted, completes: true}, nil
		}
		return &signingPlan{role: role, from: c.Status, to: models.ContractStatusPartiallySigned}, nil

	case models.ContractStatusPartiallySigned:
		prior := byRole[role.Other()]
		if len(sigs) != 1 || !prior.HasImage() {
			return nil, ErrInconsistentState
		}
		return &signingPlan{
			role:      role,
			from:      c.Status,
			to:        models.ContractStatusCompleted,
			completes: true,
			prior:     prior,
		}, nil

	case models.ContractStatusDraft:
		return nil, &InvalidTransitionError{ContractID: c.ID, From: c.Status, To: models.ContractStatusPartiallySigned}

	default:
		return nil, &InvalidTransitionError{ContractID: c.ID, From: c.Status}
	}
}

// deriveRole picks the role of an unlabelled signature: the first signer on a fresh contract,
// otherwise whichever role has not signed yet.
func deriveRole(status models.ContractStatus, sigs []*models.Signature) models.SignerRole {
	if status == models.ContractStatusPartiallySigned && len(sigs) == 1 {
		return sigs[0].Role.Other()
	}
	if status == models.ContractStatusPartiallySigned {
		return models.SignerRoleCounter
	}
	return models.SignerRoleFirst
}
