package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/membershiphub/esign/internal/audit"
	"github.com/membershiphub/esign/internal/auth"
	"github.com/membershiphub/esign/internal/db/models"
	"github.com/membershiphub/esign/internal/db/repositories"
	"github.com/membershiphub/esign/internal/events"
	"github.com/membershiphub/esign/internal/notify"
	"github.com/membershiphub/esign/internal/telemetry"
)

// SendRequest dispatches a contract to its first signer
type SendRequest struct {
	ContractID     string
	RecipientEmail string
	RecipientName  string
	CustomMessage  string
	// ResendReason is recorded when the contract was already sent
	ResendReason string
	ActorID      string
	IP           string
	UserAgent    string
}

// SendResult is the outcome of Send
type SendResult struct {
	ContractID     string                `json:"contractId"`
	RecipientID    string                `json:"recipientId"`
	Status         models.ContractStatus `json:"status"`
	IsResend       bool                  `json:"isResend"`
	SigningLink    string                `json:"signingLink"`
	TokenExpiresAt time.Time             `json:"tokenExpiresAt"`
}

// Send moves a draft contract to sent and invites the recipient with a single-contract signing
// link. Sending a contract that is already out for signature records a resend. The email is
// best-effort; its outcome is written to the recipient row.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := validateContractID(req.ContractID); err != nil {
		return nil, err
	}
	if err := validateEmail("recipientEmail", req.RecipientEmail); err != nil {
		return nil, err
	}

	c, err := s.loadContract(ctx, req.ContractID)
	if err != nil {
		return nil, err
	}

	resend := AcceptsSignatures(c.Status)
	if !resend && !CanTransition(c.Status, models.ContractStatusSent) {
		return nil, &InvalidTransitionError{ContractID: c.ID, From: c.Status, To: models.ContractStatusSent}
	}

	token, hash, err := auth.GenerateSigningToken()
	if err != nil {
		return nil, err
	}

	from, to := c.Status, c.Status
	if !resend {
		to = models.ContractStatusSent
	}

	now := s.now().UTC()
	rec := &models.ContractRecipient{
		ContractID:       c.ID,
		RecipientEmail:   req.RecipientEmail,
		RecipientName:    optional(strings.TrimSpace(req.RecipientName)),
		CustomMessage:    optional(strings.TrimSpace(req.CustomMessage)),
		IsResend:         resend,
		EmailStatus:      models.EmailStatusPending,
		SigningTokenHash: hash,
		TokenExpiresAt:   now.Add(s.cfg.SigningTokenTTL),
		SentBy:           optional(req.ActorID),
		SentAt:           now,
	}
	if resend {
		rec.ResendReason = optional(strings.TrimSpace(req.ResendReason))
	}
	if err := s.recipients.CreateRecipient(ctx, rec, from, to); err != nil {
		return nil, s.transitionError(c, to, err)
	}
	if from != to {
		telemetry.ContractTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		c.Status = to
	}

	link := s.contractLink(c.ID) + "?token=" + url.QueryEscape(token)
	s.invite(c, rec, link)

	s.record(audit.Entry{
		Action:       audit.ActionContractSent,
		UserID:       req.ActorID,
		ResourceType: audit.ResourceTypeContract,
		ResourceID:   c.ID,
		IPAddress:    req.IP,
		UserAgent:    req.UserAgent,
		Details: map[string]interface{}{
			"recipient_id":    rec.ID,
			"recipient_email": rec.RecipientEmail,
			"is_resend":       resend,
			"status":          string(c.Status),
		},
	})
	s.publish(events.Event{
		Type:       events.TypeContractSent,
		ContractID: c.ID,
		Status:     string(c.Status),
		OccurredAt: now,
		Data:       map[string]interface{}{"recipient_id": rec.ID, "is_resend": resend},
	})

	return &SendResult{
		ContractID:     c.ID,
		RecipientID:    rec.ID,
		Status:         c.Status,
		IsResend:       resend,
		SigningLink:    link,
		TokenExpiresAt: rec.TokenExpiresAt,
	}, nil
}

// invite emails the signing link and records the delivery outcome on the recipient row
func (s *Service) invite(c *models.Contract, rec *models.ContractRecipient, link string) {
	data := notify.SigningInvitationData{
		ContractTitle: c.Title,
		Link:          link,
		ExpiresAt:     rec.TokenExpiresAt.Format(s.cfg.DateLayout),
	}
	if rec.RecipientName != nil {
		data.RecipientName = *rec.RecipientName
	}
	if rec.CustomMessage != nil {
		data.CustomMessage = *rec.CustomMessage
	}

	msg, err := notify.SigningInvitation(rec.RecipientEmail, data)
	if err != nil {
		slog.Error("failed to build signing invitation", "contract_id", c.ID, "error", err)
		return
	}
	s.deliver(msg, func(ctx context.Context, sendErr error) {
		status := models.EmailStatusSent
		if sendErr != nil {
			status = models.EmailStatusFailed
		}
		if err := s.recipients.UpdateEmailStatus(ctx, rec.ID, status); err != nil {
			slog.Warn("failed to record invitation email status", "recipient_id", rec.ID, "error", err)
		}
	})
}

// VoidRequest cancels a contract
type VoidRequest struct {
	ContractID string
	Reason     string
	ActorID    string
	IP         string
	UserAgent  string
}

// Void moves a non-terminal contract to void
func (s *Service) Void(ctx context.Context, req VoidRequest) (*models.Contract, error) {
	c, err := s.loadContract(ctx, req.ContractID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(c.Status, models.ContractStatusVoid) {
		return nil, &InvalidTransitionError{ContractID: c.ID, From: c.Status, To: models.ContractStatusVoid}
	}

	reason := optional(strings.TrimSpace(req.Reason))
	from := c.Status
	if err := s.contracts.TransitionContract(ctx, c.ID, from, models.ContractStatusVoid, reason); err != nil {
		return nil, s.transitionError(c, models.ContractStatusVoid, err)
	}
	telemetry.ContractTransitionsTotal.WithLabelValues(string(from), string(models.ContractStatusVoid)).Inc()

	updated, err := s.contracts.GetContract(ctx, c.ID)
	if err != nil || updated == nil {
		now := s.now().UTC()
		updated = c
		updated.Status = models.ContractStatusVoid
		updated.VoidedAt = &now
		updated.VoidReason = reason
	}

	details := map[string]interface{}{"from_status": string(from)}
	if reason != nil {
		details["reason"] = *reason
	}
	s.record(audit.Entry{
		Action:       audit.ActionContractVoided,
		UserID:       req.ActorID,
		ResourceType: audit.ResourceTypeContract,
		ResourceID:   c.ID,
		IPAddress:    req.IP,
		UserAgent:    req.UserAgent,
		Details:      details,
	})
	s.publish(events.Event{
		Type:       events.TypeContractVoided,
		ContractID: c.ID,
		Status:     string(models.ContractStatusVoid),
		Data:       details,
	})

	slog.Info("contract voided", "contract_id", c.ID, "from", from)
	return updated, nil
}

// AuthorizeSigningToken checks a signing-link token against the contract's live invitations
// and returns the matching invitation.
func (s *Service) AuthorizeSigningToken(ctx context.Context, contractID, token string) (*models.ContractRecipient, error) {
	if err := validateContractID(contractID); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrInvalidSigningToken
	}
	recs, err := s.recipients.ListRecipients(ctx, contractID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, rec := range recs {
		if rec.TokenExpired(now) {
			continue
		}
		if auth.ValidateSigningToken(token, rec.SigningTokenHash) {
			return rec, nil
		}
	}
	return nil, ErrInvalidSigningToken
}

func (s *Service) transitionError(c *models.Contract, to models.ContractStatus, err error) error {
	switch {
	case errors.Is(err, repositories.ErrStatusConflict):
		return &InvalidTransitionError{ContractID: c.ID, From: c.Status, To: to}
	case errors.Is(err, repositories.ErrContractNotFound):
		return &NotFoundError{Resource: "contract", ID: c.ID}
	}
	return fmt.Errorf("failed to update contract: %w", err)
}
