package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/membershiphub/esign/internal/artifact"
	"github.com/membershiphub/esign/internal/audit"
	"github.com/membershiphub/esign/internal/db/models"
	"github.com/membershiphub/esign/internal/db/repositories"
	"github.com/membershiphub/esign/internal/events"
	"github.com/membershiphub/esign/internal/notify"
	"github.com/membershiphub/esign/internal/render"
	"github.com/membershiphub/esign/internal/telemetry"
)

// maxSignatureDataLen caps the encoded signature image accepted from a client
const maxSignatureDataLen = 2 << 20

// SignRequest is one party's signing event
type SignRequest struct {
	ContractID string
	// Role is derived from the contract status when empty
	Role          models.SignerRole
	SignatureData string
	SignerIP      string
	SignerName    string
	// DateSigned is the human date stamped on the document; today's date when empty
	DateSigned string
	// RecipientEmail receives the artifact link when this call completes the contract
	RecipientEmail string
	RecipientName  string
	ActorID        string
	UserAgent      string
}

// SignResult is the outcome of a successful Sign
type SignResult struct {
	ContractID  string                `json:"contractId"`
	SignatureID string                `json:"signatureId"`
	Role        models.SignerRole     `json:"role"`
	Status      models.ContractStatus `json:"status"`
	PDFPath     string                `json:"pdfPath"`
	PDFURL      string                `json:"pdfUrl,omitempty"`
	DateSigned  string                `json:"dateSigned"`
}

// Sign records a signature and advances the contract.
//
// The first signature of a two-party contract moves it to partially_signed. The completing
// signature renders the PDF with every signature image, stores it, and only then persists the
// signature together with the completed status. When the artifact cannot be stored nothing is
// persisted and the call can be retried.
func (s *Service) Sign(ctx context.Context, req SignRequest) (*SignResult, error) {
	if err := validateSignRequest(req); err != nil {
		s.countSignature(req.Role, signOutcome(err, false))
		return nil, err
	}

	c, err := s.loadContract(ctx, req.ContractID)
	if err != nil {
		s.countSignature(req.Role, signOutcome(err, false))
		return nil, err
	}
	sigs, err := s.contracts.ListSignatures(ctx, c.ID)
	if err != nil {
		s.countSignature(req.Role, signOutcome(err, false))
		return nil, err
	}

	plan, err := planSignature(c, sigs, req.Role)
	if err != nil {
		if errors.Is(err, ErrInconsistentState) {
			slog.Error("contract signatures disagree with status",
				"contract_id", c.ID, "status", c.Status, "signatures", len(sigs))
		}
		s.countSignature(req.Role, signOutcome(err, false))
		return nil, err
	}

	now := s.now().UTC()
	dateSigned := strings.TrimSpace(req.DateSigned)
	if dateSigned == "" {
		dateSigned = now.Format(s.cfg.DateLayout)
	}

	sig := &models.Signature{
		ContractID:    c.ID,
		Role:          plan.role,
		SignatureData: req.SignatureData,
		SignerIP:      optional(req.SignerIP),
		SignerName:    optional(strings.TrimSpace(req.SignerName)),
		SignedAt:      now,
		DateSigned:    dateSigned,
		Status:        models.SignatureStatusPendingCounterSignature,
	}

	var art *artifact.Artifact
	if plan.completes {
		art, err = s.finalize(ctx, c, plan, sig)
		if err != nil {
			s.countSignature(plan.role, signOutcome(err, false))
			return nil, err
		}
		sig.Status = models.SignatureStatusCompleted
		sig.ArtifactPath = &art.Path
		sig.ArtifactURL = &art.URL
		sig.ArtifactChecksum = &art.Checksum
		sig.ArtifactGeneratedAt = &art.GeneratedAt
	}

	if err := s.contracts.RecordSignature(ctx, sig, plan.from, plan.to); err != nil {
		if art != nil {
			if derr := s.artifacts.Discard(context.WithoutCancel(ctx), art.Path); derr != nil {
				slog.Error("failed to discard artifact after rejected completion",
					"contract_id", c.ID, "path", art.Path, "error", derr)
			}
		}
		err = s.persistError(ctx, c, plan, err)
		s.countSignature(plan.role, signOutcome(err, false))
		return nil, err
	}

	telemetry.ContractTransitionsTotal.WithLabelValues(string(plan.from), string(plan.to)).Inc()
	s.countSignature(plan.role, signOutcome(nil, plan.completes))
	slog.Info("signature recorded",
		"contract_id", c.ID, "signature_id", sig.ID, "role", plan.role, "status", plan.to)

	result := &SignResult{
		ContractID:  c.ID,
		SignatureID: sig.ID,
		Role:        plan.role,
		Status:      plan.to,
		DateSigned:  dateSigned,
	}
	if art != nil {
		result.PDFPath = art.Path
		result.PDFURL = art.URL
	}

	s.afterSign(c, plan, sig, art, req)
	return result, nil
}

// finalize renders every signature onto the contract and stores the PDF
func (s *Service) finalize(ctx context.Context, c *models.Contract, plan *signingPlan, sig *models.Signature) (*artifact.Artifact, error) {
	images := make([]render.SignatureImage, 0, 2)
	if plan.prior != nil {
		images = append(images, signatureImage(plan.prior))
	}
	images = append(images, signatureImage(sig))
	if len(images) == 2 && images[0].Role == models.SignerRoleCounter {
		images[0], images[1] = images[1], images[0]
	}

	pdf, err := s.renderer.Render(c, images, sig.DateSigned, sig.SignedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to render signed document: %w", err)
	}

	art, err := s.artifacts.Store(ctx, pdf, c.ID, sig.SignedAt)
	if err != nil {
		slog.Error("signed artifact not stored, completion aborted", "contract_id", c.ID, "error", err)
		return nil, err
	}
	return art, nil
}

// persistError converts a RecordSignature failure into the workflow error it stands for
func (s *Service) persistError(ctx context.Context, c *models.Contract, plan *signingPlan, err error) error {
	switch {
	case errors.Is(err, repositories.ErrDuplicateSignature):
		return &AlreadySignedError{ContractID: c.ID, Role: plan.role}
	case errors.Is(err, repositories.ErrContractNotFound):
		return &NotFoundError{Resource: "contract", ID: c.ID}
	case errors.Is(err, repositories.ErrStatusConflict):
		// Another request moved the contract first; report what it did.
		if sigs, lerr := s.contracts.ListSignatures(ctx, c.ID); lerr == nil {
			for _, existing := range sigs {
				if existing.Role == plan.role && existing.HasImage() {
					return &AlreadySignedError{ContractID: c.ID, Role: plan.role}
				}
			}
		}
		from := plan.from
		if current, gerr := s.contracts.GetContract(ctx, c.ID); gerr == nil && current != nil {
			from = current.Status
		}
		return &InvalidTransitionError{ContractID: c.ID, From: from, To: plan.to}
	default:
		return fmt.Errorf("failed to record signature: %w", err)
	}
}

// afterSign dispatches the audit entry, lifecycle event and notifications of a recorded signature
func (s *Service) afterSign(c *models.Contract, plan *signingPlan, sig *models.Signature, art *artifact.Artifact, req SignRequest) {
	action, eventType := audit.ActionContractSigned, events.TypeContractSigned
	if plan.completes {
		action, eventType = audit.ActionContractCompleted, events.TypeContractCompleted
	}

	details := map[string]interface{}{
		"signature_id": sig.ID,
		"role":         string(plan.role),
		"from_status":  string(plan.from),
		"status":       string(plan.to),
		"date_signed":  sig.DateSigned,
	}
	if sig.SignerName != nil {
		details["signer_name"] = *sig.SignerName
	}
	if art != nil {
		details["artifact_path"] = art.Path
		details["artifact_checksum"] = art.Checksum
	}

	s.record(audit.Entry{
		Action:       action,
		UserID:       req.ActorID,
		ResourceType: audit.ResourceTypeContract,
		ResourceID:   c.ID,
		IPAddress:    req.SignerIP,
		UserAgent:    req.UserAgent,
		Details:      details,
	})

	eventData := map[string]interface{}{"role": string(plan.role), "signature_id": sig.ID}
	if art != nil {
		eventData["artifact_path"] = art.Path
	}
	s.publish(events.Event{
		Type:       eventType,
		ContractID: c.ID,
		Status:     string(plan.to),
		OccurredAt: sig.SignedAt,
		Data:       eventData,
	})

	switch {
	case plan.completes && req.RecipientEmail != "":
		msg, err := notify.Completed(req.RecipientEmail, notify.CompletedData{
			RecipientName: req.RecipientName,
			ContractTitle: c.Title,
			DateSigned:    sig.DateSigned,
			Link:          art.URL,
		})
		if err != nil {
			slog.Error("failed to build completion email", "contract_id", c.ID, "error", err)
			return
		}
		s.deliver(msg, nil)

	case !plan.completes && plan.role == models.SignerRoleFirst && s.cfg.CounterSignerEmail != "":
		signer := req.SignerName
		if signer == "" {
			signer = "The first signer"
		}
		msg, err := notify.AwaitingCounterSignature(s.cfg.CounterSignerEmail, notify.AwaitingCounterSignatureData{
			SignerName:    signer,
			ContractTitle: c.Title,
			DateSigned:    sig.DateSigned,
			Link:          s.contractLink(c.ID),
		})
		if err != nil {
			slog.Error("failed to build counter-signature notice", "contract_id", c.ID, "error", err)
			return
		}
		s.deliver(msg, nil)
	}
}

// countSignature records the outcome of a sign attempt
func (s *Service) countSignature(role models.SignerRole, outcome string) {
	label := string(role)
	if !role.Valid() {
		label = "unknown"
	}
	telemetry.SignaturesTotal.WithLabelValues(label, outcome).Inc()
}

func signOutcome(err error, completed bool) string {
	var (
		already    *AlreadySignedError
		transition *InvalidTransitionError
		store      *StorageError
		validation *ValidationError
		notFound   *NotFoundError
	)
	switch {
	case err == nil && completed:
		return "completed"
	case err == nil:
		return "recorded"
	case errors.As(err, &already):
		return "already_signed"
	case errors.As(err, &transition), errors.Is(err, ErrInconsistentState):
		return "invalid_transition"
	case errors.As(err, &store):
		return "storage_error"
	case errors.As(err, &validation):
		return "invalid"
	case errors.As(err, &notFound):
		return "not_found"
	default:
		return "error"
	}
}

func validateSignRequest(req SignRequest) error {
	if err := validateContractID(req.ContractID); err != nil {
		return err
	}
	if strings.TrimSpace(req.SignatureData) == "" {
		return &ValidationError{Field: "signatureData", Message: "is required"}
	}
	if len(req.SignatureData) > maxSignatureDataLen {
		return &ValidationError{Field: "signatureData", Message: "is too large"}
	}
	if req.Role != "" && !req.Role.Valid() {
		return &ValidationError{Field: "role", Message: "must be first_signer or counter_signer"}
	}
	if req.RecipientEmail != "" {
		if err := validateEmail("recipientEmail", req.RecipientEmail); err != nil {
			return err
		}
	}
	return nil
}

func signatureImage(sig *models.Signature) render.SignatureImage {
	img := render.SignatureImage{
		Role:       sig.Role,
		Data:       sig.SignatureData,
		DateSigned: sig.DateSigned,
	}
	if sig.SignerName != nil {
		img.SignerName = *sig.SignerName
	}
	return img
}
