package signing

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/membershiphub/esign/internal/artifact"
	"github.com/membershiphub/esign/internal/audit"
	"github.com/membershiphub/esign/internal/config"
	"github.com/membershiphub/esign/internal/db/models"
	"github.com/membershiphub/esign/internal/db/repositories"
	"github.com/membershiphub/esign/internal/events"
	"github.com/membershiphub/esign/internal/notify"
	"github.com/membershiphub/esign/internal/render"
	"github.com/membershiphub/esign/internal/safego"
)

// ContractStore persists contracts and their signature records
type ContractStore interface {
	CreateContract(ctx context.Context, c *models.Contract) error
	GetContract(ctx context.Context, id string) (*models.Contract, error)
	ListSignatures(ctx context.Context, contractID string) ([]*models.Signature, error)
	RecordSignature(ctx context.Context, sig *models.Signature, from, to models.ContractStatus) error
	TransitionContract(ctx context.Context, id string, from, to models.ContractStatus, reason *string) error
}

// RecipientStore persists signing invitations
type RecipientStore interface {
	CreateRecipient(ctx context.Context, rec *models.ContractRecipient, from, to models.ContractStatus) error
	UpdateEmailStatus(ctx context.Context, id, status string) error
	ListRecipients(ctx context.Context, contractID string) ([]*models.ContractRecipient, error)
}

// ActivityReader lists audit entries
type ActivityReader interface {
	ListActivityLogs(ctx context.Context, filters repositories.ActivityFilters, limit, offset int) ([]*models.ActivityLog, int, error)
}

// DocumentRenderer produces the signed PDF
type DocumentRenderer interface {
	Render(contract *models.Contract, sigs []render.SignatureImage, signedDate string, now time.Time) ([]byte, error)
}

// ArtifactStore uploads signed PDFs
type ArtifactStore interface {
	Store(ctx context.Context, data []byte, contractID string, at time.Time) (*artifact.Artifact, error)
	Discard(ctx context.Context, path string) error
}

// AuditAppender appends activity entries
type AuditAppender interface {
	Append(ctx context.Context, e audit.Entry) error
}

// EventPublisher emits lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// Deps are the collaborators of a Service. Audit, Notifier and Events may be nil.
type Deps struct {
	Contracts  ContractStore
	Recipients RecipientStore
	Activity   ActivityReader
	Renderer   DocumentRenderer
	Artifacts  ArtifactStore
	Audit      AuditAppender
	Notifier   notify.Dispatcher
	Events     EventPublisher
	// Group runs side effects. A private group is used when nil.
	Group *safego.Group
}

// Config holds workflow settings
type Config struct {
	DefaultPolicy      models.SigningPolicy
	DateLayout         string
	SideEffectTimeout  time.Duration
	SigningTokenTTL    time.Duration
	PublicURL          string
	SigningLinkPath    string
	CounterSignerEmail string
}

// ConfigFrom extracts the workflow settings from the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		DefaultPolicy:      models.SigningPolicy(cfg.Signing.DefaultPolicy),
		DateLayout:         cfg.Signing.DateLayout,
		SideEffectTimeout:  cfg.Signing.SideEffectTimeout,
		SigningTokenTTL:    cfg.Auth.SigningTokenTTL,
		PublicURL:          strings.TrimRight(cfg.Server.GetPublicURL(), "/"),
		SigningLinkPath:    cfg.Notifications.SigningLinkPath,
		CounterSignerEmail: cfg.Notifications.CounterSignerEmail,
	}
}

// Service runs the contract signing workflow
type Service struct {
	contracts  ContractStore
	recipients RecipientStore
	activity   ActivityReader
	renderer   DocumentRenderer
	artifacts  ArtifactStore
	audit      AuditAppender
	notifier   notify.Dispatcher
	events     EventPublisher
	group      *safego.Group
	cfg        Config
	now        func() time.Time
}

// NewService creates a new Service
func NewService(deps Deps, cfg Config) *Service {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = models.SigningPolicyTwoParty
	}
	if cfg.DateLayout == "" {
		cfg.DateLayout = "January 2, 2006"
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = 10 * time.Second
	}
	if cfg.SigningTokenTTL <= 0 {
		cfg.SigningTokenTTL = 14 * 24 * time.Hour
	}
	if cfg.SigningLinkPath == "" {
		cfg.SigningLinkPath = "/sign"
	}
	group := deps.Group
	if group == nil {
		group = &safego.Group{}
	}
	return &Service{
		contracts:  deps.Contracts,
		recipients: deps.Recipients,
		activity:   deps.Activity,
		renderer:   deps.Renderer,
		artifacts:  deps.Artifacts,
		audit:      deps.Audit,
		notifier:   deps.Notifier,
		events:     deps.Events,
		group:      group,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Wait blocks until every dispatched side effect has finished or ctx is done
func (s *Service) Wait(ctx context.Context) error {
	return s.group.WaitContext(ctx)
}

// CreateRequest is the input of Create
type CreateRequest struct {
	Title         string
	Content       string
	SigningPolicy models.SigningPolicy
	ActorID       string
	IP            string
	UserAgent     string
}

// Create stores a new draft contract
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Contract, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, &ValidationError{Field: "title", Message: "is required"}
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, &ValidationError{Field: "content", Message: "is required"}
	}
	policy := req.SigningPolicy
	if policy == "" {
		policy = s.cfg.DefaultPolicy
	}
	if !policy.Valid() {
		return nil, &ValidationError{Field: "signingPolicy", Message: "must be two_party or single_party"}
	}

	c := &models.Contract{
		Title:         req.Title,
		Content:       req.Content,
		Status:        models.ContractStatusDraft,
		SigningPolicy: policy,
		CreatedBy:     optional(req.ActorID),
	}
	if err := s.contracts.CreateContract(ctx, c); err != nil {
		return nil, err
	}

	s.record(audit.Entry{
		Action:       audit.ActionContractCreated,
		UserID:       req.ActorID,
		ResourceType: audit.ResourceTypeContract,
		ResourceID:   c.ID,
		IPAddress:    req.IP,
		UserAgent:    req.UserAgent,
		Details: map[string]interface{}{
			"title":          c.Title,
			"signing_policy": string(c.SigningPolicy),
		},
	})
	return c, nil
}

// ContractDetail is a contract with its signatures and invitations
type ContractDetail struct {
	Contract   *models.Contract            `json:"contract"`
	Signatures []*models.Signature         `json:"signatures"`
	Recipients []*models.ContractRecipient `json:"recipients"`
}

// Get returns a contract with its signatures and invitations
func (s *Service) Get(ctx context.Context, id string) (*ContractDetail, error) {
	c, err := s.loadContract(ctx, id)
	if err != nil {
		return nil, err
	}
	sigs, err := s.contracts.ListSignatures(ctx, id)
	if err != nil {
		return nil, err
	}
	recs, err := s.recipients.ListRecipients(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ContractDetail{Contract: c, Signatures: sigs, Recipients: recs}, nil
}

// Activity lists the audit entries of a contract, newest first
func (s *Service) Activity(ctx context.Context, id string, limit, offset int) ([]*models.ActivityLog, int, error) {
	if _, err := s.loadContract(ctx, id); err != nil {
		return nil, 0, err
	}
	limit = ActivityLimit(limit)
	if offset < 0 {
		offset = 0
	}
	resourceType := audit.ResourceTypeContract
	return s.activity.ListActivityLogs(ctx, repositories.ActivityFilters{
		ResourceType: &resourceType,
		ResourceID:   &id,
	}, limit, offset)
}

// Activity page sizes
const (
	DefaultActivityLimit = 50
	MaxActivityLimit     = 100
)

// ActivityLimit returns the page size Activity applies for a requested limit
func ActivityLimit(limit int) int {
	if limit <= 0 || limit > MaxActivityLimit {
		return DefaultActivityLimit
	}
	return limit
}

func (s *Service) loadContract(ctx context.Context, id string) (*models.Contract, error) {
	if err := validateContractID(id); err != nil {
		return nil, err
	}
	c, err := s.contracts.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &NotFoundError{Resource: "contract", ID: id}
	}
	return c, nil
}

// dispatch runs fn in the background with its own bounded context
func (s *Service) dispatch(name string, fn func(ctx context.Context)) {
	timeout := s.cfg.SideEffectTimeout
	s.group.Go(name, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	})
}

// record appends an audit entry in the background. Failures are logged and counted by the
// audit logger itself and never reach the caller.
func (s *Service) record(e audit.Entry) {
	if s.audit == nil {
		return
	}
	s.dispatch("audit:"+e.Action, func(ctx context.Context) {
		_ = s.audit.Append(ctx, e)
	})
}

// publish emits a lifecycle event in the background
func (s *Service) publish(e events.Event) {
	if s.events == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	s.dispatch("event:"+e.Type, func(ctx context.Context) {
		if err := s.events.Publish(ctx, e); err != nil {
			slog.Warn("lifecycle event not published", "type", e.Type, "contract_id", e.ContractID, "error", err)
		}
	})
}

// deliver sends msg in the background. after, when set, runs with the send result.
func (s *Service) deliver(msg notify.Message, after func(ctx context.Context, err error)) {
	if s.notifier == nil {
		return
	}
	s.dispatch("notify:"+msg.Kind, func(ctx context.Context) {
		err := s.notifier.Send(ctx, msg)
		if err != nil {
			slog.Warn("notification not delivered", "kind", msg.Kind, "error", err)
		}
		if after != nil {
			after(ctx, err)
		}
	})
}

func (s *Service) contractLink(id string) string {
	return s.cfg.PublicURL + s.cfg.SigningLinkPath + "/" + id
}

func validateContractID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "contractId", Message: "is required"}
	}
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: "contractId", Message: "must be a valid UUID"}
	}
	return nil
}

func validateEmail(field, addr string) error {
	if _, err := mail.ParseAddress(addr); err != nil {
		return &ValidationError{Field: field, Message: "must be a valid email address"}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
