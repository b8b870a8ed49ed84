package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/membershiphub/esign/internal/artifact"
	"github.com/membershiphub/esign/internal/audit"
	"github.com/membershiphub/esign/internal/db/models"
	"github.com/membershiphub/esign/internal/db/repositories"
	"github.com/membershiphub/esign/internal/events"
	"github.com/membershiphub/esign/internal/notify"
	"github.com/membershiphub/esign/internal/render"
	"github.com/membershiphub/esign/internal/storage"
	"github.com/membershiphub/esign/pkg/checksum"
)

// memContracts is an in-memory ContractStore that enforces the same invariants as the
// repository: UNIQUE(contract_id, role) and the status re-check inside RecordSignature.
type memContracts struct {
	mu         sync.Mutex
	contracts  map[string]models.Contract
	signatures map[string][]models.Signature
	recordErr  error
	// beforeRecord runs before RecordSignature takes the lock, to simulate a competing writer
	beforeRecord func()
	// beforeGet runs once after GetContract reads the row, to simulate a writer racing the caller
	beforeGet func()
	records   int
}

func newMemContracts() *memContracts {
	return &memContracts{
		contracts:  map[string]models.Contract{},
		signatures: map[string][]models.Signature{},
	}
}

func (m *memContracts) CreateContract(ctx context.Context, c *models.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Status == "" {
		c.Status = models.ContractStatusDraft
	}
	m.contracts[c.ID] = *c
	return nil
}

func (m *memContracts) GetContract(ctx context.Context, id string) (*models.Contract, error) {
	m.mu.Lock()
	c, ok := m.contracts[id]
	hook := m.beforeGet
	m.beforeGet = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memContracts) ListSignatures(ctx context.Context, contractID string) ([]*models.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Signature, 0, 2)
	for _, s := range m.signatures[contractID] {
		s := s
		out = append(out, &s)
	}
	return out, nil
}

func (m *memContracts) RecordSignature(ctx context.Context, sig *models.Signature, from, to models.ContractStatus) error {
	if m.beforeRecord != nil {
		hook := m.beforeRecord
		m.beforeRecord = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records++
	if m.recordErr != nil {
		return m.recordErr
	}
	c, ok := m.contracts[sig.ContractID]
	if !ok {
		return repositories.ErrContractNotFound
	}
	if c.Status != from {
		return repositories.ErrStatusConflict
	}
	for _, existing := range m.signatures[sig.ContractID] {
		if existing.Role == sig.Role {
			return repositories.ErrDuplicateSignature
		}
	}
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if to == models.ContractStatusCompleted {
		for i := range m.signatures[sig.ContractID] {
			m.signatures[sig.ContractID][i].Status = models.SignatureStatusCompleted
		}
	}
	m.signatures[sig.ContractID] = append(m.signatures[sig.ContractID], *sig)
	c.Status = to
	m.contracts[c.ID] = c
	return nil
}

func (m *memContracts) TransitionContract(ctx context.Context, id string, from, to models.ContractStatus, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok || c.Status != from {
		return repositories.ErrStatusConflict
	}
	c.Status = to
	if to == models.ContractStatusVoid {
		now := time.Now().UTC()
		c.VoidedAt = &now
		c.VoidReason = reason
	}
	m.contracts[id] = c
	return nil
}

// put stores a contract directly in the given status
func (m *memContracts) put(t *testing.T, status models.ContractStatus, policy models.SigningPolicy) string {
	t.Helper()
	c := &models.Contract{
		Title:         "Membership Agreement",
		Content:       "The member agrees to the studio rules.\n\nFees are due monthly.",
		Status:        status,
		SigningPolicy: policy,
	}
	if err := m.CreateContract(context.Background(), c); err != nil {
		t.Fatalf("CreateContract() error: %v", err)
	}
	return c.ID
}

func (m *memContracts) status(id string) models.ContractStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contracts[id].Status
}

func (m *memContracts) signatureCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signatures[id])
}

// memRecipients stores invitations and, like the repository, applies the contract status
// change only when the insert succeeds.
type memRecipients struct {
	mu        sync.Mutex
	recs      []models.ContractRecipient
	contracts *memContracts
	createErr error
}

func (m *memRecipients) CreateRecipient(ctx context.Context, rec *models.ContractRecipient, from, to models.ContractStatus) error {
	m.contracts.mu.Lock()
	defer m.contracts.mu.Unlock()
	c, ok := m.contracts.contracts[rec.ContractID]
	if !ok {
		return repositories.ErrContractNotFound
	}
	if c.Status != from {
		return repositories.ErrStatusConflict
	}
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	rec.ID = uuid.New().String()
	m.recs = append(m.recs, *rec)
	m.mu.Unlock()

	c.Status = to
	m.contracts.contracts[c.ID] = c
	return nil
}

func (m *memRecipients) UpdateEmailStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ID == id {
			m.recs[i].EmailStatus = status
		}
	}
	return nil
}

func (m *memRecipients) ListRecipients(ctx context.Context, contractID string) ([]*models.ContractRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ContractRecipient, 0)
	for i := len(m.recs) - 1; i >= 0; i-- {
		if m.recs[i].ContractID == contractID {
			r := m.recs[i]
			out = append(out, &r)
		}
	}
	return out, nil
}

type memActivity struct {
	filters repositories.ActivityFilters
	limit   int
	offset  int
}

func (m *memActivity) ListActivityLogs(ctx context.Context, filters repositories.ActivityFilters, limit, offset int) ([]*models.ActivityLog, int, error) {
	m.filters, m.limit, m.offset = filters, limit, offset
	return []*models.ActivityLog{{ID: "log-1", ActionType: audit.ActionContractSigned}}, 1, nil
}

// memBackend is an in-memory storage.Storage with failure injection
type memBackend struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	delay     time.Duration
	deleted   []string
}

func newMemBackend() *memBackend { return &memBackend{objects: map[string][]byte{}} }

func (b *memBackend) Name() string { return "mem" }

func (b *memBackend) Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) (*storage.UploadResult, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.uploadErr != nil {
		return nil, b.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.objects[path] = data
	b.mu.Unlock()
	return &storage.UploadResult{Path: path, Size: int64(len(data)), Checksum: checksum.Sum(data)}, nil
}

func (b *memBackend) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBackend) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	b.deleted = append(b.deleted, path)
	return nil
}

func (b *memBackend) GetURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return "https://files.example/" + path, nil
}

func (b *memBackend) Exists(ctx context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func (b *memBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (a *recordingAudit) Append(ctx context.Context, e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return a.err
}

func (a *recordingAudit) all() []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Entry(nil), a.entries...)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (d *recordingDispatcher) Send(ctx context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	if d.err != nil {
		return &notify.DeliveryError{Kind: msg.Kind, To: msg.To, Err: d.err}
	}
	return nil
}

func (d *recordingDispatcher) all() []notify.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Message(nil), d.msgs...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// harness wires a Service to in-memory collaborators
type harness struct {
	svc        *Service
	contracts  *memContracts
	recipients *memRecipients
	activity   *memActivity
	backend    *memBackend
	audit      *recordingAudit
	dispatcher *recordingDispatcher
	events     *recordingPublisher
}

var fixedNow = time.Date(2025, 3, 3, 10, 4, 5, 0, time.UTC)

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	contracts := newMemContracts()
	h := &harness{
		contracts:  contracts,
		recipients: &memRecipients{contracts: contracts},
		activity:   &memActivity{},
		backend:    newMemBackend(),
		audit:      &recordingAudit{},
		dispatcher: &recordingDispatcher{},
		events:     &recordingPublisher{},
	}
	cfg := Config{
		DateLayout:        "January 2, 2006",
		SideEffectTimeout: time.Second,
		SigningTokenTTL:   24 * time.Hour,
		PublicURL:         "https://members.example",
		SigningLinkPath:   "/sign",
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.svc = NewService(Deps{
		Contracts:  h.contracts,
		Recipients: h.recipients,
		Activity:   h.activity,
		Renderer:   render.New(nil),
		Artifacts:  artifact.New(h.backend, 200*time.Millisecond, time.Hour),
		Audit:      h.audit,
		Notifier:   h.dispatcher,
		Events:     h.events,
	}, cfg)
	h.svc.now = func() time.Time { return fixedNow }
	return h
}

// drain waits for background side effects
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Wait(ctx); err != nil {
		t.Fatalf("side effects did not finish: %v", err)
	}
}

// signatureDataURL returns a small PNG as a data URL, as posted by the signature canvas
func signatureDataURL(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 12))
	for x := 2; x < 38; x++ {
		img.Set(x, 6+(x%3)-1, color.NRGBA{A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}
