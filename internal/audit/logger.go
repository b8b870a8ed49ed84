package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/membershiphub/esign/internal/db/models"
	"github.com/membershiphub/esign/internal/telemetry"
)

// Contract action types
const (
	ActionContractCreated   = "contract.created"
	ActionContractSent      = "contract.sent"
	ActionContractSigned    = "contract.signed"
	ActionContractCompleted = "contract.completed"
	ActionContractVoided    = "contract.voided"
)

// ResourceTypeContract is the resource_type of every contract entry
const ResourceTypeContract = "contract"

// Entry is one audit record
type Entry struct {
	Timestamp    time.Time              `json:"timestamp"`
	Action       string                 `json:"action"`
	UserID       string                 `json:"user_id,omitempty"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// AuditWriteError reports an entry that did not reach a sink
type AuditWriteError struct {
	Sink   string
	Action string
	Err    error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write to %s failed for %s: %v", e.Sink, e.Action, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// ActivityWriter persists activity log rows
type ActivityWriter interface {
	CreateActivityLog(ctx context.Context, entry *models.ActivityLog) error
}

// Logger appends entries to the activity store and the shippers
type Logger struct {
	store   ActivityWriter
	shipper Shipper
	enabled bool
}

// NewLogger creates a Logger. shipper may be nil.
func NewLogger(store ActivityWriter, shipper Shipper, enabled bool) *Logger {
	return &Logger{store: store, shipper: shipper, enabled: enabled}
}

// Append writes e to the database, then to the shippers. Failures are logged with the full
// entry so the record survives in the application log, counted, and returned as
// *AuditWriteError. The database failure takes precedence when both sinks fail.
func (l *Logger) Append(ctx context.Context, e Entry) error {
	if !l.enabled {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var firstErr error
	if err := l.store.CreateActivityLog(ctx, toActivityLog(e)); err != nil {
		firstErr = l.failed("database", e, err)
	}
	if l.shipper != nil {
		if err := l.shipper.Ship(ctx, &e); err != nil {
			werr := l.failed("shipper", e, err)
			if firstErr == nil {
				firstErr = werr
			}
		}
	}
	return firstErr
}

// Close closes the shippers
func (l *Logger) Close() error {
	if l.shipper == nil {
		return nil
	}
	return l.shipper.Close()
}

func (l *Logger) failed(sink string, e Entry, err error) error {
	telemetry.AuditWriteFailuresTotal.WithLabelValues(sink).Inc()
	slog.Error("audit write failed",
		"sink", sink,
		"action", e.Action,
		"resource_type", e.ResourceType,
		"resource_id", e.ResourceID,
		"user_id", e.UserID,
		"ip_address", e.IPAddress,
		"details", e.Details,
		"timestamp", e.Timestamp,
		"error", err,
	)
	return &AuditWriteError{Sink: sink, Action: e.Action, Err: err}
}

func toActivityLog(e Entry) *models.ActivityLog {
	return &models.ActivityLog{
		UserID:       optional(e.UserID),
		ActionType:   e.Action,
		ResourceType: optional(e.ResourceType),
		ResourceID:   optional(e.ResourceID),
		Details:      e.Details,
		IPAddress:    optional(e.IPAddress),
		UserAgent:    optional(e.UserAgent),
		CreatedAt:    e.Timestamp,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
