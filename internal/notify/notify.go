// Package notify delivers transactional emails for the signing workflow. Delivery is
// best-effort: callers log a failed send and move on, nothing is retried.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/membershiphub/esign/internal/config"
	"github.com/membershiphub/esign/internal/telemetry"
)

// Message kinds, used as the metrics label
const (
	KindSigningInvitation        = "signing_invitation"
	KindAwaitingCounterSignature = "awaiting_counter_signature"
	KindCompleted                = "completed"
)

// Message is a single HTML email
type Message struct {
	Kind    string
	To      string
	ToName  string
	Subject string
	HTML    string
}

// Dispatcher sends messages
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// DeliveryError wraps a failed send
type DeliveryError struct {
	Kind string
	To   string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver %s email to %s: %v", e.Kind, e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// New returns the SMTP dispatcher when notifications are enabled and a host is configured,
// otherwise a dispatcher that only logs.
func New(cfg *config.NotificationsConfig) Dispatcher {
	if !cfg.Enabled || cfg.SMTP.Host == "" {
		slog.Info("email notifications disabled, messages will be logged only")
		return &LogDispatcher{}
	}
	return NewSMTPDispatcher(&cfg.SMTP)
}

// LogDispatcher records messages in the log instead of sending them
type LogDispatcher struct{}

// Send logs msg at info level
func (d *LogDispatcher) Send(ctx context.Context, msg Message) error {
	slog.InfoContext(ctx, "notification (not sent)", "kind", msg.Kind, "to", msg.To, "subject", msg.Subject)
	telemetry.NotificationsTotal.WithLabelValues(msg.Kind, "logged").Inc()
	return nil
}
