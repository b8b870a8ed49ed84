// Package jobs holds background loops started by the server.
//
// counter_sign_reminder.go implements CounterSignReminder, which periodically scans for
// contracts that have waited longer than notifications.reminder_after for their
// counter-signature and sends the counter-signer one reminder. Reminder state is persisted
// (contracts.counter_sign_reminded_at) so each contract is reminded at most once across
// restarts. The job is a no-op when notifications are disabled, no counter-signer address
// is configured, or reminder_after is zero.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/membershiphub/esign/internal/config"
	"github.com/membershiphub/esign/internal/db/repositories"
	"github.com/membershiphub/esign/internal/notify"
)

const reminderBatchSize = 100

// ReminderStore finds overdue contracts and records reminders
type ReminderStore interface {
	ListReminderCandidates(ctx context.Context, signedBefore time.Time, limit int) ([]repositories.ReminderCandidate, error)
	MarkReminderSent(ctx context.Context, contractID string) (bool, error)
}

// CounterSignReminder emails the counter-signer about contracts left partially signed
type CounterSignReminder struct {
	store    ReminderStore
	notifier notify.Dispatcher
	cfg      *config.NotificationsConfig
	linkBase string
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
}

// NewCounterSignReminder creates a CounterSignReminder. publicURL is the externally visible
// base URL used to build contract links.
func NewCounterSignReminder(store ReminderStore, notifier notify.Dispatcher, cfg *config.NotificationsConfig, publicURL string) *CounterSignReminder {
	interval := cfg.ReminderInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &CounterSignReminder{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		linkBase: publicURL + cfg.SigningLinkPath + "/",
		interval: interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Enabled reports whether Start would do any work
func (r *CounterSignReminder) Enabled() bool {
	return r.cfg.Enabled && r.cfg.CounterSignerEmail != "" && r.cfg.ReminderAfter > 0
}

// Start runs a check immediately, then on every interval, until ctx is cancelled or Stop is
// called. It returns at once when the job is disabled.
func (r *CounterSignReminder) Start(ctx context.Context) {
	if !r.Enabled() {
		slog.Info("counter-signature reminders disabled")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("counter-signature reminder started", "interval", r.interval, "after", r.cfg.ReminderAfter)

	r.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopChan:
			slog.Info("counter-signature reminder stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit
func (r *CounterSignReminder) Stop() {
	close(r.stopChan)
}

// RunOnce sends reminders for every overdue contract and returns how many were sent.
// A failed send leaves the contract unmarked so the next run retries it.
func (r *CounterSignReminder) RunOnce(ctx context.Context) int {
	cutoff := r.now().Add(-r.cfg.ReminderAfter)
	candidates, err := r.store.ListReminderCandidates(ctx, cutoff, reminderBatchSize)
	if err != nil {
		slog.Error("counter-signature reminder: failed to list contracts", "error", err)
		return 0
	}

	sent := 0
	for _, c := range candidates {
		signer := "The first signer"
		if c.SignerName != nil && *c.SignerName != "" {
			signer = *c.SignerName
		}
		msg, err := notify.AwaitingCounterSignature(r.cfg.CounterSignerEmail, notify.AwaitingCounterSignatureData{
			SignerName:    signer,
			ContractTitle: c.Title,
			DateSigned:    c.DateSigned,
			Link:          r.linkBase + c.ContractID,
		})
		if err != nil {
			slog.Error("counter-signature reminder: failed to build message", "contract_id", c.ContractID, "error", err)
			continue
		}
		msg.Subject = "Reminder: " + msg.Subject

		if err := r.notifier.Send(ctx, msg); err != nil {
			slog.Warn("counter-signature reminder not delivered", "contract_id", c.ContractID, "error", err)
			continue
		}
		if _, err := r.store.MarkReminderSent(ctx, c.ContractID); err != nil {
			slog.Error("counter-signature reminder: failed to record reminder", "contract_id", c.ContractID, "error", err)
			continue
		}
		sent++
	}

	if sent > 0 {
		slog.Info("counter-signature reminders sent", "count", sent)
	}
	return sent
}
