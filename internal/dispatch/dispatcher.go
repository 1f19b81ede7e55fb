// Package dispatch sends one reminder for one case: manage-URL resolution,
// multi-channel fan-out, incentive gating and attempt recording.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/db"
	"github.com/hbellare/reclaim/internal/metrics"
	"github.com/hbellare/reclaim/internal/platform"
)

// Reminder is the outbound payload handed to channel senders.
type Reminder struct {
	CaseID       uuid.UUID
	CompanyID    string
	MembershipID string
	UserID       string
	Attempt      int
	Title        string
	Body         string
	ManageURL    string
}

// ChannelSender delivers a reminder over one channel (push, dm).
type ChannelSender interface {
	Send(ctx context.Context, r *Reminder) error
	Channel() string
}

// ManageURLResolver resolves the billing-update link for a membership.
type ManageURLResolver interface {
	ManageURL(ctx context.Context, companyID, membershipID string) (string, error)
}

// IncentiveGranter grants free membership days on the platform.
type IncentiveGranter interface {
	GrantFreeDays(ctx context.Context, companyID, membershipID string, days int) error
}

// AttemptStore records dispatched attempts and incentive grants.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, id uuid.UUID, attempt int, nudgedAt time.Time) error
	ApplyIncentive(ctx context.Context, id uuid.UUID, days int) (bool, error)
}

// Settings is the per-company slice of policy the dispatcher needs.
type Settings struct {
	EnablePush    bool
	EnableDM      bool
	IncentiveDays int
}

// Result aggregates everything that happened during one dispatch. No
// callbacks: the caller reads the struct after the call returns.
type Result struct {
	PushSent         bool
	DMSent           bool
	IncentiveApplied bool
	Err              error
}

// Dispatcher orchestrates one reminder end to end.
type Dispatcher struct {
	store    AttemptStore
	resolver ManageURLResolver
	push     ChannelSender // nil when push delivery is not wired
	dm       ChannelSender // nil when dm delivery is not wired
	granter  IncentiveGranter
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store AttemptStore, resolver ManageURLResolver, push, dm ChannelSender, granter IncentiveGranter, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		push:     push,
		dm:       dm,
		granter:  granter,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch sends reminder number attempt for the case. A reminder that cannot
// include a manage link is skipped without consuming a schedule slot; once the
// channels were attempted the slot is consumed even if every send failed.
func (d *Dispatcher) Dispatch(ctx context.Context, c *db.RecoveryCase, attempt int, s Settings) Result {
	manageURL, err := d.resolver.ManageURL(ctx, c.CompanyID, c.MembershipID)
	if err != nil {
		d.logger.Warn("manage url unavailable, reminder skipped",
			zap.Error(err),
			zap.String("case_id", c.ID.String()),
		)
		return Result{Err: platform.ErrManageURLUnavailable}
	}

	title, body := reminderCopy(attempt, s.IncentiveDays, manageURL)
	reminder := &Reminder{
		CaseID:       c.ID,
		CompanyID:    c.CompanyID,
		MembershipID: c.MembershipID,
		UserID:       c.UserID,
		Attempt:      attempt,
		Title:        title,
		Body:         body,
		ManageURL:    manageURL,
	}

	var result Result

	// Channel failures are independent: a dead push provider must not block
	// the dm, and vice versa.
	if s.EnablePush && d.push != nil {
		result.PushSent = d.sendChannel(ctx, d.push, reminder)
	}
	if s.EnableDM && d.dm != nil {
		result.DMSent = d.sendChannel(ctx, d.dm, reminder)
	}

	// The slot is consumed regardless of channel outcomes; otherwise a dead
	// channel would retry the same reminder every cycle forever.
	if err := d.store.RecordAttempt(ctx, c.ID, attempt, d.now()); err != nil {
		result.Err = fmt.Errorf("record attempt: %w", err)
		return result
	}

	if s.IncentiveDays > 0 && c.IncentiveDays == 0 && attempt == 1 {
		result.IncentiveApplied = d.applyIncentive(ctx, c, s.IncentiveDays)
	}

	d.logger.Info("reminder dispatched",
		zap.String("case_id", c.ID.String()),
		zap.Int("attempt", attempt),
		zap.Bool("push_sent", result.PushSent),
		zap.Bool("dm_sent", result.DMSent),
		zap.Bool("incentive_applied", result.IncentiveApplied),
	)

	return result
}

func (d *Dispatcher) sendChannel(ctx context.Context, sender ChannelSender, r *Reminder) bool {
	if err := sender.Send(ctx, r); err != nil {
		d.logger.Warn("channel send failed",
			zap.Error(err),
			zap.String("channel", sender.Channel()),
			zap.String("case_id", r.CaseID.String()),
		)
		metrics.RecordReminderSent(sender.Channel(), "failed")
		return false
	}
	metrics.RecordReminderSent(sender.Channel(), "sent")
	return true
}

func (d *Dispatcher) applyIncentive(ctx context.Context, c *db.RecoveryCase, days int) bool {
	if d.granter != nil {
		if err := d.granter.GrantFreeDays(ctx, c.CompanyID, c.MembershipID, days); err != nil {
			// The attempt stays recorded; the incentive can be granted on a
			// later manual pass if the platform call keeps failing.
			d.logger.Error("incentive grant failed",
				zap.Error(err),
				zap.String("case_id", c.ID.String()),
			)
			return false
		}
	}

	applied, err := d.store.ApplyIncentive(ctx, c.ID, days)
	if err != nil {
		d.logger.Error("failed to record incentive",
			zap.Error(err),
			zap.String("case_id", c.ID.String()),
		)
		return false
	}
	if !applied {
		d.logger.Debug("incentive already recorded for case",
			zap.String("case_id", c.ID.String()),
		)
		return false
	}

	metrics.RecordIncentiveGranted()
	return true
}

// IsManageURLUnavailable reports whether a dispatch result failed only
// because no manage link could be resolved.
func IsManageURLUnavailable(err error) bool {
	return errors.Is(err, platform.ErrManageURLUnavailable)
}
