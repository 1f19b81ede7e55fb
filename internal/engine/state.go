// Package engine holds the recovery-case state machine. It is the only code
// that moves a case between open, recovered and closed_no_recovery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/db"
	"github.com/hbellare/reclaim/internal/metrics"
	"github.com/hbellare/reclaim/internal/webhook"
)

// Store is the case persistence surface the machine needs.
type Store interface {
	FindOpenCase(ctx context.Context, companyID, membershipID string) (*db.RecoveryCase, error)
	CreateCase(ctx context.Context, c *db.RecoveryCase) error
	MarkRecovered(ctx context.Context, id uuid.UUID, amountCents int64) error
	MarkClosedNoRecovery(ctx context.Context, id uuid.UUID) error
}

// LifecycleSink receives case lifecycle notifications after a transition
// commits. Failures are logged and never roll back the transition.
type LifecycleSink interface {
	CaseOpened(ctx context.Context, c *db.RecoveryCase) error
	CaseRecovered(ctx context.Context, c *db.RecoveryCase, amountCents int64) error
	CaseClosed(ctx context.Context, c *db.RecoveryCase) error
}

// Machine applies validated billing events to case state.
type Machine struct {
	store  Store
	sink   LifecycleSink // nil disables lifecycle notifications
	logger *zap.Logger
	now    func() time.Time
}

// NewMachine creates a state machine over the given store.
func NewMachine(store Store, sink LifecycleSink, logger *zap.Logger) *Machine {
	return &Machine{
		store:  store,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Apply runs one event through the state machine and returns the affected
// case id (uuid.Nil when the event was a no-op).
func (m *Machine) Apply(ctx context.Context, ev *webhook.Event) (uuid.UUID, error) {
	switch ev.Type {
	case webhook.TypePaymentFailed:
		return m.applyPaymentFailed(ctx, ev)
	case webhook.TypePaymentSucceeded:
		return m.applyPaymentSucceeded(ctx, ev)
	case webhook.TypeMembershipCancelled:
		return m.applyMembershipCancelled(ctx, ev)
	default:
		return uuid.Nil, nil
	}
}

func (m *Machine) applyPaymentFailed(ctx context.Context, ev *webhook.Event) (uuid.UUID, error) {
	existing, err := m.store.FindOpenCase(ctx, ev.CompanyID, ev.MembershipID)
	if err == nil {
		// Repeat failures during the same outage must not restart the
		// reminder clock.
		m.logger.Debug("payment failure for existing open case ignored",
			zap.String("case_id", existing.ID.String()),
		)
		return existing.ID, nil
	}
	if !errors.Is(err, db.ErrCaseNotFound) {
		return uuid.Nil, fmt.Errorf("find open case: %w", err)
	}

	c := &db.RecoveryCase{
		ID:             uuid.New(),
		CompanyID:      ev.CompanyID,
		MembershipID:   ev.MembershipID,
		UserID:         ev.UserID,
		Status:         db.StatusOpen,
		FailureReason:  ev.FailureReason,
		FirstFailureAt: m.now(),
	}

	if err := m.store.CreateCase(ctx, c); err != nil {
		if errors.Is(err, db.ErrOpenCaseExists) {
			// Lost a creation race; the winner's case is the open one.
			winner, findErr := m.store.FindOpenCase(ctx, ev.CompanyID, ev.MembershipID)
			if findErr != nil {
				return uuid.Nil, fmt.Errorf("find racing case: %w", findErr)
			}
			return winner.ID, nil
		}
		return uuid.Nil, fmt.Errorf("create case: %w", err)
	}

	metrics.RecordCaseOpened()
	m.notify(ctx, func(s LifecycleSink) error { return s.CaseOpened(ctx, c) })

	return c.ID, nil
}

func (m *Machine) applyPaymentSucceeded(ctx context.Context, ev *webhook.Event) (uuid.UUID, error) {
	c, err := m.store.FindOpenCase(ctx, ev.CompanyID, ev.MembershipID)
	if errors.Is(err, db.ErrCaseNotFound) {
		// Nothing to recover.
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("find open case: %w", err)
	}

	if err := m.store.MarkRecovered(ctx, c.ID, ev.AmountCents); err != nil {
		if errors.Is(err, db.ErrCaseNotFound) {
			// The case went terminal between read and write. Terminal is
			// terminal.
			return c.ID, nil
		}
		return uuid.Nil, fmt.Errorf("mark recovered: %w", err)
	}

	metrics.RecordCaseRecovered(ev.AmountCents)
	m.notify(ctx, func(s LifecycleSink) error { return s.CaseRecovered(ctx, c, ev.AmountCents) })

	return c.ID, nil
}

func (m *Machine) applyMembershipCancelled(ctx context.Context, ev *webhook.Event) (uuid.UUID, error) {
	c, err := m.store.FindOpenCase(ctx, ev.CompanyID, ev.MembershipID)
	if errors.Is(err, db.ErrCaseNotFound) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("find open case: %w", err)
	}

	if err := m.store.MarkClosedNoRecovery(ctx, c.ID); err != nil {
		if errors.Is(err, db.ErrCaseNotFound) {
			return c.ID, nil
		}
		return uuid.Nil, fmt.Errorf("mark closed: %w", err)
	}

	metrics.RecordCaseClosed()
	m.notify(ctx, func(s LifecycleSink) error { return s.CaseClosed(ctx, c) })

	return c.ID, nil
}

func (m *Machine) notify(ctx context.Context, fn func(LifecycleSink) error) {
	if m.sink == nil {
		return
	}
	if err := fn(m.sink); err != nil {
		m.logger.Warn("lifecycle notification failed", zap.Error(err))
	}
}
