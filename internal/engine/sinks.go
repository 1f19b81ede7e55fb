package engine

import (
	"context"
	"errors"

	"github.com/hbellare/reclaim/internal/db"
)

// multiSink fans lifecycle notifications out to several sinks. Errors are
// collected so one failing sink does not starve the others.
type multiSink struct {
	sinks []LifecycleSink
}

// MultiSink combines lifecycle sinks. Nil entries are skipped; an empty
// combination returns nil so the machine disables notifications entirely.
func MultiSink(sinks ...LifecycleSink) LifecycleSink {
	kept := make([]LifecycleSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &multiSink{sinks: kept}
}

func (m *multiSink) CaseOpened(ctx context.Context, c *db.RecoveryCase) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.CaseOpened(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multiSink) CaseRecovered(ctx context.Context, c *db.RecoveryCase, amountCents int64) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.CaseRecovered(ctx, c, amountCents); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multiSink) CaseClosed(ctx context.Context, c *db.RecoveryCase) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.CaseClosed(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
