// Package scheduler runs the periodic reminder cycle: per company it collects
// due cases and fans them through the dispatcher with bounded concurrency.
// The scheduler holds no state between cycles; an external trigger (cron,
// cloud scheduler, operator endpoint) invokes RunCycle.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/db"
	"github.com/hbellare/reclaim/internal/dispatch"
	"github.com/hbellare/reclaim/internal/metrics"
	"github.com/hbellare/reclaim/internal/policy"
)

// Collector loads companies, settings and open cases.
type Collector interface {
	CompaniesWithOpenCases(ctx context.Context) ([]string, error)
	ListOpenCases(ctx context.Context, companyID string) ([]*db.RecoveryCase, error)
	GetSettings(ctx context.Context, companyID string) (*db.CompanySettings, error)
}

// Dispatcher sends one reminder for one case.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *db.RecoveryCase, attempt int, s dispatch.Settings) dispatch.Result
}

// Config tunes cycle throughput.
type Config struct {
	BatchSize          int // cases per batch; a batch completes before the next starts
	MaxConcurrentSends int // worker bound within a batch
}

// CycleStats aggregates one cycle's outcomes.
type CycleStats struct {
	Companies  int
	Processed  int
	Successful int
	Failed     int
	Skipped    int // due cases skipped without consuming a slot (no manage URL)
}

// Scheduler drives reminder cycles.
type Scheduler struct {
	collector  Collector
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a scheduler.
func New(collector Collector, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = 5
	}

	return &Scheduler{
		collector:  collector,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// RunCycle processes the given companies sequentially. With no companies
// given it discovers every company holding at least one open case. One
// company's failure is logged and does not abort the cycle.
func (s *Scheduler) RunCycle(ctx context.Context, companyIDs []string) (CycleStats, error) {
	start := s.now()

	if len(companyIDs) == 0 {
		discovered, err := s.collector.CompaniesWithOpenCases(ctx)
		if err != nil {
			return CycleStats{}, err
		}
		companyIDs = discovered
	}

	s.logger.Info("reminder cycle started",
		zap.Int("companies", len(companyIDs)),
	)

	var stats CycleStats
	stats.Companies = len(companyIDs)

	for _, companyID := range companyIDs {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("reminder cycle cancelled", zap.Error(err))
			break
		}

		companyStats, err := s.runCompany(ctx, companyID)
		if err != nil {
			s.logger.Error("company cycle failed",
				zap.Error(err),
				zap.String("company_id", companyID),
			)
			continue
		}

		stats.Processed += companyStats.Processed
		stats.Successful += companyStats.Successful
		stats.Failed += companyStats.Failed
		stats.Skipped += companyStats.Skipped
	}

	s.logger.Info("reminder cycle completed",
		zap.Int("companies", stats.Companies),
		zap.Int("processed", stats.Processed),
		zap.Int("successful", stats.Successful),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("took", s.now().Sub(start)),
	)
	metrics.RecordCycleDuration(s.now().Sub(start))

	return stats, nil
}

type candidate struct {
	c       *db.RecoveryCase
	attempt int
}

func (s *Scheduler) runCompany(ctx context.Context, companyID string) (CycleStats, error) {
	settings, err := s.collector.GetSettings(ctx, companyID)
	if err != nil {
		return CycleStats{}, err
	}

	open, err := s.collector.ListOpenCases(ctx, companyID)
	if err != nil {
		return CycleStats{}, err
	}

	now := s.now()
	var due []candidate
	for _, c := range open {
		decision := policy.Evaluate(c.Attempts, c.FirstFailureAt, settings.ReminderOffsetsDays, now)
		if decision.Due {
			due = append(due, candidate{c: c, attempt: decision.Attempt})
		}
	}

	if len(due) == 0 {
		return CycleStats{}, nil
	}

	s.logger.Info("dispatching due reminders",
		zap.String("company_id", companyID),
		zap.Int("open_cases", len(open)),
		zap.Int("due", len(due)),
	)

	dispatchSettings := dispatch.Settings{
		EnablePush:    settings.EnablePush,
		EnableDM:      settings.EnableDM,
		IncentiveDays: settings.IncentiveDays,
	}

	var stats CycleStats
	for i := 0; i < len(due); i += s.config.BatchSize {
		end := i + s.config.BatchSize
		if end > len(due) {
			end = len(due)
		}
		batch := s.runBatch(ctx, due[i:end], dispatchSettings)
		stats.Processed += batch.Processed
		stats.Successful += batch.Successful
		stats.Failed += batch.Failed
		stats.Skipped += batch.Skipped
	}

	return stats, nil
}

// runBatch dispatches one batch with at most MaxConcurrentSends in flight and
// waits for all of it before returning, capping outbound volume regardless of
// how many cases are due.
func (s *Scheduler) runBatch(ctx context.Context, batch []candidate, settings dispatch.Settings) CycleStats {
	var (
		mu    sync.Mutex
		stats CycleStats
		wg    sync.WaitGroup
	)

	sem := make(chan struct{}, s.config.MaxConcurrentSends)

	for _, cand := range batch {
		wg.Add(1)
		sem <- struct{}{}

		go func(cand candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			result := s.dispatcher.Dispatch(ctx, cand.c, cand.attempt, settings)

			mu.Lock()
			defer mu.Unlock()
			stats.Processed++
			switch {
			case result.Err == nil:
				stats.Successful++
			case dispatch.IsManageURLUnavailable(result.Err):
				// No attempt recorded; the case comes back next cycle.
				stats.Skipped++
			default:
				stats.Failed++
			}
		}(cand)
	}

	wg.Wait()
	return stats
}
