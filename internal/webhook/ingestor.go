package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/db"
)

// IngestStatus is the outcome class of one webhook delivery.
type IngestStatus string

const (
	StatusApplied   IngestStatus = "applied"
	StatusDuplicate IngestStatus = "duplicate"
	StatusRejected  IngestStatus = "rejected"
)

// IngestResult is returned for every delivery the ingestor saw.
type IngestResult struct {
	Status IngestStatus
	CaseID uuid.UUID
	Err    error
}

// Headers carries the transport metadata of one delivery.
type Headers struct {
	Signature string
	Timestamp string
	EventType string
}

// Ledger is the durable idempotency record store.
type Ledger interface {
	InsertEventRecord(ctx context.Context, rec *db.WebhookEventRecord) error
	GetEventRecord(ctx context.Context, providerEventID string) (*db.WebhookEventRecord, error)
	MarkEventProcessed(ctx context.Context, providerEventID string, took time.Duration) error
	RecordEventError(ctx context.Context, providerEventID string, took time.Duration, msg string) error
}

// Applier applies a decoded event to case state. Implemented by the engine.
type Applier interface {
	Apply(ctx context.Context, ev *Event) (uuid.UUID, error)
}

// DedupeCache is an optional best-effort duplicate short-circuit in front of
// the ledger. The ledger's unique constraint remains the authority.
type DedupeCache interface {
	Seen(ctx context.Context, providerEventID string) (bool, error)
	MarkSeen(ctx context.Context, providerEventID string) error
}

// Ingestor verifies, deduplicates and routes inbound billing events.
type Ingestor struct {
	secret  string
	ledger  Ledger
	applier Applier
	cache   DedupeCache // nil disables the fast path
	logger  *zap.Logger
	now     func() time.Time
}

// NewIngestor creates an ingestor. An empty secret disables signature
// verification (development only; config enforces the secret in production).
func NewIngestor(secret string, ledger Ledger, applier Applier, cache DedupeCache, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		secret:  secret,
		ledger:  ledger,
		applier: applier,
		cache:   cache,
		logger:  logger,
		now:     time.Now,
	}
}

// Ingest processes one raw delivery. The returned error is non-nil only for
// transient infrastructure failures where the caller should answer 503 so the
// provider retries the same delivery.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, hdr Headers) (IngestResult, error) {
	start := i.now()

	if i.secret != "" {
		if err := VerifySignature(i.secret, hdr.Signature, hdr.Timestamp, body, start); err != nil {
			i.logger.Warn("webhook rejected",
				zap.Error(err),
				zap.String("event_type", hdr.EventType),
			)
			return IngestResult{Status: StatusRejected, Err: err}, nil
		}
	}

	ev, err := Decode(hdr.EventType, body)
	if err != nil {
		i.logger.Warn("webhook envelope malformed", zap.Error(err))
		return IngestResult{Status: StatusRejected, Err: err}, nil
	}

	// Best-effort fast path: skip the insert attempt for deliveries we have
	// already fully processed. Cache errors just fall through to the ledger.
	if i.cache != nil {
		if seen, err := i.cache.Seen(ctx, ev.ProviderEventID); err == nil && seen {
			if rec, err := i.ledger.GetEventRecord(ctx, ev.ProviderEventID); err == nil && rec.Processed {
				return IngestResult{Status: StatusDuplicate}, nil
			}
		}
	}

	rec := &db.WebhookEventRecord{
		ID:              uuid.New(),
		ProviderEventID: ev.ProviderEventID,
		Type:            string(ev.Type),
	}

	// Only the delivery that wins the ledger insert reports applied. An
	// insert conflict means another delivery of this event got there first,
	// whether it finished, crashed, or is still in flight. We still re-run
	// the state machine when the row is unprocessed (the transitions are
	// replay-safe no-ops), but the result stays duplicate so exactly one
	// delivery of an event ever answers applied.
	status := StatusApplied
	if err := i.ledger.InsertEventRecord(ctx, rec); err != nil {
		if errors.Is(err, db.ErrDuplicateEvent) {
			existing, getErr := i.ledger.GetEventRecord(ctx, ev.ProviderEventID)
			if getErr != nil {
				return IngestResult{}, fmt.Errorf("inspect duplicate event: %w", getErr)
			}
			if existing.Processed {
				i.logger.Info("duplicate webhook ignored",
					zap.String("provider_event_id", ev.ProviderEventID),
				)
				return IngestResult{Status: StatusDuplicate}, nil
			}
			status = StatusDuplicate
			i.logger.Warn("retrying unprocessed event",
				zap.String("provider_event_id", ev.ProviderEventID),
			)
		} else {
			return IngestResult{}, fmt.Errorf("insert ledger record: %w", err)
		}
	}

	return i.apply(ctx, ev, start, status)
}

func (i *Ingestor) apply(ctx context.Context, ev *Event, start time.Time, status IngestStatus) (IngestResult, error) {
	var caseID uuid.UUID

	if ev.Type != TypeUnknown {
		var err error
		caseID, err = i.applier.Apply(ctx, ev)
		if err != nil {
			// Leave processed=false so the provider's retry reaches the state
			// machine again.
			if recErr := i.ledger.RecordEventError(ctx, ev.ProviderEventID, i.now().Sub(start), err.Error()); recErr != nil {
				i.logger.Warn("failed to record event error", zap.Error(recErr))
			}
			return IngestResult{}, fmt.Errorf("apply event: %w", err)
		}
	} else {
		i.logger.Info("unknown event type accepted as no-op",
			zap.String("provider_event_id", ev.ProviderEventID),
		)
	}

	if err := i.ledger.MarkEventProcessed(ctx, ev.ProviderEventID, i.now().Sub(start)); err != nil {
		// The transition committed; a redelivery will replay as a no-op.
		i.logger.Warn("failed to mark event processed",
			zap.Error(err),
			zap.String("provider_event_id", ev.ProviderEventID),
		)
	}

	if i.cache != nil {
		if err := i.cache.MarkSeen(ctx, ev.ProviderEventID); err != nil {
			i.logger.Debug("dedupe cache write failed", zap.Error(err))
		}
	}

	return IngestResult{Status: status, CaseID: caseID}, nil
}
