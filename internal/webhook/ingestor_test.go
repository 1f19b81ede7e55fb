package webhook

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/db"
)

type mockLedger struct {
	records map[string]*db.WebhookEventRecord

	insertErr    error
	getErr       error
	markErr      error
	recordedErrs []string
}

func newMockLedger() *mockLedger {
	return &mockLedger{records: make(map[string]*db.WebhookEventRecord)}
}

func (m *mockLedger) InsertEventRecord(ctx context.Context, rec *db.WebhookEventRecord) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	if _, ok := m.records[rec.ProviderEventID]; ok {
		return db.ErrDuplicateEvent
	}
	rec.CreatedAt = time.Now()
	m.records[rec.ProviderEventID] = rec
	return nil
}

func (m *mockLedger) GetEventRecord(ctx context.Context, providerEventID string) (*db.WebhookEventRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, ok := m.records[providerEventID]
	if !ok {
		return nil, errors.New("event record not found")
	}
	return rec, nil
}

func (m *mockLedger) MarkEventProcessed(ctx context.Context, providerEventID string, took time.Duration) error {
	if m.markErr != nil {
		return m.markErr
	}
	rec, ok := m.records[providerEventID]
	if !ok {
		return errors.New("event record not found")
	}
	rec.Processed = true
	rec.Error = nil
	return nil
}

func (m *mockLedger) RecordEventError(ctx context.Context, providerEventID string, took time.Duration, msg string) error {
	m.recordedErrs = append(m.recordedErrs, msg)
	if rec, ok := m.records[providerEventID]; ok {
		rec.Error = &msg
	}
	return nil
}

type mockApplier struct {
	calls  int
	err    error
	caseID uuid.UUID
}

func (m *mockApplier) Apply(ctx context.Context, ev *Event) (uuid.UUID, error) {
	m.calls++
	if m.err != nil {
		return uuid.Nil, m.err
	}
	return m.caseID, nil
}

type mockCache struct {
	seen    map[string]bool
	seenErr error
}

func newMockCache() *mockCache {
	return &mockCache{seen: make(map[string]bool)}
}

func (m *mockCache) Seen(ctx context.Context, id string) (bool, error) {
	if m.seenErr != nil {
		return false, m.seenErr
	}
	return m.seen[id], nil
}

func (m *mockCache) MarkSeen(ctx context.Context, id string) error {
	m.seen[id] = true
	return nil
}

func signedHeaders(secret string, eventType string, body []byte, now time.Time) Headers {
	ts := strconv.FormatInt(now.Unix(), 10)
	return Headers{
		Signature: Sign(secret, ts, body),
		Timestamp: ts,
		EventType: eventType,
	}
}

func TestIngest_AppliesFreshEvent(t *testing.T) {
	ledger := newMockLedger()
	caseID := uuid.New()
	applier := &mockApplier{caseID: caseID}
	ing := NewIngestor("", ledger, applier, nil, zap.NewNop())

	body := []byte(`{"id":"evt_1","company_id":"co_1","membership_id":"mem_1","failure_reason":"card_declined"}`)
	result, err := ing.Ingest(context.Background(), body, Headers{EventType: "payment.failed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusApplied {
		t.Fatalf("Status = %s, want %s", result.Status, StatusApplied)
	}
	if result.CaseID != caseID {
		t.Errorf("CaseID = %s, want %s", result.CaseID, caseID)
	}
	if applier.calls != 1 {
		t.Errorf("applier called %d times, want 1", applier.calls)
	}
	if rec := ledger.records["evt_1"]; rec == nil || !rec.Processed {
		t.Error("ledger record should be marked processed")
	}
}

func TestIngest_DuplicateDelivery(t *testing.T) {
	ledger := newMockLedger()
	applier := &mockApplier{caseID: uuid.New()}
	ing := NewIngestor("", ledger, applier, nil, zap.NewNop())

	body := []byte(`{"id":"evt_1","company_id":"co_1","membership_id":"mem_1"}`)
	hdr := Headers{EventType: "payment.failed"}

	if _, err := ing.Ingest(context.Background(), body, hdr); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}

	result, err := ing.Ingest(context.Background(), body, hdr)
	if err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}
	if result.Status != StatusDuplicate {
		t.Fatalf("Status = %s, want %s", result.Status, StatusDuplicate)
	}
	if applier.calls != 1 {
		t.Errorf("duplicate must not reach the state machine, applier called %d times", applier.calls)
	}
}

type blockingApplier struct {
	caseID  uuid.UUID
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (a *blockingApplier) Apply(ctx context.Context, ev *Event) (uuid.UUID, error) {
	a.calls++
	if a.calls == 1 {
		close(a.entered)
		<-a.release
	}
	return a.caseID, nil
}

func TestIngest_ConcurrentDeliveryOneApplied(t *testing.T) {
	// Two deliveries of the same event race. The insert winner stalls inside
	// the state machine while the other delivery runs to completion; exactly
	// one of the two may answer applied.
	ledger := newMockLedger()
	applier := &blockingApplier{
		caseID:  uuid.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	ing := NewIngestor("", ledger, applier, nil, zap.NewNop())

	body := []byte(`{"id":"evt_1","company_id":"co_1","membership_id":"mem_1"}`)
	hdr := Headers{EventType: "payment.failed"}

	winner := make(chan IngestResult, 1)
	go func() {
		result, err := ing.Ingest(context.Background(), body, hdr)
		if err != nil {
			t.Errorf("stalled delivery failed: %v", err)
		}
		winner <- result
	}()

	<-applier.entered

	loser, err := ing.Ingest(context.Background(), body, hdr)
	if err != nil {
		t.Fatalf("racing delivery failed: %v", err)
	}
	if loser.Status != StatusDuplicate {
		t.Errorf("racing delivery Status = %s, want %s", loser.Status, StatusDuplicate)
	}

	close(applier.release)
	first := <-winner
	if first.Status != StatusApplied {
		t.Errorf("insert winner Status = %s, want %s", first.Status, StatusApplied)
	}
	if applier.calls != 2 {
		t.Errorf("applier called %d times, want 2 (the replay is a no-op)", applier.calls)
	}
	if !ledger.records["evt_1"].Processed {
		t.Error("event should end processed")
	}
}

func TestIngest_RetriesCrashedDelivery(t *testing.T) {
	// A ledger row with processed=false means an earlier attempt died between
	// the insert and the transition. The redelivery must re-run the apply but
	// still reports duplicate; only the insert winner ever answers applied.
	ledger := newMockLedger()
	ledger.records["evt_1"] = &db.WebhookEventRecord{
		ID:              uuid.New(),
		ProviderEventID: "evt_1",
		Type:            "payment.failed",
		Processed:       false,
	}

	applier := &mockApplier{caseID: uuid.New()}
	ing := NewIngestor("", ledger, applier, nil, zap.NewNop())

	body := []byte(`{"id":"evt_1","company_id":"co_1","membership_id":"mem_1"}`)
	result, err := ing.Ingest(context.Background(), body, Headers{EventType: "payment.failed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusDuplicate {
		t.Fatalf("Status = %s, want %s", result.Status, StatusDuplicate)
	}
	if applier.calls != 1 {
		t.Errorf("applier called %d times, want 1", applier.calls)
	}
	if !ledger.records["evt_1"].Processed {
		t.Error("retried record should now be processed")
	}
}

func TestIngest_RejectsBadSignature(t *testing.T) {
	ledger := newMockLedger()
	applier := &mockApplier{}
	ing := NewIngestor("whsec_test", ledger, applier, nil, zap.NewNop())

	body := []byte(`{"id":"evt_1","company_id":"co_1","membership_id":"mem_1"}`)
	hdr := signedHeaders("wrong-secret", "payment.failed", body, time.Now())

	result, err := ing.Ingest(context.Background(), body, hdr)
	if err != nil {
		t.Fatalf("rejection is not a transport error: %v", err)
	}
	if result.Status != StatusRejected {
		t.Fatalf("Status = %s, want %s", result.Status, StatusRejected)
	}
	if !errors.Is(result.Err, ErrInvalidSignature) {
		t.Errorf("Err = %v, want ErrInvalidSignature", result.Err)
	}
	if len(ledger.records) != 0 {
		t.Error("rejected delivery must not touch the ledger")
	}
}

func TestIngest_AcceptsValidSignature(t *testing.T) {
	ledger := newMockLedger()
	applier := &mockApplier{caseID: uuid.New()}
	ing := NewIngestor("whsec_test", ledger, applier, nil, zap.NewNop())

	body := []byte(`{"id":"evt_1","company_id":"co_1","membership_id":"mem_1"}`)
	hdr := signedHeaders("whsec_test", "payment.failed", body, time.Now())

	result, err := ing.Ingest(context.Background(), body, hdr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusApplied {
		t.Fatalf("Status = %s, want %s", result.Status, StatusApplied)
	}
}

func TestIngest_RejectsMalformedBody(t *testing.T) {
	ing := NewIngestor("", newMockLedger(), &mockApplier{}, nil, zap.NewNop())

	result, err := ing.Ingest(context.Background(), []byte(`{`), Headers{EventType: "payment.failed"})
	if err != nil {
		t.Fatalf("malformed body is not a transport error: %v", err)
	}
	if result.Status != StatusRejected {
		t.Fatalf("Status = %s, want %s", result.Status, StatusRejected)
	}
}

func TestIngest_ApplyFailureLeavesUnprocessed(t *testing.T) {
	ledger := newMockLedger()
	applier := &mockApplier{err: errors.New("store down")}
	ing := NewIngestor("", ledger, applier, nil, zap.NewNop())

	body := []byte(`{"id":"evt_1","company_id":"co_1","membership_id":"mem_1"}`)
	_, err := ing.Ingest(context.Background(), body, Headers{EventType: "payment.failed"})
	if err == nil {
		t.Fatal("state machine failure must surface as a transient error")
	}

	rec := ledger.records["evt_1"]
	if rec == nil {
		t.Fatal("ledger row should exist")
	}
	if rec.Processed {
		t.Error("failed event must stay unprocessed so the retry reaches the state machine")
	}
	if len(ledger.recordedErrs) != 1 {
		t.Errorf("expected 1 recorded error, got %d", len(ledger.recordedErrs))
	}

	// The provider retries and the store has recovered. The retry lost the
	// original insert, so it reports duplicate even though it ran the apply.
	applier.err = nil
	result, err := ing.Ingest(context.Background(), body, Headers{EventType: "payment.failed"})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result.Status != StatusDuplicate {
		t.Fatalf("retry Status = %s, want %s", result.Status, StatusDuplicate)
	}
	if !ledger.records["evt_1"].Processed {
		t.Error("retried record should now be processed")
	}
}

func TestIngest_InsertFailureIsTransient(t *testing.T) {
	ledger := newMockLedger()
	ledger.insertErr = errors.New("connection refused")
	ing := NewIngestor("", ledger, &mockApplier{}, nil, zap.NewNop())

	body := []byte(`{"id":"evt_1","company_id":"co_1","membership_id":"mem_1"}`)
	_, err := ing.Ingest(context.Background(), body, Headers{EventType: "payment.failed"})
	if err == nil {
		t.Fatal("ledger outage must surface as a transient error")
	}
}

func TestIngest_UnknownTypeIsProcessedNoOp(t *testing.T) {
	ledger := newMockLedger()
	applier := &mockApplier{}
	ing := NewIngestor("", ledger, applier, nil, zap.NewNop())

	result, err := ing.Ingest(context.Background(), []byte(`{"id":"evt_9"}`), Headers{EventType: "invoice.settled"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusApplied {
		t.Fatalf("Status = %s, want %s", result.Status, StatusApplied)
	}
	if applier.calls != 0 {
		t.Error("unknown type must not reach the state machine")
	}
	if rec := ledger.records["evt_9"]; rec == nil || !rec.Processed {
		t.Error("unknown event still gets a processed ledger row")
	}
}

func TestIngest_CacheFastPath(t *testing.T) {
	ledger := newMockLedger()
	cache := newMockCache()
	applier := &mockApplier{caseID: uuid.New()}
	ing := NewIngestor("", ledger, applier, cache, zap.NewNop())

	body := []byte(`{"id":"evt_1","company_id":"co_1","membership_id":"mem_1"}`)
	hdr := Headers{EventType: "payment.failed"}

	if _, err := ing.Ingest(context.Background(), body, hdr); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if !cache.seen["evt_1"] {
		t.Fatal("processed event should be marked in the cache")
	}

	ledger.insertErr = errors.New("should not be called")
	result, err := ing.Ingest(context.Background(), body, hdr)
	if err != nil {
		t.Fatalf("cached duplicate failed: %v", err)
	}
	if result.Status != StatusDuplicate {
		t.Fatalf("Status = %s, want %s", result.Status, StatusDuplicate)
	}
}

func TestIngest_CacheNeverAuthoritative(t *testing.T) {
	// A cache hit without a processed ledger row falls through to the insert.
	ledger := newMockLedger()
	cache := newMockCache()
	cache.seen["evt_1"] = true
	applier := &mockApplier{caseID: uuid.New()}
	ing := NewIngestor("", ledger, applier, cache, zap.NewNop())

	body := []byte(`{"id":"evt_1","company_id":"co_1","membership_id":"mem_1"}`)
	result, err := ing.Ingest(context.Background(), body, Headers{EventType: "payment.failed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusApplied {
		t.Fatalf("Status = %s, want %s", result.Status, StatusApplied)
	}
	if applier.calls != 1 {
		t.Errorf("applier called %d times, want 1", applier.calls)
	}
}
