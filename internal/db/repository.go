package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// uniqueViolation is the SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

var (
	// ErrDuplicateEvent indicates the provider event id already exists in the
	// ledger. The loser of a concurrent insert race sees this.
	ErrDuplicateEvent = errors.New("duplicate provider event")

	// ErrOpenCaseExists indicates an open case already exists for the
	// (company, membership) pair.
	ErrOpenCaseExists = errors.New("open case already exists")

	// ErrCaseNotFound indicates no matching case row.
	ErrCaseNotFound = errors.New("case not found")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Repository handles database operations for recovery cases and the
// webhook idempotency ledger.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// --- idempotency ledger ---

// InsertEventRecord inserts a ledger row with processed=false. Returns
// ErrDuplicateEvent if the provider event id was already recorded; callers
// must then consult GetEventRecord to distinguish a true duplicate from a
// crashed earlier attempt.
func (r *Repository) InsertEventRecord(ctx context.Context, rec *WebhookEventRecord) error {
	query := `
		INSERT INTO webhook_events (id, provider_event_id, type, processed)
		VALUES ($1, $2, $3, false)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, rec.ID, rec.ProviderEventID, rec.Type).
		Scan(&rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		r.logger.Error("failed to insert event record",
			zap.Error(err),
			zap.String("provider_event_id", rec.ProviderEventID),
		)
		return fmt.Errorf("insert event record: %w", err)
	}

	return nil
}

// GetEventRecord retrieves a ledger row by provider event id.
func (r *Repository) GetEventRecord(ctx context.Context, providerEventID string) (*WebhookEventRecord, error) {
	query := `
		SELECT id, provider_event_id, type, processed, error, processing_time_ms, created_at
		FROM webhook_events
		WHERE provider_event_id = $1
	`

	var rec WebhookEventRecord
	err := r.db.Pool().QueryRow(ctx, query, providerEventID).Scan(
		&rec.ID,
		&rec.ProviderEventID,
		&rec.Type,
		&rec.Processed,
		&rec.Error,
		&rec.ProcessingTimeMS,
		&rec.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("event record not found: %s", providerEventID)
	}
	if err != nil {
		return nil, fmt.Errorf("query event record: %w", err)
	}

	return &rec, nil
}

// MarkEventProcessed flips the ledger row to processed. Called only after the
// state transition committed.
func (r *Repository) MarkEventProcessed(ctx context.Context, providerEventID string, took time.Duration) error {
	query := `
		UPDATE webhook_events
		SET processed = true, error = NULL, processing_time_ms = $1
		WHERE provider_event_id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, took.Milliseconds(), providerEventID)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("event record not found: %s", providerEventID)
	}

	return nil
}

// RecordEventError notes a processing failure on the ledger row while leaving
// processed=false, so the same delivery can still be retried.
func (r *Repository) RecordEventError(ctx context.Context, providerEventID string, took time.Duration, msg string) error {
	query := `
		UPDATE webhook_events
		SET error = $1, processing_time_ms = $2
		WHERE provider_event_id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, msg, took.Milliseconds(), providerEventID)
	if err != nil {
		return fmt.Errorf("record event error: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("event record not found: %s", providerEventID)
	}

	return nil
}

// --- case store ---

// CreateCase inserts a new open recovery case. The partial unique index on
// (company_id, membership_id) WHERE status='open' makes concurrent creation
// for the same membership lose with ErrOpenCaseExists.
func (r *Repository) CreateCase(ctx context.Context, c *RecoveryCase) error {
	query := `
		INSERT INTO recovery_cases (
			id, company_id, membership_id, user_id, status,
			attempts, incentive_days, failure_reason, first_failure_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		c.ID,
		c.CompanyID,
		c.MembershipID,
		c.UserID,
		c.Status,
		c.Attempts,
		c.IncentiveDays,
		c.FailureReason,
		c.FirstFailureAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenCaseExists
		}
		r.logger.Error("failed to create case",
			zap.Error(err),
			zap.String("case_id", c.ID.String()),
		)
		return fmt.Errorf("insert case: %w", err)
	}

	r.logger.Info("recovery case created",
		zap.String("case_id", c.ID.String()),
		zap.String("company_id", c.CompanyID),
		zap.String("membership_id", c.MembershipID),
	)

	return nil
}

const caseColumns = `
	id, company_id, membership_id, user_id, status,
	attempts, incentive_days, recovered_amount_cents, failure_reason,
	first_failure_at, last_nudge_at, created_at, updated_at
`

func scanCase(row pgx.Row) (*RecoveryCase, error) {
	var c RecoveryCase
	err := row.Scan(
		&c.ID,
		&c.CompanyID,
		&c.MembershipID,
		&c.UserID,
		&c.Status,
		&c.Attempts,
		&c.IncentiveDays,
		&c.RecoveredAmountCents,
		&c.FailureReason,
		&c.FirstFailureAt,
		&c.LastNudgeAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCase retrieves a case by id.
func (r *Repository) GetCase(ctx context.Context, id uuid.UUID) (*RecoveryCase, error) {
	query := `SELECT ` + caseColumns + ` FROM recovery_cases WHERE id = $1`

	c, err := scanCase(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query case: %w", err)
	}
	return c, nil
}

// FindOpenCase retrieves the open case for a (company, membership) pair,
// or ErrCaseNotFound if none is open.
func (r *Repository) FindOpenCase(ctx context.Context, companyID, membershipID string) (*RecoveryCase, error) {
	query := `
		SELECT ` + caseColumns + `
		FROM recovery_cases
		WHERE company_id = $1 AND membership_id = $2 AND status = $3
	`

	c, err := scanCase(r.db.Pool().QueryRow(ctx, query, companyID, membershipID, StatusOpen))
	if err == pgx.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open case: %w", err)
	}
	return c, nil
}

// MarkRecovered transitions an open case to recovered. The status guard in
// the WHERE clause keeps terminal cases immutable.
func (r *Repository) MarkRecovered(ctx context.Context, id uuid.UUID, amountCents int64) error {
	query := `
		UPDATE recovery_cases
		SET status = $1, recovered_amount_cents = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusRecovered, amountCents, id, StatusOpen)
	if err != nil {
		return fmt.Errorf("mark recovered: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCaseNotFound
	}

	r.logger.Info("case recovered",
		zap.String("case_id", id.String()),
		zap.Int64("amount_cents", amountCents),
	)

	return nil
}

// MarkClosedNoRecovery transitions an open case to closed_no_recovery.
func (r *Repository) MarkClosedNoRecovery(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE recovery_cases
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusClosedNoRecovery, id, StatusOpen)
	if err != nil {
		return fmt.Errorf("mark closed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCaseNotFound
	}

	r.logger.Info("case closed without recovery", zap.String("case_id", id.String()))

	return nil
}

// RecordAttempt increments the attempt counter for a successfully dispatched
// reminder. The attempts guard makes the increment idempotent: a second
// recorder for the same attempt number affects zero rows.
func (r *Repository) RecordAttempt(ctx context.Context, id uuid.UUID, attempt int, nudgedAt time.Time) error {
	query := `
		UPDATE recovery_cases
		SET attempts = attempts + 1, last_nudge_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND attempts = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, nudgedAt, id, StatusOpen, attempt-1)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCaseNotFound
	}

	return nil
}

// ApplyIncentive sets incentive_days once. Returns false without error if the
// case already carries an incentive or is no longer open.
func (r *Repository) ApplyIncentive(ctx context.Context, id uuid.UUID, days int) (bool, error) {
	query := `
		UPDATE recovery_cases
		SET incentive_days = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND incentive_days = 0
	`

	result, err := r.db.Pool().Exec(ctx, query, days, id, StatusOpen)
	if err != nil {
		return false, fmt.Errorf("apply incentive: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ListOpenCases retrieves all open cases for a company, oldest failure first.
func (r *Repository) ListOpenCases(ctx context.Context, companyID string) ([]*RecoveryCase, error) {
	query := `
		SELECT ` + caseColumns + `
		FROM recovery_cases
		WHERE company_id = $1 AND status = $2
		ORDER BY first_failure_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("query open cases: %w", err)
	}
	defer rows.Close()

	var cases []*RecoveryCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return cases, nil
}

// ListCasesByCompany retrieves cases for a company with pagination, any status.
func (r *Repository) ListCasesByCompany(ctx context.Context, companyID string, limit, offset int) ([]*RecoveryCase, error) {
	query := `
		SELECT ` + caseColumns + `
		FROM recovery_cases
		WHERE company_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var cases []*RecoveryCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return cases, nil
}

// CompaniesWithOpenCases returns the companies a reminder cycle should visit
// when no explicit list is given.
func (r *Repository) CompaniesWithOpenCases(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT company_id
		FROM recovery_cases
		WHERE status = $1
		ORDER BY company_id
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("query companies: %w", err)
	}
	defer rows.Close()

	var companies []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		companies = append(companies, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return companies, nil
}

// GetSettings loads a company's reminder settings, falling back to defaults
// when no row exists.
func (r *Repository) GetSettings(ctx context.Context, companyID string) (*CompanySettings, error) {
	query := `
		SELECT company_id, enable_push, enable_dm, incentive_days, reminder_offsets_days, updated_at
		FROM company_settings
		WHERE company_id = $1
	`

	var s CompanySettings
	err := r.db.Pool().QueryRow(ctx, query, companyID).Scan(
		&s.CompanyID,
		&s.EnablePush,
		&s.EnableDM,
		&s.IncentiveDays,
		&s.ReminderOffsetsDays,
		&s.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return DefaultSettings(companyID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}

	return &s, nil
}
