package db

import (
	"time"

	"github.com/google/uuid"
)

// Case status constants. A case is mutable only while open.
const (
	StatusOpen             = "open"
	StatusRecovered        = "recovered"
	StatusClosedNoRecovery = "closed_no_recovery"
)

// RecoveryCase tracks the recovery of a single failed membership payment.
// At most one open case exists per (company_id, membership_id); the partial
// unique index in the schema enforces it.
type RecoveryCase struct {
	ID                   uuid.UUID  `json:"id"`
	CompanyID            string     `json:"company_id"`
	MembershipID         string     `json:"membership_id"`
	UserID               string     `json:"user_id"`
	Status               string     `json:"status"`
	Attempts             int        `json:"attempts"`
	IncentiveDays        int        `json:"incentive_days"`
	RecoveredAmountCents int64      `json:"recovered_amount_cents"`
	FailureReason        string     `json:"failure_reason"`
	FirstFailureAt       time.Time  `json:"first_failure_at"`
	LastNudgeAt          *time.Time `json:"last_nudge_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the case can no longer change state.
func (c *RecoveryCase) IsTerminal() bool {
	return c.Status == StatusRecovered || c.Status == StatusClosedNoRecovery
}

// WebhookEventRecord is the idempotency ledger entry for one provider event.
// ProviderEventID carries a unique constraint; a second insert of the same id
// is how duplicate deliveries are detected.
type WebhookEventRecord struct {
	ID               uuid.UUID `json:"id"`
	ProviderEventID  string    `json:"provider_event_id"`
	Type             string    `json:"type"`
	Processed        bool      `json:"processed"`
	Error            *string   `json:"error,omitempty"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// CompanySettings holds the per-company reminder policy.
type CompanySettings struct {
	CompanyID           string    `json:"company_id"`
	EnablePush          bool      `json:"enable_push"`
	EnableDM            bool      `json:"enable_dm"`
	IncentiveDays       int       `json:"incentive_days"`
	ReminderOffsetsDays []int     `json:"reminder_offsets_days"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DefaultSettings is used for companies without a settings row.
func DefaultSettings(companyID string) *CompanySettings {
	return &CompanySettings{
		CompanyID:           companyID,
		EnablePush:          true,
		EnableDM:            true,
		IncentiveDays:       0,
		ReminderOffsetsDays: []int{0, 2, 4},
	}
}
