package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates the billing events we act on. Anything else decodes to
// TypeUnknown and is applied as a no-op so the provider can add event types
// without breaking us.
type Type string

const (
	TypePaymentFailed       Type = "payment.failed"
	TypePaymentSucceeded    Type = "payment.succeeded"
	TypeMembershipCancelled Type = "membership.cancelled"
	TypeUnknown             Type = "unknown"
)

// ErrMalformedEvent indicates the envelope could not be decoded.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is the decoded billing event, one variant per known type.
// Payload fields are decoded exactly once at the ingestion boundary.
type Event struct {
	ProviderEventID string
	Type            Type
	CompanyID       string
	MembershipID    string
	UserID          string
	AmountCents     int64
	FailureReason   string
}

// envelope is the wire shape shared by all event types.
type envelope struct {
	ID           string `json:"id"`
	CompanyID    string `json:"company_id"`
	MembershipID string `json:"membership_id"`
	UserID       string `json:"user_id"`

	// Type-specific fields; absent on types that don't carry them.
	AmountCents   int64  `json:"amount_cents"`
	FailureReason string `json:"failure_reason"`
}

// Decode parses a raw webhook body into an Event. The event type comes from
// the transport header, not the body, matching the provider's contract.
func Decode(eventType string, body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}

	ev := &Event{
		ProviderEventID: env.ID,
		CompanyID:       env.CompanyID,
		MembershipID:    env.MembershipID,
		UserID:          env.UserID,
	}

	switch Type(eventType) {
	case TypePaymentFailed:
		ev.Type = TypePaymentFailed
		ev.FailureReason = env.FailureReason
		if env.CompanyID == "" || env.MembershipID == "" {
			return nil, fmt.Errorf("%w: payment.failed requires company_id and membership_id", ErrMalformedEvent)
		}
	case TypePaymentSucceeded:
		ev.Type = TypePaymentSucceeded
		ev.AmountCents = env.AmountCents
		if env.CompanyID == "" || env.MembershipID == "" {
			return nil, fmt.Errorf("%w: payment.succeeded requires company_id and membership_id", ErrMalformedEvent)
		}
	case TypeMembershipCancelled:
		ev.Type = TypeMembershipCancelled
		if env.CompanyID == "" || env.MembershipID == "" {
			return nil, fmt.Errorf("%w: membership.cancelled requires company_id and membership_id", ErrMalformedEvent)
		}
	default:
		ev.Type = TypeUnknown
	}

	return ev, nil
}
