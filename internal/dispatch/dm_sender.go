package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DirectMessenger is the platform call the DM sender needs.
type DirectMessenger interface {
	SendDirectMessage(ctx context.Context, companyID, userID, message string) error
}

// DMSender delivers reminders through the platform's direct-message API.
type DMSender struct {
	messenger DirectMessenger
	logger    *zap.Logger
}

// NewDMSender creates a DM sender backed by the platform client.
func NewDMSender(messenger DirectMessenger, logger *zap.Logger) *DMSender {
	return &DMSender{
		messenger: messenger,
		logger:    logger,
	}
}

// Send delivers the reminder as a direct message.
func (s *DMSender) Send(ctx context.Context, r *Reminder) error {
	message := fmt.Sprintf("%s\n\n%s", r.Title, r.Body)

	if err := s.messenger.SendDirectMessage(ctx, r.CompanyID, r.UserID, message); err != nil {
		return fmt.Errorf("dm send failed: %w", err)
	}

	s.logger.Info("dm reminder sent",
		zap.String("case_id", r.CaseID.String()),
		zap.String("user_id", r.UserID),
	)

	return nil
}

// Channel identifies this sender in logs and metrics.
func (s *DMSender) Channel() string {
	return "dm"
}
