package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/db"
)

// EmailResolver looks up the recipient address for a user.
type EmailResolver interface {
	MemberEmail(ctx context.Context, companyID, userID string) (string, error)
}

// RecoveryMailer emails a confirmation when a case recovers. It plugs into
// the state machine as a lifecycle sink; open/close transitions are no-ops.
type RecoveryMailer struct {
	client   *ses.Client
	from     string
	resolver EmailResolver
	logger   *zap.Logger
}

type MailerConfig struct {
	Region    string
	FromEmail string
}

// NewRecoveryMailer creates an SES-backed recovery mailer.
func NewRecoveryMailer(ctx context.Context, cfg MailerConfig, resolver EmailResolver, logger *zap.Logger) (*RecoveryMailer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SES: %w", err)
	}

	return &RecoveryMailer{
		client:   ses.NewFromConfig(awsCfg),
		from:     cfg.FromEmail,
		resolver: resolver,
		logger:   logger,
	}, nil
}

// CaseOpened is a no-op; only recoveries get a confirmation email.
func (m *RecoveryMailer) CaseOpened(ctx context.Context, c *db.RecoveryCase) error {
	return nil
}

// CaseClosed is a no-op.
func (m *RecoveryMailer) CaseClosed(ctx context.Context, c *db.RecoveryCase) error {
	return nil
}

// CaseRecovered sends the recovery confirmation email.
func (m *RecoveryMailer) CaseRecovered(ctx context.Context, c *db.RecoveryCase, amountCents int64) error {
	to, err := m.resolver.MemberEmail(ctx, c.CompanyID, c.UserID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	if to == "" {
		return fmt.Errorf("no email on file for user %s", c.UserID)
	}

	subject := "Payment received: your membership is active"
	body := fmt.Sprintf(
		"Thanks! Your payment of $%.2f went through and your membership is back in good standing.",
		float64(amountCents)/100,
	)

	input := &ses.SendEmailInput{
		Source: aws.String(m.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := m.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	m.logger.Info("recovery confirmation emailed",
		zap.String("case_id", c.ID.String()),
		zap.String("to", to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
