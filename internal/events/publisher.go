// Package events publishes case lifecycle events to SQS for downstream
// consumers (analytics, the creator dashboard). Publishing is best-effort:
// failures are reported to the caller for logging but never block a
// state transition.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/db"
)

// Event kinds emitted on case transitions.
const (
	KindCaseOpened    = "case.opened"
	KindCaseRecovered = "case.recovered"
	KindCaseClosed    = "case.closed"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Message is the payload sent to SQS.
type Message struct {
	Kind                 string `json:"kind"`
	CaseID               string `json:"case_id"`
	CompanyID            string `json:"company_id"`
	MembershipID         string `json:"membership_id"`
	UserID               string `json:"user_id"`
	RecoveredAmountCents int64  `json:"recovered_amount_cents,omitempty"`
	OccurredAt           int64  `json:"occurred_at"`
}

// Publisher sends case lifecycle events to SQS. It implements the state
// machine's lifecycle sink.
type Publisher struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewPublisher creates an SQS publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("lifecycle event publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// CaseOpened publishes a case.opened event.
func (p *Publisher) CaseOpened(ctx context.Context, c *db.RecoveryCase) error {
	return p.publish(ctx, Message{
		Kind:         KindCaseOpened,
		CaseID:       c.ID.String(),
		CompanyID:    c.CompanyID,
		MembershipID: c.MembershipID,
		UserID:       c.UserID,
	})
}

// CaseRecovered publishes a case.recovered event with the recovered amount.
func (p *Publisher) CaseRecovered(ctx context.Context, c *db.RecoveryCase, amountCents int64) error {
	return p.publish(ctx, Message{
		Kind:                 KindCaseRecovered,
		CaseID:               c.ID.String(),
		CompanyID:            c.CompanyID,
		MembershipID:         c.MembershipID,
		UserID:               c.UserID,
		RecoveredAmountCents: amountCents,
	})
}

// CaseClosed publishes a case.closed event.
func (p *Publisher) CaseClosed(ctx context.Context, c *db.RecoveryCase) error {
	return p.publish(ctx, Message{
		Kind:         KindCaseClosed,
		CaseID:       c.ID.String(),
		CompanyID:    c.CompanyID,
		MembershipID: c.MembershipID,
		UserID:       c.UserID,
	})
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	msg.OccurredAt = time.Now().UnixNano()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to publish lifecycle event",
			zap.Error(err),
			zap.String("kind", msg.Kind),
			zap.String("case_id", msg.CaseID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("lifecycle event published",
		zap.String("kind", msg.Kind),
		zap.String("case_id", msg.CaseID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
