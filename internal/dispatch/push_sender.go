package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// PushSender delivers reminders to the platform's push topic via AWS SNS.
// The platform's mobile infrastructure subscribes to the topic and fans out
// to the user's devices.
type PushSender struct {
	client   *sns.Client
	topicARN string
	logger   *zap.Logger
}

type PushConfig struct {
	Region   string
	TopicARN string
}

// NewPushSender creates an SNS-backed push sender.
func NewPushSender(ctx context.Context, cfg PushConfig, logger *zap.Logger) (*PushSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	return &PushSender{
		client:   sns.NewFromConfig(awsCfg),
		topicARN: cfg.TopicARN,
		logger:   logger,
	}, nil
}

type pushMessage struct {
	CaseID    string `json:"case_id"`
	CompanyID string `json:"company_id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	ManageURL string `json:"manage_url"`
}

// Send publishes the reminder to the push topic.
func (s *PushSender) Send(ctx context.Context, r *Reminder) error {
	payload, err := json.Marshal(pushMessage{
		CaseID:    r.CaseID.String(),
		CompanyID: r.CompanyID,
		UserID:    r.UserID,
		Title:     r.Title,
		Body:      r.Body,
		ManageURL: r.ManageURL,
	})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"company_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(r.CompanyID),
			},
			"user_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(r.UserID),
			},
		},
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("push reminder published",
		zap.String("case_id", r.CaseID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// Channel identifies this sender in logs and metrics.
func (s *PushSender) Channel() string {
	return "push"
}
