package notify

import (
	"context"
	"fmt"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

// SendEmailAPI is the part of the sesv2 client the mailer uses.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Mailer sends a plain-text mail for every won claim.
type Mailer struct {
	client SendEmailAPI
	from   string
	to     []string
	log    *zap.Logger
}

// NewMailer creates a mailer. cfg is the loaded AWS config.
func NewMailer(cfg aws.Config, from string, to []string, log *zap.Logger) *Mailer {
	return &Mailer{client: sesv2.NewFromConfig(cfg), from: from, to: to, log: log}
}

// Detected implements Sink. Detections are not mailed.
func (m *Mailer) Detected(context.Context, model.Detection) {}

// Claimed implements Sink.
func (m *Mailer) Claimed(ctx context.Context, o model.ClaimOutcome) {
	subject := fmt.Sprintf("Lead claimed: %s #%s", o.Region, o.OpportunityID)
	body := fmt.Sprintf("Region: %s\nOpportunity: %s\nStatus: %d\nLatency: %s\nClaim URL: %s\nAt: %s\n",
		o.Region, o.OpportunityID, o.Status, o.Latency, o.URL, o.At.UTC().Format("2006-01-02 15:04:05 MST"))

	_, err := m.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.from),
		Destination: &types.Destination{
			ToAddresses: m.to,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		m.log.Warn("claim mail failed",
			zap.String("region", o.Region),
			zap.String("opportunity_id", o.OpportunityID),
			zap.Error(err),
		)
	}
}
