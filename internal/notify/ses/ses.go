// Package ses implements a Notifier that mails each notification to a fixed
// recipient through AWS SES v2.
package ses

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mailvault/internal/email"
)

// subjectPrefix marks notification mails so they are not mistaken for the
// archived message itself.
const subjectPrefix = "[mailvault] "

// Config holds what New needs to reach SES.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
	Recipient       string
}

// SendEmailAPI is the subset of the SES v2 client the notifier uses.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Notifier sends plain-text notification mails.
type Notifier struct {
	sender    string
	recipient string
	client    SendEmailAPI
}

// New loads the AWS configuration and builds an SES client. Static
// credentials are used when both keys are set, otherwise the default chain.
func New(ctx context.Context, cfg Config) (*Notifier, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, cfg.Recipient, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Notifier around an existing client.
func NewWithClient(sender, recipient string, client SendEmailAPI) *Notifier {
	return &Notifier{sender: sender, recipient: recipient, client: client}
}

// Notify sends one mail per notification. Failures are not retried.
func (s *Notifier) Notify(ctx context.Context, n *email.Notification) error {
	if _, err := s.client.SendEmail(ctx, buildInput(s.sender, s.recipient, n)); err != nil {
		return fmt.Errorf("SES SendEmail: %w", err)
	}
	return nil
}

// Name returns the channel name.
func (s *Notifier) Name() string {
	return "ses"
}

func buildInput(sender, recipient string, n *email.Notification) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination: &types.Destination{
			ToAddresses: []string{recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subjectPrefix + n.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(n.Text),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
}
