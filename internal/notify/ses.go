// Package notify emails campaign owners when a prospect replies.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// API is the subset of the SES client used here.
type API interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
	Endpoint  string
}

// Reply describes the reply being reported.
type Reply struct {
	To           string
	CampaignName string
	ProspectName string
	Cancelled    int64
	ReceivedAt   time.Time
}

type ReplyNotifier struct {
	client API
	from   string
	logger *zap.Logger
}

func NewSESNotifier(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*ReplyNotifier, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	client := ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewReplyNotifier(client, cfg.FromEmail, logger), nil
}

func NewReplyNotifier(client API, from string, logger *zap.Logger) *ReplyNotifier {
	return &ReplyNotifier{client: client, from: from, logger: logger}
}

// NotifyReply emails r.To that the prospect answered and the sequence stopped.
func (n *ReplyNotifier) NotifyReply(ctx context.Context, r Reply) error {
	if r.To == "" {
		return fmt.Errorf("reply notification missing recipient")
	}

	subject, body := renderReply(r)

	result, err := n.client.SendEmail(ctx, &ses.SendEmailInput{
		Source: aws.String(n.from),
		Destination: &types.Destination{
			ToAddresses: []string{r.To},
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
	})
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	n.logger.Info("reply notification sent",
		zap.String("to", r.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func renderReply(r Reply) (subject, body string) {
	who := r.ProspectName
	if who == "" {
		who = "A prospect"
	}
	subject = fmt.Sprintf("%s replied to %s", who, r.CampaignName)

	var b strings.Builder
	fmt.Fprintf(&b, "%s replied to your campaign %q", who, r.CampaignName)
	if !r.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, " at %s", r.ReceivedAt.UTC().Format(time.RFC1123))
	}
	b.WriteString(".\n\n")
	switch r.Cancelled {
	case 0:
		b.WriteString("No further messages were scheduled.\n")
	case 1:
		b.WriteString("1 scheduled follow-up was cancelled.\n")
	default:
		fmt.Fprintf(&b, "%d scheduled follow-ups were cancelled.\n", r.Cancelled)
	}
	return subject, b.String()
}
