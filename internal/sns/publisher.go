// Package sns publishes domain events to an SNS topic so downstream consumers
// (CRM sync, analytics) can react to launches, replies and failed sends.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
)

// maxBatch is the SNS PublishBatch limit.
const maxBatch = 10

type EventType string

const (
	EventLaunchCompleted EventType = "launch.completed"
	EventProspectReplied EventType = "prospect.replied"
	EventEntryFailed     EventType = "entry.failed"
)

// Event is the JSON body of every published message.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	WorkspaceID string         `json:"workspace_id"`
	CampaignID  string         `json:"campaign_id"`
	ProspectID  string         `json:"prospect_id,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Data        map[string]any `json:"data,omitempty"`
}

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, in *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

type Publisher struct {
	client   API
	topicARN string
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return NewPublisherWithClient(client, topicARN), nil
}

func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: topicARN}
}

func (e *Event) fill() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
}

// attributes allow subscription filter policies on type and workspace.
func attributes(e Event) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(e.Type)),
		},
		"workspace_id": {
			DataType:    aws.String("String"),
			StringValue: aws.String(e.WorkspaceID),
		},
	}
}

// Publish sends one event and returns the SNS message id.
func (p *Publisher) Publish(ctx context.Context, e Event) (string, error) {
	e.fill()
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(e),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// PublishBatch sends events in chunks of ten. It returns the ids of the
// messages accepted and an error if any chunk or entry failed.
func (p *Publisher) PublishBatch(ctx context.Context, events []Event) ([]string, error) {
	var ids []string
	for start := 0; start < len(events); start += maxBatch {
		end := min(start+maxBatch, len(events))

		entries := make([]types.PublishBatchRequestEntry, 0, end-start)
		for i := start; i < end; i++ {
			e := events[i]
			e.fill()
			payload, err := json.Marshal(e)
			if err != nil {
				return ids, fmt.Errorf("failed to marshal event %d: %w", i, err)
			}
			entries = append(entries, types.PublishBatchRequestEntry{
				Id:                aws.String(e.ID),
				Message:           aws.String(string(payload)),
				MessageAttributes: attributes(e),
			})
		}

		result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
			TopicArn:                   aws.String(p.topicARN),
			PublishBatchRequestEntries: entries,
		})
		if err != nil {
			return ids, fmt.Errorf("failed to publish batch to SNS: %w", err)
		}
		for _, s := range result.Successful {
			ids = append(ids, aws.ToString(s.MessageId))
		}
		if len(result.Failed) > 0 {
			return ids, fmt.Errorf("partial batch failure: %d events failed", len(result.Failed))
		}
	}

	return ids, nil
}
