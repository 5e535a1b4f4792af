package channel

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogClient logs instead of calling the provider. Every profile is reported
// as a first-degree connection. Used in development.
type LogClient struct {
	logger *zap.Logger
}

func NewLogClient(logger *zap.Logger) *LogClient {
	return &LogClient{logger: logger}
}

func (c *LogClient) Lookup(ctx context.Context, accountID, providerID string) (*Profile, error) {
	return &Profile{ProviderID: providerID, NetworkDistance: DistanceFirstDegree}, nil
}

func (c *LogClient) LookupSlug(ctx context.Context, accountID, slug string) (*Profile, error) {
	return &Profile{
		ProviderID:       "dev-" + slug,
		PublicIdentifier: slug,
		NetworkDistance:  DistanceFirstDegree,
	}, nil
}

func (c *LogClient) Send(ctx context.Context, accountID, providerID, text string) (*SendResult, error) {
	id := uuid.NewString()
	c.logger.Info("message sent",
		zap.String("account_id", accountID),
		zap.String("provider_id", providerID),
		zap.Int("text_length", len(text)),
		zap.String("message_id", id),
	)
	return &SendResult{RemoteMessageID: id}, nil
}

func (c *LogClient) Invite(ctx context.Context, accountID, providerID, note string) (*SendResult, error) {
	id := uuid.NewString()
	c.logger.Info("invitation sent",
		zap.String("account_id", accountID),
		zap.String("provider_id", providerID),
		zap.Int("note_length", len(TruncateNote(note))),
		zap.String("invitation_id", id),
	)
	return &SendResult{RemoteMessageID: id}, nil
}
