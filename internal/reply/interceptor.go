// Package reply stops a prospect's sequence when the prospect answers.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/db"
	"github.com/lalithlochan/cadence/internal/metrics"
	"github.com/lalithlochan/cadence/internal/notify"
	"github.com/lalithlochan/cadence/internal/redis"
	"github.com/lalithlochan/cadence/internal/sns"
	"github.com/lalithlochan/cadence/internal/sqs"
)

// StopReason is recorded on every entry cancelled by a reply.
const StopReason = "Prospect replied - sequence stopped"

var (
	ErrInvalidSignal = errors.New("reply signal has no recipient address")
	ErrInProgress    = errors.New("reply from this sender is already being processed")
	// ErrRetryable means nothing was lost and the same signal can be applied
	// again later.
	ErrRetryable = errors.New("reply could not be applied")
)

// Signal is an inbound reply reported by the provider.
type Signal struct {
	CampaignID        *uuid.UUID
	RecipientAddress  string // channel user id or profile URL of the sender
	AccountID         string // our account that received the reply
	ExternalMessageID string
	ReceivedAt        time.Time
}

type Repository interface {
	FindReplyTargets(ctx context.Context, campaignID *uuid.UUID, accountID, address string) ([]db.ReplyTarget, error)
	MarkReplied(ctx context.Context, campaignID, prospectID uuid.UUID, at time.Time, reason string) (db.ReplyOutcome, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

type EventPublisher interface {
	Publish(ctx context.Context, e sns.Event) (string, error)
}

type Notifier interface {
	NotifyReply(ctx context.Context, r notify.Reply) error
}

type RetryQueue interface {
	Enqueue(ctx context.Context, msg sqs.ReplyMessage) (string, error)
}

type Result struct {
	Prospects int   `json:"prospects"`
	Cancelled int64 `json:"cancelled"`
	Queued    bool  `json:"queued,omitempty"`
}

type Interceptor struct {
	repo     Repository
	locker   Locker
	lockTTL  time.Duration
	events   EventPublisher // optional
	notifier Notifier       // optional
	retry    RetryQueue     // optional
	now      func() time.Time
	logger   *zap.Logger
}

func NewInterceptor(repo Repository, locker Locker, lockTTL time.Duration, logger *zap.Logger) *Interceptor {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Interceptor{
		repo:    repo,
		locker:  locker,
		lockTTL: lockTTL,
		now:     time.Now,
		logger:  logger,
	}
}

func (i *Interceptor) WithEvents(p EventPublisher) *Interceptor { i.events = p; return i }

func (i *Interceptor) WithNotifier(n Notifier) *Interceptor { i.notifier = n; return i }

func (i *Interceptor) WithRetryQueue(q RetryQueue) *Interceptor { i.retry = q; return i }

// Handle applies a reply. A retryable failure is handed to the retry queue
// when one is configured, in which case the result is Queued.
func (i *Interceptor) Handle(ctx context.Context, s Signal) (*Result, error) {
	// a queued retry must carry the time the reply arrived, not the retry time
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = i.now()
	}

	res, err := i.process(ctx, s)
	if !errors.Is(err, ErrRetryable) || i.retry == nil {
		return res, err
	}

	if _, qerr := i.retry.Enqueue(ctx, toMessage(s)); qerr != nil {
		i.logger.Error("failed to queue reply for retry",
			zap.String("recipient_address", s.RecipientAddress),
			zap.Error(qerr),
		)
		return nil, err
	}

	metrics.RecordReply("queued", 0)
	i.logger.Warn("reply queued for retry",
		zap.String("recipient_address", s.RecipientAddress),
		zap.Error(err),
	)
	return &Result{Queued: true}, nil
}

// process applies the signal under the per-sender lock.
func (i *Interceptor) process(ctx context.Context, s Signal) (*Result, error) {
	s.RecipientAddress = strings.TrimSpace(s.RecipientAddress)
	if s.RecipientAddress == "" {
		return nil, ErrInvalidSignal
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = i.now()
	}

	var res *Result
	key := "reply:" + s.AccountID + ":" + s.RecipientAddress
	err := i.locker.WithLock(ctx, key, i.lockTTL, func(ctx context.Context) error {
		var err error
		res, err = i.apply(ctx, s)
		return err
	})
	if errors.Is(err, redis.ErrLockHeld) {
		return nil, ErrInProgress
	}
	if err != nil {
		metrics.RecordReply("error", 0)
		if !errors.Is(err, ErrRetryable) {
			// the lock store failed before anything was applied
			err = fmt.Errorf("%w: %v", ErrRetryable, err)
		}
		return nil, err
	}
	return res, nil
}

func (i *Interceptor) apply(ctx context.Context, s Signal) (*Result, error) {
	targets, err := i.repo.FindReplyTargets(ctx, s.CampaignID, s.AccountID, s.RecipientAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	if len(targets) == 0 {
		metrics.RecordReply("unmatched", 0)
		i.logger.Info("reply matched no prospect",
			zap.String("recipient_address", s.RecipientAddress),
			zap.String("account_id", s.AccountID),
		)
		return &Result{}, nil
	}

	res := &Result{Prospects: len(targets)}
	var (
		failures     []error
		transitioned int
	)
	for _, t := range targets {
		out, err := i.repo.MarkReplied(ctx, t.CampaignID, t.ProspectID, s.ReceivedAt, StopReason)
		if err != nil {
			i.logger.Error("failed to stop sequence",
				zap.String("campaign_id", t.CampaignID.String()),
				zap.String("prospect_id", t.ProspectID.String()),
				zap.Error(err),
			)
			failures = append(failures, err)
			continue
		}
		res.Cancelled += out.Cancelled
		if out.Transitioned {
			transitioned++
			i.sideEffects(ctx, s, t, out)
		}
	}

	if len(failures) > 0 {
		// applied targets are idempotent, so retrying the whole signal is safe
		return nil, fmt.Errorf("%w: %v", ErrRetryable, errors.Join(failures...))
	}

	outcome := "duplicate"
	if transitioned > 0 {
		outcome = "stopped"
	}
	metrics.RecordReply(outcome, res.Cancelled)

	return res, nil
}

// sideEffects run only for the call that moved the prospect to replied, and
// never fail the reply.
func (i *Interceptor) sideEffects(ctx context.Context, s Signal, t db.ReplyTarget, out db.ReplyOutcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if i.events != nil {
		_, err := i.events.Publish(ctx, sns.Event{
			Type:        sns.EventProspectReplied,
			WorkspaceID: t.WorkspaceID.String(),
			CampaignID:  t.CampaignID.String(),
			ProspectID:  t.ProspectID.String(),
			OccurredAt:  s.ReceivedAt.UTC(),
			Data: map[string]any{
				"cancelled":           out.Cancelled,
				"external_message_id": s.ExternalMessageID,
			},
		})
		if err != nil {
			i.logger.Warn("failed to publish reply event", zap.Error(err))
		}
	}

	if i.notifier != nil && t.NotifyEmail != nil && *t.NotifyEmail != "" {
		err := i.notifier.NotifyReply(ctx, notify.Reply{
			To:           *t.NotifyEmail,
			CampaignName: t.CampaignName,
			ProspectName: t.Name,
			Cancelled:    out.Cancelled,
			ReceivedAt:   s.ReceivedAt,
		})
		if err != nil {
			i.logger.Warn("failed to send reply notification", zap.Error(err))
		}
	}
}

func toMessage(s Signal) sqs.ReplyMessage {
	m := sqs.ReplyMessage{
		RecipientAddress:  s.RecipientAddress,
		AccountID:         s.AccountID,
		ExternalMessageID: s.ExternalMessageID,
		ReceivedAt:        s.ReceivedAt.UnixMilli(),
	}
	if s.CampaignID != nil {
		m.CampaignID = s.CampaignID.String()
	}
	return m
}

func fromMessage(m sqs.ReplyMessage) (Signal, error) {
	s := Signal{
		RecipientAddress:  m.RecipientAddress,
		AccountID:         m.AccountID,
		ExternalMessageID: m.ExternalMessageID,
	}
	if m.ReceivedAt > 0 {
		s.ReceivedAt = time.UnixMilli(m.ReceivedAt).UTC()
	}
	if m.CampaignID != "" {
		id, err := uuid.Parse(m.CampaignID)
		if err != nil {
			return s, fmt.Errorf("parse campaign id: %w", err)
		}
		s.CampaignID = &id
	}
	return s, nil
}
