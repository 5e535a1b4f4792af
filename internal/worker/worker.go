// Package worker runs the queue processor: it claims due entries and
// dispatches them through the channel client.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/channel"
	"github.com/lalithlochan/cadence/internal/circuitbreaker"
	"github.com/lalithlochan/cadence/internal/db"
	"github.com/lalithlochan/cadence/internal/metrics"
	"github.com/lalithlochan/cadence/internal/schedule"
	"github.com/lalithlochan/cadence/internal/sns"
)

const ReasonPreconditionNotMet = "precondition not met: connection request not accepted"

type Repository interface {
	FailStale(ctx context.Context, cutoff time.Time) (int64, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*db.Claim, error)
	MarkSent(ctx context.Context, id uuid.UUID, remoteMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	Release(ctx context.Context, id uuid.UUID, rq db.Requeue) error
}

type EventPublisher interface {
	PublishBatch(ctx context.Context, events []sns.Event) ([]string, error)
}

type Config struct {
	PollInterval          time.Duration
	BatchSize             int
	MaxAttempts           int
	SendingTimeout        time.Duration
	PreconditionRecheck   time.Duration
	MaxPreconditionChecks int
}

type Processor struct {
	repo     Repository
	client   channel.Client
	defaults schedule.Defaults
	events   EventPublisher // optional
	config   Config
	now      func() time.Time
	logger   *zap.Logger
}

func New(repo Repository, client channel.Client, defaults schedule.Defaults, events EventPublisher, cfg Config, logger *zap.Logger) *Processor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SendingTimeout == 0 {
		cfg.SendingTimeout = 15 * time.Minute
	}
	if cfg.PreconditionRecheck == 0 {
		cfg.PreconditionRecheck = 24 * time.Hour
	}
	if cfg.MaxPreconditionChecks == 0 {
		cfg.MaxPreconditionChecks = 14
	}

	return &Processor{
		repo:     repo,
		client:   client,
		defaults: defaults,
		events:   events,
		config:   cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// Stats summarizes one pass.
type Stats struct {
	Stale    int64
	Claimed  int
	Sent     int
	Failed   int
	Deferred int
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (p *Processor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("queue pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			p.logger.Info("processor stopping")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce fails stale claims, claims a batch of due entries and dispatches
// them one at a time.
func (p *Processor) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	now := p.now()

	stale, err := p.repo.FailStale(ctx, now.Add(-p.config.SendingTimeout))
	if err != nil {
		return stats, err
	}
	stats.Stale = stale

	claims, err := p.repo.ClaimDue(ctx, now, p.config.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(claims)
	metrics.RecordEntriesClaimed(len(claims))
	if len(claims) == 0 {
		return stats, nil
	}

	var failed []sns.Event
	for i, c := range claims {
		if ctx.Err() != nil {
			p.releaseUnstarted(claims[i:])
			break
		}

		switch p.dispatch(ctx, c) {
		case outcomeSent:
			stats.Sent++
		case outcomeFailed:
			stats.Failed++
			failed = append(failed, failedEvent(c))
		case outcomeDeferred:
			stats.Deferred++
		}
	}

	p.publishFailures(ctx, failed)

	p.logger.Info("queue pass finished",
		zap.Int64("stale", stats.Stale),
		zap.Int("claimed", stats.Claimed),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("deferred", stats.Deferred),
	)

	return stats, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeUnknown
)

func (p *Processor) dispatch(ctx context.Context, c *db.Claim) outcome {
	now := p.now()
	log := p.logger.With(
		zap.String("entry_id", c.ID.String()),
		zap.String("campaign_id", c.CampaignID.String()),
		zap.String("message_type", c.MessageType.String()),
	)
	// outcomes are recorded even if shutdown starts mid-send
	rctx := context.WithoutCancel(ctx)

	policy, err := p.defaults.Policy(c.Schedule)
	if err != nil {
		log.Warn("invalid campaign schedule, using defaults", zap.Error(err))
		policy, _ = p.defaults.Policy(schedule.Settings{})
	}

	// claimed late, e.g. after an outage
	if !policy.InWindow(now) {
		return p.release(rctx, log, c, db.Requeue{
			At:     schedule.Resolve(now, policy, 0, true, 0),
			Reason: "outside sending window",
		})
	}

	if c.RequiresPrecondition {
		if out, done := p.checkPrecondition(ctx, rctx, log, c, policy, now); done {
			return out
		}
	}

	action := "send"
	var res *channel.SendResult
	if c.CampaignType == db.CampaignConnectThenMessage && c.MessageType.IsFirstTouch() {
		action = "invite"
		res, err = p.client.Invite(ctx, c.ChannelAccountID, c.ChannelUserID, channel.TruncateNote(c.Message))
	} else {
		res, err = p.client.Send(ctx, c.ChannelAccountID, c.ChannelUserID, c.Message)
	}

	if err == nil {
		remoteID := ""
		if res != nil {
			remoteID = res.RemoteMessageID
		}
		if err := p.repo.MarkSent(rctx, c.ID, remoteID); err != nil {
			// the message went out; leaving it sending lets FailStale close it
			log.Error("failed to record sent entry", zap.Error(err))
			return outcomeUnknown
		}
		metrics.RecordDispatch(action, "sent")
		metrics.RecordDispatchLag(now.Sub(c.ScheduledFor))
		log.Info("entry dispatched", zap.String("action", action))
		return outcomeSent
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		metrics.RecordDispatch(action, "deferred")
		return p.release(rctx, log, c, db.Requeue{
			At:     schedule.Resolve(now.Add(retryDelay(1)), policy, 0, true, 0),
			Reason: "provider circuit open",
		})
	}

	next := c.Attempt + 1
	if next < p.config.MaxAttempts && retryable(err) {
		metrics.RecordDispatch(action, "retry")
		log.Warn("dispatch failed, retrying", zap.Int("attempt", next), zap.Error(err))
		return p.release(rctx, log, c, db.Requeue{
			At:           schedule.Resolve(now.Add(retryDelay(next)), policy, 0, true, 0),
			Reason:       err.Error(),
			CountAttempt: true,
		})
	}

	metrics.RecordDispatch(action, "failed")
	log.Error("dispatch failed", zap.Int("attempt", next), zap.Error(err))
	if err := p.repo.MarkFailed(rctx, c.ID, err.Error()); err != nil {
		log.Error("failed to record failed entry", zap.Error(err))
		return outcomeUnknown
	}
	return outcomeFailed
}

// checkPrecondition looks up the relationship for entries that need the
// recipient to be connected. done is false when dispatch should proceed.
func (p *Processor) checkPrecondition(ctx, rctx context.Context, log *zap.Logger, c *db.Claim, policy schedule.Policy, now time.Time) (outcome, bool) {
	profile, err := p.client.Lookup(ctx, c.ChannelAccountID, c.ChannelUserID)
	if err != nil {
		log.Warn("precondition lookup failed", zap.Error(err))
		return p.release(rctx, log, c, db.Requeue{
			At:     schedule.Resolve(now.Add(retryDelay(1)), policy, 0, true, 0),
			Reason: "precondition lookup failed: " + err.Error(),
		}), true
	}
	if profile.Connected() {
		return outcomeUnknown, false
	}

	if c.PreconditionChecks+1 >= p.config.MaxPreconditionChecks {
		metrics.RecordDispatch("precondition", "failed")
		if err := p.repo.MarkFailed(rctx, c.ID, ReasonPreconditionNotMet); err != nil {
			log.Error("failed to record failed entry", zap.Error(err))
			return outcomeUnknown, true
		}
		return outcomeFailed, true
	}

	metrics.RecordDispatch("precondition", "deferred")
	return p.release(rctx, log, c, db.Requeue{
		At:                schedule.Resolve(now.Add(p.config.PreconditionRecheck), policy, 0, true, 0),
		Reason:            "waiting for connection acceptance",
		CountPrecondition: true,
	}), true
}

func (p *Processor) release(ctx context.Context, log *zap.Logger, c *db.Claim, rq db.Requeue) outcome {
	if err := p.repo.Release(ctx, c.ID, rq); err != nil {
		log.Error("failed to release entry", zap.Error(err))
		return outcomeUnknown
	}
	log.Debug("entry deferred", zap.Time("scheduled_for", rq.At), zap.String("reason", rq.Reason))
	return outcomeDeferred
}

// releaseUnstarted hands back claims that were never dispatched so they are
// not failed as stale.
func (p *Processor) releaseUnstarted(claims []*db.Claim) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range claims {
		if err := p.repo.Release(ctx, c.ID, db.Requeue{At: c.ScheduledFor}); err != nil {
			p.logger.Error("failed to release unstarted entry",
				zap.String("entry_id", c.ID.String()),
				zap.Error(err),
			)
		}
	}
}

func (p *Processor) publishFailures(ctx context.Context, events []sns.Event) {
	if p.events == nil || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := p.events.PublishBatch(ctx, events); err != nil {
		p.logger.Warn("failed to publish entry failures", zap.Error(err))
	}
}

func failedEvent(c *db.Claim) sns.Event {
	return sns.Event{
		Type:        sns.EventEntryFailed,
		WorkspaceID: c.WorkspaceID.String(),
		CampaignID:  c.CampaignID.String(),
		ProspectID:  c.ProspectID.String(),
		Data: map[string]any{
			"entry_id":     c.ID.String(),
			"message_type": c.MessageType.String(),
		},
	}
}

// retryable reports whether another attempt could succeed. Provider 4xx
// responses other than 429 are final.
func retryable(err error) bool {
	var apiErr *channel.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// retryDelay is the backoff before the given attempt.
func retryDelay(attempt int) time.Duration {
	delays := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
	}

	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}

	return delays[idx]
}

func (s Stats) String() string {
	return fmt.Sprintf("stale=%d claimed=%d sent=%d failed=%d deferred=%d", s.Stale, s.Claimed, s.Sent, s.Failed, s.Deferred)
}
