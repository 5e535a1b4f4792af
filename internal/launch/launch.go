// Package launch turns a campaign and its prospects into persisted queue
// entries. A launch either writes every entry it built or nothing.
package launch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/db"
	"github.com/lalithlochan/cadence/internal/eligibility"
	"github.com/lalithlochan/cadence/internal/metrics"
	"github.com/lalithlochan/cadence/internal/redis"
	"github.com/lalithlochan/cadence/internal/schedule"
	"github.com/lalithlochan/cadence/internal/sequence"
	"github.com/lalithlochan/cadence/internal/sns"
)

// Configuration errors reject the request before anything is read from the
// provider or written.
var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrNoTemplates       = sequence.ErrNoTemplates
	ErrTooManyFollowUps  = sequence.ErrTooManyFollowUps
	ErrWrongCampaignType = errors.New("campaign type does not match the endpoint")
	ErrCampaignPaused    = errors.New("campaign is paused")
	ErrCampaignCompleted = errors.New("campaign is completed")
	ErrNoChannelAccount  = errors.New("campaign has no channel account")
	ErrNoProspects       = errors.New("campaign has no prospects to launch")
	ErrInvalidSchedule   = schedule.ErrInvalidPolicy
)

var (
	ErrLaunchInProgress = errors.New("launch already in progress for campaign")
	ErrBudgetExceeded   = errors.New("launch exceeded its time budget")
	ErrPersistence      = errors.New("failed to persist launch")
)

var configErrors = []error{
	ErrNoTemplates,
	ErrTooManyFollowUps,
	ErrWrongCampaignType,
	ErrCampaignPaused,
	ErrCampaignCompleted,
	ErrNoChannelAccount,
	ErrNoProspects,
	ErrInvalidSchedule,
}

// IsConfigError reports whether err is a campaign configuration problem the
// caller has to fix.
func IsConfigError(err error) bool {
	for _, target := range configErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type Repository interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListLaunchableProspects(ctx context.Context, campaignID uuid.UUID) ([]*db.Prospect, error)
	SaveLaunch(ctx context.Context, campaignID uuid.UUID, entries []db.QueueEntry, updates []db.ProspectUpdate, batchSize int) (int64, error)
}

type Validator interface {
	Sample(ctx context.Context, c *db.Campaign, prospects []*db.Prospect) (*eligibility.Lookups, error)
	Check(ctx context.Context, c *db.Campaign, prospects []*db.Prospect, cached *eligibility.Lookups) ([]eligibility.Outcome, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

type EventPublisher interface {
	Publish(ctx context.Context, e sns.Event) (string, error)
}

type Config struct {
	Budget          time.Duration
	LockTTL         time.Duration
	InsertBatchSize int
}

type Service struct {
	repo      Repository
	validator Validator
	builder   *sequence.Builder
	defaults  schedule.Defaults
	locker    Locker
	events    EventPublisher // optional
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

func NewService(
	repo Repository,
	validator Validator,
	builder *sequence.Builder,
	defaults schedule.Defaults,
	locker Locker,
	events EventPublisher,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.Budget <= 0 {
		cfg.Budget = 10 * time.Second
	}
	if cfg.LockTTL < cfg.Budget {
		cfg.LockTTL = cfg.Budget + 5*time.Second
	}
	return &Service{
		repo:      repo,
		validator: validator,
		builder:   builder,
		defaults:  defaults,
		locker:    locker,
		events:    events,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

type Request struct {
	CampaignID uuid.UUID
	// CampaignType, when set, must match the stored campaign.
	CampaignType db.CampaignType
}

type RecipientResult struct {
	ProspectID uuid.UUID          `json:"prospectId"`
	Name       string             `json:"name"`
	Status     eligibility.Status `json:"status"`
	Reason     string             `json:"reason,omitempty"`
}

// Result always carries per-recipient counts, even when nothing was queued.
type Result struct {
	CampaignID    uuid.UUID         `json:"campaignId"`
	Queued        int               `json:"queued"`
	Skipped       int               `json:"skipped"`
	Errors        int               `json:"errors"`
	TotalMessages int               `json:"totalMessages"`
	Results       []RecipientResult `json:"results"`
}

// Launch validates, builds and persists the queue for one campaign. Only one
// launch per campaign runs at a time.
func (s *Service) Launch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	var result *Result
	err := s.locker.WithLock(ctx, "launch:"+req.CampaignID.String(), s.cfg.LockTTL, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Budget)
		defer cancel()

		var err error
		result, err = s.launch(ctx, req)
		if err != nil && ctx.Err() != nil && !errors.Is(err, ErrBudgetExceeded) {
			err = fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
		}
		return err
	})
	if errors.Is(err, redis.ErrLockHeld) {
		err = fmt.Errorf("%w: %s", ErrLaunchInProgress, req.CampaignID)
	}

	metrics.RecordLaunch(outcome(err), time.Since(start))
	if err != nil {
		s.logger.Warn("launch rejected",
			zap.String("campaign_id", req.CampaignID.String()),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

func (s *Service) launch(ctx context.Context, req Request) (*Result, error) {
	c, err := s.repo.GetCampaign(ctx, req.CampaignID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, req.CampaignID)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	policy, err := s.checkCampaign(c, req)
	if err != nil {
		return nil, err
	}

	prospects, err := s.repo.ListLaunchableProspects(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load prospects: %w", err)
	}
	if len(prospects) == 0 {
		return nil, ErrNoProspects
	}

	lookups, err := s.validator.Sample(ctx, c, prospects)
	if err != nil {
		return nil, err
	}

	outcomes, err := s.validator.Check(ctx, c, prospects, lookups)
	if err != nil {
		return nil, err
	}

	result := &Result{CampaignID: c.ID, Results: make([]RecipientResult, 0, len(outcomes))}
	var (
		recipients []sequence.Recipient
		updates    []db.ProspectUpdate
	)
	for _, o := range outcomes {
		result.Results = append(result.Results, RecipientResult{
			ProspectID: o.Prospect.ID,
			Name:       o.Prospect.Name(),
			Status:     o.Status,
			Reason:     o.Reason,
		})
		switch o.Status {
		case eligibility.StatusQueued:
			result.Queued++
			recipients = append(recipients, sequence.Recipient{Prospect: o.Prospect, ChannelUserID: o.ChannelUserID})
		case eligibility.StatusSkipped:
			result.Skipped++
		case eligibility.StatusFailed:
			result.Errors++
		}
		if o.Update != nil {
			updates = append(updates, *o.Update)
		}
	}

	entries, err := s.builder.Build(c, policy, s.now(), recipients)
	if err != nil {
		return nil, err
	}
	result.TotalMessages = len(entries)

	// refuse to start a write the budget cannot cover
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: before persisting", ErrBudgetExceeded)
	}

	inserted, err := s.repo.SaveLaunch(ctx, c.ID, entries, updates, s.cfg.InsertBatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
		}
		if errors.Is(err, db.ErrStatusTransition) {
			return nil, fmt.Errorf("%w: status changed during launch", ErrCampaignPaused)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	metrics.RecordEntriesCreated(inserted)
	metrics.RecordLaunchRecipients(result.Queued, result.Skipped, result.Errors)

	s.logger.Info("campaign launched",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("queued", result.Queued),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Errors),
		zap.Int("messages", result.TotalMessages),
		zap.Int64("inserted", inserted),
	)

	s.publish(ctx, c, result)

	return result, nil
}

func (s *Service) checkCampaign(c *db.Campaign, req Request) (schedule.Policy, error) {
	if req.CampaignType != "" && req.CampaignType != c.Type {
		return schedule.Policy{}, fmt.Errorf("%w: campaign is %s, requested %s", ErrWrongCampaignType, c.Type, req.CampaignType)
	}
	switch c.Status {
	case db.CampaignPaused:
		return schedule.Policy{}, ErrCampaignPaused
	case db.CampaignCompleted:
		return schedule.Policy{}, ErrCampaignCompleted
	}
	if c.ChannelAccountID == "" {
		return schedule.Policy{}, ErrNoChannelAccount
	}
	if _, err := sequence.Steps(c.Templates); err != nil {
		return schedule.Policy{}, err
	}
	return s.defaults.Policy(c.Schedule)
}

// publish is best effort: the launch is committed whatever happens here.
func (s *Service) publish(ctx context.Context, c *db.Campaign, r *Result) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	_, err := s.events.Publish(ctx, sns.Event{
		Type:        sns.EventLaunchCompleted,
		WorkspaceID: c.WorkspaceID.String(),
		CampaignID:  c.ID.String(),
		Data: map[string]any{
			"queued":         r.Queued,
			"skipped":        r.Skipped,
			"errors":         r.Errors,
			"total_messages": r.TotalMessages,
		},
	})
	if err != nil {
		s.logger.Warn("failed to publish launch event",
			zap.String("campaign_id", c.ID.String()),
			zap.Error(err),
		)
	}
}

func outcome(err error) string {
	var gate *eligibility.GateError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &gate):
		return "gate"
	case IsConfigError(err):
		return "config"
	case errors.Is(err, ErrCampaignNotFound):
		return "not_found"
	case errors.Is(err, ErrLaunchInProgress):
		return "in_progress"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget"
	default:
		return "error"
	}
}
