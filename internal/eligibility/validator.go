// Package eligibility decides which prospects of a launch may be queued. A
// sample is checked first and rejects the launch as a whole; every prospect
// is then checked individually and failures only affect that prospect.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/cadence/internal/channel"
	"github.com/lalithlochan/cadence/internal/db"
	"github.com/lalithlochan/cadence/internal/metrics"
)

const (
	DefaultSampleSize  = 10
	DefaultConcurrency = 5

	// InvitationCooldown is how long the provider blocks re-inviting after a
	// withdrawn invitation.
	InvitationCooldown = 21 * 24 * time.Hour
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// DuplicateFinder reports prospects already contacted by another campaign of
// the same workspace.
type DuplicateFinder interface {
	ContactedElsewhere(ctx context.Context, workspaceID, campaignID uuid.UUID, urls, userIDs []string) (db.Contacted, error)
}

type Config struct {
	SampleSize  int
	Concurrency int
}

// Outcome is the per-prospect decision.
type Outcome struct {
	Prospect      *db.Prospect
	Status        Status
	Reason        string
	ChannelUserID string
	// Update is nil when the prospect row should be left untouched.
	Update *db.ProspectUpdate
}

type Validator struct {
	client     channel.Client
	duplicates DuplicateFinder
	cfg        Config
	logger     *zap.Logger
}

func NewValidator(client channel.Client, duplicates DuplicateFinder, cfg Config, logger *zap.Logger) *Validator {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Validator{
		client:     client,
		duplicates: duplicates,
		cfg:        cfg,
		logger:     logger,
	}
}

// lookup is the resolved relationship state of one prospect.
type lookup struct {
	id       string
	profile  *channel.Profile
	category Category // empty on success
	reason   string
}

// Lookups caches resolutions made by Sample so Check does not repeat them.
type Lookups struct {
	byProspect map[uuid.UUID]lookup
}

// Sample checks the first SampleSize prospects in list order and returns a
// *GateError if any fails. It must complete before anything is persisted.
func (v *Validator) Sample(ctx context.Context, c *db.Campaign, prospects []*db.Prospect) (*Lookups, error) {
	n := min(v.cfg.SampleSize, len(prospects))
	sample := prospects[:n]

	results, err := v.resolveAll(ctx, c.ChannelAccountID, sample, nil)
	if err != nil {
		return nil, err
	}

	var failures []Failure
	for i, p := range sample {
		res := results[i]
		cat := res.category
		reason := res.reason
		if cat == "" && c.Type == db.CampaignDirectMessage && !res.profile.Connected() {
			cat = CategoryWrongRelationship
			reason = notConnectedReason(res.profile)
		}
		if cat != "" {
			failures = append(failures, Failure{
				ProspectID: p.ID,
				Name:       p.Name(),
				Category:   cat,
				Reason:     reason,
			})
		}
	}

	lookups := &Lookups{byProspect: make(map[uuid.UUID]lookup, n)}
	for i, p := range sample {
		lookups.byProspect[p.ID] = results[i]
	}

	if len(failures) > 0 {
		gate := newGateError(n, len(prospects), failures)
		v.logger.Warn("eligibility sample rejected launch",
			zap.String("campaign_id", c.ID.String()),
			zap.Int("checked", n),
			zap.Int("failed", len(failures)),
		)
		return lookups, gate
	}

	return lookups, nil
}

// Check decides every prospect. Outcomes are returned in input order. The only
// errors are context expiry and a failed duplicate query.
func (v *Validator) Check(ctx context.Context, c *db.Campaign, prospects []*db.Prospect, cached *Lookups) ([]Outcome, error) {
	outcomes := make([]Outcome, len(prospects))

	var duplicates db.Contacted
	if c.Type == db.CampaignConnectThenMessage {
		urls, userIDs := contactKeys(prospects)
		var err error
		duplicates, err = v.duplicates.ContactedElsewhere(ctx, c.WorkspaceID, c.ID, urls, userIDs)
		if err != nil {
			return nil, fmt.Errorf("check workspace duplicates: %w", err)
		}
	}

	// duplicates never reach the provider
	pending := make([]*db.Prospect, 0, len(prospects))
	index := make([]int, 0, len(prospects))
	for i, p := range prospects {
		if duplicates.Has(p) {
			outcomes[i] = failed(p, "duplicate in workspace: already contacted by another campaign")
			continue
		}
		pending = append(pending, p)
		index = append(index, i)
	}

	results, err := v.resolveAll(ctx, c.ChannelAccountID, pending, cached)
	if err != nil {
		return nil, err
	}

	for j, p := range pending {
		outcomes[index[j]] = decide(c.Type, p, results[j])
	}

	return outcomes, nil
}

// contactKeys collects the non-empty profile URLs and channel user ids of
// prospects. A prospect without a URL must not match every other URL-less one.
func contactKeys(prospects []*db.Prospect) (urls, userIDs []string) {
	for _, p := range prospects {
		if p.ProfileURL != "" {
			urls = append(urls, p.ProfileURL)
		}
		if p.ChannelUserID != nil && *p.ChannelUserID != "" {
			userIDs = append(userIDs, *p.ChannelUserID)
		}
	}
	return urls, userIDs
}

func (v *Validator) resolveAll(ctx context.Context, accountID string, prospects []*db.Prospect, cached *Lookups) ([]lookup, error) {
	results := make([]lookup, len(prospects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)

	for i, p := range prospects {
		if cached != nil {
			if res, ok := cached.byProspect[p.ID]; ok {
				results[i] = res
				continue
			}
		}
		g.Go(func() error {
			res := v.resolve(gctx, accountID, p)
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve prospects: %w", err)
	}
	return results, nil
}

func (v *Validator) resolve(ctx context.Context, accountID string, p *db.Prospect) lookup {
	start := time.Now()

	var (
		profile *channel.Profile
		err     error
	)
	if p.ChannelUserID != nil && *p.ChannelUserID != "" {
		profile, err = v.client.Lookup(ctx, accountID, *p.ChannelUserID)
	} else {
		slug, serr := channel.ResolveSlug(p.ProfileURL)
		if serr != nil {
			return lookup{category: CategoryMissingIdentifier, reason: "no channel user id and " + serr.Error()}
		}
		profile, err = v.client.LookupSlug(ctx, accountID, slug)
	}

	switch {
	case errors.Is(err, channel.ErrProfileNotFound):
		metrics.RecordLookup("not_found", time.Since(start))
		return lookup{category: CategoryMissingIdentifier, reason: "profile not found on the channel"}
	case err != nil:
		metrics.RecordLookup("error", time.Since(start))
		v.logger.Warn("profile lookup failed",
			zap.String("prospect_id", p.ID.String()),
			zap.Error(err),
		)
		return lookup{category: CategoryLookupError, reason: "lookup failed: " + err.Error()}
	}

	metrics.RecordLookup("ok", time.Since(start))
	if profile.ProviderID == "" {
		return lookup{category: CategoryMissingIdentifier, reason: "channel returned no user id"}
	}
	return lookup{id: profile.ProviderID, profile: profile}
}

// decide applies the relationship rules of the campaign type to one resolved
// prospect.
func decide(t db.CampaignType, p *db.Prospect, res lookup) Outcome {
	switch res.category {
	case CategoryMissingIdentifier:
		return failed(p, res.reason)
	case CategoryLookupError:
		return Outcome{Prospect: p, Status: StatusSkipped, Reason: res.reason}
	}

	if t == db.CampaignDirectMessage {
		if !res.profile.Connected() {
			return failed(p, notConnectedReason(res.profile))
		}
		return queued(p, res.id)
	}

	if res.profile.Connected() {
		o := Outcome{Prospect: p, Status: StatusSkipped, Reason: "already connected", ChannelUserID: res.id}
		o.Update = &db.ProspectUpdate{
			ProspectID:    p.ID,
			Status:        db.ProspectConnected,
			ChannelUserID: newID(p, res.id),
			Note:          ptr("already connected"),
		}
		return o
	}

	switch res.profile.InvitationStatus() {
	case channel.InvitationWithdrawn:
		reason := fmt.Sprintf("invitation withdrawn: provider blocks re-inviting for %d days", int(InvitationCooldown.Hours()/24))
		o := failed(p, reason)
		o.ChannelUserID = res.id
		o.Update.ChannelUserID = newID(p, res.id)
		return o
	case channel.InvitationPending:
		return Outcome{Prospect: p, Status: StatusSkipped, Reason: "invitation already pending", ChannelUserID: res.id}
	}

	return queued(p, res.id)
}

func queued(p *db.Prospect, id string) Outcome {
	return Outcome{
		Prospect:      p,
		Status:        StatusQueued,
		ChannelUserID: id,
		Update: &db.ProspectUpdate{
			ProspectID:    p.ID,
			Status:        db.ProspectQueued,
			ChannelUserID: newID(p, id),
		},
	}
}

func failed(p *db.Prospect, reason string) Outcome {
	return Outcome{
		Prospect: p,
		Status:   StatusFailed,
		Reason:   reason,
		Update: &db.ProspectUpdate{
			ProspectID: p.ID,
			Status:     db.ProspectFailed,
			Note:       ptr(reason),
		},
	}
}

func notConnectedReason(p *channel.Profile) string {
	distance := p.NetworkDistance
	if distance == "" {
		distance = "unknown"
	}
	return "not a first-degree connection (distance " + distance + ")"
}

// newID returns id when it should be persisted on the prospect.
func newID(p *db.Prospect, id string) *string {
	if id == "" || (p.ChannelUserID != nil && *p.ChannelUserID == id) {
		return nil
	}
	return &id
}

func ptr(s string) *string { return &s }
