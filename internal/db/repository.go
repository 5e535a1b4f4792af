package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrStatusTransition = errors.New("status transition not allowed")
)

// Repository handles database operations for campaigns, prospects and the
// send queue.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const campaignColumns = `
	id, workspace_id, name, type, status, channel_account_id,
	templates, schedule_settings, notify_email, launched_at,
	created_at, updated_at`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID,
		&c.WorkspaceID,
		&c.Name,
		&c.Type,
		&c.Status,
		&c.ChannelAccountID,
		&c.Templates,
		&c.Schedule,
		&c.NotifyEmail,
		&c.LaunchedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCampaign retrieves a campaign by ID
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get campaign",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
		)
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	return c, nil
}

// SetCampaignStatus moves a campaign to status if it is currently in one of from.
func (r *Repository) SetCampaignStatus(ctx context.Context, id uuid.UUID, to CampaignStatus, from ...CampaignStatus) error {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
		UPDATE campaigns
		SET status = $1
		WHERE id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, string(to), id, allowed)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}

	if result.RowsAffected() == 0 {
		if _, err := r.GetCampaign(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("campaign %s to %s: %w", id, to, ErrStatusTransition)
	}

	r.logger.Info("campaign status changed",
		zap.String("campaign_id", id.String()),
		zap.String("status", string(to)),
	)

	return nil
}

const prospectColumns = `
	id, campaign_id, profile_url, channel_user_id, first_name, last_name,
	company, title, status, notes, contacted_at, responded_at,
	follow_up_due_at, created_at, updated_at`

// ListLaunchableProspects returns the prospects a launch should consider, in
// the order they were added to the campaign.
func (r *Repository) ListLaunchableProspects(ctx context.Context, campaignID uuid.UUID) ([]*Prospect, error) {
	query := `
		SELECT ` + prospectColumns + `
		FROM prospects
		WHERE campaign_id = $1 AND status IN ('pending', 'validated')
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query prospects: %w", err)
	}
	defer rows.Close()

	var prospects []*Prospect
	for rows.Next() {
		var p Prospect
		err := rows.Scan(
			&p.ID,
			&p.CampaignID,
			&p.ProfileURL,
			&p.ChannelUserID,
			&p.FirstName,
			&p.LastName,
			&p.Company,
			&p.Title,
			&p.Status,
			&p.Notes,
			&p.ContactedAt,
			&p.RespondedAt,
			&p.FollowUpDueAt,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan prospect: %w", err)
		}
		prospects = append(prospects, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return prospects, nil
}

// ContactedElsewhere returns which of urls and userIDs another campaign of the
// workspace has already reached out to. Empty identifiers are never matched.
func (r *Repository) ContactedElsewhere(ctx context.Context, workspaceID, campaignID uuid.UUID, urls, userIDs []string) (Contacted, error) {
	out := Contacted{ProfileURLs: make(map[string]bool), ChannelUserIDs: make(map[string]bool)}
	if len(urls) == 0 && len(userIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT p.profile_url, COALESCE(p.channel_user_id, '')
		FROM prospects p
		JOIN campaigns c ON c.id = p.campaign_id
		WHERE c.workspace_id = $1
		  AND p.campaign_id <> $2
		  AND ((p.profile_url <> '' AND p.profile_url = ANY($3))
		    OR (p.channel_user_id <> '' AND p.channel_user_id = ANY($4)))
		  AND p.status IN ('queued', 'connected', 'sent', 'replied')
	`

	rows, err := r.db.Pool().Query(ctx, query, workspaceID, campaignID, nonEmpty(urls), nonEmpty(userIDs))
	if err != nil {
		return out, fmt.Errorf("query workspace duplicates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var url, userID string
		if err := rows.Scan(&url, &userID); err != nil {
			return out, fmt.Errorf("scan contacted prospect: %w", err)
		}
		if url != "" {
			out.ProfileURLs[url] = true
		}
		if userID != "" {
			out.ChannelUserIDs[userID] = true
		}
	}

	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SaveLaunch writes queue entries in batches of batchSize and applies the
// prospect updates in one transaction, then marks the campaign active. A
// campaign that left draft or active meanwhile rolls the launch back with
// ErrStatusTransition.
// Entries that already exist are left untouched. It returns the number of
// entries inserted.
func (r *Repository) SaveLaunch(ctx context.Context, campaignID uuid.UUID, entries []QueueEntry, updates []ProspectUpdate, batchSize int) (int64, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted int64
	for _, batch := range chunk(entries, batchSize) {
		query, args := insertEntriesQuery(batch)
		result, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert queue batch: %w", err)
		}
		inserted += result.RowsAffected()
	}

	if len(updates) > 0 {
		batch := &pgx.Batch{}
		for _, u := range updates {
			batch.Queue(`
				UPDATE prospects
				SET status = $1,
				    channel_user_id = COALESCE($2, channel_user_id),
				    notes = COALESCE($3, notes)
				WHERE id = $4 AND campaign_id = $5 AND status IN ('pending', 'validated')
			`, string(u.Status), u.ChannelUserID, u.Note, u.ProspectID, campaignID)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return inserted, fmt.Errorf("update prospects: %w", err)
		}
	}

	result, err := tx.Exec(ctx, `
		UPDATE campaigns
		SET status = 'active', launched_at = COALESCE(launched_at, $1)
		WHERE id = $2 AND status IN ('draft', 'active')
	`, time.Now().UTC(), campaignID)
	if err != nil {
		return inserted, fmt.Errorf("activate campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		// paused or completed while the launch was running
		return 0, fmt.Errorf("activate campaign %s: %w", campaignID, ErrStatusTransition)
	}

	if err = tx.Commit(ctx); err != nil {
		return inserted, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("launch saved",
		zap.String("campaign_id", campaignID.String()),
		zap.Int64("entries_inserted", inserted),
		zap.Int("prospects_updated", len(updates)),
	)

	return inserted, nil
}
