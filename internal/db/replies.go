package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReplyOutcome reports what a reply changed.
type ReplyOutcome struct {
	Transitioned bool  // prospect moved to replied by this call
	Cancelled    int64 // pending entries cancelled by this call
}

// FindReplyTargets matches an inbound sender to prospects. address may be the
// channel user id or the profile URL. campaignID and accountID narrow the
// match when set.
func (r *Repository) FindReplyTargets(ctx context.Context, campaignID *uuid.UUID, accountID, address string) ([]ReplyTarget, error) {
	query := `
		SELECT p.campaign_id, p.id, c.workspace_id, c.name,
		       TRIM(p.first_name || ' ' || p.last_name), c.notify_email
		FROM prospects p
		JOIN campaigns c ON c.id = p.campaign_id
		WHERE (p.channel_user_id = $1 OR p.profile_url = $1)
		  AND ($2::uuid IS NULL OR p.campaign_id = $2)
		  AND ($3::text = '' OR c.channel_account_id = $3)
		ORDER BY p.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, address, campaignID, accountID)
	if err != nil {
		return nil, fmt.Errorf("query reply targets: %w", err)
	}
	defer rows.Close()

	var targets []ReplyTarget
	for rows.Next() {
		var t ReplyTarget
		if err := rows.Scan(&t.CampaignID, &t.ProspectID, &t.WorkspaceID, &t.CampaignName, &t.Name, &t.NotifyEmail); err != nil {
			return nil, fmt.Errorf("scan reply target: %w", err)
		}
		targets = append(targets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return targets, nil
}

// MarkReplied stops a prospect's sequence: the prospect becomes replied and
// every pending entry is cancelled, in one transaction. The cancel is a single
// status-filtered update, so an entry is either claimed by the processor or
// cancelled here, never both. Repeating the call changes nothing.
func (r *Repository) MarkReplied(ctx context.Context, campaignID, prospectID uuid.UUID, at time.Time, reason string) (ReplyOutcome, error) {
	var out ReplyOutcome

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE prospects
		SET status = 'replied', responded_at = COALESCE(responded_at, $3), follow_up_due_at = NULL
		WHERE id = $1 AND campaign_id = $2 AND status <> 'replied'
	`, prospectID, campaignID, at.UTC())
	if err != nil {
		return out, fmt.Errorf("mark prospect replied: %w", err)
	}
	transitioned := result.RowsAffected() > 0

	result, err = tx.Exec(ctx, `
		UPDATE queue_entries
		SET status = 'cancelled', error_message = $3
		WHERE prospect_id = $1 AND campaign_id = $2 AND status = 'pending'
	`, prospectID, campaignID, reason)
	if err != nil {
		return out, fmt.Errorf("cancel pending entries: %w", err)
	}
	cancelled := result.RowsAffected()

	if err = tx.Commit(ctx); err != nil {
		return out, fmt.Errorf("commit transaction: %w", err)
	}

	out = ReplyOutcome{Transitioned: transitioned, Cancelled: cancelled}

	r.logger.Info("prospect replied",
		zap.String("campaign_id", campaignID.String()),
		zap.String("prospect_id", prospectID.String()),
		zap.Bool("transitioned", transitioned),
		zap.Int64("entries_cancelled", cancelled),
	)

	return out, nil
}
