package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ReasonOutcomeUnknown marks entries whose dispatch never reported back.
const ReasonOutcomeUnknown = "dispatch outcome unknown"

// ReasonSequenceStopped marks later steps cancelled because an earlier step
// of the same prospect failed.
const ReasonSequenceStopped = "sequence stopped: earlier step failed"

const entryColumns = `
	e.id, e.campaign_id, e.prospect_id, e.channel_user_id, e.message,
	e.scheduled_for, e.message_type, e.status, e.variant,
	e.requires_precondition, e.attempt, e.precondition_checks,
	e.error_message, e.remote_message_id, e.claimed_at, e.sent_at,
	e.created_at, e.updated_at`

const insertEntryColumnCount = 10

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// insertEntriesQuery builds one multi-row insert for a batch of entries.
func insertEntriesQuery(entries []QueueEntry) (string, []any) {
	values := make([]string, len(entries))
	args := make([]any, 0, len(entries)*insertEntryColumnCount)

	for i, e := range entries {
		n := i * insertEntryColumnCount
		placeholders := make([]string, insertEntryColumnCount)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", n+j+1)
		}
		values[i] = "(" + strings.Join(placeholders, ", ") + ")"

		var variant *string
		if e.Variant != nil {
			v := string(*e.Variant)
			variant = &v
		}
		args = append(args,
			e.ID,
			e.CampaignID,
			e.ProspectID,
			e.ChannelUserID,
			e.Message,
			e.ScheduledFor.UTC(),
			int16(e.MessageType),
			string(e.Status),
			variant,
			e.RequiresPrecondition,
		)
	}

	query := `
		INSERT INTO queue_entries (
			id, campaign_id, prospect_id, channel_user_id, message,
			scheduled_for, message_type, status, variant, requires_precondition
		) VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (campaign_id, prospect_id, message_type) DO NOTHING`

	return query, args
}

func scanEntry(row pgx.Row, extra ...any) (*QueueEntry, error) {
	var e QueueEntry
	var messageType int16
	var variant *string
	dest := []any{
		&e.ID,
		&e.CampaignID,
		&e.ProspectID,
		&e.ChannelUserID,
		&e.Message,
		&e.ScheduledFor,
		&messageType,
		&e.Status,
		&variant,
		&e.RequiresPrecondition,
		&e.Attempt,
		&e.PreconditionChecks,
		&e.ErrorMessage,
		&e.RemoteMessageID,
		&e.ClaimedAt,
		&e.SentAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	e.MessageType = MessageType(messageType)
	if variant != nil {
		v := Variant(*variant)
		e.Variant = &v
	}
	return &e, nil
}

// claimDueQuery claims due entries of active campaigns. An entry waits while
// an earlier step of the same prospect is still pending or sending, so steps
// go out in message type order even after an earlier one was pushed back.
const claimDueQuery = `
	UPDATE queue_entries e
	SET status = 'sending', claimed_at = $1
	FROM campaigns c
	WHERE c.id = e.campaign_id
	  AND e.status = 'pending'
	  AND e.id IN (
		SELECT q.id
		FROM queue_entries q
		JOIN campaigns qc ON qc.id = q.campaign_id
		JOIN prospects p ON p.id = q.prospect_id
		WHERE q.status = 'pending'
		  AND q.scheduled_for <= $1
		  AND qc.status = 'active'
		  AND p.status <> 'replied'
		  AND NOT EXISTS (
			SELECT 1 FROM queue_entries prev
			WHERE prev.campaign_id = q.campaign_id
			  AND prev.prospect_id = q.prospect_id
			  AND prev.message_type < q.message_type
			  AND prev.status IN ('pending', 'sending')
		  )
		ORDER BY q.scheduled_for ASC
		LIMIT $2
		FOR UPDATE OF q SKIP LOCKED
	  )
	RETURNING ` + entryColumns + `, c.workspace_id, c.type, c.channel_account_id, c.schedule_settings`

// ClaimDue moves up to limit due entries from pending to sending and returns
// them. Rows locked by a concurrent claimer are skipped, so overlapping
// processors never receive the same entry. Entries of paused campaigns and of
// prospects that replied are not claimed.
func (r *Repository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Claim, error) {
	rows, err := r.db.Pool().Query(ctx, claimDueQuery, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due entries: %w", err)
	}
	defer rows.Close()

	var claims []*Claim
	for rows.Next() {
		var c Claim
		e, err := scanEntry(rows, &c.WorkspaceID, &c.CampaignType, &c.ChannelAccountID, &c.Schedule)
		if err != nil {
			return nil, fmt.Errorf("scan claimed entry: %w", err)
		}
		c.QueueEntry = *e
		claims = append(claims, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return claims, nil
}

// stopLaterSteps cancels the pending later steps of every entry in the failed
// CTE with reason $3, clears the prospect's follow-up time and fails a prospect
// whose first touch failed.
const stopLaterSteps = `
	stopped AS (
		UPDATE queue_entries q
		SET status = 'cancelled', error_message = $3
		FROM failed f
		WHERE q.campaign_id = f.campaign_id
		  AND q.prospect_id = f.prospect_id
		  AND q.message_type > f.message_type
		  AND q.status = 'pending'
		RETURNING q.id
	), stopped_prospects AS (
		UPDATE prospects p
		SET follow_up_due_at = NULL,
		    status = CASE WHEN f.message_type = 1 AND p.status = 'queued' THEN 'failed' ELSE p.status END
		FROM failed f
		WHERE p.id = f.prospect_id AND p.status <> 'replied'
	)
	SELECT (SELECT COUNT(*) FROM failed), (SELECT COUNT(*) FROM stopped)`

const failStaleQuery = `
	WITH failed AS (
		UPDATE queue_entries
		SET status = 'failed', error_message = $1
		WHERE status = 'sending' AND claimed_at < $2
		RETURNING campaign_id, prospect_id, message_type
	),` + stopLaterSteps

// FailStale fails entries that have been sending since before cutoff. Their
// outcome is unknown, so they are never sent again, and neither are the later
// steps of the same prospects.
func (r *Repository) FailStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var failed, stopped int64
	err := r.db.Pool().QueryRow(ctx, failStaleQuery, ReasonOutcomeUnknown, cutoff.UTC(), ReasonSequenceStopped).Scan(&failed, &stopped)
	if err != nil {
		return 0, fmt.Errorf("fail stale entries: %w", err)
	}

	if failed > 0 {
		r.logger.Warn("failed stale sending entries",
			zap.Int64("count", failed),
			zap.Int64("later_steps_cancelled", stopped),
		)
	}

	return failed, nil
}

// MarkSent records a successful dispatch and advances the prospect.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, remoteMessageID string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prospectID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = 'sent', remote_message_id = NULLIF($2, ''), sent_at = NOW(), error_message = NULL
		WHERE id = $1 AND status = 'sending'
		RETURNING prospect_id
	`, id, remoteMessageID).Scan(&prospectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("sending entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("mark entry sent: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE prospects
		SET status = 'sent',
		    contacted_at = COALESCE(contacted_at, NOW()),
		    follow_up_due_at = (
			SELECT MIN(scheduled_for) FROM queue_entries
			WHERE prospect_id = $1 AND status = 'pending'
		    )
		WHERE id = $1 AND status NOT IN ('replied', 'failed', 'cancelled')
	`, prospectID)
	if err != nil {
		return fmt.Errorf("advance prospect: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

const markFailedQuery = `
	WITH failed AS (
		UPDATE queue_entries
		SET status = 'failed', error_message = $2
		WHERE id = $1 AND status = 'sending'
		RETURNING campaign_id, prospect_id, message_type
	),` + stopLaterSteps

// MarkFailed fails a claimed entry with reason and cancels the prospect's later
// pending steps.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	var failed, stopped int64
	err := r.db.Pool().QueryRow(ctx, markFailedQuery, id, reason, ReasonSequenceStopped).Scan(&failed, &stopped)
	if err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}

	if failed == 0 {
		return fmt.Errorf("sending entry %s: %w", id, ErrNotFound)
	}

	if stopped > 0 {
		r.logger.Info("sequence stopped after failed step",
			zap.String("entry_id", id.String()),
			zap.Int64("later_steps_cancelled", stopped),
		)
	}

	return nil
}

// Requeue describes how a claimed entry goes back to pending.
type Requeue struct {
	At                time.Time
	Reason            string
	CountAttempt      bool
	CountPrecondition bool
}

// releaseQuery puts a claimed entry back to pending at $2 and moves the
// prospect's later pending steps by the same amount, keeping their order and
// spacing.
const releaseQuery = `
	WITH cur AS (
		SELECT id, campaign_id, prospect_id, message_type, scheduled_for
		FROM queue_entries
		WHERE id = $1 AND status = 'sending'
		FOR UPDATE
	), moved AS (
		UPDATE queue_entries e
		SET status = CASE
		        WHEN EXISTS (SELECT 1 FROM prospects p WHERE p.id = e.prospect_id AND p.status = 'replied')
		        THEN 'cancelled' ELSE 'pending' END,
		    scheduled_for = $2,
		    claimed_at = NULL,
		    attempt = e.attempt + $3,
		    precondition_checks = e.precondition_checks + $4,
		    error_message = COALESCE(NULLIF($5, ''), e.error_message)
		FROM cur
		WHERE e.id = cur.id
		RETURNING e.id
	), shifted AS (
		UPDATE queue_entries q
		SET scheduled_for = q.scheduled_for + ($2::timestamptz - cur.scheduled_for)
		FROM cur
		WHERE q.campaign_id = cur.campaign_id
		  AND q.prospect_id = cur.prospect_id
		  AND q.message_type > cur.message_type
		  AND q.status = 'pending'
		  AND $2::timestamptz > cur.scheduled_for
		RETURNING q.id
	)
	SELECT (SELECT COUNT(*) FROM moved), (SELECT COUNT(*) FROM shifted)`

// Release returns a claimed entry to pending at rq.At. An entry whose
// prospect replied in the meantime is cancelled instead. Later steps of the
// prospect move back by as much as the entry did.
func (r *Repository) Release(ctx context.Context, id uuid.UUID, rq Requeue) error {
	var moved, shifted int64
	err := r.db.Pool().QueryRow(ctx, releaseQuery, id, rq.At.UTC(), boolToInt(rq.CountAttempt), boolToInt(rq.CountPrecondition), rq.Reason).Scan(&moved, &shifted)
	if err != nil {
		return fmt.Errorf("release entry: %w", err)
	}

	if moved == 0 {
		return fmt.Errorf("sending entry %s: %w", id, ErrNotFound)
	}

	if shifted > 0 {
		r.logger.Debug("later steps rescheduled",
			zap.String("entry_id", id.String()),
			zap.Int64("count", shifted),
		)
	}

	return nil
}

// ListQueue returns a campaign's entries ordered by send time.
func (r *Repository) ListQueue(ctx context.Context, campaignID uuid.UUID, status *QueueStatus, limit, offset int) ([]*QueueEntry, error) {
	var statusArg *string
	if status != nil {
		s := string(*status)
		statusArg = &s
	}

	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries e
		WHERE e.campaign_id = $1 AND ($2::text IS NULL OR e.status = $2)
		ORDER BY e.scheduled_for ASC, e.message_type ASC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
