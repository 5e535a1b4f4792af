package db

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/cadence/internal/schedule"
)

type CampaignType string

const (
	CampaignDirectMessage      CampaignType = "direct-message"
	CampaignConnectThenMessage CampaignType = "connect-then-message"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// MaxFollowUps is the number of follow-up templates a campaign may carry.
const MaxFollowUps = 5

// Templates is the ordered message sequence of a campaign, stored as JSON.
type Templates struct {
	FirstTouch     string   `json:"first_touch"`
	FirstTouchAlt  string   `json:"first_touch_alt,omitempty"`
	FollowUps      []string `json:"follow_ups,omitempty"`
	FollowUpDelays []int    `json:"follow_up_delays,omitempty"` // days, by follow-up position
	ABTesting      bool     `json:"ab_testing"`
}

type Campaign struct {
	ID               uuid.UUID         `json:"id"`
	WorkspaceID      uuid.UUID         `json:"workspace_id"`
	Name             string            `json:"name"`
	Type             CampaignType      `json:"type"`
	Status           CampaignStatus    `json:"status"`
	ChannelAccountID string            `json:"channel_account_id"`
	Templates        Templates         `json:"templates"`
	Schedule         schedule.Settings `json:"schedule_settings"`
	NotifyEmail      *string           `json:"notify_email,omitempty"`
	LaunchedAt       *time.Time        `json:"launched_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

type ProspectStatus string

const (
	ProspectPending   ProspectStatus = "pending"
	ProspectValidated ProspectStatus = "validated"
	ProspectQueued    ProspectStatus = "queued"
	ProspectConnected ProspectStatus = "connected"
	ProspectSent      ProspectStatus = "sent"
	ProspectReplied   ProspectStatus = "replied"
	ProspectFailed    ProspectStatus = "failed"
	ProspectCancelled ProspectStatus = "cancelled"
)

type Prospect struct {
	ID            uuid.UUID      `json:"id"`
	CampaignID    uuid.UUID      `json:"campaign_id"`
	ProfileURL    string         `json:"profile_url"`
	ChannelUserID *string        `json:"channel_user_id,omitempty"`
	FirstName     string         `json:"first_name"`
	LastName      string         `json:"last_name"`
	Company       string         `json:"company"`
	Title         string         `json:"title"`
	Status        ProspectStatus `json:"status"`
	Notes         *string        `json:"notes,omitempty"`
	ContactedAt   *time.Time     `json:"contacted_at,omitempty"`
	RespondedAt   *time.Time     `json:"responded_at,omitempty"`
	FollowUpDueAt *time.Time     `json:"follow_up_due_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Name is the display name used in launch results.
func (p *Prospect) Name() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// MessageType is the step ordinal: 1 is the first touch, 2..6 are follow-ups.
type MessageType int

const (
	MessageFirstTouch MessageType = 1
	MessageLast       MessageType = MessageFirstTouch + MaxFollowUps
)

func (m MessageType) String() string {
	if m == MessageFirstTouch {
		return "first_touch"
	}
	return "follow_up_" + strconv.Itoa(int(m))
}

func (m MessageType) IsFirstTouch() bool { return m == MessageFirstTouch }

func (m MessageType) MarshalText() ([]byte, error) {
	if m < MessageFirstTouch || m > MessageLast {
		return nil, fmt.Errorf("invalid message type %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *MessageType) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "first_touch" {
		*m = MessageFirstTouch
		return nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "follow_up_"))
	if err != nil || !strings.HasPrefix(s, "follow_up_") || n <= int(MessageFirstTouch) || n > int(MessageLast) {
		return fmt.Errorf("invalid message type %q", s)
	}
	*m = MessageType(n)
	return nil
}

type QueueStatus string

// Entries move pending -> sending -> sent|failed, or pending -> cancelled.
const (
	QueuePending   QueueStatus = "pending"
	QueueSending   QueueStatus = "sending"
	QueueSent      QueueStatus = "sent"
	QueueCancelled QueueStatus = "cancelled"
	QueueFailed    QueueStatus = "failed"
)

type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

type QueueEntry struct {
	ID                   uuid.UUID   `json:"id"`
	CampaignID           uuid.UUID   `json:"campaign_id"`
	ProspectID           uuid.UUID   `json:"prospect_id"`
	ChannelUserID        string      `json:"channel_user_id"`
	Message              string      `json:"message"`
	ScheduledFor         time.Time   `json:"scheduled_for"`
	MessageType          MessageType `json:"message_type"`
	Status               QueueStatus `json:"status"`
	Variant              *Variant    `json:"variant,omitempty"`
	RequiresPrecondition bool        `json:"requires_precondition"`
	Attempt              int         `json:"attempt"`
	PreconditionChecks   int         `json:"precondition_checks"`
	ErrorMessage         *string     `json:"error_message,omitempty"`
	RemoteMessageID      *string     `json:"remote_message_id,omitempty"`
	ClaimedAt            *time.Time  `json:"claimed_at,omitempty"`
	SentAt               *time.Time  `json:"sent_at,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Claim is a queue entry taken for dispatch together with the context the
// processor needs to send it.
type Claim struct {
	QueueEntry
	WorkspaceID      uuid.UUID         `json:"workspace_id"`
	CampaignType     CampaignType      `json:"campaign_type"`
	ChannelAccountID string            `json:"channel_account_id"`
	Schedule         schedule.Settings `json:"schedule_settings"`
}

// ProspectUpdate is written alongside queue entries when a launch commits.
type ProspectUpdate struct {
	ProspectID    uuid.UUID
	Status        ProspectStatus
	ChannelUserID *string
	Note          *string
}

// Contacted holds the identifiers that another campaign of the workspace has
// already reached out to.
type Contacted struct {
	ProfileURLs    map[string]bool
	ChannelUserIDs map[string]bool
}

// Has reports whether p matches a contacted profile URL or channel user id.
// Empty identifiers never match.
func (c Contacted) Has(p *Prospect) bool {
	if p.ProfileURL != "" && c.ProfileURLs[p.ProfileURL] {
		return true
	}
	return p.ChannelUserID != nil && *p.ChannelUserID != "" && c.ChannelUserIDs[*p.ChannelUserID]
}

// ReplyTarget is a (campaign, prospect) pair matched by an inbound reply.
type ReplyTarget struct {
	CampaignID   uuid.UUID
	ProspectID   uuid.UUID
	WorkspaceID  uuid.UUID
	CampaignName string
	Name         string
	NotifyEmail  *string
}
