package sequence

import (
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/cadence/internal/db"
	"github.com/lalithlochan/cadence/internal/schedule"
)

// Recipient is a prospect that passed eligibility, with its resolved
// channel user id.
type Recipient struct {
	Prospect      *db.Prospect
	ChannelUserID string
}

// Builder expands a campaign and its recipients into queue entries.
type Builder struct {
	offsets *schedule.OffsetGenerator
}

func NewBuilder(offsets *schedule.OffsetGenerator) *Builder {
	if offsets == nil {
		offsets = schedule.NewOffsetGenerator(nil)
	}
	return &Builder{offsets: offsets}
}

// Build returns one entry per recipient per step. Recipient order is the
// ordinal used for pacing and variant assignment. Follow-ups are scheduled
// from the previous step's resolved time, so each recipient's entries are
// strictly increasing.
func (b *Builder) Build(c *db.Campaign, policy schedule.Policy, base time.Time, recipients []Recipient) ([]db.QueueEntry, error) {
	steps, err := Steps(c.Templates)
	if err != nil {
		return nil, err
	}
	ab := ABEnabled(c.Templates, steps[0])
	offsets := b.offsets.Offsets(len(recipients))
	connectFirst := c.Type == db.CampaignConnectThenMessage

	entries := make([]db.QueueEntry, 0, len(recipients)*len(steps))
	for i, r := range recipients {
		attrs := Attributes{
			FirstName: r.Prospect.FirstName,
			LastName:  r.Prospect.LastName,
			Company:   r.Prospect.Company,
			Title:     r.Prospect.Title,
		}

		var prev time.Time
		for _, s := range steps {
			e := db.QueueEntry{
				ID:            uuid.New(),
				CampaignID:    c.ID,
				ProspectID:    r.Prospect.ID,
				ChannelUserID: r.ChannelUserID,
				MessageType:   s.Type,
				Status:        db.QueuePending,
			}

			tmpl := s.Template
			if s.Type.IsFirstTouch() {
				e.ScheduledFor = schedule.Resolve(base, policy, offsets[i], true, 0)
				e.Variant = AssignVariant(i, ab)
				if e.Variant != nil && *e.Variant == db.VariantB {
					tmpl = s.Alternate
				}
			} else {
				e.ScheduledFor = schedule.Resolve(prev, policy, 0, false, s.DelayDays)
				e.RequiresPrecondition = connectFirst
			}
			e.Message = Render(tmpl, attrs)

			prev = e.ScheduledFor
			entries = append(entries, e)
		}
	}
	return entries, nil
}
