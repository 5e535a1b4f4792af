package sequence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lalithlochan/cadence/internal/db"
)

var (
	ErrNoTemplates      = errors.New("campaign has no message templates")
	ErrTooManyFollowUps = fmt.Errorf("campaign has more than %d follow-ups", db.MaxFollowUps)
)

// DefaultFollowUpDelays applies by follow-up position when a campaign leaves a
// delay unset or non-positive.
var DefaultFollowUpDelays = [db.MaxFollowUps]int{3, 5, 7, 5, 7}

// Step is one non-empty message of a campaign sequence.
type Step struct {
	Type      db.MessageType
	Template  string
	Alternate string // first touch only
	DelayDays int    // follow-ups only, relative to the previous step
}

// Steps compacts the campaign templates into consecutive ordinals, dropping
// empty templates together with their delays.
func Steps(t db.Templates) ([]Step, error) {
	if len(t.FollowUps) > db.MaxFollowUps {
		return nil, ErrTooManyFollowUps
	}

	type raw struct {
		text, alt string
		delay     int
	}
	all := make([]raw, 0, 1+len(t.FollowUps))
	all = append(all, raw{text: t.FirstTouch, alt: t.FirstTouchAlt})
	for i, f := range t.FollowUps {
		delay := DefaultFollowUpDelays[i]
		if i < len(t.FollowUpDelays) && t.FollowUpDelays[i] > 0 {
			delay = t.FollowUpDelays[i]
		}
		all = append(all, raw{text: f, delay: delay})
	}

	var steps []Step
	for _, r := range all {
		if strings.TrimSpace(r.text) == "" {
			continue
		}
		s := Step{Type: db.MessageType(len(steps) + 1), Template: r.text}
		if s.Type.IsFirstTouch() {
			s.Alternate = strings.TrimSpace(r.alt)
		} else {
			s.DelayDays = r.delay
		}
		steps = append(steps, s)
	}

	if len(steps) == 0 {
		return nil, ErrNoTemplates
	}
	return steps, nil
}
