package sequence

import (
	"errors"
	"testing"

	"github.com/lalithlochan/cadence/internal/db"
)

func TestSteps(t *testing.T) {
	steps, err := Steps(db.Templates{
		FirstTouch:     "hello",
		FirstTouchAlt:  "  hey  ",
		FollowUps:      []string{"one", "", "three"},
		FollowUpDelays: []int{2, 9, 0},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if steps[0].Type != db.MessageFirstTouch || steps[0].Alternate != "hey" {
		t.Errorf("unexpected first step %+v", steps[0])
	}
	if steps[1].Type != 2 || steps[1].Template != "one" || steps[1].DelayDays != 2 {
		t.Errorf("unexpected second step %+v", steps[1])
	}
	// the empty follow-up and its delay are dropped; "three" keeps its own
	// position's default delay
	if steps[2].Type != 3 || steps[2].Template != "three" || steps[2].DelayDays != 7 {
		t.Errorf("unexpected third step %+v", steps[2])
	}
}

func TestSteps_DefaultDelays(t *testing.T) {
	steps, err := Steps(db.Templates{
		FirstTouch: "a",
		FollowUps:  []string{"b", "c", "d", "e", "f"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{3, 5, 7, 5, 7}
	for i, s := range steps[1:] {
		if s.DelayDays != want[i] {
			t.Errorf("follow-up %d: expected delay %d, got %d", i, want[i], s.DelayDays)
		}
	}
	if steps[5].Type != db.MessageLast {
		t.Errorf("expected last ordinal %d, got %d", db.MessageLast, steps[5].Type)
	}
}

func TestSteps_EmptyFirstTouchPromotesFollowUp(t *testing.T) {
	steps, err := Steps(db.Templates{FollowUps: []string{"", "late start"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(steps) != 1 || !steps[0].Type.IsFirstTouch() || steps[0].Template != "late start" {
		t.Errorf("unexpected steps %+v", steps)
	}
}

func TestSteps_Errors(t *testing.T) {
	if _, err := Steps(db.Templates{FirstTouch: "  ", FollowUps: []string{""}}); !errors.Is(err, ErrNoTemplates) {
		t.Errorf("expected ErrNoTemplates, got %v", err)
	}
	_, err := Steps(db.Templates{FirstTouch: "a", FollowUps: make([]string, 6)})
	if !errors.Is(err, ErrTooManyFollowUps) {
		t.Errorf("expected ErrTooManyFollowUps, got %v", err)
	}
}

func TestAssignVariant(t *testing.T) {
	if v := AssignVariant(0, false); v != nil {
		t.Errorf("expected nil when disabled, got %v", *v)
	}
	for i, want := range []db.Variant{db.VariantA, db.VariantB, db.VariantA, db.VariantB} {
		if v := AssignVariant(i, true); v == nil || *v != want {
			t.Errorf("ordinal %d: expected %s", i, want)
		}
	}
}
