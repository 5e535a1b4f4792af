package eligibility

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Category classifies why a sampled prospect failed the gate.
type Category string

const (
	CategoryMissingIdentifier Category = "missing_identifier"
	CategoryWrongRelationship Category = "wrong_relationship"
	CategoryLookupError       Category = "lookup_error"
)

var categoryOrder = []Category{
	CategoryMissingIdentifier,
	CategoryWrongRelationship,
	CategoryLookupError,
}

var suggestions = map[Category]string{
	CategoryMissingIdentifier: "Fix the profile URLs or add channel user ids for these prospects.",
	CategoryWrongRelationship: "These prospects are not first-degree connections. Run a connect-then-message campaign first.",
	CategoryLookupError:       "The messaging provider could not be reached for some prospects. Try again shortly.",
}

type Failure struct {
	ProspectID uuid.UUID `json:"prospect_id"`
	Name       string    `json:"name"`
	Category   Category  `json:"category"`
	Reason     string    `json:"reason"`
}

// GateError rejects a whole launch because part of the sample failed.
type GateError struct {
	Checked   int              `json:"checked"`
	Total     int              `json:"total"`
	Breakdown map[Category]int `json:"breakdown"`
	Failures  []Failure        `json:"failures"`
}

func newGateError(checked, total int, failures []Failure) *GateError {
	breakdown := make(map[Category]int, len(categoryOrder))
	for _, c := range categoryOrder {
		breakdown[c] = 0
	}
	for _, f := range failures {
		breakdown[f.Category]++
	}
	return &GateError{
		Checked:   checked,
		Total:     total,
		Breakdown: breakdown,
		Failures:  failures,
	}
}

func (e *GateError) Error() string {
	parts := make([]string, 0, len(categoryOrder))
	for _, c := range categoryOrder {
		if n := e.Breakdown[c]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", c, n))
		}
	}
	return fmt.Sprintf("eligibility check failed for %d of %d sampled prospects (%s)",
		len(e.Failures), e.Checked, strings.Join(parts, ", "))
}

// Suggestion tells the operator how to remediate, most common cause first.
func (e *GateError) Suggestion() string {
	cats := make([]Category, 0, len(categoryOrder))
	for _, c := range categoryOrder {
		if e.Breakdown[c] > 0 {
			cats = append(cats, c)
		}
	}
	slices.SortStableFunc(cats, func(a, b Category) int {
		return e.Breakdown[b] - e.Breakdown[a]
	})

	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = suggestions[c]
	}
	return strings.Join(out, " ")
}
