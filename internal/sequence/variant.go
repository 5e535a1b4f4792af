package sequence

import "github.com/lalithlochan/cadence/internal/db"

// AssignVariant buckets a recipient by its ordinal in the batch. It returns
// nil when A/B testing is off.
func AssignVariant(ordinal int, enabled bool) *db.Variant {
	if !enabled {
		return nil
	}
	v := db.VariantA
	if ordinal%2 == 1 {
		v = db.VariantB
	}
	return &v
}

// ABEnabled reports whether the first step has a usable alternate.
func ABEnabled(t db.Templates, first Step) bool {
	return t.ABTesting && first.Type.IsFirstTouch() && first.Alternate != ""
}
