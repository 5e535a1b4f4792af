package schedule

import (
	"math/rand/v2"
	"sync"
)

const (
	maxSeedMinutes = 15
	minGapMinutes  = 20
	maxGapMinutes  = 45
)

// Source is the subset of *rand.Rand the generator needs.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// OffsetGenerator spaces first touches so a batch does not fire in lockstep.
type OffsetGenerator struct {
	mu  sync.Mutex
	src Source
}

// NewOffsetGenerator uses src, or the process-wide source when src is nil.
func NewOffsetGenerator(src Source) *OffsetGenerator {
	if src == nil {
		src = globalSource{}
	}
	return &OffsetGenerator{src: src}
}

// Offsets returns n strictly increasing cumulative minute offsets. The first
// is in [0,15]; consecutive values differ by [20,45].
func (g *OffsetGenerator) Offsets(n int) []int {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]int, n)
	cur := g.src.IntN(maxSeedMinutes + 1)
	for i := range out {
		out[i] = cur
		cur += minGapMinutes + g.src.IntN(maxGapMinutes-minGapMinutes+1)
	}
	return out
}
