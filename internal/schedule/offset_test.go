package schedule

import (
	"math/rand/v2"
	"reflect"
	"testing"
)

type fixedSource struct {
	values []int
	calls  []int
}

func (f *fixedSource) IntN(n int) int {
	f.calls = append(f.calls, n)
	v := f.values[0]
	f.values = f.values[1:]
	return v
}

func TestOffsets_Deterministic(t *testing.T) {
	src := &fixedSource{values: []int{4, 0, 25, 10}}
	g := NewOffsetGenerator(src)

	got := g.Offsets(3)

	want := []int{4, 24, 69}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	// seed range [0,15], gap range [20,45]
	if src.calls[0] != 16 || src.calls[1] != 26 {
		t.Errorf("unexpected bounds %v", src.calls)
	}
}

func TestOffsets_Properties(t *testing.T) {
	g := NewOffsetGenerator(rand.New(rand.NewPCG(1, 2)))

	offsets := g.Offsets(500)
	if offsets[0] < 0 || offsets[0] > 15 {
		t.Errorf("seed %d outside [0,15]", offsets[0])
	}
	for i := 1; i < len(offsets); i++ {
		gap := offsets[i] - offsets[i-1]
		if gap < 20 || gap > 45 {
			t.Fatalf("gap %d at %d outside [20,45]", gap, i)
		}
	}
}

func TestOffsets_SeededSourceIsReproducible(t *testing.T) {
	a := NewOffsetGenerator(rand.New(rand.NewPCG(42, 42))).Offsets(20)
	b := NewOffsetGenerator(rand.New(rand.NewPCG(42, 42))).Offsets(20)
	if !reflect.DeepEqual(a, b) {
		t.Error("same seed produced different offsets")
	}
}

func TestOffsets_Empty(t *testing.T) {
	if got := NewOffsetGenerator(nil).Offsets(0); len(got) != 0 {
		t.Errorf("expected no offsets, got %v", got)
	}
}
